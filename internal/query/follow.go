package query

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/clawcast/internal/jsonl"
	"github.com/nextlevelbuilder/clawcast/internal/sessions"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

// FollowFile tails a session's messages.jsonl from disk, invoking onMessage
// for each complete record as the owning writer appends it. This is the
// durable-path observer: it works with no bus at all and never misses a
// flushed record, at the cost of batching latency. Returns when ctx is done
// or the session's lifecycle ends and the log stops growing.
func (q *Query) FollowFile(ctx context.Context, sessionID string, fromStart bool, onMessage func(protocol.Envelope)) error {
	dir, _, err := q.resolve(sessionID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, sessions.MessagesFile)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer watcher.Close()
	// Watch the directory: the log may not exist yet. Only events on the
	// log itself trigger a read; finalize is detected by the ticker below,
	// which re-reads metadata.json.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var offset int64
	if !fromStart {
		if info, err := os.Stat(path); err == nil {
			offset = info.Size()
		}
	}

	emit := func() error {
		_, err := emitFrom(path, &offset, onMessage)
		return err
	}
	if err := emit(); err != nil {
		return err
	}

	// Poll ticker backstop: fsnotify can coalesce or miss events on some
	// filesystems, and finalize may race the last batch.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != sessions.MessagesFile {
				continue
			}
			if err := emit(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", dir, err)
		case <-ticker.C:
			if err := emit(); err != nil {
				return err
			}
			meta, err := sessions.ReadMetadata(dir)
			if err == nil && meta.Status != protocol.StatusRunning {
				// Drain whatever the final flush wrote, then stop.
				if err := emit(); err != nil {
					return err
				}
				return nil
			}
		}
	}
}

// emitFrom decodes complete records past *offset and advances it. A partial
// tail stays unconsumed until the writer terminates it.
func emitFrom(path string, offset *int64, onMessage func(protocol.Envelope)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Size() <= *offset {
		return 0, nil
	}
	buf := make([]byte, info.Size()-*offset)
	if _, err := f.ReadAt(buf, *offset); err != nil {
		return 0, err
	}

	// Only consume up to the last newline; the rest is a partial record.
	end := -1
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] == '\n' {
			end = i
			break
		}
	}
	if end < 0 {
		return 0, nil
	}
	complete := buf[:end+1]

	envs, err := jsonl.DecodeEnvelopes(complete, nil, 0)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}
	for _, env := range envs {
		onMessage(env)
	}
	*offset += int64(len(complete))
	return len(envs), nil
}
