// Package jsonl owns the append-only message log of one session: batched
// asynchronous writes on the way in, partial-line-tolerant reads on the way
// out.
package jsonl

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawcast/internal/config"
)

// highWaterMark is the pending-record count above which Append starts
// warning. The queue is unbounded; the warning is the backpressure signal.
const highWaterMark = 1000

// ErrWriterClosed is returned by Append and Flush after Close.
var ErrWriterClosed = errors.New("jsonl: writer closed")

// Writer batches newline-terminated JSON records into an append-only file.
// Records are buffered whole, so a reader never observes an unterminated
// line in the middle of the file. One Writer per session; single writer,
// any number of readers.
type Writer struct {
	path string

	mu      sync.Mutex
	f       *os.File
	pending [][]byte
	closed  bool
	warned  bool

	batchSize int
	done      chan struct{}
	flusher   sync.WaitGroup
}

// NewWriter opens (or creates) the file at path for appending and starts the
// interval flusher.
func NewWriter(path string, cfg config.AsyncWriteConfig) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}

	w := &Writer{
		path:      path,
		f:         f,
		batchSize: batch,
		done:      make(chan struct{}),
	}
	w.flusher.Add(1)
	go w.flushLoop(interval)
	return w, nil
}

func (w *Writer) flushLoop(interval time.Duration) {
	defer w.flusher.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.Flush(); err != nil && !errors.Is(err, ErrWriterClosed) {
				slog.Warn("jsonl: interval flush failed", "path", w.path, "error", err)
			}
		}
	}
}

// Append encodes the record and queues it. The batch is written out inline
// once it reaches batch_size; a failed write keeps the batch queued so
// subsequent appends retry it.
func (w *Writer) Append(record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.pending = append(w.pending, line)

	if len(w.pending) > highWaterMark && !w.warned {
		w.warned = true
		slog.Warn("jsonl: pending queue above high-water mark", "path", w.path, "pending", len(w.pending))
	}

	if len(w.pending) >= w.batchSize {
		return w.flushLocked()
	}
	return nil
}

// Flush writes all pending records in one append.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	var buf []byte
	for _, line := range w.pending {
		buf = append(buf, line...)
	}
	if _, err := w.f.Write(buf); err != nil {
		// Keep the batch queued; the next Append or tick retries it.
		return fmt.Errorf("append %s: %w", w.path, err)
	}
	w.pending = w.pending[:0]
	w.warned = false
	return nil
}

// Pending reports the number of queued, unwritten records.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close stops the flusher, writes any remaining records and fsyncs the file.
// Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	flushErr := w.flushLocked()
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.flusher.Wait()

	if err := w.f.Sync(); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("sync %s: %w", w.path, err)
	}
	if err := w.f.Close(); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("close %s: %w", w.path, err)
	}
	return flushErr
}
