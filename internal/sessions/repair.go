package sessions

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/clawcast/internal/sessionctx"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

// DefaultRepairGrace is how stale a running session's message log must be
// before a dead owner makes it repairable.
const DefaultRepairGrace = 2 * time.Minute

// RepairInterrupted scans for sessions a crashed process left behind:
// metadata still says running, the owning pid no longer exists and the last
// message-log write is older than grace. Those are marked interrupted.
// Returns the repaired session ids.
func (m *Manager) RepairInterrupted(grace time.Duration) ([]string, error) {
	if grace <= 0 {
		grace = DefaultRepairGrace
	}

	dir := InstanceSessionsDir(m.root, m.instance)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var repaired []string
	for _, e := range entries {
		if !e.IsDir() || !ValidSessionID(e.Name()) {
			continue
		}
		sdir := filepath.Join(dir, e.Name())
		meta, err := ReadMetadata(sdir)
		if err != nil || meta.Status != protocol.StatusRunning {
			continue
		}
		if pid := meta.OwnerPID(); pid != 0 && sessionctx.PIDAlive(pid) {
			continue
		}
		if age, ok := messageLogAge(sdir); ok && age < grace {
			continue
		}

		meta.Status = protocol.StatusInterrupted
		meta.EndTime = protocol.NowStamp()
		if err := writeJSONAtomic(filepath.Join(sdir, MetadataFile), meta); err != nil {
			slog.Warn("sessions: repair write failed", "session", e.Name(), "error", err)
			continue
		}
		if m.index != nil {
			stats, _ := ReadStatistics(sdir)
			m.indexUpsert(meta, stats)
		}
		repaired = append(repaired, e.Name())
		slog.Info("sessions: repaired interrupted session", "session", e.Name())
	}
	return repaired, nil
}

// messageLogAge reports how long ago the session's message log was last
// written. ok is false when the log does not exist yet.
func messageLogAge(sdir string) (time.Duration, bool) {
	info, err := os.Stat(filepath.Join(sdir, MessagesFile))
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}
