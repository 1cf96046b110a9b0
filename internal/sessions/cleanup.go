package sessions

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/clawcast/internal/config"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

// defaultCleanupSchedule fires once a day at 03:00.
const defaultCleanupSchedule = "0 3 * * *"

// CleanupReport describes what a cleanup pass deleted, or would delete when
// dry-run.
type CleanupReport struct {
	DryRun     bool     `json:"dry_run"`
	SessionIDs []string `json:"session_ids"`
	FreedBytes int64    `json:"freed_bytes"`
}

// CleanupOldSessions deletes session directories whose start_time is older
// than retentionDays. Running sessions are never deleted. dryRun reports the
// candidates without touching disk.
func (m *Manager) CleanupOldSessions(retentionDays int, dryRun bool) (CleanupReport, error) {
	report := CleanupReport{DryRun: dryRun}
	if retentionDays <= 0 {
		return report, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	dir := InstanceSessionsDir(m.root, m.instance)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return report, fmt.Errorf("read sessions dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || !ValidSessionID(e.Name()) {
			continue
		}
		sdir := filepath.Join(dir, e.Name())
		meta, err := ReadMetadata(sdir)
		if err != nil {
			continue
		}
		if meta.Status == protocol.StatusRunning {
			continue
		}
		start, err := protocol.ParseStamp(meta.StartTime)
		if err != nil || !start.Before(cutoff) {
			continue
		}

		size := dirSize(sdir)
		report.SessionIDs = append(report.SessionIDs, e.Name())
		report.FreedBytes += size
		if !dryRun {
			if err := os.RemoveAll(sdir); err != nil {
				slog.Warn("sessions: cleanup failed", "session", e.Name(), "error", err)
				continue
			}
			if m.index != nil {
				m.index.Delete(context.Background(), e.Name())
			}
		}
	}
	return report, nil
}

// EnforceMaxSize deletes the oldest finalized sessions until the instance's
// sessions directory fits under maxTotalMB.
func (m *Manager) EnforceMaxSize(maxTotalMB int) (CleanupReport, error) {
	var report CleanupReport
	if maxTotalMB <= 0 {
		return report, nil
	}
	limit := int64(maxTotalMB) * 1024 * 1024

	dir := InstanceSessionsDir(m.root, m.instance)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return report, err
	}

	type candidate struct {
		id   string
		size int64
	}
	var total int64
	var finalized []candidate
	for _, e := range entries {
		if !e.IsDir() || !ValidSessionID(e.Name()) {
			continue
		}
		sdir := filepath.Join(dir, e.Name())
		size := dirSize(sdir)
		total += size
		meta, err := ReadMetadata(sdir)
		if err != nil || meta.Status == protocol.StatusRunning {
			continue
		}
		finalized = append(finalized, candidate{id: e.Name(), size: size})
	}
	// Session ids sort by creation time, so oldest first.
	sort.Slice(finalized, func(i, j int) bool { return finalized[i].id < finalized[j].id })

	for _, c := range finalized {
		if total <= limit {
			break
		}
		if err := os.RemoveAll(filepath.Join(dir, c.id)); err != nil {
			slog.Warn("sessions: size cleanup failed", "session", c.id, "error", err)
			continue
		}
		if m.index != nil {
			m.index.Delete(context.Background(), c.id)
		}
		total -= c.size
		report.SessionIDs = append(report.SessionIDs, c.id)
		report.FreedBytes += c.size
	}
	return report, nil
}

// StartAutoCleanup runs retention and size cleanup on a cron schedule until
// ctx is done. The schedule check ticks once a minute.
func (m *Manager) StartAutoCleanup(ctx context.Context, rec config.SessionRecordingConfig) {
	if !rec.AutoCleanup {
		return
	}
	schedule := rec.CleanupSchedule
	if schedule == "" {
		schedule = defaultCleanupSchedule
	}
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		slog.Error("sessions: invalid cleanup schedule, auto-cleanup disabled", "schedule", schedule)
		return
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				due, err := gron.IsDue(schedule, now)
				if err != nil || !due {
					continue
				}
				if report, err := m.CleanupOldSessions(rec.RetentionDays, false); err == nil && len(report.SessionIDs) > 0 {
					slog.Info("sessions: retention cleanup", "deleted", len(report.SessionIDs), "freed_bytes", report.FreedBytes)
				}
				if report, err := m.EnforceMaxSize(rec.MaxTotalSizeMB); err == nil && len(report.SessionIDs) > 0 {
					slog.Info("sessions: size cleanup", "deleted", len(report.SessionIDs), "freed_bytes", report.FreedBytes)
				}
			}
		}
	}()
}

func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
