// Package sessionctx carries the "current session id" of a process across a
// subprocess boundary. A tool spawned by the runtime re-reads its parent's
// file to learn which session to link to as parent_session_id — no argument
// plumbing involved.
package sessionctx

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const filePrefix = "claude_session_"

// Context is the content of one per-pid session file.
type Context struct {
	SessionID    string `json:"session_id"`
	InstancePath string `json:"instance_path"`
	PID          int    `json:"pid"`
}

// ErrNoContext is returned by Get when no session file exists for the pid.
var ErrNoContext = errors.New("sessionctx: no current session")

func pathFor(pid int) string {
	return filepath.Join(os.TempDir(), filePrefix+strconv.Itoa(pid))
}

// Set records the current session for this process. Write-temp + rename, so
// a concurrent reader never sees a torn file.
func Set(sessionID, instancePath string) error {
	pid := os.Getpid()
	data, err := json.Marshal(Context{SessionID: sessionID, InstancePath: instancePath, PID: pid})
	if err != nil {
		return err
	}

	dir := os.TempDir()
	tmp, err := os.CreateTemp(dir, filePrefix+"tmp-*")
	if err != nil {
		return fmt.Errorf("sessionctx: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sessionctx: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, pathFor(pid)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sessionctx: rename: %w", err)
	}
	return nil
}

// Get reads this process's current session.
func Get() (Context, error) {
	return GetForPID(os.Getpid())
}

// GetParent reads the parent process's current session. This is how a spawned
// tool subprocess discovers the session that spawned it.
func GetParent() (Context, error) {
	return GetForPID(os.Getppid())
}

// GetForPID reads the session file of an arbitrary pid.
func GetForPID(pid int) (Context, error) {
	data, err := os.ReadFile(pathFor(pid))
	if err != nil {
		if os.IsNotExist(err) {
			return Context{}, ErrNoContext
		}
		return Context{}, err
	}
	var ctx Context
	if err := json.Unmarshal(data, &ctx); err != nil {
		return Context{}, fmt.Errorf("sessionctx: parse pid %d: %w", pid, err)
	}
	return ctx, nil
}

// Clear removes this process's session file. No-op when already clear.
func Clear() error {
	return ClearPID(os.Getpid())
}

// ClearPID removes the session file of an arbitrary pid.
func ClearPID(pid int) error {
	if err := os.Remove(pathFor(pid)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CleanupAll removes session files whose owning process no longer exists.
// Called once at runtime startup. Returns the number of files removed.
func CleanupAll() (int, error) {
	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || strings.HasPrefix(name, filePrefix+"tmp-") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimPrefix(name, filePrefix))
		if err != nil {
			continue
		}
		if PIDAlive(pid) {
			continue
		}
		if err := os.Remove(filepath.Join(os.TempDir(), name)); err == nil {
			removed++
		}
	}
	return removed, nil
}

// PIDAlive reports whether a process with the given pid exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
