package sessionctx

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func isolateTmp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)
	return dir
}

func TestSetGetClear(t *testing.T) {
	isolateTmp(t)

	if _, err := Get(); !errors.Is(err, ErrNoContext) {
		t.Fatalf("Get before Set = %v, want ErrNoContext", err)
	}

	if err := Set("20250101T000000_0001_deadbeef", "/tmp/instances/demo"); err != nil {
		t.Fatal(err)
	}
	ctx, err := Get()
	if err != nil {
		t.Fatal(err)
	}
	if ctx.SessionID != "20250101T000000_0001_deadbeef" {
		t.Errorf("session id = %q", ctx.SessionID)
	}
	if ctx.InstancePath != "/tmp/instances/demo" {
		t.Errorf("instance path = %q", ctx.InstancePath)
	}
	if ctx.PID != os.Getpid() {
		t.Errorf("pid = %d", ctx.PID)
	}

	if err := Clear(); err != nil {
		t.Fatal(err)
	}
	if _, err := Get(); !errors.Is(err, ErrNoContext) {
		t.Errorf("Get after Clear = %v", err)
	}
	// Clearing an already-clear pid is a no-op.
	if err := Clear(); err != nil {
		t.Errorf("second Clear = %v", err)
	}
}

func TestSetOverwrites(t *testing.T) {
	isolateTmp(t)

	Set("first", "/a")
	Set("second", "/b")
	ctx, err := Get()
	if err != nil {
		t.Fatal(err)
	}
	if ctx.SessionID != "second" {
		t.Errorf("session id = %q, want second", ctx.SessionID)
	}
}

func TestCleanupAllRemovesDeadPids(t *testing.T) {
	dir := isolateTmp(t)

	// A live entry (our own pid) and a dead one.
	if err := Set("live", "/a"); err != nil {
		t.Fatal(err)
	}
	deadPID := 999999999
	data, _ := json.Marshal(Context{SessionID: "dead", PID: deadPID})
	deadPath := filepath.Join(dir, filePrefix+strconv.Itoa(deadPID))
	if err := os.WriteFile(deadPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	removed, err := CleanupAll()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(deadPath); !os.IsNotExist(err) {
		t.Error("dead pid file survived cleanup")
	}
	if _, err := Get(); err != nil {
		t.Errorf("live entry removed: %v", err)
	}
}

func TestGetForPIDUnparseable(t *testing.T) {
	dir := isolateTmp(t)
	pid := 424242
	os.WriteFile(filepath.Join(dir, filePrefix+strconv.Itoa(pid)), []byte("garbage"), 0o644)
	if _, err := GetForPID(pid); err == nil {
		t.Error("garbage file should error")
	}
}

func TestPIDAlive(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Error("own pid reported dead")
	}
	if PIDAlive(0) || PIDAlive(-1) {
		t.Error("non-positive pids should be dead")
	}
	if PIDAlive(999999999) {
		t.Error("absurd pid reported alive")
	}
}
