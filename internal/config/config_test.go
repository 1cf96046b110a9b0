package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeInstanceConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, InstanceConfigFile), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadInstance(t *testing.T) {
	dir := writeInstanceConfig(t, `{
		// json5: comments and trailing commas allowed
		agent: {name: "osint", description: "OSINT orchestrator"},
		model: "claude-sonnet-4-5-20250929",
		system_prompt_file: "prompt.md",
		tools: {disallowed: ["exec*"]},
		sub_claude_instances: {reviewer: "code_reviewer"},
		session_recording: {retention_days: 7, auto_cleanup: true},
		advanced: {permission_mode: "bypassPermissions", max_turns: 5},
	}`)

	cfg, err := LoadInstance(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Name != "osint" || cfg.Model != "claude-sonnet-4-5-20250929" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.SystemPromptFile != filepath.Join(dir, "prompt.md") {
		t.Errorf("prompt file not resolved: %q", cfg.SystemPromptFile)
	}
	if cfg.SubInstances["reviewer"] != "code_reviewer" {
		t.Errorf("sub instances = %v", cfg.SubInstances)
	}
	if cfg.SessionRecording.RetentionDays != 7 || !cfg.SessionRecording.AutoCleanup {
		t.Errorf("recording = %+v", cfg.SessionRecording)
	}
	if cfg.Advanced.PermissionMode != PermissionBypass || cfg.Advanced.MaxTurns != 5 {
		t.Errorf("advanced = %+v", cfg.Advanced)
	}
	if !cfg.SessionRecording.RecordingEnabled() {
		t.Error("recording should default enabled")
	}
}

func TestLoadInstanceValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{model: "m"}`},
		{"missing model", `{agent: {name: "x"}}`},
		{"bad permission mode", `{agent: {name: "x"}, model: "m", advanced: {permission_mode: "yolo"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadInstance(writeInstanceConfig(t, tt.body)); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if _, err := LoadInstance(t.TempDir()); err == nil {
		t.Error("missing config file should error")
	}
}

func TestInstanceEnvOverrides(t *testing.T) {
	t.Setenv("CLAWCAST_MODEL", "env-model")
	t.Setenv("CLAWCAST_MAX_TURNS", "3")
	cfg, err := LoadInstance(writeInstanceConfig(t, `{agent: {name: "x"}, model: "file-model"}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "env-model" {
		t.Errorf("env should win: %q", cfg.Model)
	}
	if cfg.Advanced.MaxTurns != 3 {
		t.Errorf("max turns = %d", cfg.Advanced.MaxTurns)
	}
}

func TestRecordingEnabledTriState(t *testing.T) {
	off := false
	on := true
	tests := []struct {
		enabled *bool
		want    bool
	}{
		{nil, true},
		{&on, true},
		{&off, false},
	}
	for _, tt := range tests {
		cfg := SessionRecordingConfig{Enabled: tt.enabled}
		if got := cfg.RecordingEnabled(); got != tt.want {
			t.Errorf("Enabled=%v → %v, want %v", tt.enabled, got, tt.want)
		}
	}
}

func TestLoadStreamingDefaults(t *testing.T) {
	cfg, err := LoadStreaming(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.URL != "" || cfg.Redis.MaxConnections != 50 {
		t.Errorf("redis defaults = %+v", cfg.Redis)
	}
	if cfg.AsyncWrite.BatchSize != 10 || cfg.AsyncWrite.FlushInterval != time.Second {
		t.Errorf("write defaults = %+v", cfg.AsyncWrite)
	}
}

func TestLoadStreamingFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	body := "redis:\n  url: redis://filehost:6379/0\n  db: 2\n  max_connections: 10\nasync_write:\n  batch_size: 25\n  flush_interval: 250ms\n"
	if err := os.WriteFile(filepath.Join(dir, StreamingConfigFile), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadStreaming(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.URL != "redis://filehost:6379/0" || cfg.Redis.DB != 2 || cfg.Redis.MaxConnections != 10 {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.AsyncWrite.BatchSize != 25 || cfg.AsyncWrite.FlushInterval != 250*time.Millisecond {
		t.Errorf("write = %+v", cfg.AsyncWrite)
	}

	// Env beats file.
	t.Setenv("CLAWCAST_REDIS_URL", "redis://envhost:6379")
	t.Setenv("CLAWCAST_WRITE_BATCH_SIZE", "5")
	cfg, err = LoadStreaming(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.URL != "redis://envhost:6379" {
		t.Errorf("env url lost: %q", cfg.Redis.URL)
	}
	if cfg.AsyncWrite.BatchSize != 5 {
		t.Errorf("env batch lost: %d", cfg.AsyncWrite.BatchSize)
	}
}

func TestLoadStreamingBareSecondsInterval(t *testing.T) {
	dir := t.TempDir()
	body := "async_write:\n  batch_size: 10\n  flush_interval: \"1.5\"\n"
	os.WriteFile(filepath.Join(dir, StreamingConfigFile), []byte(body), 0o644)
	cfg, err := LoadStreaming(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AsyncWrite.FlushInterval != 1500*time.Millisecond {
		t.Errorf("interval = %v", cfg.AsyncWrite.FlushInterval)
	}
}

func TestLoadStreamingRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	body := "async_write:\n  batch_size: -3\n  flush_interval: 0s\n"
	os.WriteFile(filepath.Join(dir, StreamingConfigFile), []byte(body), 0o644)
	cfg, err := LoadStreaming(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AsyncWrite.BatchSize != 10 || cfg.AsyncWrite.FlushInterval != time.Second {
		t.Errorf("bad values not clamped to defaults: %+v", cfg.AsyncWrite)
	}
}
