package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// InstanceConfigFile is the file name looked up inside an instance directory.
const InstanceConfigFile = "instance.json5"

// LoadInstance reads an instance directory's config file, overlays env vars
// and validates required fields. Relative system_prompt_file paths are
// resolved against the instance directory.
func LoadInstance(instanceDir string) (*InstanceConfig, error) {
	cfg := DefaultInstance()

	path := filepath.Join(instanceDir, InstanceConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instance config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if cfg.Agent.Name == "" {
		return nil, fmt.Errorf("%s: agent.name is required", path)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s: model is required", path)
	}
	switch cfg.Advanced.PermissionMode {
	case PermissionAsk, PermissionAuto, PermissionBypass:
	case "":
		cfg.Advanced.PermissionMode = PermissionAuto
	default:
		return nil, fmt.Errorf("%s: unknown permission_mode %q", path, cfg.Advanced.PermissionMode)
	}

	if cfg.SystemPromptFile != "" && !filepath.IsAbs(cfg.SystemPromptFile) {
		cfg.SystemPromptFile = filepath.Join(instanceDir, cfg.SystemPromptFile)
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *InstanceConfig) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envStr("CLAWCAST_MODEL", &c.Model)
	envStr("CLAWCAST_PERMISSION_MODE", &c.Advanced.PermissionMode)
	envInt("CLAWCAST_MAX_TURNS", &c.Advanced.MaxTurns)
	envInt("CLAWCAST_RETENTION_DAYS", &c.SessionRecording.RetentionDays)
}
