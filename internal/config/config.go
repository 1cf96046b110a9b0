// Package config loads per-instance configuration and the global streaming
// settings shared by every instance in a project.
package config

// InstanceConfig is the configuration of one agent instance, read from
// instance.json5 inside the instance directory.
type InstanceConfig struct {
	Agent            AgentConfig            `json:"agent"`
	Model            string                 `json:"model"`
	SystemPromptFile string                 `json:"system_prompt_file,omitempty"`
	Tools            ToolsConfig            `json:"tools"`
	SubInstances     map[string]string      `json:"sub_claude_instances,omitempty"`
	SessionRecording SessionRecordingConfig `json:"session_recording"`
	Advanced         AdvancedConfig         `json:"advanced"`
}

// AgentConfig identifies the agent.
type AgentConfig struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolsConfig filters the tool list exposed to the LLM. Patterns are globs
// over tool names; deny wins over allow.
type ToolsConfig struct {
	Allowed    []string `json:"allowed,omitempty"`
	Disallowed []string `json:"disallowed,omitempty"`
}

// SessionRecordingConfig controls the durable session store.
type SessionRecordingConfig struct {
	Enabled        *bool    `json:"enabled,omitempty"` // nil = true
	RetentionDays  int      `json:"retention_days,omitempty"`
	MaxTotalSizeMB int      `json:"max_total_size_mb,omitempty"`
	AutoCleanup    bool     `json:"auto_cleanup,omitempty"`
	// CleanupSchedule is a cron expression evaluated by the manager's cleanup
	// ticker. Empty with AutoCleanup=true means once a day at 03:00.
	CleanupSchedule string   `json:"cleanup_schedule,omitempty"`
	MessageTypes    []string `json:"message_types,omitempty"` // nil = record all
}

// RecordingEnabled resolves the tri-state Enabled flag.
func (c SessionRecordingConfig) RecordingEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Permission modes forwarded to the LLM client.
const (
	PermissionAsk    = "ask"
	PermissionAuto   = "auto"
	PermissionBypass = "bypassPermissions"
)

// AdvancedConfig holds LLM-client-boundary knobs.
type AdvancedConfig struct {
	PermissionMode string            `json:"permission_mode,omitempty"`
	MaxTurns       int               `json:"max_turns,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// DefaultInstance returns an InstanceConfig with sensible defaults applied.
// Agent name and model stay empty: both are required and validated by
// LoadInstance.
func DefaultInstance() *InstanceConfig {
	return &InstanceConfig{
		SessionRecording: SessionRecordingConfig{
			RetentionDays: 30,
		},
		Advanced: AdvancedConfig{
			PermissionMode: PermissionAuto,
			MaxTurns:       20,
		},
	}
}
