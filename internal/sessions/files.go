package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// On-disk layout: {root}/{instance}/sessions/{session_id}/ holding
// metadata.json, messages.jsonl and statistics.json.

const (
	MetadataFile   = "metadata.json"
	MessagesFile   = "messages.jsonl"
	StatisticsFile = "statistics.json"
)

// ErrNotFound is returned when a session directory does not exist.
var ErrNotFound = errors.New("sessions: not found")

// Metadata is the content of metadata.json. Created at session start,
// updated in place on finalize and resume.
type Metadata struct {
	SessionID       string         `json:"session_id"`
	InstanceName    string         `json:"instance_name"`
	StartTime       string         `json:"start_time"`
	EndTime         string         `json:"end_time,omitempty"`
	Status          string         `json:"status"`
	Depth           int            `json:"depth"`
	ParentSessionID string         `json:"parent_session_id,omitempty"`
	InitialPrompt   string         `json:"initial_prompt"`
	Context         map[string]any `json:"context,omitempty"`
	ResumeOf        string         `json:"resume_of,omitempty"`
}

// OwnerPID returns the recording process's pid stashed in the context map,
// or 0 when absent. The repair pass uses it to detect dead owners.
func (m Metadata) OwnerPID() int {
	switch v := m.Context["pid"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// SubsessionLink records one child spawned during a session.
type SubsessionLink struct {
	SessionID    string `json:"session_id"`
	ToolName     string `json:"tool_name"`
	ToolUseID    string `json:"tool_use_id"`
	Timestamp    string `json:"timestamp"`
	InstanceName string `json:"instance_name"`
	Depth        int    `json:"depth"`
}

// Statistics is the content of statistics.json, written on finalize.
type Statistics struct {
	NumMessages     int              `json:"num_messages"`
	NumToolCalls    int              `json:"num_tool_calls"`
	TotalDurationMS int64            `json:"total_duration_ms"`
	CostUSD         float64          `json:"cost_usd"`
	TokensIn        int              `json:"tokens_in"`
	TokensOut       int              `json:"tokens_out"`
	Result          string           `json:"result,omitempty"`
	Subsessions     []SubsessionLink `json:"subsessions"`
}

// SessionDir returns the directory of one session.
func SessionDir(root, instance, sessionID string) string {
	return filepath.Join(root, instance, "sessions", sessionID)
}

// InstanceSessionsDir returns an instance's sessions directory.
func InstanceSessionsDir(root, instance string) string {
	return filepath.Join(root, instance, "sessions")
}

// FindSessionDir locates a session id across every instance under root.
// Parent links may cross instances, so lookups are always id → search.
func FindSessionDir(root, sessionID string) (dir, instance string, err error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", "", fmt.Errorf("read instances root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := SessionDir(root, e.Name(), sessionID)
		if _, statErr := os.Stat(filepath.Join(candidate, MetadataFile)); statErr == nil {
			return candidate, e.Name(), nil
		}
	}
	return "", "", ErrNotFound
}

// ReadMetadata loads metadata.json from a session directory.
func ReadMetadata(dir string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return meta, ErrNotFound
		}
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parse metadata in %s: %w", dir, err)
	}
	return meta, nil
}

// ReadStatistics loads statistics.json. A missing file yields zero
// statistics and no error: a running session has not written them yet.
func ReadStatistics(dir string) (Statistics, error) {
	var stats Statistics
	data, err := os.ReadFile(filepath.Join(dir, StatisticsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, err
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		return stats, fmt.Errorf("parse statistics in %s: %w", dir, err)
	}
	return stats, nil
}

// writeJSONAtomic writes v as indented JSON via temp file + rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
