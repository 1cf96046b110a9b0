package jsonl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

// ReadEnvelopes reads a session's message log. types filters by message_type
// (nil = all); limit > 0 caps the result. A partial last line — a writer may
// be mid-batch — is skipped, not treated as corruption. A malformed line
// anywhere else is.
func ReadEnvelopes(path string, types []string, limit int) ([]protocol.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return DecodeEnvelopes(data, types, limit)
}

// DecodeEnvelopes parses raw JSONL bytes with the same tolerance rules as
// ReadEnvelopes.
func DecodeEnvelopes(data []byte, types []string, limit int) ([]protocol.Envelope, error) {
	var want map[string]bool
	if len(types) > 0 {
		want = make(map[string]bool, len(types))
		for _, t := range types {
			want[t] = true
		}
	}

	terminated := len(data) > 0 && data[len(data)-1] == '\n'
	lines := bytes.Split(data, []byte("\n"))
	// Split leaves a trailing empty element after a terminated final line.
	if terminated {
		lines = lines[:len(lines)-1]
	}

	var out []protocol.Envelope
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			if i == len(lines)-1 && !terminated {
				// Unterminated tail: the writer owns it, ignore.
				break
			}
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if want != nil && !want[env.MessageType] {
			continue
		}
		out = append(out, env)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CountRecords returns the number of complete records in the file.
func CountRecords(path string) (int, error) {
	envs, err := ReadEnvelopes(path, nil, 0)
	if err != nil {
		return 0, err
	}
	return len(envs), nil
}
