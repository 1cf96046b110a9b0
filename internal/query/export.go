package query

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/clawcast/internal/sessions"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

// Export formats.
const (
	ExportJSON  = "json"  // single object: metadata + statistics + messages
	ExportJSONL = "jsonl" // raw messages.jsonl copy
	ExportText  = "text"  // human-readable transcript
)

// ExportSession writes one session to outputPath in the requested format.
func (q *Query) ExportSession(sessionID, outputPath, format string, includeMessages bool) error {
	dir, _, err := q.resolve(sessionID)
	if err != nil {
		return err
	}

	switch format {
	case ExportJSON:
		details, err := q.GetSessionDetails(sessionID, includeMessages, 0)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(details, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(outputPath, append(data, '\n'), 0o644)

	case ExportJSONL:
		src, err := os.Open(filepath.Join(dir, sessions.MessagesFile))
		if err != nil {
			return fmt.Errorf("open message log: %w", err)
		}
		defer src.Close()
		dst, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			return err
		}
		return dst.Close()

	case ExportText:
		details, err := q.GetSessionDetails(sessionID, true, 0)
		if err != nil {
			return err
		}
		return os.WriteFile(outputPath, []byte(renderTranscript(details)), 0o644)

	default:
		return fmt.Errorf("query: unknown export format %q", format)
	}
}

// renderTranscript formats a session as a readable conversation log.
func renderTranscript(d *Details) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (%s)\n", d.Metadata.SessionID, d.Metadata.InstanceName)
	fmt.Fprintf(&b, "Status: %s  Started: %s", d.Metadata.Status, d.Metadata.StartTime)
	if d.Metadata.EndTime != "" {
		fmt.Fprintf(&b, "  Ended: %s", d.Metadata.EndTime)
	}
	b.WriteString("\n")
	if d.Metadata.ParentSessionID != "" {
		fmt.Fprintf(&b, "Parent: %s (depth %d)\n", d.Metadata.ParentSessionID, d.Metadata.Depth)
	}
	b.WriteString(strings.Repeat("-", 72) + "\n")

	for _, env := range d.Messages {
		switch env.MessageType {
		case protocol.MessageTypeUser:
			msg, err := protocol.DecodeUser(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "[%s] user:\n%s\n\n", env.Timestamp, msg.Content)

		case protocol.MessageTypeAssistant:
			msg, err := protocol.DecodeAssistant(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "[%s] assistant (%s):\n", env.Timestamp, msg.Model)
			for _, block := range msg.Content {
				switch block.Type {
				case protocol.BlockTypeText:
					b.WriteString(block.Text + "\n")
				case protocol.BlockTypeToolUse:
					input, _ := json.Marshal(block.Input)
					fmt.Fprintf(&b, "  -> tool %s %s\n", block.Name, input)
				case protocol.BlockTypeToolResult:
					marker := ""
					if block.IsError {
						marker = " (error)"
					}
					fmt.Fprintf(&b, "  <- result%s: %s\n", marker, block.Content)
				}
			}
			b.WriteString("\n")

		case protocol.MessageTypeResult:
			res, err := protocol.DecodeResult(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "[%s] result (%s, %d turns, $%.4f):\n%s\n\n",
				env.Timestamp, res.Subtype, res.NumTurns, res.TotalCostUSD, res.Result)

		case protocol.MessageTypeSystem:
			sub := protocol.SystemSubtype(env)
			if ref, ok := protocol.DecodeSubInstanceStarted(env); ok {
				fmt.Fprintf(&b, "[%s] system: child session %s started on %s\n\n",
					env.Timestamp, ref.SessionID, ref.InstanceName)
			} else {
				fmt.Fprintf(&b, "[%s] system: %s\n\n", env.Timestamp, sub)
			}

		case protocol.MessageTypeToolUse, protocol.MessageTypeToolResult:
			data, _ := json.Marshal(env.Data)
			fmt.Fprintf(&b, "[%s] %s: %s\n\n", env.Timestamp, env.MessageType, data)
		}
	}

	if len(d.Subsessions) > 0 {
		b.WriteString(strings.Repeat("-", 72) + "\n")
		b.WriteString("Subsessions:\n")
		for _, link := range d.Subsessions {
			fmt.Fprintf(&b, "  %s via %s (%s)\n", link.SessionID, link.ToolName, link.InstanceName)
		}
	}
	return b.String()
}
