package tools

import (
	"context"
	"fmt"
	"strings"
)

// ChildRunRequest is what the sub-instance adapter asks of a child runtime.
// Mirrors the agent package's query options without importing it (avoids the
// tools→agent import cycle; the run func is injected from the composition
// layer, same pattern as the delegate callback).
type ChildRunRequest struct {
	Task            string
	ParentSessionID string
	ResumeSessionID string
	ContextFiles    []string
	OutputFormat    string
	Variables       map[string]string
}

// ChildRunResult is the child runtime's answer.
type ChildRunResult struct {
	Text      string
	SessionID string
}

// ChildRunFunc runs a named child instance with the given request.
type ChildRunFunc func(ctx context.Context, req ChildRunRequest) (ChildRunResult, error)

// Output formats a sub-instance call may request.
var subInstanceOutputFormats = map[string]bool{"": true, "text": true, "json": true, "markdown": true}

// NewSubInstanceTool wraps a named child instance as a tool. One call spawns
// (or resumes) one child session linked under parent_session_id; the child's
// own runtime announces the session on the parent's system channel, and this
// adapter records the subsession link on the parent once the child id is
// known.
func NewSubInstanceTool(logicalName, instanceName, description string, run ChildRunFunc) Tool {
	if description == "" {
		description = fmt.Sprintf("Invoke the %s agent instance with a task and return its result.", instanceName)
	}
	return Tool{
		Name:        logicalName,
		Description: description,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "The prompt forwarded to the child instance.",
				},
				"parent_session_id": map[string]any{
					"type":        "string",
					"description": "Session id of the calling conversation; the child links under it.",
				},
				"context_files": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "File paths the child should read before working.",
				},
				"output_format": map[string]any{
					"type": "string",
					"enum": []any{"text", "json", "markdown"},
				},
				"resume_session_id": map[string]any{
					"type":        "string",
					"description": "Resume this child session instead of creating a new one.",
				},
				"variables": map[string]any{
					"type":        "object",
					"description": "Free-form key/values forwarded in the child's context.",
				},
			},
			"required": []any{"task", "parent_session_id"},
		},
		Invoke: func(ctx context.Context, args map[string]any) *Result {
			req, err := parseSubInstanceArgs(args)
			if err != nil {
				return ErrorResult(err.Error()).WithError(err)
			}

			res, err := run(ctx, req)
			if err != nil {
				return ErrorResult(fmt.Sprintf("sub-instance %s failed: %v", instanceName, err)).WithError(err)
			}

			// Link the child into the parent's statistics. The tool_use id
			// rides on the context from the loop that dispatched us.
			if parent, ok := SessionFrom(ctx); ok && res.SessionID != "" {
				parent.AppendSubsessionLink(res.SessionID, logicalName, ToolUseIDFrom(ctx), instanceName)
			}
			return NewResult(res.Text)
		},
	}
}

func parseSubInstanceArgs(args map[string]any) (ChildRunRequest, error) {
	var req ChildRunRequest

	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return req, fmt.Errorf("task is required")
	}
	parentID, _ := args["parent_session_id"].(string)
	if parentID == "" {
		return req, fmt.Errorf("parent_session_id is required")
	}
	req.Task = task
	req.ParentSessionID = parentID
	req.ResumeSessionID, _ = args["resume_session_id"].(string)

	format, _ := args["output_format"].(string)
	if !subInstanceOutputFormats[format] {
		return req, fmt.Errorf("unknown output_format %q", format)
	}
	req.OutputFormat = format

	if files, ok := args["context_files"].([]any); ok {
		for _, f := range files {
			if s, ok := f.(string); ok {
				req.ContextFiles = append(req.ContextFiles, s)
			}
		}
	}
	if vars, ok := args["variables"].(map[string]any); ok {
		req.Variables = make(map[string]string, len(vars))
		for k, v := range vars {
			req.Variables[k] = fmt.Sprint(v)
		}
	}
	return req, nil
}

// BuildChildPrompt renders the task, context files and variables into the
// prompt handed to the child runtime.
func BuildChildPrompt(req ChildRunRequest) string {
	var b strings.Builder
	b.WriteString(req.Task)
	if len(req.ContextFiles) > 0 {
		b.WriteString("\n\nContext files to read first:\n")
		for _, f := range req.ContextFiles {
			b.WriteString("- " + f + "\n")
		}
	}
	if len(req.Variables) > 0 {
		b.WriteString("\nVariables:\n")
		for k, v := range req.Variables {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	switch req.OutputFormat {
	case "json":
		b.WriteString("\nRespond with valid JSON only.")
	case "markdown":
		b.WriteString("\nFormat the response as markdown.")
	}
	return b.String()
}
