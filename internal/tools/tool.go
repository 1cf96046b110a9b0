// Package tools adapts callable things — local functions behind a manifest,
// whole sub-instances — into uniform tool descriptors the agent runtime can
// hand to the LLM.
package tools

import "context"

// Tool is one callable tool: a name, a JSON schema for its input and an
// invoke function. Tool errors are data, not exceptions: Invoke returns a
// Result with IsError set and the session continues.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Invoke      func(ctx context.Context, args map[string]any) *Result
}

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`  // content sent to the LLM
	IsError bool   `json:"is_error"` // marks error
	Err     error  `json:"-"`        // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
