package tools

import (
	"context"

	"github.com/nextlevelbuilder/clawcast/internal/sessions"
)

type contextKey int

const (
	sessionKey contextKey = iota
	toolUseIDKey
)

// WithSession attaches the calling turn's session to the context so adapters
// can link children without threading the handle through every signature.
func WithSession(ctx context.Context, s *sessions.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFrom extracts the current session, if any.
func SessionFrom(ctx context.Context) (*sessions.Session, bool) {
	s, ok := ctx.Value(sessionKey).(*sessions.Session)
	return s, ok
}

// WithToolUseID tags the context with the tool_use block id being executed.
func WithToolUseID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolUseIDKey, id)
}

// ToolUseIDFrom returns the executing tool_use id, or "".
func ToolUseIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(toolUseIDKey).(string)
	return id
}
