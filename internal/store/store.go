// Package store is the optional session index: a queryable mirror of
// session metadata maintained best-effort by the session manager. The
// session directory stays the durable truth; the index only accelerates
// listing and search, and query paths fall back to directory scans when it
// is absent.
package store

import "context"

// Summary is one indexed session row.
type Summary struct {
	SessionID       string
	InstanceName    string
	Status          string
	StartTime       string
	EndTime         string
	Depth           int
	ParentSessionID string
	InitialPrompt   string
	Result          string
	NumMessages     int
	CostUSD         float64
}

// Index stores session summaries for fast listing and substring search.
type Index interface {
	Upsert(ctx context.Context, s Summary) error
	Delete(ctx context.Context, sessionID string) error
	// List returns summaries for an instance, newest first. status filters
	// when non-empty.
	List(ctx context.Context, instance, status string, limit, offset int) ([]Summary, error)
	// Search matches query case-insensitively against the named field,
	// "initial_prompt" or "result".
	Search(ctx context.Context, instance, query, field string, limit int) ([]Summary, error)
	Close() error
}
