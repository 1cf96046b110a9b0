// Package query is the unified read side of the session store: synchronous
// lookups, search, statistics, export, tree building and live subscription
// with automatic child discovery.
package query

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawcast/internal/bus"
	"github.com/nextlevelbuilder/clawcast/internal/jsonl"
	"github.com/nextlevelbuilder/clawcast/internal/sessions"
	"github.com/nextlevelbuilder/clawcast/internal/store"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

// ErrNotFound aliases the session store's not-found error.
var ErrNotFound = sessions.ErrNotFound

// Query reads one named instance's session store, resolving cross-instance
// links through the shared instances root. broker enables Subscribe; index
// accelerates list/search when present.
type Query struct {
	root     string
	instance string
	broker   bus.Bus
	index    store.Index
}

// New builds a Query for an instance. broker and index may be nil.
func New(instancesRoot, instance string, broker bus.Bus, index store.Index) *Query {
	return &Query{root: instancesRoot, instance: instance, broker: broker, index: index}
}

// resolve finds a session directory: the bound instance first, then any
// instance under the root (parent/child links may cross instances).
func (q *Query) resolve(sessionID string) (dir, instance string, err error) {
	dir = sessions.SessionDir(q.root, q.instance, sessionID)
	if _, err := sessions.ReadMetadata(dir); err == nil {
		return dir, q.instance, nil
	}
	return sessions.FindSessionDir(q.root, sessionID)
}

// Details merges everything known about one session.
type Details struct {
	Metadata    sessions.Metadata         `json:"metadata"`
	Statistics  sessions.Statistics       `json:"statistics"`
	Subsessions []sessions.SubsessionLink `json:"subsessions"`
	Messages    []protocol.Envelope       `json:"messages,omitempty"`
}

// GetSessionDetails returns metadata, statistics, the inline subsession list
// and optionally a message prefix. ErrNotFound when the directory does not
// exist.
func (q *Query) GetSessionDetails(sessionID string, includeMessages bool, messageLimit int) (*Details, error) {
	dir, _, err := q.resolve(sessionID)
	if err != nil {
		return nil, err
	}
	meta, err := sessions.ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	stats, err := sessions.ReadStatistics(dir)
	if err != nil {
		return nil, err
	}

	details := &Details{
		Metadata:    meta,
		Statistics:  stats,
		Subsessions: stats.Subsessions,
	}
	if includeMessages {
		msgs, err := jsonl.ReadEnvelopes(filepath.Join(dir, sessions.MessagesFile), nil, messageLimit)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", sessionID, err)
		}
		details.Messages = msgs
	}
	return details, nil
}

// GetSessionMessages streams a session's recorded messages, optionally
// filtered by message_type.
func (q *Query) GetSessionMessages(sessionID string, types []string, limit int) ([]protocol.Envelope, error) {
	dir, _, err := q.resolve(sessionID)
	if err != nil {
		return nil, err
	}
	return jsonl.ReadEnvelopes(filepath.Join(dir, sessions.MessagesFile), types, limit)
}

// ListSessions lists the bound instance's sessions, newest first.
func (q *Query) ListSessions(status string, limit, offset int) ([]sessions.SessionSummary, error) {
	if q.index != nil {
		rows, err := q.index.List(context.Background(), q.instance, status, limit, offset)
		if err == nil {
			return summariesFromIndex(rows), nil
		}
		// Index failure falls through to the directory scan.
	}
	mgr := sessions.NewManager(q.root, q.instance, nil, nil, nil)
	return mgr.ListSessions(status, limit, offset)
}

// Search fields.
const (
	SearchFieldInitialPrompt = "initial_prompt"
	SearchFieldResult        = "result"
)

// SearchSessions finds sessions whose named field contains the query,
// case-insensitively.
func (q *Query) SearchSessions(queryStr, field string, limit int) ([]sessions.SessionSummary, error) {
	switch field {
	case SearchFieldInitialPrompt, SearchFieldResult:
	case "":
		field = SearchFieldInitialPrompt
	default:
		return nil, fmt.Errorf("query: unknown search field %q", field)
	}

	if q.index != nil {
		rows, err := q.index.Search(context.Background(), q.instance, queryStr, field, limit)
		if err == nil {
			return summariesFromIndex(rows), nil
		}
	}

	mgr := sessions.NewManager(q.root, q.instance, nil, nil, nil)
	all, err := mgr.ListSessions("", 0, 0)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(queryStr)
	var out []sessions.SessionSummary
	for _, summary := range all {
		var haystack string
		switch field {
		case SearchFieldInitialPrompt:
			haystack = summary.InitialPrompt
		case SearchFieldResult:
			stats, err := sessions.ReadStatistics(sessions.SessionDir(q.root, q.instance, summary.SessionID))
			if err != nil {
				continue
			}
			haystack = stats.Result
		}
		if strings.Contains(strings.ToLower(haystack), needle) {
			out = append(out, summary)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// StatsSummary aggregates an instance's recorded sessions.
type StatsSummary struct {
	TotalSessions     int     `json:"total_sessions"`
	Running           int     `json:"running"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	Interrupted       int     `json:"interrupted"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	TotalMessages     int     `json:"total_messages"`
	TotalToolCalls    int     `json:"total_tool_calls"`
	TokensIn          int     `json:"tokens_in"`
	TokensOut         int     `json:"tokens_out"`
	AvgDurationMS     int64   `json:"avg_duration_ms"`
	WindowDays        int     `json:"window_days,omitempty"`
}

// GetStatisticsSummary aggregates per-status session counts, cost and average
// duration, optionally windowed to sessions started in the last recentDays.
// It reports counts only; no completed or failed ratio is computed.
func (q *Query) GetStatisticsSummary(recentDays int) (*StatsSummary, error) {
	mgr := sessions.NewManager(q.root, q.instance, nil, nil, nil)
	all, err := mgr.ListSessions("", 0, 0)
	if err != nil {
		return nil, err
	}

	var cutoff string
	if recentDays > 0 {
		cutoff = protocol.Stamp(protocolNow().AddDate(0, 0, -recentDays))
	}

	summary := &StatsSummary{WindowDays: recentDays}
	var durationTotal int64
	var durationCount int64
	for _, s := range all {
		if cutoff != "" && s.StartTime < cutoff {
			continue
		}
		summary.TotalSessions++
		switch s.Status {
		case protocol.StatusRunning:
			summary.Running++
		case protocol.StatusCompleted:
			summary.Completed++
		case protocol.StatusFailed:
			summary.Failed++
		case protocol.StatusInterrupted:
			summary.Interrupted++
		}
		stats, err := sessions.ReadStatistics(sessions.SessionDir(q.root, q.instance, s.SessionID))
		if err != nil {
			continue
		}
		summary.TotalCostUSD += stats.CostUSD
		summary.TotalMessages += stats.NumMessages
		summary.TotalToolCalls += stats.NumToolCalls
		summary.TokensIn += stats.TokensIn
		summary.TokensOut += stats.TokensOut
		if s.Status != protocol.StatusRunning {
			durationTotal += stats.TotalDurationMS
			durationCount++
		}
	}
	if durationCount > 0 {
		summary.AvgDurationMS = durationTotal / durationCount
	}
	return summary, nil
}

func protocolNow() time.Time { return time.Now().UTC() }

func summariesFromIndex(rows []store.Summary) []sessions.SessionSummary {
	out := make([]sessions.SessionSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, sessions.SessionSummary{
			SessionID:       r.SessionID,
			InstanceName:    r.InstanceName,
			Status:          r.Status,
			StartTime:       r.StartTime,
			EndTime:         r.EndTime,
			Depth:           r.Depth,
			ParentSessionID: r.ParentSessionID,
			InitialPrompt:   r.InitialPrompt,
		})
	}
	return out
}
