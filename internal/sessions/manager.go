package sessions

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawcast/internal/bus"
	"github.com/nextlevelbuilder/clawcast/internal/config"
	"github.com/nextlevelbuilder/clawcast/internal/jsonl"
	"github.com/nextlevelbuilder/clawcast/internal/store"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

// publishLogEvery limits how often one session logs bus publish failures.
const publishLogEvery = 5 * time.Second

// Manager is the session factory and registry for one instance. It owns the
// instance's sessions directory and hands out Session handles; a session has
// exactly one writer, the runtime that created or resumed it.
type Manager struct {
	root     string // instances root
	instance string
	broker   bus.Bus
	writeCfg config.AsyncWriteConfig
	index    store.Index // optional accelerator; nil = directory scans only

	mu   sync.Mutex
	live map[string]*Session
}

// NewManager creates a manager rooted at instancesRoot for one instance.
// broker and index may be nil.
func NewManager(instancesRoot, instance string, broker bus.Bus, streaming *config.StreamingConfig, index store.Index) *Manager {
	writeCfg := config.DefaultStreaming().AsyncWrite
	if streaming != nil {
		writeCfg = streaming.AsyncWrite
	}
	return &Manager{
		root:     instancesRoot,
		instance: instance,
		broker:   broker,
		writeCfg: writeCfg,
		index:    index,
		live:     make(map[string]*Session),
	}
}

// InstanceName returns the instance this manager serves.
func (m *Manager) InstanceName() string { return m.instance }

// Root returns the instances root directory.
func (m *Manager) Root() string { return m.root }

// CreateSessionOpts carries the optional fields of CreateSession.
type CreateSessionOpts struct {
	Context         map[string]any
	ParentSessionID string
	// ResumeOf marks this session as an explicit branch of a prior one.
	ResumeOf string
}

// CreateSession allocates a new session id, computes depth from the parent
// (which may live in a different instance), starts the session and registers
// it. The owning pid rides in the context map for the crash-repair pass.
func (m *Manager) CreateSession(ctx context.Context, initialPrompt string, opts CreateSessionOpts) (*Session, error) {
	id := NewSessionID()

	depth := 0
	if opts.ParentSessionID != "" {
		depth = 1
		if dir, _, err := FindSessionDir(m.root, opts.ParentSessionID); err == nil {
			if parentMeta, err := ReadMetadata(dir); err == nil {
				depth = parentMeta.Depth + 1
			}
		}
	}

	sctx := make(map[string]any, len(opts.Context)+1)
	for k, v := range opts.Context {
		sctx[k] = v
	}
	sctx["pid"] = os.Getpid()

	s := &Session{
		dir:      SessionDir(m.root, m.instance, id),
		broker:   m.broker,
		writeCfg: m.writeCfg,
		logLimit: rate.NewLimiter(rate.Every(publishLogEvery), 3),
		meta: Metadata{
			SessionID:       id,
			InstanceName:    m.instance,
			StartTime:       protocol.NowStamp(),
			Status:          protocol.StatusRunning,
			Depth:           depth,
			ParentSessionID: opts.ParentSessionID,
			InitialPrompt:   initialPrompt,
			Context:         sctx,
			ResumeOf:        opts.ResumeOf,
		},
		afterFinalize: m.indexUpsert,
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.live[id] = s
	m.mu.Unlock()

	m.indexUpsert(s.Metadata(), s.Statistics())
	return s, nil
}

// GetSession returns the live session when this process owns it, otherwise a
// read-only view hydrated from disk. A view has no writer: RecordMessage on
// it fails, which is the single-writer invariant doing its job.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.live[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	dir := SessionDir(m.root, m.instance, id)
	meta, err := ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	stats, err := ReadStatistics(dir)
	if err != nil {
		return nil, err
	}
	return &Session{
		dir:       dir,
		broker:    m.broker,
		writeCfg:  m.writeCfg,
		logLimit:  rate.NewLimiter(rate.Every(publishLogEvery), 3),
		meta:      meta,
		stats:     stats,
		finalized: true, // read-only view
	}, nil
}

// Resume reopens an existing session for further recording: status flips
// back to running, prior records are never rewritten, the message log grows
// from its current tail.
func (m *Manager) Resume(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.live[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	dir := SessionDir(m.root, m.instance, id)
	meta, err := ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	stats, err := ReadStatistics(dir)
	if err != nil {
		return nil, err
	}

	meta.Status = protocol.StatusRunning
	meta.EndTime = ""
	if meta.Context == nil {
		meta.Context = make(map[string]any)
	}
	meta.Context["pid"] = os.Getpid()
	if err := writeJSONAtomic(SessionDir(m.root, m.instance, id)+"/"+MetadataFile, meta); err != nil {
		return nil, fmt.Errorf("reopen metadata: %w", err)
	}

	w, err := jsonl.NewWriter(dir+"/"+MessagesFile, m.writeCfg)
	if err != nil {
		return nil, fmt.Errorf("reopen message log: %w", err)
	}

	s := &Session{
		dir:           dir,
		broker:        m.broker,
		writeCfg:      m.writeCfg,
		logLimit:      rate.NewLimiter(rate.Every(publishLogEvery), 3),
		meta:          meta,
		stats:         stats,
		writer:        w,
		afterFinalize: m.indexUpsert,
	}
	m.mu.Lock()
	m.live[id] = s
	m.mu.Unlock()

	m.indexUpsert(s.Metadata(), s.Statistics())
	return s, nil
}

// SessionMessages reads a session's recorded messages from its log.
func (m *Manager) SessionMessages(id string) ([]protocol.Envelope, error) {
	dir := SessionDir(m.root, m.instance, id)
	if _, err := ReadMetadata(dir); err != nil {
		return nil, err
	}
	return jsonl.ReadEnvelopes(dir+"/"+MessagesFile, nil, 0)
}

// Release drops a finalized session from the live registry.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}

// SessionSummary is the lightweight listing row derived from metadata.
type SessionSummary struct {
	SessionID       string `json:"session_id"`
	InstanceName    string `json:"instance_name"`
	Status          string `json:"status"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time,omitempty"`
	Depth           int    `json:"depth"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	InitialPrompt   string `json:"initial_prompt"`
}

// ListSessions scans the instance's sessions directory, newest first.
// status filters when non-empty; offset past the end yields an empty list.
func (m *Manager) ListSessions(status string, limit, offset int) ([]SessionSummary, error) {
	dir := InstanceSessionsDir(m.root, m.instance)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && ValidSessionID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	// Ids sort by creation time; newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	var out []SessionSummary
	skipped := 0
	for _, id := range ids {
		meta, err := ReadMetadata(SessionDir(m.root, m.instance, id))
		if err != nil {
			continue
		}
		if status != "" && meta.Status != status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, summaryFromMetadata(meta))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func summaryFromMetadata(meta Metadata) SessionSummary {
	return SessionSummary{
		SessionID:       meta.SessionID,
		InstanceName:    meta.InstanceName,
		Status:          meta.Status,
		StartTime:       meta.StartTime,
		EndTime:         meta.EndTime,
		Depth:           meta.Depth,
		ParentSessionID: meta.ParentSessionID,
		InitialPrompt:   meta.InitialPrompt,
	}
}

// indexUpsert mirrors a session into the optional index, best-effort.
func (m *Manager) indexUpsert(meta Metadata, stats Statistics) {
	if m.index == nil {
		return
	}
	err := m.index.Upsert(context.Background(), store.Summary{
		SessionID:       meta.SessionID,
		InstanceName:    meta.InstanceName,
		Status:          meta.Status,
		StartTime:       meta.StartTime,
		EndTime:         meta.EndTime,
		Depth:           meta.Depth,
		ParentSessionID: meta.ParentSessionID,
		InitialPrompt:   meta.InitialPrompt,
		Result:          stats.Result,
		NumMessages:     stats.NumMessages,
		CostUSD:         stats.CostUSD,
	})
	if err != nil {
		// The index is an accelerator; the directory stays the truth.
		return
	}
}
