// Package agent orchestrates agent turns: it composes the tool list, drives
// the LLM, records every message through the session layer and exposes the
// turn as a message stream.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nextlevelbuilder/clawcast/internal/bus"
	"github.com/nextlevelbuilder/clawcast/internal/config"
	"github.com/nextlevelbuilder/clawcast/internal/providers"
	"github.com/nextlevelbuilder/clawcast/internal/sessionctx"
	"github.com/nextlevelbuilder/clawcast/internal/sessions"
	"github.com/nextlevelbuilder/clawcast/internal/store"
	"github.com/nextlevelbuilder/clawcast/internal/tools"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

// Deps are the shared collaborators a runtime and its lazily-built children
// all use. Zero fields get defaults at Initialize.
type Deps struct {
	Broker    bus.Bus
	Provider  providers.Provider
	Index     store.Index
	Streaming *config.StreamingConfig
}

// Runtime runs one configured instance. It owns the instance's session
// manager and tool registry; sub-instance tools materialize child runtimes
// on first use and reuse them after.
type Runtime struct {
	instancesRoot string
	instanceName  string
	instanceDir   string

	cfg          *config.InstanceConfig
	deps         Deps
	ownBroker    bool
	manager      *sessions.Manager
	registry     *tools.Registry
	toolDefs     []providers.ToolDefinition
	systemPrompt string

	bgCancel context.CancelFunc

	mu       sync.Mutex
	children map[string]*Runtime
}

// NewRuntime builds an uninitialized runtime for one instance directory
// under instancesRoot.
func NewRuntime(instancesRoot, instanceName string, deps Deps) *Runtime {
	return &Runtime{
		instancesRoot: instancesRoot,
		instanceName:  instanceName,
		instanceDir:   filepath.Join(instancesRoot, instanceName),
		deps:          deps,
		children:      make(map[string]*Runtime),
	}
}

// Initialize loads configuration, connects the bus, prepares the session
// manager (stale-context cleanup plus crash repair) and composes the tool
// list from the local manifest and the configured sub-instances.
func (r *Runtime) Initialize(ctx context.Context) error {
	cfg, err := config.LoadInstance(r.instanceDir)
	if err != nil {
		return err
	}
	r.cfg = cfg

	if r.deps.Streaming == nil {
		streaming, err := config.LoadStreaming(filepath.Dir(r.instancesRoot))
		if err != nil {
			return err
		}
		r.deps.Streaming = streaming
	}

	if r.deps.Broker == nil {
		broker, err := bus.New(r.deps.Streaming.Redis)
		if err != nil {
			// The durable path works without a bus; run degraded.
			slog.Warn("agent: bus unavailable, live streaming disabled", "error", err)
			broker = nil
		} else {
			r.ownBroker = true
		}
		r.deps.Broker = broker
	}

	if r.deps.Provider == nil {
		r.deps.Provider = providers.NewAnthropicProvider("", providers.WithAnthropicModel(cfg.Model))
	}

	// Forward advanced env (SDK timeouts and similar) to the client boundary.
	for k, v := range cfg.Advanced.Env {
		os.Setenv(k, v)
	}

	r.manager = sessions.NewManager(r.instancesRoot, r.instanceName, r.deps.Broker, r.deps.Streaming, r.deps.Index)

	if removed, err := sessionctx.CleanupAll(); err == nil && removed > 0 {
		slog.Debug("agent: removed stale session context files", "count", removed)
	}
	if repaired, err := r.manager.RepairInterrupted(sessions.DefaultRepairGrace); err == nil && len(repaired) > 0 {
		slog.Info("agent: repaired interrupted sessions", "count", len(repaired))
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	r.bgCancel = cancel
	r.manager.StartAutoCleanup(bgCtx, cfg.SessionRecording)

	if cfg.SystemPromptFile != "" {
		data, err := os.ReadFile(cfg.SystemPromptFile)
		if err != nil {
			return fmt.Errorf("read system prompt: %w", err)
		}
		r.systemPrompt = string(data)
	}

	if err := r.composeTools(); err != nil {
		return err
	}
	return nil
}

// composeTools fills the registry with local manifest tools and one
// sub-instance tool per configured child, then snapshots the filtered
// definitions sent to the LLM.
func (r *Runtime) composeTools() error {
	r.registry = tools.NewRegistry()

	locals, err := tools.LoadLocalTools(r.instanceDir)
	if err != nil {
		return err
	}
	for _, t := range locals {
		if err := r.registry.Register(t); err != nil {
			return err
		}
	}

	for logicalName, dirName := range r.cfg.SubInstances {
		tool := tools.NewSubInstanceTool(logicalName, dirName, "", r.childRunFunc(dirName))
		if err := r.registry.Register(tool); err != nil {
			return err
		}
	}

	for _, t := range r.registry.Filter(r.cfg.Tools) {
		r.toolDefs = append(r.toolDefs, providers.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return nil
}

// childRunFunc adapts a named child instance into the run callback the
// sub-instance tool expects.
func (r *Runtime) childRunFunc(dirName string) tools.ChildRunFunc {
	return func(ctx context.Context, req tools.ChildRunRequest) (tools.ChildRunResult, error) {
		child, err := r.childRuntime(ctx, dirName)
		if err != nil {
			return tools.ChildRunResult{}, err
		}

		stream, err := child.Query(ctx, tools.BuildChildPrompt(req), QueryOpts{
			ResumeID: req.ResumeSessionID,
			ParentID: req.ParentSessionID,
		})
		if err != nil {
			return tools.ChildRunResult{}, err
		}

		// Durably record the spawn on the parent session; the Session
		// republishes it on the parent's system channel for live
		// subscribers. The child runtime also announces on the bus, which
		// covers cross-process parents; the coordinator dedupes.
		if parent, ok := tools.SessionFrom(ctx); ok && stream.SessionID != "" {
			parent.RecordMessage(ctx, protocol.SubInstanceStarted(stream.SessionID, dirName))
		}

		text, err := stream.Drain()
		return tools.ChildRunResult{Text: text, SessionID: stream.SessionID}, err
	}
}

// childRuntime returns the lazily-initialized runtime for a child instance.
func (r *Runtime) childRuntime(ctx context.Context, dirName string) (*Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if child, ok := r.children[dirName]; ok {
		return child, nil
	}

	// Children share the broker, index and provider; each request names its
	// own model from the child's config.
	child := NewRuntime(r.instancesRoot, dirName, r.deps)
	if err := child.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize sub-instance %s: %w", dirName, err)
	}
	r.children[dirName] = child
	return child, nil
}

// InstanceName returns the instance this runtime serves.
func (r *Runtime) InstanceName() string { return r.instanceName }

// Manager exposes the session manager (for the CLI's session commands).
func (r *Runtime) Manager() *sessions.Manager { return r.manager }

// Cleanup stops background work, closes child runtimes and, when owned,
// the bus connection.
func (r *Runtime) Cleanup() {
	if r.bgCancel != nil {
		r.bgCancel()
	}

	r.mu.Lock()
	children := r.children
	r.children = make(map[string]*Runtime)
	r.mu.Unlock()
	for _, child := range children {
		child.Cleanup()
	}

	if r.ownBroker && r.deps.Broker != nil {
		r.deps.Broker.Close()
		r.deps.Broker = nil
		r.ownBroker = false
	}
}
