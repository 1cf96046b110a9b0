package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawcast/internal/providers"
	"github.com/nextlevelbuilder/clawcast/internal/sessionctx"
	"github.com/nextlevelbuilder/clawcast/internal/sessions"
	"github.com/nextlevelbuilder/clawcast/internal/tools"
	"github.com/nextlevelbuilder/clawcast/internal/tracing"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

// QueryOpts carries the optional parameters of one turn.
type QueryOpts struct {
	// NoRecord skips the durable session entirely; messages only stream.
	NoRecord bool
	// ResumeID continues an existing session instead of creating one.
	ResumeID string
	// ParentID links the new session under a parent (possibly owned by
	// another instance or process).
	ParentID string
}

// Stream is the asynchronous message sequence of one turn. SessionID is
// known before the first message; C closes when the turn ends; Err reports
// the terminal error afterwards.
type Stream struct {
	SessionID string
	C         <-chan protocol.Envelope

	mu  sync.Mutex
	err error
}

// Err returns the turn's terminal error, if any. Valid after C closes.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Drain consumes the stream and returns the final result text.
func (s *Stream) Drain() (string, error) {
	var result string
	for env := range s.C {
		if env.MessageType == protocol.MessageTypeResult {
			if res, err := protocol.DecodeResult(env); err == nil {
				result = res.Result
			}
		}
	}
	return result, s.Err()
}

// Query runs one agent turn. The session is resolved synchronously — so the
// caller has the id immediately — and the turn itself runs on its own
// goroutine, feeding the returned stream.
func (r *Runtime) Query(ctx context.Context, prompt string, opts QueryOpts) (*Stream, error) {
	if r.cfg == nil {
		return nil, errors.New("agent: runtime not initialized")
	}
	if opts.NoRecord || !r.cfg.SessionRecording.RecordingEnabled() {
		return r.queryUnrecorded(ctx, prompt), nil
	}

	var session *sessions.Session
	var err error
	if opts.ResumeID != "" {
		session, err = r.manager.Resume(ctx, opts.ResumeID)
	} else {
		session, err = r.manager.CreateSession(ctx, prompt, sessions.CreateSessionOpts{
			ParentSessionID: opts.ParentID,
		})
	}
	if err != nil {
		return nil, err
	}
	sessionID := session.ID()

	// Any tool subprocess spawned from this turn discovers its parent
	// session through the per-pid file, so it must exist before tools run.
	// A same-process child turn overwrites the file; the prior entry is
	// restored when the turn ends so the outer turn keeps its context.
	prior, priorErr := sessionctx.Get()
	if err := sessionctx.Set(sessionID, r.instanceDir); err != nil {
		slog.Warn("agent: session context write failed", "error", err)
	}
	restoreCtx := func() {
		if priorErr == nil {
			sessionctx.Set(prior.SessionID, prior.InstancePath)
		} else {
			sessionctx.Clear()
		}
	}

	// Announce ourselves on the parent's system channel before any of our
	// messages hit the bus, so tree subscribers can attach first.
	if opts.ParentID != "" && r.deps.Broker != nil {
		announce := protocol.SubInstanceStarted(sessionID, r.instanceName)
		if err := r.deps.Broker.Publish(ctx, protocol.SystemChannel(opts.ParentID), envelopePayload(announce)); err != nil {
			slog.Warn("agent: child announcement failed", "parent", opts.ParentID, "error", err)
		}
	}

	out := make(chan protocol.Envelope, 64)
	stream := &Stream{SessionID: sessionID, C: out}
	go func() {
		defer close(out)
		defer restoreCtx()
		r.runTurn(ctx, session, prompt, opts.ResumeID != "", out, stream)
	}()
	return stream, nil
}

// QueryText is the convenience consumer of Query: it blocks until the turn
// ends and returns the result text plus the session id.
func (r *Runtime) QueryText(ctx context.Context, prompt string, opts QueryOpts) (string, string, error) {
	stream, err := r.Query(ctx, prompt, opts)
	if err != nil {
		return "", "", err
	}
	text, err := stream.Drain()
	return text, stream.SessionID, err
}

// runTurn drives the LLM loop against a recorded session and finalizes it
// exactly once on every exit path.
func (r *Runtime) runTurn(ctx context.Context, session *sessions.Session, prompt string, resumed bool, out chan<- protocol.Envelope, stream *Stream) {
	turnCtx, span := tracing.StartTurn(ctx, r.instanceName, session.ID())
	defer span.End()
	turnCtx = tools.WithSession(turnCtx, session)

	defer r.manager.Release(session.ID())

	record := func(env protocol.Envelope) {
		if err := session.RecordMessage(turnCtx, env); err != nil {
			// Durable failures surface in the log and the stream error;
			// the turn itself continues.
			stream.setErr(err)
		}
		select {
		case out <- env:
		case <-ctx.Done():
		}
	}

	var history []providers.Message
	if resumed {
		history = r.loadHistory(session)
	}

	result, err := r.driveLoop(turnCtx, session.ID(), prompt, history, record)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			session.FinalizeInterrupted(context.WithoutCancel(turnCtx))
			stream.setErr(err)
			return
		}
		stream.setErr(err)
		session.Finalize(context.WithoutCancel(turnCtx), nil) // failed
		return
	}

	env := protocol.MustEnvelope(protocol.MessageTypeResult, result)
	record(env)
	if err := session.Finalize(context.WithoutCancel(turnCtx), result); err != nil {
		stream.setErr(err)
	}
}

// driveLoop is the think → act → observe cycle shared by recorded and
// unrecorded turns. record receives every message in order.
func (r *Runtime) driveLoop(ctx context.Context, sessionID, prompt string, history []providers.Message, record func(protocol.Envelope)) (*protocol.ResultData, error) {
	start := time.Now()
	var apiDuration time.Duration
	var usage protocol.Usage
	var cost float64

	// Sub-instance tools take parent_session_id as an argument, so the
	// model has to know which session it is speaking in.
	system := r.systemPrompt
	if sessionID != "" {
		system += "\n\nCurrent session id: " + sessionID
	}

	record(protocol.MustEnvelope(protocol.MessageTypeUser, protocol.UserData{Role: "user", Content: prompt}))

	messages := append(history, providers.Message{Role: "user", Content: prompt})
	maxTurns := r.cfg.Advanced.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 20
	}

	var finalText string
	numTurns := 0
	for numTurns < maxTurns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		numTurns++

		llmCtx, llmSpan := tracing.Tracer().Start(ctx, tracing.SpanLLMCall)
		callStart := time.Now()
		resp, err := r.deps.Provider.Chat(llmCtx, providers.ChatRequest{
			System:         system,
			Messages:       messages,
			Tools:          r.toolDefs,
			Model:          r.cfg.Model,
			PermissionMode: r.cfg.Advanced.PermissionMode,
		})
		apiDuration += time.Since(callStart)
		llmSpan.End()
		if err != nil {
			return nil, fmt.Errorf("llm call: %w", err)
		}
		if resp.Usage != nil {
			usage.InputTokens += resp.Usage.InputTokens
			usage.OutputTokens += resp.Usage.OutputTokens
			cost += resp.Usage.CostUSD
		}

		blocks := make([]protocol.Block, 0, 1+len(resp.ToolCalls))
		if resp.Content != "" {
			blocks = append(blocks, protocol.TextBlock(resp.Content))
		}
		for _, call := range resp.ToolCalls {
			blocks = append(blocks, protocol.ToolUseBlock(call.ID, call.Name, call.Arguments))
		}
		record(protocol.MustEnvelope(protocol.MessageTypeAssistant, protocol.AssistantData{
			Model:   resp.Model,
			Content: blocks,
		}))
		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Content
			return r.buildResult(start, apiDuration, numTurns, usage, cost, finalText, false), nil
		}

		for _, call := range resp.ToolCalls {
			result := r.invokeTool(ctx, call)
			record(protocol.MustEnvelope(protocol.MessageTypeToolResult,
				protocol.ToolResultBlock(call.ID, result.ForLLM, result.IsError)))
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: call.ID,
				IsError:    result.IsError,
			})
		}
	}

	// Out of turns: close the session with an error result rather than
	// leaving it dangling.
	res := r.buildResult(start, apiDuration, numTurns, usage, cost,
		fmt.Sprintf("aborted after %d turns", numTurns), true)
	res.Subtype = "error_max_turns"
	return res, nil
}

func (r *Runtime) invokeTool(ctx context.Context, call providers.ToolCall) *tools.Result {
	tool, ok := r.registry.Get(call.Name)
	if !ok {
		return tools.ErrorResult(fmt.Sprintf("unknown tool %q", call.Name))
	}

	toolCtx, span := tracing.StartTool(ctx, call.Name, call.ID)
	defer span.End()
	toolCtx = tools.WithToolUseID(toolCtx, call.ID)

	result := tool.Invoke(toolCtx, call.Arguments)
	if result == nil {
		result = tools.ErrorResult(fmt.Sprintf("tool %q returned nothing", call.Name))
	}
	if result.Err != nil {
		slog.Debug("agent: tool error", "tool", call.Name, "error", result.Err)
	}
	return result
}

func (r *Runtime) buildResult(start time.Time, apiDuration time.Duration, numTurns int, usage protocol.Usage, cost float64, text string, isError bool) *protocol.ResultData {
	subtype := "success"
	if isError {
		subtype = "error"
	}
	return &protocol.ResultData{
		Subtype:       subtype,
		DurationMS:    time.Since(start).Milliseconds(),
		DurationAPIMS: apiDuration.Milliseconds(),
		IsError:       isError,
		NumTurns:      numTurns,
		TotalCostUSD:  cost,
		Usage:         usage,
		Result:        text,
	}
}

// queryUnrecorded runs the same loop with no session: nothing durable,
// stream only.
func (r *Runtime) queryUnrecorded(ctx context.Context, prompt string) *Stream {
	out := make(chan protocol.Envelope, 64)
	stream := &Stream{C: out}
	go func() {
		defer close(out)
		record := func(env protocol.Envelope) {
			select {
			case out <- env:
			case <-ctx.Done():
			}
		}
		result, err := r.driveLoop(ctx, "", prompt, nil, record)
		if err != nil {
			stream.setErr(err)
			return
		}
		record(protocol.MustEnvelope(protocol.MessageTypeResult, result))
	}()
	return stream
}

// loadHistory rebuilds the provider conversation from a resumed session's
// recorded messages.
func (r *Runtime) loadHistory(session *sessions.Session) []providers.Message {
	envs, err := r.manager.SessionMessages(session.ID())
	if err != nil {
		slog.Warn("agent: resume without history", "session", session.ID(), "error", err)
		return nil
	}

	var out []providers.Message
	for _, env := range envs {
		switch env.MessageType {
		case protocol.MessageTypeUser:
			if msg, err := protocol.DecodeUser(env); err == nil {
				out = append(out, providers.Message{Role: "user", Content: msg.Content})
			}
		case protocol.MessageTypeAssistant:
			msg, err := protocol.DecodeAssistant(env)
			if err != nil {
				continue
			}
			pm := providers.Message{Role: "assistant"}
			for _, block := range msg.Content {
				switch block.Type {
				case protocol.BlockTypeText:
					pm.Content += block.Text
				case protocol.BlockTypeToolUse:
					pm.ToolCalls = append(pm.ToolCalls, providers.ToolCall{
						ID: block.ID, Name: block.Name, Arguments: block.Input,
					})
				}
			}
			out = append(out, pm)
		case protocol.MessageTypeToolResult:
			toolUseID, _ := env.Data["tool_use_id"].(string)
			content, _ := env.Data["content"].(string)
			isError, _ := env.Data["is_error"].(bool)
			out = append(out, providers.Message{
				Role: "tool", Content: content, ToolCallID: toolUseID, IsError: isError,
			})
		}
	}
	return out
}

func envelopePayload(env protocol.Envelope) map[string]any {
	return map[string]any{
		"message_type": env.MessageType,
		"timestamp":    env.Timestamp,
		"data":         env.Data,
	}
}
