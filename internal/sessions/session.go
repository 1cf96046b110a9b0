// Package sessions records agent conversations: one directory per session
// with an append-only message log, metadata and finalize-time statistics.
// Every recorded message is also published live on the bus; the file is the
// durable path, the bus the best-effort one.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawcast/internal/bus"
	"github.com/nextlevelbuilder/clawcast/internal/config"
	"github.com/nextlevelbuilder/clawcast/internal/jsonl"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

// Session is the in-memory handle for one recorded conversation. Created by
// the Manager, mutated only by the runtime that owns it, finalized once.
type Session struct {
	dir      string
	broker   bus.Bus
	writeCfg config.AsyncWriteConfig

	// Throttles publish-failure logging so a dead broker cannot flood the
	// log during a long turn.
	logLimit *rate.Limiter

	mu        sync.Mutex
	meta      Metadata
	stats     Statistics
	writer    *jsonl.Writer
	finalized bool

	// afterFinalize lets the manager mirror final state into the index.
	afterFinalize func(Metadata, Statistics)
}

// ID returns the session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.SessionID
}

// Metadata returns a copy of the current metadata.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Statistics returns a copy of the in-memory statistics counters.
func (s *Session) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Subsessions = append([]SubsessionLink(nil), s.stats.Subsessions...)
	return stats
}

// Dir returns the session directory.
func (s *Session) Dir() string { return s.dir }

// Start creates the session directory, writes the initial metadata with
// status running and announces the session on its lifecycle channel.
func (s *Session) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	s.mu.Lock()
	s.meta.Status = protocol.StatusRunning
	meta := s.meta
	s.mu.Unlock()

	if err := writeJSONAtomic(filepath.Join(s.dir, MetadataFile), meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	w, err := jsonl.NewWriter(filepath.Join(s.dir, MessagesFile), s.writeCfg)
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()

	s.publish(ctx, protocol.LifecycleChannel(meta.SessionID),
		protocol.LifecycleEvent(protocol.LifecycleStarted, meta.SessionID, protocol.StatusRunning))
	return nil
}

// RecordMessage appends the envelope to the message log and publishes it on
// the session's messages channel. A sub_instance_started system message is
// additionally republished on the system channel so live subscribers can
// discover the child. Counters are updated even when the durable append
// fails, keeping statistics consistent with what went out on the bus.
func (s *Session) RecordMessage(ctx context.Context, env protocol.Envelope) error {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return fmt.Errorf("session %s: record after finalize", s.meta.SessionID)
	}
	writer := s.writer
	id := s.meta.SessionID
	s.countLocked(env)
	s.mu.Unlock()

	var writeErr error
	if writer != nil {
		if err := writer.Append(env); err != nil {
			writeErr = fmt.Errorf("session %s: %w", id, err)
			slog.Error("sessions: durable append failed", "session", id, "error", err)
		}
	}

	payload := envelopePayload(env)
	s.publish(ctx, protocol.MessagesChannel(id), payload)
	if _, ok := protocol.DecodeSubInstanceStarted(env); ok {
		s.publish(ctx, protocol.SystemChannel(id), payload)
	}
	return writeErr
}

// countLocked updates the in-memory statistics for one message.
func (s *Session) countLocked(env protocol.Envelope) {
	s.stats.NumMessages++
	switch env.MessageType {
	case protocol.MessageTypeToolUse:
		s.stats.NumToolCalls++
	case protocol.MessageTypeAssistant:
		if msg, err := protocol.DecodeAssistant(env); err == nil {
			for _, block := range msg.Content {
				if block.Type == protocol.BlockTypeToolUse {
					s.stats.NumToolCalls++
				}
			}
		}
	case protocol.MessageTypeResult:
		if res, err := protocol.DecodeResult(env); err == nil {
			s.stats.CostUSD += res.TotalCostUSD
			s.stats.TokensIn += res.Usage.InputTokens
			s.stats.TokensOut += res.Usage.OutputTokens
			s.stats.Result = res.Result
		}
	}
}

// AppendSubsessionLink records a spawned child in the in-memory statistics.
func (s *Session) AppendSubsessionLink(childID, toolName, toolUseID, instanceName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Subsessions = append(s.stats.Subsessions, SubsessionLink{
		SessionID:    childID,
		ToolName:     toolName,
		ToolUseID:    toolUseID,
		Timestamp:    protocol.NowStamp(),
		InstanceName: instanceName,
		Depth:        s.meta.Depth + 1,
	})
}

// Finalize closes the session with a status derived from the result: a
// missing result or one flagged is_error means failed, otherwise completed.
func (s *Session) Finalize(ctx context.Context, result *protocol.ResultData) error {
	status := protocol.StatusFailed
	if result != nil && !result.IsError {
		status = protocol.StatusCompleted
	}
	return s.finalize(ctx, status)
}

// FinalizeInterrupted closes the session after an external interruption.
func (s *Session) FinalizeInterrupted(ctx context.Context) error {
	return s.finalize(ctx, protocol.StatusInterrupted)
}

// finalize flushes the writer, writes statistics, updates metadata and
// publishes lifecycle:finalized. Idempotent: the second and later calls
// return nil without touching disk.
func (s *Session) finalize(ctx context.Context, status string) error {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return nil
	}
	s.finalized = true
	writer := s.writer
	s.writer = nil

	start, err := protocol.ParseStamp(s.meta.StartTime)
	if err != nil {
		start = time.Now()
	}
	now := time.Now()
	s.stats.TotalDurationMS = now.UTC().Sub(start).Milliseconds()
	if s.stats.TotalDurationMS < 0 {
		s.stats.TotalDurationMS = 0
	}
	s.meta.EndTime = protocol.Stamp(now)
	s.meta.Status = status

	meta := s.meta
	stats := s.stats
	s.mu.Unlock()

	// Attempt every step even when an earlier one fails; durable state
	// should get as close to consistent as the failure allows.
	var firstErr error
	if writer != nil {
		if err := writer.Close(); err != nil {
			firstErr = err
		}
	}
	if err := writeJSONAtomic(filepath.Join(s.dir, StatisticsFile), stats); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("write statistics: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(s.dir, MetadataFile), meta); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("update metadata: %w", err)
	}

	s.publish(ctx, protocol.LifecycleChannel(meta.SessionID),
		protocol.LifecycleEvent(protocol.LifecycleFinalized, meta.SessionID, status))

	if s.afterFinalize != nil {
		s.afterFinalize(meta, stats)
	}
	return firstErr
}

// publish sends to the bus, logging (throttled) instead of propagating.
// The live path is best-effort; only the durable path may fail a caller.
func (s *Session) publish(ctx context.Context, channel string, payload map[string]any) {
	if s.broker == nil {
		return
	}
	if err := s.broker.Publish(ctx, channel, payload); err != nil {
		if s.logLimit.Allow() {
			slog.Warn("sessions: bus publish failed", "channel", channel, "error", err)
		}
	}
}

func envelopePayload(env protocol.Envelope) map[string]any {
	return map[string]any{
		"message_type": env.MessageType,
		"timestamp":    env.Timestamp,
		"data":         env.Data,
	}
}
