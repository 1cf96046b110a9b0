package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawcast/internal/bus"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

// SubscribeOptions configures a live subscription. Callbacks run on the
// coordinator's delivery goroutines: one per subscribed session, so within a
// session they arrive in publication order, across sessions concurrently.
type SubscribeOptions struct {
	// OnParentMessage receives every message of the root session.
	OnParentMessage func(env protocol.Envelope)
	// OnChildMessage receives every message of a discovered child.
	OnChildMessage func(childID, instanceName string, env protocol.Envelope)
	// OnChildStarted fires when a sub_instance_started event announces a
	// child, before its messages start flowing through OnChildMessage.
	OnChildStarted func(childID, instanceName string)
	// OnLifecycle receives started/finalized events for any watched session.
	OnLifecycle func(sessionID string, payload map[string]any)
	// OnError surfaces per-session broker errors out of band. An error on
	// one child never affects the others.
	OnError func(sessionID string, err error)
	// AutoStart controls whether discovered children are subscribed
	// automatically. Default true.
	AutoStart *bool
}

func (o SubscribeOptions) autoStart() bool {
	return o.AutoStart == nil || *o.AutoStart
}

// Subscription follows a session and, transitively, every child it spawns,
// reporting all of it to one subscriber.
type Subscription struct {
	q    *Query
	root string
	opts SubscribeOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	children map[string]string // child session id → instance name
	subs     []bus.Subscription
	stopped  bool

	wg sync.WaitGroup
}

// Subscribe starts following sessionID on the bus: its messages channel, its
// system channel for child discovery and its lifecycle channel. Children
// announced via sub_instance_started are followed recursively, so a deep
// tree of sub-instances reports to this one subscriber.
func (q *Query) Subscribe(ctx context.Context, sessionID string, opts SubscribeOptions) (*Subscription, error) {
	if q.broker == nil {
		return nil, errors.New("query: no bus configured")
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		q:        q,
		root:     sessionID,
		opts:     opts,
		ctx:      subCtx,
		cancel:   cancel,
		children: make(map[string]string),
	}
	if err := s.watch(sessionID, "", true); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// watch opens the broker subscription for one session and starts its
// delivery goroutine. isParent selects the parent callback path.
func (s *Subscription) watch(sessionID, instanceName string, isParent bool) error {
	channels := []string{
		protocol.MessagesChannel(sessionID),
		protocol.SystemChannel(sessionID),
		protocol.LifecycleChannel(sessionID),
	}
	sub, err := s.q.broker.Subscribe(s.ctx, channels...)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", sessionID, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		sub.Close()
		return errors.New("query: subscription stopped")
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.deliver(sessionID, instanceName, isParent, sub)
	return nil
}

func (s *Subscription) deliver(sessionID, instanceName string, isParent bool, sub bus.Subscription) {
	defer s.wg.Done()
	for msg := range sub.C() {
		// Closing a subscription leaves its buffered messages readable;
		// drain them without dispatching once Stop has run.
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			continue
		}
		switch msg.Channel {
		case protocol.MessagesChannel(sessionID):
			env := payloadEnvelope(msg.Payload)
			if isParent {
				if s.opts.OnParentMessage != nil {
					s.opts.OnParentMessage(env)
				}
			} else if s.opts.OnChildMessage != nil {
				s.opts.OnChildMessage(sessionID, instanceName, env)
			}

		case protocol.SystemChannel(sessionID):
			env := payloadEnvelope(msg.Payload)
			if ref, ok := protocol.DecodeSubInstanceStarted(env); ok {
				s.onChildDiscovered(ref)
			}

		case protocol.LifecycleChannel(sessionID):
			if s.opts.OnLifecycle != nil {
				s.opts.OnLifecycle(sessionID, msg.Payload)
			}
		}
	}
	if err := sub.Err(); err != nil && !errors.Is(err, context.Canceled) {
		if s.opts.OnError != nil {
			s.opts.OnError(sessionID, err)
		}
		if isParent {
			// Losing the parent ends the whole subscription.
			s.Stop()
		}
	}
}

// onChildDiscovered registers an announced child and recursively follows it.
// Duplicate announcements are ignored; messages a child published before
// this moment are gone from the live path (subscribers are not durable
// consumers) but remain in its JSONL log.
func (s *Subscription) onChildDiscovered(ref protocol.ChildSessionRef) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if _, seen := s.children[ref.SessionID]; seen {
		s.mu.Unlock()
		return
	}
	s.children[ref.SessionID] = ref.InstanceName
	s.mu.Unlock()

	if s.opts.OnChildStarted != nil {
		s.opts.OnChildStarted(ref.SessionID, ref.InstanceName)
	}
	if !s.opts.autoStart() {
		return
	}
	if err := s.watch(ref.SessionID, ref.InstanceName, false); err != nil {
		if s.opts.OnError != nil {
			s.opts.OnError(ref.SessionID, err)
		}
	}
}

// GetChildSessions returns the discovered child sessions and their
// instances.
func (s *Subscription) GetChildSessions() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.children))
	for id, inst := range s.children {
		out[id] = inst
	}
	return out
}

// Stop cancels the parent subscription and every discovered child's,
// releasing all broker resources. Idempotent and safe from any goroutine;
// callbacks in flight complete, no new ones are dispatched.
func (s *Subscription) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		sub.Close()
	}
}

// Wait blocks until every delivery goroutine has drained, or the timeout
// elapses (timeout <= 0 waits forever). Returns true when fully drained.
func (s *Subscription) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// payloadEnvelope rebuilds a protocol envelope from a bus payload. Consumers
// read message_type, not type.
func payloadEnvelope(payload map[string]any) protocol.Envelope {
	env := protocol.Envelope{}
	env.MessageType, _ = payload["message_type"].(string)
	env.Timestamp, _ = payload["timestamp"].(string)
	if data, ok := payload["data"].(map[string]any); ok {
		env.Data = data
	}
	return env
}
