package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts dropping messages; the bus is not durable.
const subscriberBuffer = 100

// Memory is an in-process broker: channel name → subscriber set with
// buffered per-subscriber delivery and drop-on-full. It backs tests and
// single-process deployments where no Redis is configured.
type Memory struct {
	mu      sync.RWMutex
	subs    map[string]map[*memorySub]struct{}
	closed  bool
	dropped atomic.Int64
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	bus      *Memory
	channels []string
	ch       chan Message
	once     sync.Once
}

func (s *memorySub) C() <-chan Message { return s.ch }
func (s *memorySub) Err() error        { return nil }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for _, name := range s.channels {
			if set, ok := s.bus.subs[name]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(s.bus.subs, name)
				}
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// Publish fans the payload out to every subscriber of the channel. Payloads
// are shallow-copied so subscribers cannot race the publisher's map.
func (m *Memory) Publish(_ context.Context, channel string, payload map[string]any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs[channel] {
		msg := Message{Channel: channel, Payload: copyPayload(payload)}
		select {
		case sub.ch <- msg:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe opens a subscription on the given channels.
func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{
		bus:      m,
		channels: channels,
		ch:       make(chan Message, subscriberBuffer),
	}
	for _, name := range channels {
		set, ok := m.subs[name]
		if !ok {
			set = make(map[*memorySub]struct{})
			m.subs[name] = set
		}
		set[sub] = struct{}{}
	}
	return sub, nil
}

// Dropped reports how many messages were discarded on slow subscribers.
func (m *Memory) Dropped() int64 { return m.dropped.Load() }

// Close terminates every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySub
	for _, set := range m.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	m.subs = make(map[string]map[*memorySub]struct{})
	m.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

func copyPayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
