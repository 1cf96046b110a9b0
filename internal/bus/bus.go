// Package bus is a thin pub/sub facade over a channel broker. Delivery is
// best-effort broadcast: at-most-once, no persistence, no replay for late
// subscribers. Durability is the session store's job, never the bus's.
package bus

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/clawcast/internal/config"
)

// ErrClosed is returned by operations on a closed bus or subscription.
var ErrClosed = errors.New("bus: closed")

// Message is one delivered payload with the channel it arrived on.
type Message struct {
	Channel string
	Payload map[string]any
}

// Subscription is a live stream of messages from one or more channels.
// C is closed when the subscription terminates; Err reports the terminal
// error, if any, after C is closed.
type Subscription interface {
	C() <-chan Message
	Err() error
	Close() error
}

// Bus publishes JSON-serializable payloads to named channels and opens
// subscriptions. Publish must never block agent work beyond handing the
// payload to the broker client; failures are the caller's to log, not to
// propagate into the turn.
type Bus interface {
	Publish(ctx context.Context, channel string, payload map[string]any) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}

// New builds a bus from streaming config: Redis when a URL is configured,
// otherwise the in-process broker.
func New(cfg config.RedisConfig) (Bus, error) {
	if cfg.URL == "" {
		return NewMemory(), nil
	}
	return NewRedis(cfg)
}
