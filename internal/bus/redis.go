package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/clawcast/internal/config"
)

// Redis is the broker-backed bus. One pooled client per process; channel
// publish and channel subscribe map directly onto Redis pub/sub.
type Redis struct {
	client *redis.Client
}

// NewRedis connects a pooled client from streaming config and verifies the
// broker is reachable.
func NewRedis(cfg config.RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.PoolSize = cfg.MaxConnections

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client}, nil
}

// Publish serializes the payload and hands it to the broker. The call
// returns as soon as the broker client accepts the command.
func (r *Redis) Publish(ctx context.Context, channel string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", channel, err)
	}
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Message
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSub) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}

// Subscribe opens a broker subscription on the given channels and confirms
// it before returning, so an unreachable broker fails fast.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	sub := &redisSub{pubsub: pubsub, ch: make(chan Message, subscriberBuffer)}
	go func() {
		defer close(sub.ch)
		src := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.setErr(ctx.Err())
				pubsub.Close()
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				var payload map[string]any
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Warn("bus: dropping undecodable message", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case sub.ch <- Message{Channel: msg.Channel, Payload: payload}:
				case <-ctx.Done():
					sub.setErr(ctx.Err())
					pubsub.Close()
					return
				}
			}
		}
	}()
	return sub, nil
}

// Close releases the pooled client. Open subscriptions terminate.
func (r *Redis) Close() error {
	return r.client.Close()
}
