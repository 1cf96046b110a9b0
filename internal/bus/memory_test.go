package bus

import (
	"context"
	"testing"
	"time"
)

func recv(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "ch1", "ch2")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, "ch1", map[string]any{"n": 1}); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "ch3", map[string]any{"n": 99}); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "ch2", map[string]any{"n": 2}); err != nil {
		t.Fatal(err)
	}

	first := recv(t, sub)
	if first.Channel != "ch1" {
		t.Errorf("first channel = %q", first.Channel)
	}
	second := recv(t, sub)
	if second.Channel != "ch2" {
		t.Errorf("second channel = %q", second.Channel)
	}
}

func TestMemoryOrderWithinChannel(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, "ch")
	for i := 0; i < 20; i++ {
		b.Publish(ctx, "ch", map[string]any{"i": i})
	}
	for i := 0; i < 20; i++ {
		msg := recv(t, sub)
		if got := msg.Payload["i"].(int); got != i {
			t.Fatalf("out of order: got %d at position %d", got, i)
		}
	}
}

func TestMemoryLateSubscriberMissesPast(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	b.Publish(ctx, "ch", map[string]any{"n": 1})
	sub, _ := b.Subscribe(ctx, "ch")
	select {
	case msg := <-sub.C():
		t.Errorf("late subscriber saw %v", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemorySlowSubscriberDrops(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, "ch")
	defer sub.Close()
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(ctx, "ch", map[string]any{"i": i})
	}
	if b.Dropped() != 10 {
		t.Errorf("dropped = %d, want 10", b.Dropped())
	}
}

func TestMemorySubscriptionCloseIdempotent(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	sub, _ := b.Subscribe(context.Background(), "ch")
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("channel should be closed")
	}
	// Publishing to a channel with no subscribers is fine.
	if err := b.Publish(context.Background(), "ch", map[string]any{}); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryCloseTerminatesSubscribers(t *testing.T) {
	b := NewMemory()
	sub, _ := b.Subscribe(context.Background(), "ch")
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("subscriber channel should close on bus close")
	}
	if err := b.Publish(context.Background(), "ch", nil); err != ErrClosed {
		t.Errorf("publish after close = %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "ch"); err != ErrClosed {
		t.Errorf("subscribe after close = %v", err)
	}
}

func TestMemoryPayloadIsolation(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, "ch")
	payload := map[string]any{"k": "original"}
	b.Publish(ctx, "ch", payload)
	payload["k"] = "mutated"

	msg := recv(t, sub)
	if msg.Payload["k"] != "original" {
		t.Errorf("subscriber saw publisher mutation: %v", msg.Payload["k"])
	}
}
