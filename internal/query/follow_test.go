package query

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

func TestFollowFileReplaysDurableLog(t *testing.T) {
	root := t.TempDir()
	id := fixtureSession(t, root, "demo", "hello", "world", "")
	q := New(root, "demo", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	var types []string
	err := q.FollowFile(ctx, id, true, func(env protocol.Envelope) {
		mu.Lock()
		types = append(types, env.MessageType)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	// The session is finalized, so FollowFile drains and returns.
	want := []string{protocol.MessageTypeUser, protocol.MessageTypeAssistant, protocol.MessageTypeResult}
	mu.Lock()
	defer mu.Unlock()
	if len(types) != len(want) {
		t.Fatalf("messages = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("position %d = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestFollowFileMissingSession(t *testing.T) {
	q := New(t.TempDir(), "demo", nil, nil)
	err := q.FollowFile(context.Background(), "20990101T000000_0001_ffffffff", true, func(protocol.Envelope) {})
	if err == nil {
		t.Error("missing session should error")
	}
}
