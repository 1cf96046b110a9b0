package jsonl

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawcast/internal/config"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

func testWriteCfg(batch int) config.AsyncWriteConfig {
	return config.AsyncWriteConfig{BatchSize: batch, FlushInterval: time.Hour}
}

func env(i int) protocol.Envelope {
	return protocol.MustEnvelope(protocol.MessageTypeUser,
		protocol.UserData{Role: "user", Content: fmt.Sprintf("msg %d", i)})
}

func TestWriterBatchesUntilBatchSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	w, err := NewWriter(path, testWriteCfg(3))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	for i := 0; i < 2; i++ {
		if err := w.Append(env(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if got, _ := CountRecords(path); got != 0 {
		t.Errorf("records before batch full = %d, want 0", got)
	}
	if w.Pending() != 2 {
		t.Errorf("pending = %d, want 2", w.Pending())
	}

	// Third append hits batch_size and flushes inline.
	if err := w.Append(env(2)); err != nil {
		t.Fatal(err)
	}
	if got, _ := CountRecords(path); got != 3 {
		t.Errorf("records after batch full = %d, want 3", got)
	}
	if w.Pending() != 0 {
		t.Errorf("pending after flush = %d", w.Pending())
	}
}

func TestWriterCloseFlushesAndIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	w, err := NewWriter(path, testWriteCfg(100))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		w.Append(env(i))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got, _ := CountRecords(path); got != 5 {
		t.Errorf("records = %d, want 5", got)
	}
	if err := w.Append(env(9)); err != ErrWriterClosed {
		t.Errorf("append after close = %v, want ErrWriterClosed", err)
	}
}

func TestWriterPreservesAppendOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	w, err := NewWriter(path, testWriteCfg(7))
	if err != nil {
		t.Fatal(err)
	}
	const n = 50
	for i := 0; i < n; i++ {
		if err := w.Append(env(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	envs, err := ReadEnvelopes(path, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != n {
		t.Fatalf("records = %d, want %d", len(envs), n)
	}
	for i, e := range envs {
		user, err := protocol.DecodeUser(e)
		if err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("msg %d", i); user.Content != want {
			t.Fatalf("record %d = %q, want %q", i, user.Content, want)
		}
	}
}

func TestWriterIntervalFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	w, err := NewWriter(path, config.AsyncWriteConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.Append(env(0))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := CountRecords(path); got == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("interval flush never happened")
}

func TestReaderSkipsPartialLastLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	content := `{"message_type":"UserMessage","timestamp":"2025-01-01T00:00:00.000Z","data":{"role":"user","content":"a"}}` + "\n" +
		`{"message_type":"UserMessage","timestamp":"2025-01-01T00:00:01.000Z","data":{"role":"user","content":"b"}}` + "\n" +
		`{"message_type":"Assist` // writer mid-batch
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	envs, err := ReadEnvelopes(path, nil, 0)
	if err != nil {
		t.Fatalf("partial tail treated as error: %v", err)
	}
	if len(envs) != 2 {
		t.Errorf("records = %d, want 2", len(envs))
	}
}

func TestReaderRejectsCorruptMiddleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	content := `{"message_type":"UserMessage","timestamp":"t","data":{}}` + "\n" +
		`not json at all` + "\n" +
		`{"message_type":"UserMessage","timestamp":"t","data":{}}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadEnvelopes(path, nil, 0); err == nil {
		t.Error("corrupt middle line should be an error")
	}
}

func TestReaderTypeFilterAndLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	w, err := NewWriter(path, testWriteCfg(1))
	if err != nil {
		t.Fatal(err)
	}
	w.Append(protocol.MustEnvelope(protocol.MessageTypeUser, protocol.UserData{Role: "user", Content: "q"}))
	w.Append(protocol.MustEnvelope(protocol.MessageTypeAssistant, protocol.AssistantData{Model: "m", Content: []protocol.Block{protocol.TextBlock("a")}}))
	w.Append(protocol.MustEnvelope(protocol.MessageTypeUser, protocol.UserData{Role: "user", Content: "q2"}))
	w.Close()

	users, err := ReadEnvelopes(path, []string{protocol.MessageTypeUser}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Errorf("filtered records = %d, want 2", len(users))
	}

	limited, err := ReadEnvelopes(path, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limited records = %d, want 1", len(limited))
	}
}

func TestReaderMissingFile(t *testing.T) {
	if _, err := ReadEnvelopes(filepath.Join(t.TempDir(), "nope.jsonl"), nil, 0); err == nil {
		t.Error("missing file should error")
	}
}
