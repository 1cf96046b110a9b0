package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseResponseBlocks(t *testing.T) {
	raw := `{
		"content": [
			{"type": "text", "text": "let me check. "},
			{"type": "tool_use", "id": "tu_1", "name": "search", "input": {"q": "go"}},
			{"type": "text", "text": "done."}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 120, "output_tokens": 40}
	}`
	var resp anthropicResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}

	out := parseResponse("claude-sonnet-4-5-20250929", &resp)
	if out.Content != "let me check. done." {
		t.Errorf("content = %q", out.Content)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Name != "search" {
		t.Errorf("tool calls = %+v", out.ToolCalls)
	}
	if out.ToolCalls[0].Arguments["q"] != "go" {
		t.Errorf("arguments = %v", out.ToolCalls[0].Arguments)
	}
	if out.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", out.FinishReason)
	}
	if out.Usage.InputTokens != 120 || out.Usage.OutputTokens != 40 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if out.Usage.CostUSD <= 0 {
		t.Error("known model should be priced")
	}

	unknown := parseResponse("some-future-model", &resp)
	if unknown.Usage.CostUSD != 0 {
		t.Errorf("unknown model priced: %v", unknown.Usage.CostUSD)
	}
}

func TestChatAgainstStubServer(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicAPIVersion {
			t.Errorf("version header = %q", got)
		}
		// First attempt rate-limited; retry succeeds.
		if attempts.Add(1) == 1 {
			http.Error(w, `{"error": "rate limited"}`, http.StatusTooManyRequests)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "claude-sonnet-4-5-20250929" {
			t.Errorf("model = %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content": [{"type": "text", "text": "hi"}], "stop_reason": "end_turn", "usage": {"input_tokens": 1, "output_tokens": 2}}`))
	}))
	defer server.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(server.URL))
	p.retryConfig = RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4-5-20250929",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q", resp.Content)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, `{"error": "bad request"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(server.URL))
	p.retryConfig = RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	if _, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}}); err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestRetryDoStopsOnNonRetryable(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	_, err := RetryDo(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, errors.New("permanent")
	})
	if err == nil || calls != 1 {
		t.Errorf("calls=%d err=%v", calls, err)
	}

	calls = 0
	out, err := RetryDo(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, Retryable(errors.New("transient"))
		}
		return 42, nil
	})
	if err != nil || out != 42 || calls != 3 {
		t.Errorf("out=%d calls=%d err=%v", out, calls, err)
	}
}

func TestToolResultMessageMapping(t *testing.T) {
	p := NewAnthropicProvider("k")
	body := p.buildRequestBody("m", ChatRequest{
		Messages: []Message{
			{Role: "user", Content: "q"},
			{Role: "assistant", Content: "using tool", ToolCalls: []ToolCall{{ID: "tu_1", Name: "t", Arguments: map[string]any{}}}},
			{Role: "tool", Content: "result", ToolCallID: "tu_1", IsError: true},
		},
	})
	messages := body["messages"].([]map[string]any)
	if len(messages) != 3 {
		t.Fatalf("messages = %d", len(messages))
	}
	last := messages[2]
	if last["role"] != "user" {
		t.Errorf("tool result role = %v", last["role"])
	}
	blocks := last["content"].([]map[string]any)
	if blocks[0]["type"] != "tool_result" || blocks[0]["tool_use_id"] != "tu_1" || blocks[0]["is_error"] != true {
		t.Errorf("tool result block = %v", blocks[0])
	}
}
