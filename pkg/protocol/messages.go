package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type tags. Every envelope on the bus and in messages.jsonl carries
// exactly one of these in its message_type field. Consumers branch on the tag,
// never on dynamic type.
const (
	MessageTypeUser       = "UserMessage"
	MessageTypeAssistant  = "AssistantMessage"
	MessageTypeToolUse    = "ToolUseMessage"
	MessageTypeToolResult = "ToolResultMessage"
	MessageTypeResult     = "ResultMessage"
	MessageTypeSystem     = "SystemMessage"
)

// Content block type tags inside AssistantMessage.data.content.
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// System message subtypes.
const (
	SystemSubtypeSubInstanceStarted = "sub_instance_started"
)

// TimestampLayout is ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Stamp formats t for on-disk and on-bus timestamps.
func Stamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NowStamp returns the current time formatted with TimestampLayout.
func NowStamp() string {
	return Stamp(time.Now())
}

// ParseStamp parses a timestamp produced by Stamp. It also accepts plain
// RFC3339 so records written by older builds remain readable.
func ParseStamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Envelope is the uniform wrapper for every recorded and published message.
type Envelope struct {
	MessageType string         `json:"message_type"`
	Timestamp   string         `json:"timestamp"`
	Data        map[string]any `json:"data"`
}

// NewEnvelope wraps a typed payload in an envelope stamped with the current
// time. The payload is flattened to a map so bus consumers and JSONL readers
// see the same shape regardless of the producing side's types.
func NewEnvelope(messageType string, payload any) (Envelope, error) {
	data, err := toMap(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", messageType, err)
	}
	return Envelope{
		MessageType: messageType,
		Timestamp:   NowStamp(),
		Data:        data,
	}, nil
}

// MustEnvelope is NewEnvelope for payloads built from literals, where an
// encoding failure is a programming error.
func MustEnvelope(messageType string, payload any) Envelope {
	env, err := NewEnvelope(messageType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Block is one element of AssistantMessage.data.content — a tagged sum over
// text, tool_use and tool_result. Only the fields for the tagged variant are
// populated.
type Block struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) Block {
	return Block{Type: BlockTypeText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) Block {
	return Block{Type: BlockTypeToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockTypeToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// UserData is the payload of a UserMessage.
type UserData struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AssistantData is the payload of an AssistantMessage.
type AssistantData struct {
	Model   string  `json:"model"`
	Content []Block `json:"content"`
}

// Usage carries token counts from the LLM boundary.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ResultData is the payload of the turn-terminating ResultMessage.
type ResultData struct {
	Subtype       string  `json:"subtype"`
	DurationMS    int64   `json:"duration_ms"`
	DurationAPIMS int64   `json:"duration_api_ms"`
	IsError       bool    `json:"is_error"`
	NumTurns      int     `json:"num_turns"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	Usage         Usage   `json:"usage"`
	Result        string  `json:"result"`
}

// SystemData is the payload of a SystemMessage. Subtype-specific fields ride
// in Fields and are inlined on the wire next to subtype.
type SystemData struct {
	Subtype string
	Fields  map[string]any
}

// MarshalJSON inlines Fields beside the subtype key.
func (s SystemData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Fields)+1)
	for k, v := range s.Fields {
		out[k] = v
	}
	out["subtype"] = s.Subtype
	return json.Marshal(out)
}

// UnmarshalJSON splits the subtype key back out of the flat object.
func (s *SystemData) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Subtype, _ = raw["subtype"].(string)
	delete(raw, "subtype")
	s.Fields = raw
	return nil
}

// SubInstanceStarted builds the system event announcing a child session on the
// parent's system channel.
func SubInstanceStarted(childSessionID, instanceName string) Envelope {
	return MustEnvelope(MessageTypeSystem, SystemData{
		Subtype: SystemSubtypeSubInstanceStarted,
		Fields: map[string]any{
			"session_id":    childSessionID,
			"instance_name": instanceName,
		},
	})
}

// DecodeUser extracts a UserData payload from an envelope.
func DecodeUser(env Envelope) (UserData, error) {
	var out UserData
	return out, fromMap(env.Data, &out)
}

// DecodeAssistant extracts an AssistantData payload from an envelope.
func DecodeAssistant(env Envelope) (AssistantData, error) {
	var out AssistantData
	return out, fromMap(env.Data, &out)
}

// DecodeResult extracts a ResultData payload from an envelope.
func DecodeResult(env Envelope) (ResultData, error) {
	var out ResultData
	return out, fromMap(env.Data, &out)
}

// DecodeSystem extracts a SystemData payload from an envelope.
func DecodeSystem(env Envelope) (SystemData, error) {
	raw, err := json.Marshal(env.Data)
	if err != nil {
		return SystemData{}, err
	}
	var out SystemData
	if err := json.Unmarshal(raw, &out); err != nil {
		return SystemData{}, err
	}
	return out, nil
}

// SystemSubtype returns the subtype of a SystemMessage envelope, or "" when
// the envelope is not a system message.
func SystemSubtype(env Envelope) string {
	if env.MessageType != MessageTypeSystem {
		return ""
	}
	sub, _ := env.Data["subtype"].(string)
	return sub
}

// ChildSessionRef is the (session, instance) pair carried by a
// sub_instance_started event.
type ChildSessionRef struct {
	SessionID    string
	InstanceName string
}

// DecodeSubInstanceStarted extracts the child reference from a
// sub_instance_started system envelope.
func DecodeSubInstanceStarted(env Envelope) (ChildSessionRef, bool) {
	if SystemSubtype(env) != SystemSubtypeSubInstanceStarted {
		return ChildSessionRef{}, false
	}
	id, _ := env.Data["session_id"].(string)
	name, _ := env.Data["instance_name"].(string)
	if id == "" {
		return ChildSessionRef{}, false
	}
	return ChildSessionRef{SessionID: id, InstanceName: name}, true
}

func toMap(payload any) (map[string]any, error) {
	if m, ok := payload.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromMap(data map[string]any, dst any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
