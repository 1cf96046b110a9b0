package query

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawcast/internal/config"
	"github.com/nextlevelbuilder/clawcast/internal/sessions"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

func testStreaming() *config.StreamingConfig {
	return &config.StreamingConfig{
		AsyncWrite: config.AsyncWriteConfig{BatchSize: 1, FlushInterval: time.Hour},
	}
}

// fixtureSession records a completed session and returns its id.
func fixtureSession(t *testing.T, root, instance, prompt, result string, parentID string) string {
	t.Helper()
	mgr := sessions.NewManager(root, instance, nil, testStreaming(), nil)
	s, err := mgr.CreateSession(context.Background(), prompt, sessions.CreateSessionOpts{ParentSessionID: parentID})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	s.RecordMessage(ctx, protocol.MustEnvelope(protocol.MessageTypeUser, protocol.UserData{Role: "user", Content: prompt}))
	s.RecordMessage(ctx, protocol.MustEnvelope(protocol.MessageTypeAssistant, protocol.AssistantData{
		Model: "m", Content: []protocol.Block{protocol.TextBlock(result)},
	}))
	res := &protocol.ResultData{Subtype: "success", NumTurns: 1, Result: result}
	s.RecordMessage(ctx, protocol.MustEnvelope(protocol.MessageTypeResult, res))
	if err := s.Finalize(ctx, res); err != nil {
		t.Fatal(err)
	}
	return s.ID()
}

func linkChild(t *testing.T, root, instance, parentID, childID, childInstance string) {
	t.Helper()
	dir := sessions.SessionDir(root, instance, parentID)
	stats, err := sessions.ReadStatistics(dir)
	if err != nil {
		t.Fatal(err)
	}
	stats.Subsessions = append(stats.Subsessions, sessions.SubsessionLink{
		SessionID: childID, ToolName: childInstance, ToolUseID: "tu_1",
		Timestamp: protocol.NowStamp(), InstanceName: childInstance, Depth: 1,
	})
	data, _ := json.MarshalIndent(stats, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, sessions.StatisticsFile), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGetSessionDetails(t *testing.T) {
	root := t.TempDir()
	id := fixtureSession(t, root, "demo", "hello", "world", "")
	q := New(root, "demo", nil, nil)

	details, err := q.GetSessionDetails(id, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if details.Metadata.SessionID != id || details.Metadata.Status != protocol.StatusCompleted {
		t.Errorf("metadata = %+v", details.Metadata)
	}
	if details.Statistics.NumMessages != 3 {
		t.Errorf("num_messages = %d", details.Statistics.NumMessages)
	}
	if len(details.Messages) != 3 {
		t.Errorf("messages = %d", len(details.Messages))
	}

	limited, _ := q.GetSessionDetails(id, true, 1)
	if len(limited.Messages) != 1 {
		t.Errorf("limited messages = %d", len(limited.Messages))
	}
	bare, _ := q.GetSessionDetails(id, false, 0)
	if bare.Messages != nil {
		t.Error("messages included without include_messages")
	}

	if _, err := q.GetSessionDetails("20990101T000000_0001_ffffffff", false, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing session = %v", err)
	}
}

func TestGetSessionMessagesTypeFilter(t *testing.T) {
	root := t.TempDir()
	id := fixtureSession(t, root, "demo", "hello", "world", "")
	q := New(root, "demo", nil, nil)

	// Every recorded message of type T comes back when filtering on T.
	for _, msgType := range []string{protocol.MessageTypeUser, protocol.MessageTypeAssistant, protocol.MessageTypeResult} {
		msgs, err := q.GetSessionMessages(id, []string{msgType}, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 || msgs[0].MessageType != msgType {
			t.Errorf("filter %s: got %d messages", msgType, len(msgs))
		}
	}
}

func TestSearchSessions(t *testing.T) {
	root := t.TempDir()
	fixtureSession(t, root, "demo", "Review the parser code", "parser is fine", "")
	fixtureSession(t, root, "demo", "Write documentation", "docs written", "")
	q := New(root, "demo", nil, nil)

	byPrompt, err := q.SearchSessions("PARSER", SearchFieldInitialPrompt, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(byPrompt) != 1 || !strings.Contains(byPrompt[0].InitialPrompt, "parser") {
		t.Errorf("prompt search = %+v", byPrompt)
	}

	byResult, err := q.SearchSessions("docs", SearchFieldResult, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(byResult) != 1 {
		t.Errorf("result search = %+v", byResult)
	}

	if _, err := q.SearchSessions("x", "bogus", 0); err == nil {
		t.Error("unknown field should error")
	}
}

func TestGetStatisticsSummary(t *testing.T) {
	root := t.TempDir()
	fixtureSession(t, root, "demo", "a", "ra", "")
	fixtureSession(t, root, "demo", "b", "rb", "")
	q := New(root, "demo", nil, nil)

	summary, err := q.GetStatisticsSummary(0)
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalSessions != 2 || summary.Completed != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.TotalMessages != 6 {
		t.Errorf("total messages = %d", summary.TotalMessages)
	}

	windowed, _ := q.GetStatisticsSummary(7)
	if windowed.TotalSessions != 2 {
		t.Errorf("recent window dropped sessions: %+v", windowed)
	}
}

func TestExportFormats(t *testing.T) {
	root := t.TempDir()
	id := fixtureSession(t, root, "demo", "hello", "the result text", "")
	q := New(root, "demo", nil, nil)
	out := t.TempDir()

	// json: re-reading yields identical metadata and message list.
	jsonPath := filepath.Join(out, "s.json")
	if err := q.ExportSession(id, jsonPath, ExportJSON, true); err != nil {
		t.Fatal(err)
	}
	var exported Details
	data, _ := os.ReadFile(jsonPath)
	if err := json.Unmarshal(data, &exported); err != nil {
		t.Fatal(err)
	}
	details, _ := q.GetSessionDetails(id, true, 0)
	exportedMeta, _ := json.Marshal(exported.Metadata)
	liveMeta, _ := json.Marshal(details.Metadata)
	if string(exportedMeta) != string(liveMeta) {
		t.Error("exported metadata differs")
	}
	exportedMsgs, _ := json.Marshal(exported.Messages)
	liveMsgs, _ := json.Marshal(details.Messages)
	if string(exportedMsgs) != string(liveMsgs) {
		t.Error("exported messages differ")
	}

	// jsonl: byte-identical copy of the log.
	jsonlPath := filepath.Join(out, "s.jsonl")
	if err := q.ExportSession(id, jsonlPath, ExportJSONL, true); err != nil {
		t.Fatal(err)
	}
	orig, _ := os.ReadFile(filepath.Join(sessions.SessionDir(root, "demo", id), sessions.MessagesFile))
	copied, _ := os.ReadFile(jsonlPath)
	if string(orig) != string(copied) {
		t.Error("jsonl export is not a raw copy")
	}

	// text: readable transcript.
	textPath := filepath.Join(out, "s.txt")
	if err := q.ExportSession(id, textPath, ExportText, true); err != nil {
		t.Fatal(err)
	}
	transcript, _ := os.ReadFile(textPath)
	for _, want := range []string{id, "hello", "the result text"} {
		if !strings.Contains(string(transcript), want) {
			t.Errorf("transcript missing %q", want)
		}
	}

	if err := q.ExportSession(id, filepath.Join(out, "x"), "yaml", true); err == nil {
		t.Error("unknown format should error")
	}
}

func TestBuildSessionTreeAcrossInstances(t *testing.T) {
	root := t.TempDir()
	parent := fixtureSession(t, root, "parent", "root task", "done", "")
	child := fixtureSession(t, root, "code_reviewer", "review", "reviewed", parent)
	grandchild := fixtureSession(t, root, "prompt_writer", "write", "written", child)
	linkChild(t, root, "parent", parent, child, "code_reviewer")
	linkChild(t, root, "code_reviewer", child, grandchild, "prompt_writer")

	q := New(root, "parent", nil, nil)
	tree, err := q.BuildSessionTree(parent, "", false, 10)
	if err != nil {
		t.Fatal(err)
	}

	flat := FlattenTree(tree)
	if len(flat) != 3 {
		t.Fatalf("nodes = %d", len(flat))
	}
	wantIDs := []string{parent, child, grandchild}
	for i, node := range flat {
		if node.SessionID != wantIDs[i] {
			t.Errorf("pre-order position %d = %s", i, node.SessionID)
		}
		if node.Depth != i {
			t.Errorf("node %d depth = %d", i, node.Depth)
		}
	}
	if flat[1].InstanceName != "code_reviewer" || flat[2].InstanceName != "prompt_writer" {
		t.Error("cross-instance resolution failed")
	}
}

func TestBuildSessionTreeCycleAndDepth(t *testing.T) {
	root := t.TempDir()
	a := fixtureSession(t, root, "demo", "a", "ra", "")
	b := fixtureSession(t, root, "demo", "b", "rb", a)
	// Cycle: a → b → a.
	linkChild(t, root, "demo", a, b, "demo")
	linkChild(t, root, "demo", b, a, "demo")

	q := New(root, "demo", nil, nil)
	tree, err := q.BuildSessionTree(a, "", false, 10)
	if err != nil {
		t.Fatal(err)
	}
	flat := FlattenTree(tree)
	if len(flat) != 2 {
		t.Errorf("cyclic tree nodes = %d, want 2", len(flat))
	}

	shallow, err := q.BuildSessionTree(a, "", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(shallow.Children) != 0 {
		t.Error("max_depth=0 should truncate children")
	}
	if !shallow.Truncated {
		t.Error("truncation not flagged")
	}
}

func TestBuildSessionTreeBrokenLink(t *testing.T) {
	root := t.TempDir()
	parent := fixtureSession(t, root, "demo", "p", "rp", "")
	linkChild(t, root, "demo", parent, "20990101T000000_0001_eeeeeeee", "gone")

	q := New(root, "demo", nil, nil)
	tree, err := q.BuildSessionTree(parent, "", false, 5)
	if err != nil {
		t.Fatalf("broken link should be tolerated: %v", err)
	}
	if len(tree.Children) != 0 || !tree.Truncated {
		t.Errorf("tree = %+v", tree)
	}
}
