package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawcast/internal/config"
	"github.com/nextlevelbuilder/clawcast/internal/sessions"
)

func noopTool(name string) Tool {
	return Tool{
		Name:        name,
		InputSchema: map[string]any{"type": "object"},
		Invoke:      func(context.Context, map[string]any) *Result { return NewResult("ok") },
	}
}

func TestRegistryFilter(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"osint__lookup_domain", "osint__lookup_ip", "report__render", "code_reviewer"} {
		if err := r.Register(noopTool(name)); err != nil {
			t.Fatal(err)
		}
	}

	names := func(list []Tool) []string {
		var out []string
		for _, tool := range list {
			out = append(out, tool.Name)
		}
		return out
	}

	tests := []struct {
		name string
		cfg  config.ToolsConfig
		want []string
	}{
		{
			name: "no filters",
			cfg:  config.ToolsConfig{},
			want: []string{"code_reviewer", "osint__lookup_domain", "osint__lookup_ip", "report__render"},
		},
		{
			name: "deny glob",
			cfg:  config.ToolsConfig{Disallowed: []string{"osint__*"}},
			want: []string{"code_reviewer", "report__render"},
		},
		{
			name: "allow glob",
			cfg:  config.ToolsConfig{Allowed: []string{"osint__*"}},
			want: []string{"osint__lookup_domain", "osint__lookup_ip"},
		},
		{
			name: "deny wins over allow",
			cfg:  config.ToolsConfig{Allowed: []string{"osint__*"}, Disallowed: []string{"osint__lookup_ip"}},
			want: []string{"osint__lookup_domain"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(r.Filter(tt.cfg))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestRegistryRejectsBadTools(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Tool{Name: ""}); err == nil {
		t.Error("empty name accepted")
	}
	if err := r.Register(Tool{Name: "x"}); err == nil {
		t.Error("nil invoke accepted")
	}
}

func TestLocalToolName(t *testing.T) {
	tests := []struct {
		file, function, want string
	}{
		{"osint.py", "lookup_domain", "osint__lookup_domain"},
		{"tools/report.py", "render", "report__render"},
		{"noext", "fn", "noext__fn"},
	}
	for _, tt := range tests {
		if got := LocalToolName(tt.file, tt.function); got != tt.want {
			t.Errorf("LocalToolName(%q, %q) = %q, want %q", tt.file, tt.function, got, tt.want)
		}
	}
}

func TestLoadLocalToolsAndInvoke(t *testing.T) {
	dir := t.TempDir()
	toolsDir := filepath.Join(dir, "tools")
	os.MkdirAll(toolsDir, 0o755)
	manifest := `{
		tools: [
			{
				file: "echo.py",
				function: "echo",
				description: "echoes its arguments",
				input_schema: { type: "object", properties: { msg: { type: "string" } } },
				command: ["cat"],
				timeout_seconds: 10,
			},
		],
	}`
	os.WriteFile(filepath.Join(toolsDir, LocalManifestFile), []byte(manifest), 0o644)

	list, err := LoadLocalTools(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("tools = %d", len(list))
	}
	tool := list[0]
	if tool.Name != "echo__echo" {
		t.Errorf("name = %q", tool.Name)
	}

	// cat echoes the JSON args from stdin.
	result := tool.Invoke(context.Background(), map[string]any{"msg": "hi"})
	if result.IsError {
		t.Fatalf("invoke error: %s", result.ForLLM)
	}
	var echoed map[string]any
	if err := json.Unmarshal([]byte(result.ForLLM), &echoed); err != nil {
		t.Fatalf("stdout %q: %v", result.ForLLM, err)
	}
	if echoed["msg"] != "hi" {
		t.Errorf("echoed = %v", echoed)
	}
}

func TestLoadLocalToolsMissingManifest(t *testing.T) {
	list, err := LoadLocalTools(t.TempDir())
	if err != nil || list != nil {
		t.Errorf("missing manifest: list=%v err=%v", list, err)
	}
}

func TestLocalToolFailureIsData(t *testing.T) {
	dir := t.TempDir()
	toolsDir := filepath.Join(dir, "tools")
	os.MkdirAll(toolsDir, 0o755)
	manifest := `{tools: [{file: "f.sh", function: "boom", command: ["false"]}]}`
	os.WriteFile(filepath.Join(toolsDir, LocalManifestFile), []byte(manifest), 0o644)

	list, err := LoadLocalTools(dir)
	if err != nil {
		t.Fatal(err)
	}
	result := list[0].Invoke(context.Background(), nil)
	if !result.IsError {
		t.Error("failing subprocess should produce an error result")
	}
	if result.Err == nil {
		t.Error("internal error not carried")
	}
}

func TestSubInstanceToolArgs(t *testing.T) {
	var got ChildRunRequest
	tool := NewSubInstanceTool("code_reviewer", "code_reviewer", "", func(_ context.Context, req ChildRunRequest) (ChildRunResult, error) {
		got = req
		return ChildRunResult{Text: "reviewed", SessionID: "childid"}, nil
	})

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{"missing task", map[string]any{"parent_session_id": "p"}, true},
		{"missing parent", map[string]any{"task": "t"}, true},
		{"bad format", map[string]any{"task": "t", "parent_session_id": "p", "output_format": "xml"}, true},
		{"minimal", map[string]any{"task": "t", "parent_session_id": "p"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tool.Invoke(context.Background(), tt.args)
			if tt.wantErr != result.IsError {
				t.Errorf("IsError = %v (%s)", result.IsError, result.ForLLM)
			}
		})
	}

	full := map[string]any{
		"task":              "review code.py",
		"parent_session_id": "parentid",
		"context_files":     []any{"code.py", "README.md"},
		"output_format":     "markdown",
		"resume_session_id": "prior",
		"variables":         map[string]any{"severity": "high"},
	}
	result := tool.Invoke(context.Background(), full)
	if result.IsError {
		t.Fatalf("invoke: %s", result.ForLLM)
	}
	if result.ForLLM != "reviewed" {
		t.Errorf("result = %q", result.ForLLM)
	}
	if got.Task != "review code.py" || got.ParentSessionID != "parentid" || got.ResumeSessionID != "prior" {
		t.Errorf("request = %+v", got)
	}
	if len(got.ContextFiles) != 2 || got.Variables["severity"] != "high" {
		t.Errorf("request extras = %+v", got)
	}
}

func TestSubInstanceToolLinksParent(t *testing.T) {
	root := t.TempDir()
	mgr := sessions.NewManager(root, "parent", nil, &config.StreamingConfig{
		AsyncWrite: config.AsyncWriteConfig{BatchSize: 1, FlushInterval: time.Hour},
	}, nil)
	parent, err := mgr.CreateSession(context.Background(), "p", sessions.CreateSessionOpts{})
	if err != nil {
		t.Fatal(err)
	}

	tool := NewSubInstanceTool("code_reviewer", "code_reviewer", "", func(context.Context, ChildRunRequest) (ChildRunResult, error) {
		return ChildRunResult{Text: "done", SessionID: "childsession"}, nil
	})

	ctx := WithToolUseID(WithSession(context.Background(), parent), "tu_42")
	result := tool.Invoke(ctx, map[string]any{"task": "t", "parent_session_id": parent.ID()})
	if result.IsError {
		t.Fatalf("invoke: %s", result.ForLLM)
	}

	stats := parent.Statistics()
	if len(stats.Subsessions) != 1 {
		t.Fatalf("subsessions = %d", len(stats.Subsessions))
	}
	link := stats.Subsessions[0]
	if link.SessionID != "childsession" || link.ToolName != "code_reviewer" || link.ToolUseID != "tu_42" {
		t.Errorf("link = %+v", link)
	}
}

func TestBuildChildPrompt(t *testing.T) {
	prompt := BuildChildPrompt(ChildRunRequest{
		Task:         "review it",
		ContextFiles: []string{"a.py"},
		Variables:    map[string]string{"k": "v"},
		OutputFormat: "json",
	})
	for _, want := range []string{"review it", "a.py", "k: v", "valid JSON"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}

	bare := BuildChildPrompt(ChildRunRequest{Task: "just this"})
	if bare != "just this" {
		t.Errorf("bare prompt = %q", bare)
	}
}
