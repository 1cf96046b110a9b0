package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Local tools are declared in a manifest rather than discovered by
// reflection: an explicit descriptor list is what survives compilation.
// The manifest lives at {instance_dir}/tools/tools.json5.

// LocalManifestFile is the tool manifest name inside an instance's tools dir.
const LocalManifestFile = "tools.json5"

// defaultLocalTimeout bounds one local tool subprocess.
const defaultLocalTimeout = 2 * time.Minute

// LocalToolSpec is one manifest entry.
type LocalToolSpec struct {
	// File is the implementing source file, relative to the tools dir.
	// The tool name derives from its stem plus the function name.
	File        string         `json:"file"`
	Function    string         `json:"function"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	// Command is the argv launched to invoke the function. Relative paths
	// resolve against the instance directory. Args arrive as JSON on stdin;
	// the result is read from stdout.
	Command        []string `json:"command"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

type localManifest struct {
	Tools []LocalToolSpec `json:"tools"`
}

// LoadLocalTools reads an instance's tool manifest and builds one Tool per
// entry. A missing manifest means no local tools.
func LoadLocalTools(instanceDir string) ([]Tool, error) {
	path := filepath.Join(instanceDir, "tools", LocalManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tool manifest: %w", err)
	}
	var manifest localManifest
	if err := json5.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make([]Tool, 0, len(manifest.Tools))
	for _, spec := range manifest.Tools {
		tool, err := newLocalTool(instanceDir, spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, tool)
	}
	return out, nil
}

// LocalToolName derives the exposed name from a file and function.
func LocalToolName(file, function string) string {
	stem := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	return stem + "__" + function
}

func newLocalTool(instanceDir string, spec LocalToolSpec) (Tool, error) {
	if spec.File == "" || spec.Function == "" {
		return Tool{}, fmt.Errorf("tool entry needs file and function")
	}
	if len(spec.Command) == 0 {
		return Tool{}, fmt.Errorf("tool %s: empty command", LocalToolName(spec.File, spec.Function))
	}

	name := LocalToolName(spec.File, spec.Function)
	schema := spec.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	timeout := defaultLocalTimeout
	if spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}

	argv := make([]string, len(spec.Command))
	copy(argv, spec.Command)
	if !filepath.IsAbs(argv[0]) && strings.ContainsRune(argv[0], os.PathSeparator) {
		argv[0] = filepath.Join(instanceDir, argv[0])
	}
	for i := 1; i < len(argv); i++ {
		if strings.ContainsRune(argv[i], os.PathSeparator) && !filepath.IsAbs(argv[i]) {
			argv[i] = filepath.Join(instanceDir, argv[i])
		}
	}

	return Tool{
		Name:        name,
		Description: spec.Description,
		InputSchema: schema,
		// The subprocess can re-enter the runtime as an agent itself: it
		// discovers its parent session id through the per-pid session
		// context file, which the runtime sets before any tool runs.
		Invoke: func(ctx context.Context, args map[string]any) *Result {
			input, err := json.Marshal(args)
			if err != nil {
				return ErrorResult(fmt.Sprintf("encode args: %v", err)).WithError(err)
			}

			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
			cmd.Dir = instanceDir
			cmd.Stdin = bytes.NewReader(input)
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			if err := cmd.Run(); err != nil {
				msg := strings.TrimSpace(stderr.String())
				if msg == "" {
					msg = err.Error()
				}
				return ErrorResult(fmt.Sprintf("%s failed: %s", name, msg)).WithError(err)
			}
			return NewResult(strings.TrimSpace(stdout.String()))
		},
	}, nil
}
