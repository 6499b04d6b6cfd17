package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/strandlabs/strand/internal/tools"
)

// Tool names exposed to the model. Both run inside the thread's sandbox.
const (
	RunShellToolName  = "run_shell"
	RunPythonToolName = "run_python"
)

// outputLimit caps how much sandbox output flows back to the model.
const outputLimit = 64 * 1024

// NewTurnTools returns the sandbox tools bound to one thread's session. The
// tools lazily acquire the session on first use, so a turn that never runs
// code never provisions a runtime.
func NewTurnTools(manager *Manager, threadID, userID string) []tools.Tool {
	return []tools.Tool{
		&RunShellTool{manager: manager, threadID: threadID, userID: userID},
		&RunPythonTool{manager: manager, threadID: threadID, userID: userID},
	}
}

// RunShellTool executes a shell command in the thread's sandbox.
type RunShellTool struct {
	manager  *Manager
	threadID string
	userID   string
}

func (t *RunShellTool) Name() string { return RunShellToolName }

func (t *RunShellTool) Category() string { return tools.CategoryExecution }

// Arbitrary command execution needs a human unless the policy says otherwise.
func (t *RunShellTool) RequiresConfirmationDefault() bool { return true }

func (t *RunShellTool) Description() string {
	return "Run a shell command in an isolated Linux sandbox. The sandbox persists across calls within the conversation, so installed packages and created files remain available."
}

func (t *RunShellTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute",
			},
		},
		"required":             []string{"command"},
		"additionalProperties": false,
	})
}

func (t *RunShellTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Errorf(tools.FailureInvalidArguments, err.Error()), nil
	}
	return runInSandbox(ctx, t.manager, t.threadID, t.userID,
		[]string{"sh", "-c", params.Command})
}

// RunPythonTool executes a Python snippet in the thread's sandbox.
type RunPythonTool struct {
	manager  *Manager
	threadID string
	userID   string
}

func (t *RunPythonTool) Name() string { return RunPythonToolName }

func (t *RunPythonTool) Category() string { return tools.CategoryExecution }

func (t *RunPythonTool) RequiresConfirmationDefault() bool { return true }

func (t *RunPythonTool) Description() string {
	return "Run Python code in an isolated sandbox. The interpreter state does not persist between calls, but the filesystem and installed packages do."
}

func (t *RunPythonTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "Python source to execute",
			},
		},
		"required":             []string{"code"},
		"additionalProperties": false,
	})
}

func (t *RunPythonTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var params struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Errorf(tools.FailureInvalidArguments, err.Error()), nil
	}
	return runInSandbox(ctx, t.manager, t.threadID, t.userID,
		[]string{"python3", "-c", params.Code})
}

func runInSandbox(ctx context.Context, m *Manager, threadID, userID string, command []string) (*tools.Result, error) {
	if _, err := m.Acquire(ctx, threadID, userID); err != nil {
		return tools.Errorf(tools.FailureTransport, err.Error()), nil
	}

	result, err := m.Exec(ctx, threadID, command)
	if err != nil {
		if errors.Is(err, ErrNoSession) || errors.Is(err, ErrUnavailable) {
			return tools.Errorf(tools.FailureTransport, err.Error()), nil
		}
		return tools.Errorf(tools.FailureExecution, err.Error()), nil
	}

	content := formatExecResult(result)
	if result.ExitCode != 0 {
		return tools.Errorf(tools.FailureExecution, content), nil
	}
	return &tools.Result{Content: content}, nil
}

func formatExecResult(r *ExecResult) string {
	var b strings.Builder
	if out := strings.TrimRight(r.Stdout, "\n"); out != "" {
		b.WriteString(out)
	}
	if errOut := strings.TrimRight(r.Stderr, "\n"); errOut != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(errOut)
	}
	if r.ExitCode != 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "exit code %d", r.ExitCode)
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	out := b.String()
	if len(out) > outputLimit {
		out = out[:outputLimit] + "\n(output truncated)"
	}
	return out
}

func mustSchema(schema map[string]any) json.RawMessage {
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}
	return raw
}
