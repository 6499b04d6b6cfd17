// Package builtin implements the tools that run in the service process:
// workspace file access, text search, and web search. Tools that execute
// arbitrary code live behind the sandbox instead.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/strandlabs/strand/internal/tools"
)

// Config scopes the file tools to a workspace directory.
type Config struct {
	Workspace string
	// MaxFileSize bounds read_file output. Zero means 1MB.
	MaxFileSize int64
}

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within the workspace root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

// ReadFileTool reads a workspace file.
type ReadFileTool struct {
	resolver Resolver
	maxSize  int64
}

// NewReadFileTool creates a read tool scoped to the workspace.
func NewReadFileTool(cfg Config) *ReadFileTool {
	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = 1 << 20
	}
	return &ReadFileTool{resolver: Resolver{Root: cfg.Workspace}, maxSize: maxSize}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Category() string { return tools.CategoryFilesystem }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file in the workspace."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to read (relative to workspace).",
			},
		},
		"required":             []string{"path"},
		"additionalProperties": false,
	})
}

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Errorf(tools.FailureInvalidArguments, err.Error()), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return tools.Errorf(tools.FailureExecution, err.Error()), nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return tools.Errorf(tools.FailureExecution, fmt.Sprintf("stat file: %v", err)), nil
	}
	if info.IsDir() {
		return tools.Errorf(tools.FailureExecution, input.Path+" is a directory"), nil
	}
	if info.Size() > t.maxSize {
		return tools.Errorf(tools.FailureExecution,
			fmt.Sprintf("file is %d bytes, limit is %d", info.Size(), t.maxSize)), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return tools.Errorf(tools.FailureExecution, fmt.Sprintf("read file: %v", err)), nil
	}
	return &tools.Result{Content: string(data)}, nil
}

// ListDirTool lists a workspace directory.
type ListDirTool struct {
	resolver Resolver
}

// NewListDirTool creates a directory listing tool scoped to the workspace.
func NewListDirTool(cfg Config) *ListDirTool {
	return &ListDirTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Category() string { return tools.CategoryFilesystem }

func (t *ListDirTool) Description() string {
	return "List the entries of a directory in the workspace."
}

func (t *ListDirTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list (relative to workspace, default: workspace root).",
			},
		},
		"additionalProperties": false,
	})
}

func (t *ListDirTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return tools.Errorf(tools.FailureInvalidArguments, err.Error()), nil
		}
	}
	if input.Path == "" {
		input.Path = "."
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return tools.Errorf(tools.FailureExecution, err.Error()), nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return tools.Errorf(tools.FailureExecution, fmt.Sprintf("read dir: %v", err)), nil
	}

	var b strings.Builder
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
		} else {
			fmt.Fprintf(&b, "%s\n", e.Name())
		}
	}
	if b.Len() == 0 {
		return &tools.Result{Content: "(empty directory)"}, nil
	}
	return &tools.Result{Content: b.String()}, nil
}

func mustSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
