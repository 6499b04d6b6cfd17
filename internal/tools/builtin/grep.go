package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/strandlabs/strand/internal/tools"
)

const (
	grepMaxMatches  = 200
	grepMaxLineSize = 4096
)

// GrepTool searches workspace files by regular expression.
type GrepTool struct {
	resolver Resolver
}

// NewGrepTool creates a grep tool scoped to the workspace.
func NewGrepTool(cfg Config) *GrepTool {
	return &GrepTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Category() string { return tools.CategoryFilesystem }

func (t *GrepTool) Description() string {
	return "Search workspace files for lines matching a regular expression."
}

func (t *GrepTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Go regular expression to match.",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "File or directory to search (default: workspace root).",
			},
			"glob": map[string]any{
				"type":        "string",
				"description": "Only search files whose base name matches this glob.",
			},
		},
		"required":             []string{"pattern"},
		"additionalProperties": false,
	})
}

func (t *GrepTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Glob    string `json:"glob"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Errorf(tools.FailureInvalidArguments, err.Error()), nil
	}

	re, err := regexp.Compile(input.Pattern)
	if err != nil {
		return tools.Errorf(tools.FailureInvalidArguments, fmt.Sprintf("bad pattern: %v", err)), nil
	}

	if input.Path == "" {
		input.Path = "."
	}
	root, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return tools.Errorf(tools.FailureExecution, err.Error()), nil
	}

	var b strings.Builder
	matches := 0
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if input.Glob != "" {
			if ok, _ := filepath.Match(input.Glob, d.Name()); !ok {
				return nil
			}
		}
		if matches >= grepMaxMatches {
			return filepath.SkipAll
		}
		matches += t.grepFile(path, root, re, &b, grepMaxMatches-matches)
		return nil
	})
	if walkErr != nil && walkErr != ctx.Err() {
		return tools.Errorf(tools.FailureExecution, fmt.Sprintf("search: %v", walkErr)), nil
	}

	if matches == 0 {
		return &tools.Result{Content: "no matches"}, nil
	}
	out := b.String()
	if matches >= grepMaxMatches {
		out += fmt.Sprintf("(truncated at %d matches)\n", grepMaxMatches)
	}
	return &tools.Result{Content: out}, nil
}

func (t *GrepTool) grepFile(path, root string, re *regexp.Regexp, out *strings.Builder, budget int) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	matches := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, grepMaxLineSize), grepMaxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if re.MatchString(line) {
			fmt.Fprintf(out, "%s:%d:%s\n", rel, lineNo, line)
			matches++
			if matches >= budget {
				break
			}
		}
	}
	return matches
}
