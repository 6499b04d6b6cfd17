package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolverBlocksEscape(t *testing.T) {
	r := Resolver{Root: t.TempDir()}

	if _, err := r.Resolve("../outside.txt"); err == nil {
		t.Error("Resolve should reject paths escaping the workspace")
	}
	if _, err := r.Resolve("sub/../ok.txt"); err != nil {
		t.Errorf("Resolve should allow paths that stay inside: %v", err)
	}
	if _, err := r.Resolve(""); err == nil {
		t.Error("Resolve should reject empty path")
	}
}

func TestReadFileTool(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "hello.txt", "hello world")
	tool := NewReadFileTool(Config{Workspace: dir})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"path": "hello.txt"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || res.Content != "hello world" {
		t.Errorf("result = %+v", res)
	}

	res, _ = tool.Execute(context.Background(), json.RawMessage(`{"path": "missing.txt"}`))
	if !res.IsError {
		t.Error("reading a missing file should be an error result")
	}

	res, _ = tool.Execute(context.Background(), json.RawMessage(`{"path": "../etc/passwd"}`))
	if !res.IsError {
		t.Error("escaping the workspace should be an error result")
	}
}

func TestReadFileToolSizeLimit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "big.txt", strings.Repeat("x", 100))
	tool := NewReadFileTool(Config{Workspace: dir, MaxFileSize: 10})

	res, _ := tool.Execute(context.Background(), json.RawMessage(`{"path": "big.txt"}`))
	if !res.IsError {
		t.Error("oversized file should be an error result")
	}
}

func TestListDirTool(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.txt", "")
	writeFile(t, dir, "a.txt", "")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	tool := NewListDirTool(Config{Workspace: dir})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	want := "a.txt\nb.txt\nsub/\n"
	if res.Content != want {
		t.Errorf("listing = %q, want %q", res.Content, want)
	}
}

func TestGrepTool(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.go", "package main\nfunc main() {}\n")
	writeFile(t, dir, "sub/two.go", "package sub\nvar x = 1\n")
	writeFile(t, dir, "notes.txt", "package of cookies\n")
	tool := NewGrepTool(Config{Workspace: dir})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"pattern": "^package ", "glob": "*.go"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Content, "one.go:1:package main") {
		t.Errorf("missing match in %q", res.Content)
	}
	if !strings.Contains(res.Content, filepath.Join("sub", "two.go")+":1:package sub") {
		t.Errorf("missing nested match in %q", res.Content)
	}
	if strings.Contains(res.Content, "notes.txt") {
		t.Errorf("glob should exclude notes.txt: %q", res.Content)
	}

	res, _ = tool.Execute(context.Background(), json.RawMessage(`{"pattern": "nothing_matches_this"}`))
	if res.Content != "no matches" {
		t.Errorf("empty search = %q", res.Content)
	}

	res, _ = tool.Execute(context.Background(), json.RawMessage(`{"pattern": "["}`))
	if !res.IsError {
		t.Error("invalid regexp should be an error result")
	}
}

func TestWebSearchToolSearXNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "golang" {
			t.Errorf("query = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{"title": "The Go Programming Language", "url": "https://go.dev", "content": "Go docs"},
				{"title": "Go wiki", "url": "https://go.dev/wiki", "content": ""},
			},
		})
	}))
	defer srv.Close()

	tool := NewWebSearchTool(SearchConfig{SearXNGURL: srv.URL})
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query": "golang"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Content, "The Go Programming Language") ||
		!strings.Contains(res.Content, "https://go.dev") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestWebSearchToolBackendDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	tool := NewWebSearchTool(SearchConfig{SearXNGURL: srv.URL})
	res, _ := tool.Execute(context.Background(), json.RawMessage(`{"query": "golang"}`))
	if !res.IsError || res.ErrorKind != "transport_error" {
		t.Errorf("result = %+v, want transport_error", res)
	}
}
