package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/strandlabs/strand/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport answers Call from a method-keyed response table.
type fakeTransport struct {
	responses map[string]string
	errors    map[string]*RPCError
	calls     []string
	lastArgs  json.RawMessage
	connected bool
}

func (f *fakeTransport) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeTransport) Close() error                      { f.connected = false; return nil }
func (f *fakeTransport) Connected() bool                   { return f.connected }
func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	if method == "tools/call" {
		if p, ok := params.(CallToolParams); ok {
			f.lastArgs = p.Arguments
		}
	}
	if err, ok := f.errors[method]; ok {
		return nil, err
	}
	resp, ok := f.responses[method]
	if !ok {
		return nil, &RPCError{Code: -32601, Message: "method not found: " + method}
	}
	return json.RawMessage(resp), nil
}

func fakeServerTransport() *fakeTransport {
	return &fakeTransport{
		responses: map[string]string{
			"initialize": `{"protocolVersion": "2024-11-05", "serverInfo": {"name": "fake", "version": "0.1"}}`,
			"tools/list": `{"tools": [
				{"name": "create_issue", "description": "Create an issue",
				 "inputSchema": {"type": "object", "properties": {"title": {"type": "string"}}, "required": ["title"]}}
			]}`,
			"tools/call": `{"content": [{"type": "text", "text": "issue #42 created"}]}`,
		},
		errors: map[string]*RPCError{},
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"valid stdio", ServerConfig{ID: "fs", Transport: TransportStdio, Command: "mcp-fs"}, false},
		{"valid http", ServerConfig{ID: "gh", Transport: TransportHTTP, URL: "https://example.com/mcp"}, false},
		{"missing id", ServerConfig{Transport: TransportStdio, Command: "x"}, true},
		{"separator in id", ServerConfig{ID: "a__b", Transport: TransportStdio, Command: "x"}, true},
		{"stdio without command", ServerConfig{ID: "fs", Transport: TransportStdio}, true},
		{"http bad url", ServerConfig{ID: "gh", Transport: TransportHTTP, URL: "ftp://x"}, true},
		{"unknown transport", ServerConfig{ID: "x", Transport: "carrier-pigeon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClientConnectHandshake(t *testing.T) {
	ft := fakeServerTransport()
	c := newClientWithTransport(&ServerConfig{ID: "gh"}, ft, discardLogger())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.ServerInfo().Name; got != "fake" {
		t.Errorf("ServerInfo.Name = %q", got)
	}
	if len(c.Tools()) != 1 || c.Tools()[0].Name != "create_issue" {
		t.Errorf("Tools = %+v", c.Tools())
	}
	if ft.calls[0] != "initialize" {
		t.Errorf("first call = %q, want initialize", ft.calls[0])
	}
}

func TestClientCallTool(t *testing.T) {
	ft := fakeServerTransport()
	c := newClientWithTransport(&ServerConfig{ID: "gh"}, ft, discardLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	args := json.RawMessage(`{"title": "bug"}`)
	result, err := c.CallTool(context.Background(), "create_issue", args)
	if err != nil {
		t.Fatal(err)
	}
	if result.Text() != "issue #42 created" {
		t.Errorf("Text() = %q", result.Text())
	}
	if string(ft.lastArgs) != `{"title": "bug"}` {
		t.Errorf("arguments not forwarded bit-exact: %s", ft.lastArgs)
	}
}

func TestBridgedToolNamespacing(t *testing.T) {
	ft := fakeServerTransport()
	c := newClientWithTransport(&ServerConfig{ID: "github"}, ft, discardLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	bridged := NewBridgedTool(c, c.Tools()[0])
	if bridged.Name() != "github__create_issue" {
		t.Errorf("Name = %q, want github__create_issue", bridged.Name())
	}

	res, err := bridged.Execute(context.Background(), json.RawMessage(`{"title": "bug"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || res.Content != "issue #42 created" {
		t.Errorf("result = %+v", res)
	}
}

func TestBridgedToolErrorKinds(t *testing.T) {
	ft := fakeServerTransport()
	c := newClientWithTransport(&ServerConfig{ID: "github"}, ft, discardLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	bridged := NewBridgedTool(c, c.Tools()[0])

	// Server-side tool failure.
	ft.responses["tools/call"] = `{"isError": true, "content": [{"type": "text", "text": "rate limited"}]}`
	res, _ := bridged.Execute(context.Background(), nil)
	if !res.IsError || res.ErrorKind != tools.FailureExecution || res.Content != "rate limited" {
		t.Errorf("server failure result = %+v", res)
	}

	// RPC-level error.
	ft.errors["tools/call"] = &RPCError{Code: -32002, Message: "tool not found"}
	res, _ = bridged.Execute(context.Background(), nil)
	if !res.IsError || res.ErrorKind != tools.FailureExecution {
		t.Errorf("rpc error result = %+v", res)
	}

	// Dead transport.
	c.transport = &deadTransport{}
	res, _ = bridged.Execute(context.Background(), nil)
	if !res.IsError || res.ErrorKind != tools.FailureTransport {
		t.Errorf("transport failure result = %+v", res)
	}
}

type deadTransport struct{}

func (d *deadTransport) Connect(ctx context.Context) error { return nil }
func (d *deadTransport) Close() error                      { return nil }
func (d *deadTransport) Connected() bool                   { return false }
func (d *deadTransport) Notify(ctx context.Context, method string, params any) error {
	return ErrNotConnected
}
func (d *deadTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return nil, ErrNotConnected
}

func TestManagerRegisterTools(t *testing.T) {
	m := NewManager(discardLogger())
	ft := fakeServerTransport()
	c := newClientWithTransport(&ServerConfig{ID: "github"}, ft, discardLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.clients["github"] = c

	registry := tools.NewRegistry()
	names, err := m.RegisterTools(registry)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "github__create_issue" {
		t.Errorf("names = %v", names)
	}
	if _, ok := registry.Get("github__create_issue"); !ok {
		t.Error("bridged tool not in registry")
	}

	// The bridged schema participates in validation.
	if err := registry.ValidateArgs("github__create_issue", json.RawMessage(`{}`)); err == nil {
		t.Error("missing required title should fail schema validation")
	}
}

func TestHTTPTransportCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Method != "tools/list" {
			t.Errorf("method = %q", req.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`{"tools": []}`),
		})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(&ServerConfig{
		ID:        "gh",
		Transport: TransportHTTP,
		URL:       srv.URL,
		Headers:   map[string]string{"Authorization": "Bearer tok"},
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	result, err := tr.Call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(result), "tools") {
		t.Errorf("result = %s", result)
	}
}

func TestHTTPTransportRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: -32601, Message: "nope"},
		})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(&ServerConfig{ID: "gh", Transport: TransportHTTP, URL: srv.URL})
	tr.Connect(context.Background())
	defer tr.Close()

	_, err := tr.Call(context.Background(), "bogus", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Errorf("err = %v, want RPCError -32601", err)
	}
}
