package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/strandlabs/strand/internal/tools"
)

// ToolSeparator joins server id and tool name in bridged tool names, so
// "create_issue" on server "github" surfaces as "github__create_issue".
const ToolSeparator = "__"

// BridgedTool adapts one MCP server tool to the registry's Tool interface.
type BridgedTool struct {
	client *Client
	tool   *ServerTool
}

// NewBridgedTool wraps a server tool.
func NewBridgedTool(client *Client, tool *ServerTool) *BridgedTool {
	return &BridgedTool{client: client, tool: tool}
}

func (b *BridgedTool) Name() string {
	return b.client.ID() + ToolSeparator + b.tool.Name
}

func (b *BridgedTool) Description() string {
	return b.tool.Description
}

func (b *BridgedTool) Schema() json.RawMessage {
	return b.tool.InputSchema
}

// Execute forwards the call to the server. Transport failures and server-side
// tool failures come back as distinct error kinds so the model can tell a
// dead server from a tool that ran and failed.
func (b *BridgedTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	result, err := b.client.CallTool(ctx, b.tool.Name, args)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return tools.Errorf(tools.FailureExecution, rpcErr.Message), nil
		}
		return tools.Errorf(tools.FailureTransport, err.Error()), nil
	}
	if result.IsError {
		return tools.Errorf(tools.FailureExecution, result.Text()), nil
	}
	return &tools.Result{Content: result.Text()}, nil
}

// RegisterTools bridges every connected server's tools into the registry.
// Returns the namespaced names registered.
func (m *Manager) RegisterTools(registry *tools.Registry) ([]string, error) {
	var names []string
	for _, client := range m.Clients() {
		for _, tool := range client.Tools() {
			bridged := NewBridgedTool(client, tool)
			if err := registry.Register(bridged); err != nil {
				m.logger.Warn("skipping MCP tool with bad schema",
					"server", client.ID(), "tool", tool.Name, "error", err)
				continue
			}
			names = append(names, bridged.Name())
		}
	}
	return names, nil
}
