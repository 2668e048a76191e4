package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/clawcore/internal/tools"
)

// caller is the client subset the bridge needs; narrowed for tests.
type caller interface {
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

// bridgeTool adapts one remote MCP tool to the local tool contract.
type bridgeTool struct {
	server   string
	original string
	desc     string
	schema   map[string]any
	client   caller
}

// adaptTools wraps a server's tool list, applying the per-server
// useTools filter (nil = all).
func adaptTools(server string, listed []mcpgo.Tool, useTools []string, client caller) []tools.Tool {
	var allow map[string]bool
	if useTools != nil {
		allow = make(map[string]bool, len(useTools))
		for _, name := range useTools {
			allow[name] = true
		}
	}

	var out []tools.Tool
	for _, t := range listed {
		if allow != nil && !allow[t.Name] {
			continue
		}
		out = append(out, &bridgeTool{
			server:   server,
			original: t.Name,
			desc:     t.Description,
			schema:   translateSchema(t.InputSchema),
			client:   client,
		})
	}
	return out
}

// translateSchema converts the wire schema to the local map form via a
// JSON round trip, defaulting to a permissive object schema.
func translateSchema(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{"type": "object"}
	}
	if out["type"] == nil {
		out["type"] = "object"
	}
	return out
}

func (t *bridgeTool) Name() string {
	return fmt.Sprintf("mcp__%s__%s", t.server, t.original)
}

func (t *bridgeTool) Description() string {
	if t.desc != "" {
		return t.desc
	}
	return fmt.Sprintf("Tool %s provided by MCP server %s", t.original, t.server)
}

func (t *bridgeTool) InputSchema() map[string]any { return t.schema }

// Remote tools are opaque; they always go through the permission engine.
func (t *bridgeTool) IsReadOnly() bool { return false }

func (t *bridgeTool) ValidateInput(input map[string]any, tc *tools.Context) error { return nil }

func (t *bridgeTool) GenToolPermission(input map[string]any) (string, string) {
	args, _ := json.MarshalIndent(input, "", "  ")
	title := fmt.Sprintf("Run %s on MCP server %s", t.original, t.server)
	return title, string(args)
}

func (t *bridgeTool) GetDisplayTitle(input map[string]any) string {
	return fmt.Sprintf("%s (%s)", t.original, t.server)
}

func (t *bridgeTool) GenToolResultMessage(out *tools.Output, input map[string]any) (string, string, string) {
	return t.GetDisplayTitle(input), "Done", out.ResultForAssistant
}

func (t *bridgeTool) Invoke(ctx context.Context, input map[string]any, tc *tools.Context) (*tools.Output, error) {
	cctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.original
	req.Params.Arguments = input

	resp, err := t.client.CallTool(cctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", t.Name(), err)
	}

	text := flattenContent(resp.Content)
	if resp.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, fmt.Errorf("%s", text)
	}
	if text == "" {
		text = "(no output)"
	}
	return &tools.Output{ResultForAssistant: text}, nil
}

func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
