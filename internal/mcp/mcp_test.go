package mcp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

func boolPtr(b bool) *bool { return &b }

func TestMergeScopesProjectWins(t *testing.T) {
	user := map[string]ServerConfig{
		"files":  {Transport: "stdio", Command: "user-files"},
		"search": {Transport: "sse", URL: "https://user.example"},
	}
	project := map[string]ServerConfig{
		"files": {Transport: "stdio", Command: "project-files"},
		"db":    {Transport: "http", URL: "https://db.example"},
	}

	merged := mergeScopes(user, project)
	if len(merged) != 3 {
		t.Fatalf("merged = %d servers, want 3", len(merged))
	}
	if merged["files"].Command != "project-files" {
		t.Error("project scope must win on collision")
	}
}

func TestMergeScopesDropsDisabled(t *testing.T) {
	user := map[string]ServerConfig{
		"on":  {Transport: "stdio", Command: "a"},
		"off": {Transport: "stdio", Command: "b", Enabled: boolPtr(false)},
	}
	merged := mergeScopes(user, nil)
	if _, ok := merged["off"]; ok {
		t.Error("disabled server must be excluded")
	}
	if _, ok := merged["on"]; !ok {
		t.Error("enabled server must survive")
	}
}

func TestLoadScopeJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.json5")
	content := `{
		// project servers
		mcpServers: {
			files: {transport: "stdio", command: "mcp-files", args: ["--root", "/tmp"]},
		},
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	servers, mtime, err := loadScope(path)
	if err != nil {
		t.Fatal(err)
	}
	if mtime.IsZero() {
		t.Error("mtime must be recorded")
	}
	if servers["files"].Command != "mcp-files" || len(servers["files"].Args) != 2 {
		t.Errorf("parsed = %+v", servers["files"])
	}
}

func TestLoadScopeMissingFile(t *testing.T) {
	servers, mtime, err := loadScope(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil || servers != nil || !mtime.IsZero() {
		t.Errorf("missing file must be an empty scope, got %v %v %v", servers, mtime, err)
	}
}

type fakeCaller struct {
	result *mcpgo.CallToolResult
	err    error
	gotReq mcpgo.CallToolRequest
}

func (f *fakeCaller) CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	f.gotReq = req
	return f.result, f.err
}

func listedTool(name string) mcpgo.Tool {
	return mcpgo.Tool{
		Name:        name,
		Description: "desc of " + name,
		InputSchema: mcpgo.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"path": map[string]any{"type": "string"}},
			Required:   []string{"path"},
		},
	}
}

func TestAdaptToolsNaming(t *testing.T) {
	ts := adaptTools("filesystem", []mcpgo.Tool{listedTool("read_file")}, nil, &fakeCaller{})
	if len(ts) != 1 {
		t.Fatalf("adapted = %d", len(ts))
	}
	if ts[0].Name() != "mcp__filesystem__read_file" {
		t.Errorf("name = %q", ts[0].Name())
	}
	schema := ts[0].InputSchema()
	if schema["type"] != "object" {
		t.Errorf("schema type = %v", schema["type"])
	}
	if _, ok := schema["properties"].(map[string]any); !ok {
		t.Errorf("schema properties missing: %v", schema)
	}
}

func TestAdaptToolsUseToolsFilter(t *testing.T) {
	listed := []mcpgo.Tool{listedTool("read_file"), listedTool("write_file")}

	all := adaptTools("fs", listed, nil, &fakeCaller{})
	if len(all) != 2 {
		t.Errorf("nil useTools must expose all, got %d", len(all))
	}

	filtered := adaptTools("fs", listed, []string{"read_file"}, &fakeCaller{})
	if len(filtered) != 1 || filtered[0].Name() != "mcp__fs__read_file" {
		t.Errorf("filtered = %v", filtered)
	}

	none := adaptTools("fs", listed, []string{}, &fakeCaller{})
	if len(none) != 0 {
		t.Errorf("empty useTools must expose nothing, got %d", len(none))
	}
}

func TestBridgeInvoke(t *testing.T) {
	caller := &fakeCaller{
		result: &mcpgo.CallToolResult{
			Content: []mcpgo.Content{
				mcpgo.TextContent{Type: "text", Text: "line one"},
				mcpgo.TextContent{Type: "text", Text: "line two"},
			},
		},
	}
	ts := adaptTools("fs", []mcpgo.Tool{listedTool("read_file")}, nil, caller)

	out, err := ts[0].Invoke(context.Background(), map[string]any{"path": "/tmp/x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.ResultForAssistant != "line one\nline two" {
		t.Errorf("result = %q", out.ResultForAssistant)
	}
	if caller.gotReq.Params.Name != "read_file" {
		t.Errorf("remote call used name %q", caller.gotReq.Params.Name)
	}
}

func TestBridgeInvokeError(t *testing.T) {
	caller := &fakeCaller{
		result: &mcpgo.CallToolResult{
			IsError: true,
			Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "file not found"}},
		},
	}
	ts := adaptTools("fs", []mcpgo.Tool{listedTool("read_file")}, nil, caller)

	_, err := ts[0].Invoke(context.Background(), map[string]any{"path": "/missing"}, nil)
	if err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Errorf("err = %v", err)
	}
}

func TestToolsCacheByMtime(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "user.json5")
	projPath := filepath.Join(dir, "project.json5")
	// No servers configured: the interesting part is cache behavior.
	m := NewManager(userPath, projPath)

	first := m.Tools(context.Background())
	if len(first) != 0 {
		t.Fatalf("tools = %d", len(first))
	}
	m.mu.Lock()
	valid := m.cacheValid
	m.mu.Unlock()
	if !valid {
		t.Error("cache must be valid after Tools()")
	}

	// A config file appearing changes the mtime and invalidates.
	if err := os.WriteFile(userPath, []byte(`{mcpServers: {}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_ = m.Tools(context.Background())
	m.mu.Lock()
	mt := m.cacheUserMt
	m.mu.Unlock()
	if mt.IsZero() {
		t.Error("cache key must track the new mtime")
	}
	m.Close()
}
