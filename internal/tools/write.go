package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// WriteTool creates or overwrites a file. Overwriting requires a prior
// Read of the current version.
type WriteTool struct{}

func NewWriteTool() *WriteTool { return &WriteTool{} }

func (t *WriteTool) Name() string { return "Write" }

func (t *WriteTool) Description() string {
	return "Writes content to a file, overwriting it if it exists. Existing files must be read first."
}

func (t *WriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Absolute path of the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []any{"file_path", "content"},
	}
}

func (t *WriteTool) IsReadOnly() bool { return false }

// checkEditAfterRead enforces the edit safety rule shared by Write,
// Edit and NotebookEdit: an existing file may only be modified when a
// read timestamp at least as fresh as the file's mtime is on record.
func checkEditAfterRead(path string, tc *Context) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // creating a new file
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if tc == nil || tc.State == nil {
		return fmt.Errorf("file has not been read yet: %s", path)
	}
	ts, ok := tc.State.ReadFileTimestamp(path)
	if !ok {
		return fmt.Errorf("file has not been read yet. Read it first before writing to it: %s", path)
	}
	if ts < info.ModTime().UnixMilli() {
		return fmt.Errorf("file has been modified since it was last read. Read it again before writing: %s", path)
	}
	return nil
}

func (t *WriteTool) ValidateInput(input map[string]any, tc *Context) error {
	path := str(input, "file_path")
	if path == "" {
		return fmt.Errorf("file_path is required")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("file_path must be absolute, got %q", path)
	}
	return checkEditAfterRead(path, tc)
}

func (t *WriteTool) GenToolPermission(input map[string]any) (string, string) {
	path := str(input, "file_path")
	title := fmt.Sprintf("Write %s", filepath.Base(path))
	return title, fmt.Sprintf("Write to file: %s\n\n%s", path, truncateForDisplay(str(input, "content"), 2000))
}

func (t *WriteTool) GetDisplayTitle(input map[string]any) string {
	return filepath.Base(str(input, "file_path"))
}

func (t *WriteTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	title := t.GetDisplayTitle(input)
	return title, "File written", out.ResultForAssistant
}

func (t *WriteTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	path := str(input, "file_path")
	content := str(input, "content")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	if info, err := os.Stat(path); err == nil && tc != nil && tc.State != nil {
		tc.State.SetReadFileTimestamp(path, info.ModTime().UnixMilli())
	}

	return &Output{
		ResultForAssistant: fmt.Sprintf("File created successfully at: %s", path),
	}, nil
}

func truncateForDisplay(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n… (truncated)"
}
