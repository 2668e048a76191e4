package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxLinesToRead caps how many lines Read returns in one call; callers
// page with offset/limit.
const MaxLinesToRead = 2000

// maxLineLength truncates pathological single lines.
const maxLineLength = 2000

// ReadTool reads a file and records its mtime for edit safety.
type ReadTool struct{}

func NewReadTool() *ReadTool { return &ReadTool{} }

func (t *ReadTool) Name() string { return "Read" }

func (t *ReadTool) Description() string {
	return "Reads a file from the local filesystem. The file_path must be absolute. " +
		"Use offset and limit to page through large files; lines are returned in cat -n format."
}

func (t *ReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Absolute path to the file to read",
			},
			"offset": map[string]any{
				"type":        "number",
				"description": "Line number to start reading from (1-based)",
			},
			"limit": map[string]any{
				"type":        "number",
				"description": "Number of lines to read",
			},
		},
		"required": []any{"file_path"},
	}
}

func (t *ReadTool) IsReadOnly() bool { return true }

func (t *ReadTool) ValidateInput(input map[string]any, tc *Context) error {
	path := str(input, "file_path")
	if path == "" {
		return fmt.Errorf("file_path is required")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("file_path must be absolute, got %q", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file does not exist: %s", path)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not a file", path)
	}
	return nil
}

func (t *ReadTool) GenToolPermission(input map[string]any) (string, string) {
	return "", "" // read-only, never prompts
}

func (t *ReadTool) GetDisplayTitle(input map[string]any) string {
	return filepath.Base(str(input, "file_path"))
}

func (t *ReadTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	title := t.GetDisplayTitle(input)
	data, _ := out.Data.(readResult)
	summary := fmt.Sprintf("Read %d lines", data.LineCount)
	return title, summary, out.ResultForAssistant
}

type readResult struct {
	Path      string
	LineCount int
	Truncated bool
}

func (t *ReadTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	path := str(input, "file_path")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	offset := 1
	if o, ok := num(input, "offset"); ok && o > 0 {
		offset = o
	}
	limit := MaxLinesToRead
	if l, ok := num(input, "limit"); ok && l > 0 {
		limit = l
	}

	start := offset - 1
	if start > len(lines) {
		start = len(lines)
	}
	end := start + limit
	truncated := false
	if end > len(lines) {
		end = len(lines)
	} else if end < len(lines) {
		truncated = true
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		line := lines[i]
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "…"
		}
		fmt.Fprintf(&sb, "%6d\t%s\n", i+1, line)
	}
	if truncated {
		fmt.Fprintf(&sb, "\n(File has more lines. Use 'offset' parameter to read beyond line %d)\n", end)
	}
	content := sb.String()
	if content == "" {
		content = "(empty file)"
	}

	// Record the post-read mtime; edits check against this.
	if info, err := os.Stat(path); err == nil && tc != nil && tc.State != nil {
		tc.State.SetReadFileTimestamp(path, info.ModTime().UnixMilli())
	}

	return &Output{
		Data:               readResult{Path: path, LineCount: end - start, Truncated: truncated},
		ResultForAssistant: content,
	}, nil
}
