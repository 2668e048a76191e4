package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EditTool performs exact string replacement in a previously read file.
type EditTool struct{}

func NewEditTool() *EditTool { return &EditTool{} }

func (t *EditTool) Name() string { return "Edit" }

func (t *EditTool) Description() string {
	return "Performs exact string replacement in a file. old_string must match the file " +
		"content exactly and, unless replace_all is set, must be unique in the file."
}

func (t *EditTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Absolute path of the file to edit",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "Text to replace",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement text",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace every occurrence (default false)",
			},
		},
		"required": []any{"file_path", "old_string", "new_string"},
	}
}

func (t *EditTool) IsReadOnly() bool { return false }

func (t *EditTool) ValidateInput(input map[string]any, tc *Context) error {
	path := str(input, "file_path")
	if path == "" {
		return fmt.Errorf("file_path is required")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("file_path must be absolute, got %q", path)
	}
	if str(input, "old_string") == str(input, "new_string") {
		return fmt.Errorf("old_string and new_string must differ")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("file does not exist: %s", path)
	}
	return checkEditAfterRead(path, tc)
}

func (t *EditTool) GenToolPermission(input map[string]any) (string, string) {
	path := str(input, "file_path")
	title := fmt.Sprintf("Edit %s", filepath.Base(path))
	content := fmt.Sprintf("Edit file: %s\n\n--- old\n%s\n+++ new\n%s",
		path,
		truncateForDisplay(str(input, "old_string"), 1000),
		truncateForDisplay(str(input, "new_string"), 1000))
	return title, content
}

func (t *EditTool) GetDisplayTitle(input map[string]any) string {
	return filepath.Base(str(input, "file_path"))
}

func (t *EditTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	title := t.GetDisplayTitle(input)
	data, _ := out.Data.(editResult)
	summary := fmt.Sprintf("Replaced %d occurrence(s)", data.Replaced)
	return title, summary, out.ResultForAssistant
}

type editResult struct {
	Replaced int
}

func (t *EditTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	path := str(input, "file_path")
	oldStr := str(input, "old_string")
	newStr := str(input, "new_string")
	replaceAll, _ := input["replace_all"].(bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return nil, fmt.Errorf("old_string not found in %s", path)
	}
	if count > 1 && !replaceAll {
		return nil, fmt.Errorf("old_string appears %d times in %s; make it unique or set replace_all", count, path)
	}

	var updated string
	replaced := count
	if replaceAll {
		updated = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		updated = strings.Replace(content, oldStr, newStr, 1)
		replaced = 1
	}

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	// Keep the read timestamp fresh so sequential edits work.
	if info, err := os.Stat(path); err == nil && tc != nil && tc.State != nil {
		tc.State.SetReadFileTimestamp(path, info.ModTime().UnixMilli())
	}

	return &Output{
		Data:               editResult{Replaced: replaced},
		ResultForAssistant: fmt.Sprintf("The file %s has been updated (%d replacement(s)).", path, replaced),
	}, nil
}
