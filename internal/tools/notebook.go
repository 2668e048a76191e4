package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NotebookEditTool replaces, inserts or deletes a cell in a Jupyter
// notebook. It honors the same edit-after-read rule as Edit/Write.
type NotebookEditTool struct{}

func NewNotebookEditTool() *NotebookEditTool { return &NotebookEditTool{} }

func (t *NotebookEditTool) Name() string { return "NotebookEdit" }

func (t *NotebookEditTool) Description() string {
	return "Replaces, inserts or deletes a cell in a Jupyter notebook (.ipynb). " +
		"Cells are addressed by zero-based index."
}

func (t *NotebookEditTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"notebook_path": map[string]any{
				"type":        "string",
				"description": "Absolute path to the notebook",
			},
			"cell_number": map[string]any{
				"type":        "number",
				"description": "Zero-based cell index",
			},
			"new_source": map[string]any{
				"type":        "string",
				"description": "New cell source",
			},
			"cell_type": map[string]any{
				"type": "string",
				"enum": []any{"code", "markdown"},
			},
			"edit_mode": map[string]any{
				"type": "string",
				"enum": []any{"replace", "insert", "delete"},
			},
		},
		"required": []any{"notebook_path", "cell_number", "new_source"},
	}
}

func (t *NotebookEditTool) IsReadOnly() bool { return false }

func (t *NotebookEditTool) ValidateInput(input map[string]any, tc *Context) error {
	path := str(input, "notebook_path")
	if path == "" {
		return fmt.Errorf("notebook_path is required")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("notebook_path must be absolute, got %q", path)
	}
	if !strings.HasSuffix(path, ".ipynb") {
		return fmt.Errorf("notebook_path must be a .ipynb file")
	}
	if _, ok := num(input, "cell_number"); !ok {
		return fmt.Errorf("cell_number is required")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("notebook does not exist: %s", path)
	}
	return checkEditAfterRead(path, tc)
}

func (t *NotebookEditTool) GenToolPermission(input map[string]any) (string, string) {
	path := str(input, "notebook_path")
	mode := str(input, "edit_mode")
	if mode == "" {
		mode = "replace"
	}
	cell, _ := num(input, "cell_number")
	title := fmt.Sprintf("Edit %s", filepath.Base(path))
	return title, fmt.Sprintf("%s cell %d in notebook: %s", mode, cell, path)
}

func (t *NotebookEditTool) GetDisplayTitle(input map[string]any) string {
	return filepath.Base(str(input, "notebook_path"))
}

func (t *NotebookEditTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	return t.GetDisplayTitle(input), "Notebook updated", out.ResultForAssistant
}

type notebookCell struct {
	CellType string   `json:"cell_type"`
	Source   []string `json:"source"`
	Metadata any      `json:"metadata,omitempty"`
	Outputs  any      `json:"outputs,omitempty"`
	ExecCnt  any      `json:"execution_count,omitempty"`
}

func (t *NotebookEditTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	path := str(input, "notebook_path")
	cellNum, _ := num(input, "cell_number")
	newSource := str(input, "new_source")
	cellType := str(input, "cell_type")
	mode := str(input, "edit_mode")
	if mode == "" {
		mode = "replace"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notebook: %w", err)
	}
	var nb map[string]json.RawMessage
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("parse notebook: %w", err)
	}
	var cells []notebookCell
	if raw, ok := nb["cells"]; ok {
		if err := json.Unmarshal(raw, &cells); err != nil {
			return nil, fmt.Errorf("parse notebook cells: %w", err)
		}
	}

	sourceLines := strings.SplitAfter(newSource, "\n")

	switch mode {
	case "replace":
		if cellNum < 0 || cellNum >= len(cells) {
			return nil, fmt.Errorf("cell %d out of range (notebook has %d cells)", cellNum, len(cells))
		}
		cells[cellNum].Source = sourceLines
		if cellType != "" {
			cells[cellNum].CellType = cellType
		}
	case "insert":
		if cellNum < 0 || cellNum > len(cells) {
			return nil, fmt.Errorf("cell %d out of range for insert (notebook has %d cells)", cellNum, len(cells))
		}
		if cellType == "" {
			cellType = "code"
		}
		cell := notebookCell{CellType: cellType, Source: sourceLines, Metadata: map[string]any{}}
		cells = append(cells[:cellNum], append([]notebookCell{cell}, cells[cellNum:]...)...)
	case "delete":
		if cellNum < 0 || cellNum >= len(cells) {
			return nil, fmt.Errorf("cell %d out of range (notebook has %d cells)", cellNum, len(cells))
		}
		cells = append(cells[:cellNum], cells[cellNum+1:]...)
	default:
		return nil, fmt.Errorf("unknown edit_mode %q", mode)
	}

	rawCells, err := json.Marshal(cells)
	if err != nil {
		return nil, err
	}
	nb["cells"] = rawCells
	out, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return nil, fmt.Errorf("write notebook: %w", err)
	}

	if info, err := os.Stat(path); err == nil && tc != nil && tc.State != nil {
		tc.State.SetReadFileTimestamp(path, info.ModTime().UnixMilli())
	}

	return &Output{
		ResultForAssistant: fmt.Sprintf("Notebook %s updated: %s cell %d.", path, mode, cellNum),
	}, nil
}
