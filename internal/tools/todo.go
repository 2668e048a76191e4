package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/clawcore/internal/store"
)

// TodoWriteTool maintains the agent's task list.
type TodoWriteTool struct{}

func NewTodoWriteTool() *TodoWriteTool { return &TodoWriteTool{} }

func (t *TodoWriteTool) Name() string { return "TodoWrite" }

func (t *TodoWriteTool) Description() string {
	return "Creates and updates the task list for the current session. At most one todo may " +
		"be in_progress at a time."
}

func (t *TodoWriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"todos": map[string]any{
				"type":        "array",
				"description": "The updated todo list",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content":    map[string]any{"type": "string"},
						"status":     map[string]any{"type": "string", "enum": []any{"pending", "in_progress", "completed"}},
						"activeForm": map[string]any{"type": "string"},
						"id":         map[string]any{"type": "string"},
					},
					"required": []any{"content", "status", "activeForm"},
				},
			},
		},
		"required": []any{"todos"},
	}
}

// TodoWrite mutates only in-process state, so it runs in read-only
// (concurrent) batches without prompting.
func (t *TodoWriteTool) IsReadOnly() bool { return true }

func parseTodos(input map[string]any) ([]store.Todo, error) {
	raw, ok := input["todos"].([]any)
	if !ok {
		return nil, fmt.Errorf("todos must be an array")
	}
	todos := make([]store.Todo, 0, len(raw))
	for i, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("todos[%d] must be an object", i)
		}
		todo := store.Todo{
			Content:    str(m, "content"),
			Status:     str(m, "status"),
			ActiveForm: str(m, "activeForm"),
			ID:         str(m, "id"),
		}
		if todo.Content == "" {
			return nil, fmt.Errorf("todos[%d].content is required", i)
		}
		todos = append(todos, todo)
	}
	return todos, nil
}

func (t *TodoWriteTool) ValidateInput(input map[string]any, tc *Context) error {
	todos, err := parseTodos(input)
	if err != nil {
		return err
	}
	inProgress := 0
	for _, todo := range todos {
		if todo.Status == store.TodoInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("at most one todo may be in_progress, got %d", inProgress)
	}
	return nil
}

func (t *TodoWriteTool) GenToolPermission(input map[string]any) (string, string) { return "", "" }

func (t *TodoWriteTool) GetDisplayTitle(input map[string]any) string { return "Update Todos" }

func (t *TodoWriteTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	data, _ := out.Data.(todoResult)
	return "Update Todos", fmt.Sprintf("%d todos", data.Count), out.ResultForAssistant
}

type todoResult struct {
	Count int
}

func (t *TodoWriteTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	todos, err := parseTodos(input)
	if err != nil {
		return nil, err
	}
	if tc == nil || tc.State == nil {
		return nil, fmt.Errorf("no agent state available")
	}
	tc.State.UpdateTodosIntelligently(todos)

	return &Output{
		Data:               todoResult{Count: len(todos)},
		ResultForAssistant: "Todos have been modified successfully. Ensure that you continue to use the todo list to track your progress.",
	}, nil
}
