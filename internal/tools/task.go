package tools

import (
	"context"
	"fmt"
)

// TaskRunner spawns and drives a subagent to completion, returning the
// text to hand back to the parent model. It is injected by the engine
// so the tool layer stays independent of the conversation loop.
type TaskRunner func(ctx context.Context, description, prompt, subagentType string, tc *Context) (string, error)

// TaskTool launches a subagent for a self-contained piece of work.
type TaskTool struct {
	run TaskRunner
	// AgentTypes lists the registered subagent types for the schema.
	agentTypes []string
}

func NewTaskTool(run TaskRunner, agentTypes []string) *TaskTool {
	return &TaskTool{run: run, agentTypes: agentTypes}
}

func (t *TaskTool) Name() string { return "Task" }

func (t *TaskTool) Description() string {
	return "Launches a subagent to handle a self-contained task. The subagent works in " +
		"isolation and returns a single report; it cannot ask follow-up questions."
}

func (t *TaskTool) InputSchema() map[string]any {
	subagentType := map[string]any{
		"type":        "string",
		"description": "The type of agent to launch",
	}
	if len(t.agentTypes) > 0 {
		var enum []any
		for _, a := range t.agentTypes {
			enum = append(enum, a)
		}
		subagentType["enum"] = enum
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{
				"type":        "string",
				"description": "Short (3-5 word) description of the task",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "The task for the agent to perform",
			},
			"subagent_type": subagentType,
		},
		"required": []any{"description", "prompt", "subagent_type"},
	}
}

// Spawning runs tools under the subagent's own permission checks, so
// Task itself never prompts.
func (t *TaskTool) IsReadOnly() bool { return true }

func (t *TaskTool) ValidateInput(input map[string]any, tc *Context) error {
	if str(input, "prompt") == "" {
		return fmt.Errorf("prompt is required")
	}
	if str(input, "subagent_type") == "" {
		return fmt.Errorf("subagent_type is required")
	}
	return nil
}

func (t *TaskTool) GenToolPermission(input map[string]any) (string, string) { return "", "" }

func (t *TaskTool) GetDisplayTitle(input map[string]any) string {
	if d := str(input, "description"); d != "" {
		return d
	}
	return "Task"
}

func (t *TaskTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	return t.GetDisplayTitle(input), fmt.Sprintf("%s agent finished", str(input, "subagent_type")), out.ResultForAssistant
}

func (t *TaskTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	if t.run == nil {
		return nil, fmt.Errorf("subagent runner is not wired")
	}
	result, err := t.run(ctx, str(input, "description"), str(input, "prompt"), str(input, "subagent_type"), tc)
	if err != nil {
		return nil, err
	}
	return &Output{ResultForAssistant: result}, nil
}
