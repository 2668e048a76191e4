package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/config"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

// ExitPlanModeTool ends Plan mode: it presents the plan, waits for the
// user's choice, switches the mode back to Agent and hands the loop a
// rebuild signal.
type ExitPlanModeTool struct{}

func NewExitPlanModeTool() *ExitPlanModeTool { return &ExitPlanModeTool{} }

func (t *ExitPlanModeTool) Name() string { return "ExitPlanMode" }

func (t *ExitPlanModeTool) Description() string {
	return "Exits Plan mode once the plan is ready. The user chooses whether to start editing " +
		"with the current context or to clear context and start implementing the plan fresh."
}

func (t *ExitPlanModeTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"planFilePath": map[string]any{
				"type":        "string",
				"description": "Path to the plan file, if one was written",
			},
			"planContent": map[string]any{
				"type":        "string",
				"description": "The plan text",
			},
		},
		"required": []any{"planContent"},
	}
}

func (t *ExitPlanModeTool) IsReadOnly() bool { return true }

func (t *ExitPlanModeTool) ValidateInput(input map[string]any, tc *Context) error {
	if str(input, "planContent") == "" {
		return fmt.Errorf("planContent is required")
	}
	return nil
}

func (t *ExitPlanModeTool) GenToolPermission(input map[string]any) (string, string) { return "", "" }

func (t *ExitPlanModeTool) GetDisplayTitle(input map[string]any) string { return "Exit plan mode" }

func (t *ExitPlanModeTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	return "Exit plan mode", "Plan approved", out.ResultForAssistant
}

func (t *ExitPlanModeTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	if tc == nil || tc.Events == nil {
		return nil, fmt.Errorf("no event bus available")
	}

	agentID := tc.AgentID
	planFilePath := str(input, "planFilePath")
	planContent := str(input, "planContent")

	tc.Events.Emit(protocol.EventPlanExitRequest, bus.Payload{
		"agentId":      agentID,
		"planFilePath": planFilePath,
		"planContent":  planContent,
		"options":      []string{protocol.PlanExitStartEditing, protocol.PlanExitClearContextAndStart},
	})

	resp, err := tc.Events.Await(ctx, protocol.EventPlanExitResponse, func(p bus.Payload) bool {
		id, _ := p["agentId"].(string)
		return id == agentID
	})
	if err != nil {
		return nil, err
	}
	selected, _ := resp["selected"].(string)

	if tc.Config != nil {
		if err := tc.Config.SetAgentMode(config.ModeAgent); err != nil {
			return nil, fmt.Errorf("switch to agent mode: %w", err)
		}
	}

	signal := &providers.ControlSignal{
		RebuildContext: &providers.RebuildContext{
			Reason:  "exit-plan-mode",
			NewMode: config.ModeAgent,
		},
	}
	if selected == protocol.PlanExitClearContextAndStart {
		signal.RebuildContext.RebuildMessage = fmt.Sprintf("Implement the following plan:\n\n%s", planContent)
		tc.Events.Emit(protocol.EventPlanImplement, bus.Payload{
			"planFilePath": planFilePath,
			"planContent":  planContent,
		})
	}

	return &Output{
		ControlSignal:      signal,
		ResultForAssistant: "User has approved the plan. You can now start implementing it.",
	}, nil
}
