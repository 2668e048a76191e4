package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

// AskUserQuestionTool asks the user one or more multiple-choice
// questions and blocks until the consumer replies.
type AskUserQuestionTool struct{}

func NewAskUserQuestionTool() *AskUserQuestionTool { return &AskUserQuestionTool{} }

func (t *AskUserQuestionTool) Name() string { return "AskUserQuestion" }

func (t *AskUserQuestionTool) Description() string {
	return "Asks the user one or more questions with predefined options and waits for the answers. " +
		"Use when a decision genuinely requires user input."
}

func (t *AskUserQuestionTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"questions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"question": map[string]any{"type": "string"},
						"header":   map[string]any{"type": "string"},
						"options": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"label":       map[string]any{"type": "string"},
									"description": map[string]any{"type": "string"},
								},
								"required": []any{"label"},
							},
						},
						"multiSelect": map[string]any{"type": "boolean"},
					},
					"required": []any{"question", "options"},
				},
			},
		},
		"required": []any{"questions"},
	}
}

// Asking blocks for user input but mutates nothing; it runs without a
// permission prompt.
func (t *AskUserQuestionTool) IsReadOnly() bool { return true }

func (t *AskUserQuestionTool) ValidateInput(input map[string]any, tc *Context) error {
	questions, ok := input["questions"].([]any)
	if !ok || len(questions) == 0 {
		return fmt.Errorf("questions must be a non-empty array")
	}
	return nil
}

func (t *AskUserQuestionTool) GenToolPermission(input map[string]any) (string, string) { return "", "" }

func (t *AskUserQuestionTool) GetDisplayTitle(input map[string]any) string {
	if qs, ok := input["questions"].([]any); ok && len(qs) > 0 {
		if q, ok := qs[0].(map[string]any); ok {
			return truncateForDisplay(str(q, "question"), 60)
		}
	}
	return "Question"
}

func (t *AskUserQuestionTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	return t.GetDisplayTitle(input), "Answered", out.ResultForAssistant
}

func (t *AskUserQuestionTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	if tc == nil || tc.Events == nil {
		return nil, fmt.Errorf("no event bus available")
	}

	agentID := tc.AgentID
	tc.Events.Emit(protocol.EventAskQuestionRequest, bus.Payload{
		"agentId":   agentID,
		"questions": input["questions"],
	})

	resp, err := tc.Events.Await(ctx, protocol.EventAskQuestionResponse, func(p bus.Payload) bool {
		id, _ := p["agentId"].(string)
		return id == agentID
	})
	if err != nil {
		return nil, err
	}

	answers, _ := resp["answers"].(map[string]any)
	var sb strings.Builder
	sb.WriteString("User answers:\n")
	for q, a := range answers {
		fmt.Fprintf(&sb, "- %s: %v\n", q, a)
	}

	return &Output{
		Data:               answers,
		ResultForAssistant: strings.TrimRight(sb.String(), "\n"),
	}, nil
}
