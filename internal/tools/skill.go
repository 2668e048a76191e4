package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawcore/internal/skills"
)

// SkillTool injects a named skill's instructions into the conversation.
type SkillTool struct {
	registry *skills.Registry
}

func NewSkillTool(registry *skills.Registry) *SkillTool {
	return &SkillTool{registry: registry}
}

func (t *SkillTool) Name() string { return "Skill" }

func (t *SkillTool) Description() string {
	var names []string
	if t.registry != nil {
		for _, s := range t.registry.List() {
			if s.Description != "" {
				names = append(names, fmt.Sprintf("- %s: %s", s.Name, s.Description))
			} else {
				names = append(names, "- "+s.Name)
			}
		}
	}
	desc := "Loads a skill: a reusable set of instructions for a specific kind of task."
	if len(names) > 0 {
		desc += "\n\nAvailable skills:\n" + strings.Join(names, "\n")
	}
	return desc
}

func (t *SkillTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"skillName": map[string]any{
				"type":        "string",
				"description": "Name of the skill to load",
			},
		},
		"required": []any{"skillName"},
	}
}

func (t *SkillTool) IsReadOnly() bool { return false }

func (t *SkillTool) ValidateInput(input map[string]any, tc *Context) error {
	name := str(input, "skillName")
	if name == "" {
		return fmt.Errorf("skillName is required")
	}
	if t.registry != nil {
		if _, ok := t.registry.Get(name); !ok {
			return fmt.Errorf("unknown skill %q", name)
		}
	}
	return nil
}

func (t *SkillTool) GenToolPermission(input map[string]any) (string, string) {
	name := str(input, "skillName")
	return fmt.Sprintf("Use skill %s", name), fmt.Sprintf("Load and follow the %q skill instructions.", name)
}

func (t *SkillTool) GetDisplayTitle(input map[string]any) string {
	return str(input, "skillName")
}

func (t *SkillTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	return t.GetDisplayTitle(input), "Skill loaded", out.ResultForAssistant
}

func (t *SkillTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	name := str(input, "skillName")
	if t.registry == nil {
		return nil, fmt.Errorf("skill registry is not wired")
	}
	skill, ok := t.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown skill %q", name)
	}
	return &Output{
		ResultForAssistant: fmt.Sprintf("<skill name=%q>\n%s\n</skill>", skill.Name, skill.Content),
	}, nil
}
