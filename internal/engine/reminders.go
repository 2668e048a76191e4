package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/internal/state"
)

const planReminder = "<system-reminder>Plan mode is active. You must NOT make any edits " +
	"or run any non-readonly commands. Instead, research the task and present a plan " +
	"with the ExitPlanMode tool when ready.</system-reminder>"

const emptyTodosReminder = "<system-reminder>This is a reminder that your todo list is " +
	"currently empty. DO NOT mention this to the user explicitly because they are already " +
	"aware. If you are working on tasks that would benefit from a todo list please use the " +
	"TodoWrite tool to create one. If not, please feel free to ignore. Again do not mention " +
	"this message to the user.</system-reminder>"

// buildReminders assembles the system-reminder blocks prepended to a
// fresh context: todo state when the TodoWrite tool is in play, then
// standing rules. Also called by the loop on context rebuild and for
// subagent task prompts.
func (e *Engine) buildReminders(hasTodoWrite bool, st *state.AgentState) []providers.ContentBlock {
	var blocks []providers.ContentBlock

	if hasTodoWrite {
		if todos := st.Todos(); len(todos) == 0 {
			blocks = append(blocks, providers.TextBlock(emptyTodosReminder))
		} else if data, err := json.Marshal(todos); err == nil {
			blocks = append(blocks, providers.TextBlock(fmt.Sprintf(
				"<system-reminder>Current todo list state:\n%s</system-reminder>", data)))
		}
	}

	if rules := e.collectRules(); rules != "" {
		blocks = append(blocks, providers.TextBlock(fmt.Sprintf(
			"<system-reminder>The following rules are provided by the user and the project. "+
				"Follow them for all work in this session:\n\n%s</system-reminder>", rules)))
	}

	return blocks
}

// collectRules gathers standing instructions in precedence order: user
// memory file, project memory files, configured custom rules, project
// rules persisted through the permission flow.
func (e *Engine) collectRules() string {
	var parts []string

	for _, path := range []string{
		filepath.Join(e.config.HomeDir(), "AGENT.md"),
		filepath.Join(e.config.WorkDir(), "AGENT.md"),
		filepath.Join(e.config.WorkDir(), "CLAUDE.md"),
	} {
		if data, err := os.ReadFile(path); err == nil {
			if text := strings.TrimSpace(string(data)); text != "" {
				parts = append(parts, fmt.Sprintf("From %s:\n%s", filepath.Base(path), text))
			}
		}
	}

	if custom := e.config.Core().CustomRules; len(custom) > 0 {
		parts = append(parts, strings.Join(custom, "\n"))
	}
	if rules := e.config.ProjectRules(); len(rules) > 0 {
		parts = append(parts, strings.Join(rules, "\n"))
	}

	return strings.Join(parts, "\n\n")
}
