package engine

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawcore/internal/config"
)

const basePrompt = `You are an interactive coding assistant operating inside the user's project directory. Help with software engineering tasks: answering questions about the code, implementing changes, fixing bugs, refactoring and running commands.

Core rules:
- Prefer reading files and searching before proposing changes; never guess at file contents.
- Keep edits minimal and focused on what the user asked for.
- Use the TodoWrite tool to track multi-step work so the user can follow progress.
- When a task is ambiguous, use the AskUserQuestion tool rather than assuming.
- Never commit, push or otherwise publish changes unless the user asks.
- Output is rendered as markdown; keep answers concise.`

const planPrompt = `Plan mode is active. Research the codebase and produce an implementation plan, but do NOT modify any files or run commands with side effects. Present the plan with the ExitPlanMode tool when you are confident in it.`

// buildSystemPrompt produces the segmented system prompt for a turn in
// the given mode. A configured override replaces the base segment only;
// the environment block always applies.
func (e *Engine) buildSystemPrompt(mode string) []string {
	core := e.config.Core()

	prompt := basePrompt
	if core.SystemPromptOverride != "" {
		prompt = core.SystemPromptOverride
	}

	segments := []string{prompt}
	if mode == config.ModePlan {
		segments = append(segments, planPrompt)
	}
	if skillList := e.skillDigest(); skillList != "" {
		segments = append(segments, skillList)
	}
	segments = append(segments, e.envBlock())
	return segments
}

// skillDigest lists loaded skills so the model knows what the Skill
// tool can pull in.
func (e *Engine) skillDigest() string {
	list := e.skills.List()
	if len(list) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Available skills (load one with the Skill tool when relevant):\n")
	for _, s := range list {
		fmt.Fprintf(&sb, "- %s: %s\n", s.Name, s.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (e *Engine) envBlock() string {
	return fmt.Sprintf(
		"<env>\nWorking directory: %s\nPlatform: %s/%s\nToday's date: %s\n</env>",
		e.config.WorkDir(),
		runtime.GOOS, runtime.GOARCH,
		time.Now().Format("2006-01-02"),
	)
}
