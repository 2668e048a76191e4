package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/internal/tools"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

// AgentConfig describes one launchable subagent type.
type AgentConfig struct {
	Name        string
	Description string
	Prompt      string
	// Tools restricts the subagent's tool set; nil or ["*"] means all.
	Tools []string
	// Model is "main" or "quick".
	Model string
	Path  string
}

// builtinAgents are always registered; markdown definitions with the
// same name override them.
var builtinAgents = []AgentConfig{
	{
		Name:        "general-purpose",
		Description: "General agent for researching questions and executing multi-step tasks",
		Prompt: "You are an agent that handles a self-contained task end to end: research, " +
			"code changes, verification. Be thorough, and report exactly what you did.",
		Tools: []string{"*"},
		Model: "main",
	},
	{
		Name:        "explore",
		Description: "Fast read-only codebase exploration",
		Prompt: "You are a codebase exploration agent. Answer the question by reading and " +
			"searching files. You cannot modify anything; report findings with file paths.",
		Tools: []string{"Read", "Glob", "Grep", "Bash", "WebFetch", "WebSearch"},
		Model: "quick",
	},
}

// SubagentRegistry indexes agent configs by lower-cased name. Later
// loads win, so project definitions override user and built-in ones.
type SubagentRegistry struct {
	mu     sync.RWMutex
	agents map[string]AgentConfig
	order  []string
}

func NewSubagentRegistry() *SubagentRegistry {
	r := &SubagentRegistry{agents: make(map[string]AgentConfig)}
	for _, a := range builtinAgents {
		r.add(a)
	}
	return r
}

// LoadDir scans dir for <name>.md agent definitions with frontmatter.
// Missing directories are fine.
func (r *SubagentRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		cfg := parseAgentConfig(strings.TrimSuffix(e.Name(), ".md"), path, string(data))
		r.add(cfg)
	}
	return nil
}

func (r *SubagentRegistry) add(cfg AgentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(cfg.Name)
	if _, ok := r.agents[key]; !ok {
		r.order = append(r.order, key)
	}
	r.agents[key] = cfg
}

// Get looks an agent type up case-insensitively.
func (r *SubagentRegistry) Get(name string) (AgentConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.agents[strings.ToLower(name)]
	return cfg, ok
}

// Types returns the registered agent type names in load order.
func (r *SubagentRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.agents[key].Name)
	}
	return out
}

// parseAgentConfig reads the frontmatter block; the body is the
// subagent system prompt.
func parseAgentConfig(defaultName, path, raw string) AgentConfig {
	cfg := AgentConfig{Name: defaultName, Model: "main", Path: path, Prompt: raw}

	if !strings.HasPrefix(raw, "---\n") {
		return cfg
	}
	rest := raw[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return cfg
	}
	front := rest[:end]
	cfg.Prompt = strings.TrimLeft(rest[end+len("\n---"):], "\n")

	for _, line := range strings.Split(front, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "name":
			if value != "" {
				cfg.Name = value
			}
		case "description":
			cfg.Description = value
		case "model":
			if value == "quick" || value == "main" {
				cfg.Model = value
			}
		case "tools":
			var ts []string
			for _, t := range strings.Split(value, ",") {
				if t = strings.TrimSpace(t); t != "" {
					ts = append(ts, t)
				}
			}
			if len(ts) > 0 {
				cfg.Tools = ts
			}
		}
	}
	return cfg
}

// RunTask launches a subagent and drives it to completion. It has the
// tools.TaskRunner shape and is what the Task tool calls.
func (l *Loop) RunTask(ctx context.Context, description, prompt, subagentType string, tc *tools.Context) (string, error) {
	if l.agents == nil {
		return "", fmt.Errorf("no subagent registry configured")
	}
	cfg, ok := l.agents.Get(subagentType)
	if !ok {
		return "", fmt.Errorf("unknown agent type %q; available: %s", subagentType, strings.Join(l.agents.Types(), ", "))
	}

	taskID := uuid.NewString()
	agentID := "task-" + taskID[:8]
	start := time.Now()

	core := l.config.Core()
	var mcpTools []tools.Tool
	if l.mcp != nil {
		mcpTools = l.mcp.Tools(ctx)
	}
	subTools := l.registry.FilterForTurn(tools.FilterOptions{
		UseTools:   core.UseTools,
		MCPTools:   mcpTools,
		Subagent:   true,
		AgentTools: cfg.Tools,
	})

	pointer := "main"
	if cfg.Model == "quick" {
		pointer = "quick"
	}

	subState := l.state.ForAgent(agentID)
	sub := &Context{
		AgentID: agentID,
		// The parent's handle is shared on purpose: one cancel stops
		// the whole tree.
		Handle:       tc.Interrupt,
		Tools:        subTools,
		ModelPointer: pointer,
		State:        subState,
	}

	systemPrompt := []string{
		cfg.Prompt,
		subagentNotes,
		l.subagentEnvBlock(),
	}

	var blocks []providers.ContentBlock
	if l.buildReminders != nil {
		blocks = l.buildReminders(hasToolNamed(subTools, "TodoWrite"), subState)
	}
	blocks = append(blocks, providers.TextBlock(prompt))
	messages := []providers.Message{providers.NewUserMessage(blocks...)}

	l.events.Emit(protocol.EventTaskAgentStart, bus.Payload{
		"taskId":        taskID,
		"subagent_type": cfg.Name,
		"description":   description,
		"prompt":        prompt,
	})
	slog.Info("agent.task.start", "task", taskID, "type", cfg.Name, "agent", agentID, "tools", len(subTools))

	history, err := l.Query(sub, messages, systemPrompt)

	status := "completed"
	var content string
	switch {
	case tc.Interrupt.Cancelled():
		status = "interrupted"
		content = fmt.Sprintf("Interrupted. %s", taskStats(history, start))
	case err != nil:
		status = "failed"
		content = fmt.Sprintf("Subagent failed: %v. %s", err, taskStats(history, start))
	default:
		content = lastAssistantText(history)
		if content == "" {
			content = NoContentMessage
		}
	}

	subState.ClearAllState()
	l.events.Emit(protocol.EventTaskAgentEnd, bus.Payload{
		"taskId":  taskID,
		"status":  status,
		"content": content,
	})
	slog.Info("agent.task.end", "task", taskID, "status", status, "duration", time.Since(start))

	if status == "completed" {
		return content, nil
	}
	return "", fmt.Errorf("%s", content)
}

// subagentEnvBlock renders the environment and git status context that
// closes every subagent system prompt.
func (l *Loop) subagentEnvBlock() string {
	workDir := l.config.WorkDir()
	var sb strings.Builder
	sb.WriteString("Environment:\n")
	fmt.Fprintf(&sb, "- Working directory: %s\n", workDir)
	fmt.Fprintf(&sb, "- Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "- Date: %s\n", time.Now().Format("2006-01-02"))

	if status := gitStatus(workDir); status != "" {
		sb.WriteString("\nGit status:\n")
		sb.WriteString(status)
	}
	return sb.String()
}

// gitStatus returns a short branch+status snapshot, or "" outside a
// repository.
func gitStatus(dir string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain=v1", "-b").Output()
	if err != nil {
		return ""
	}
	status := strings.TrimSpace(string(out))
	if status == "" {
		return ""
	}
	const maxLines = 40
	lines := strings.Split(status, "\n")
	if len(lines) > maxLines {
		lines = append(lines[:maxLines], fmt.Sprintf("... and %d more", len(lines)-maxLines))
	}
	return strings.Join(lines, "\n")
}

// taskStats summarizes a finished or aborted subagent run.
func taskStats(history []providers.Message, start time.Time) string {
	toolUses := 0
	for _, m := range history {
		if m.Role == providers.RoleAssistant {
			toolUses += len(m.ToolUses())
		}
	}
	tokens := 0
	if u := lastAuthoritativeUsage(history); u != nil {
		tokens = u.TotalInput() + u.OutputTokens
	}
	return fmt.Sprintf("(%d tool uses, %d tokens, %s)", toolUses, tokens, time.Since(start).Round(time.Millisecond))
}

func lastAssistantText(history []providers.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == providers.RoleAssistant {
			if text := history[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}
