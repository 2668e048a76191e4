// Package agent runs the conversation loop: adapter call, tool
// dispatch, context rebuild, compaction and subagent orchestration. One
// Loop instance serves every agent in the engine; per-agent identity
// travels in a Context.
package agent

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/config"
	"github.com/nextlevelbuilder/clawcore/internal/interrupt"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/internal/state"
	"github.com/nextlevelbuilder/clawcore/internal/tools"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

// LLM is the adapter subset the loop needs; narrowed for tests.
type LLM interface {
	Stream(ctx context.Context, req providers.Request) (*providers.Message, error)
}

// Models resolves a model pointer ("main" or "quick") to a profile.
type Models interface {
	Resolve(pointer string) (providers.ModelProfile, error)
}

// Permission gates non-read-only tool invocations.
type Permission interface {
	HasPermission(tool tools.Tool, input map[string]any, h *interrupt.Handle, agentID string) error
}

// ToolSource supplies externally adapted tools (the MCP pool).
type ToolSource interface {
	Tools(ctx context.Context) []tools.Tool
}

// Context carries one agent's identity and turn state through Query.
type Context struct {
	AgentID string
	Handle  *interrupt.Handle
	// Tools is the tool set active for this turn.
	Tools        []tools.Tool
	ModelPointer string
	State        *state.AgentState
}

// LoopConfig wires a Loop.
type LoopConfig struct {
	Events   *bus.Bus
	Config   *config.Manager
	State    *state.Manager
	Models   Models
	LLM      LLM
	Registry *tools.Registry
	Perm     Permission
	// MCP may be nil when no external servers are configured.
	MCP ToolSource
	// Agents is the subagent registry; nil disables the Task runner.
	Agents *SubagentRegistry

	// BuildSystemPrompt regenerates the system prompt on context
	// rebuild. Nil retains the prompt the turn started with.
	BuildSystemPrompt func(mode string) []string
	// BuildReminders supplies the reminder blocks prepended to a
	// cleared-context user message and to subagent task messages.
	BuildReminders func(hasTodoWrite bool, st *state.AgentState) []providers.ContentBlock
}

// Loop drives conversations to completion.
type Loop struct {
	events   *bus.Bus
	config   *config.Manager
	state    *state.Manager
	models   Models
	llm      LLM
	registry *tools.Registry
	perm     Permission
	mcp      ToolSource
	agents   *SubagentRegistry

	buildSystemPrompt func(mode string) []string
	buildReminders    func(hasTodoWrite bool, st *state.AgentState) []providers.ContentBlock

	counter *tokenCounter
}

func NewLoop(cfg LoopConfig) *Loop {
	return &Loop{
		events:            cfg.Events,
		config:            cfg.Config,
		state:             cfg.State,
		models:            cfg.Models,
		llm:               cfg.LLM,
		registry:          cfg.Registry,
		perm:              cfg.Perm,
		mcp:               cfg.MCP,
		agents:            cfg.Agents,
		buildSystemPrompt: cfg.BuildSystemPrompt,
		buildReminders:    cfg.BuildReminders,
		counter:           newTokenCounter(),
	}
}

// ToolsForTurn builds the tool set for a fresh main-agent turn from the
// core config and the MCP pool, applying the Plan-mode filter.
func (l *Loop) ToolsForTurn(ctx context.Context) []tools.Tool {
	core := l.config.Core()
	var mcpTools []tools.Tool
	if l.mcp != nil {
		mcpTools = l.mcp.Tools(ctx)
	}
	return l.registry.FilterForTurn(tools.FilterOptions{
		UseTools: core.UseTools,
		MCPTools: mcpTools,
		PlanMode: core.AgentMode == config.ModePlan,
	})
}

// Query runs the conversation loop until the model stops asking for
// tools or the turn is cancelled. It returns the final message history;
// chunk, completion and usage events stream over the bus as it runs.
func (l *Loop) Query(ac *Context, messages []providers.Message, systemPrompt []string) ([]providers.Message, error) {
	h := ac.Handle

	profile, err := l.models.Resolve(ac.ModelPointer)
	if err != nil {
		return messages, err
	}

	// Subagents never compact; their histories die with the task.
	if ac.State.IsMain() {
		if compacted, ok := l.compactIfNeeded(ac, profile, messages); ok {
			messages = compacted
		}
	}

	core := l.config.Core()
	assistant, err := l.llm.Stream(h.Context(), providers.Request{
		Messages:       messages,
		SystemPrompt:   systemPrompt,
		Tools:          tools.BuildToolDefs(ac.Tools),
		Profile:        profile,
		EnableThinking: core.EnableThinking,
		Stream:         core.Stream,
		AgentID:        ac.AgentID,
		DisableCache:   !core.EnableLLMCache,
	})
	if err != nil {
		l.emitSessionError(err)
		return messages, err
	}
	if assistant.Role == "" {
		assistant.Role = providers.RoleAssistant
	}
	if assistant.UUID == "" {
		assistant.UUID = providers.GenerateUUID()
	}

	// Checkpoint 1: cancelled before any tool execution.
	if h.Cancelled() {
		l.events.Emit(protocol.EventSessionInterrupted, bus.Payload{
			"agentId": ac.AgentID,
			"content": InterruptMessage,
		})
		history := messages
		if len(assistant.Content) > 0 {
			history = append(history, *assistant)
		}
		history = append(history, interruptTail(assistant))
		ac.State.FinalizeMessages(history)
		return history, nil
	}

	l.emitMessageComplete(ac, assistant)
	history := append(append([]providers.Message(nil), messages...), *assistant)
	if ac.State.IsMain() {
		l.emitUsage(profile, history)
	}

	uses := assistant.ToolUses()
	if len(uses) == 0 {
		ac.State.FinalizeMessages(history)
		return history, nil
	}

	slog.Info("agent.tools.dispatch", "agent", ac.AgentID, "count", len(uses), "concurrent", l.allReadOnly(ac, uses))
	resultMsg, signal := l.runTools(ac, uses)
	history = append(history, resultMsg)

	// Checkpoint 2: cancelled during the tool batch.
	if h.Cancelled() {
		if !h.Refused() {
			appendToLastToolResult(&history[len(history)-1], InterruptMessageForToolUse)
			l.events.Emit(protocol.EventSessionInterrupted, bus.Payload{
				"agentId": ac.AgentID,
				"content": InterruptMessageForToolUse,
			})
		}
		if ac.State.IsMain() {
			l.emitUsage(profile, history)
		}
		ac.State.FinalizeMessages(history)
		return history, nil
	}

	if signal != nil && signal.RebuildContext != nil {
		next, nextMessages, nextPrompt := l.rebuildContext(ac, signal.RebuildContext, history, systemPrompt)
		return l.Query(next, nextMessages, nextPrompt)
	}
	return l.Query(ac, history, systemPrompt)
}

// rebuildContext reacts to a tool's rebuild signal: fresh tool list,
// fresh system prompt, and either a cleared or retained history.
func (l *Loop) rebuildContext(ac *Context, sig *providers.RebuildContext, history []providers.Message, systemPrompt []string) (*Context, []providers.Message, []string) {
	slog.Info("agent.context.rebuild", "agent", ac.AgentID, "reason", sig.Reason, "mode", sig.NewMode, "cleared", sig.RebuildMessage != "")

	core := l.config.Core()
	var mcpTools []tools.Tool
	if l.mcp != nil {
		mcpTools = l.mcp.Tools(ac.Handle.Context())
	}
	turnTools := l.registry.FilterForTurn(tools.FilterOptions{
		UseTools: core.UseTools,
		MCPTools: mcpTools,
		PlanMode: sig.NewMode == config.ModePlan,
	})

	next := &Context{
		AgentID:      ac.AgentID,
		Handle:       ac.Handle,
		Tools:        turnTools,
		ModelPointer: ac.ModelPointer,
		State:        ac.State,
	}

	prompt := systemPrompt
	if l.buildSystemPrompt != nil {
		prompt = l.buildSystemPrompt(sig.NewMode)
	}

	if sig.RebuildMessage == "" {
		return next, history, prompt
	}

	var blocks []providers.ContentBlock
	if l.buildReminders != nil {
		blocks = l.buildReminders(hasToolNamed(turnTools, "TodoWrite"), ac.State)
	}
	blocks = append(blocks, providers.TextBlock(sig.RebuildMessage))
	return next, []providers.Message{providers.NewUserMessage(blocks...)}, prompt
}

func (l *Loop) emitMessageComplete(ac *Context, assistant *providers.Message) {
	content := assistant.Text()
	if content == "" {
		content = NoContentMessage
	}

	uses := assistant.ToolUses()
	var toolCalls []map[string]any
	for _, u := range uses {
		toolCalls = append(toolCalls, map[string]any{
			"id":    u.ID,
			"name":  u.Name,
			"input": u.Input,
		})
	}

	l.events.Emit(protocol.EventMessageComplete, bus.Payload{
		"agentId":      ac.AgentID,
		"reasoning":    assistant.Thinking(),
		"content":      content,
		"hasToolCalls": len(uses) > 0,
		"toolCalls":    toolCalls,
	})
}

// emitUsage reports the context budget from the last authoritative
// assistant usage in history. Main agent only; callers gate on IsMain.
func (l *Loop) emitUsage(profile providers.ModelProfile, history []providers.Message) {
	usage := lastAuthoritativeUsage(history)
	if usage == nil {
		return
	}
	maxTokens := profile.ContextLength
	if maxTokens <= 0 {
		maxTokens = defaultContextLength
	}
	l.events.Emit(protocol.EventConversationUsage, bus.Payload{
		"usage": map[string]any{
			"useTokens":    usage.TotalInput() + usage.OutputTokens,
			"maxTokens":    maxTokens,
			"promptTokens": usage.TotalInput(),
		},
	})
}

func (l *Loop) emitSessionError(err error) {
	api := providers.ClassifyError(err)
	if api == nil {
		// Cancellation is never an error event.
		return
	}
	slog.Error("agent.query.failed", "code", api.Code, "error", err)
	l.events.Emit(protocol.EventSessionError, bus.Payload{
		"type": "api",
		"error": map[string]any{
			"code":    api.Code,
			"message": api.Message,
		},
	})
}

// toolContext builds the tool-facing view of an agent context.
func (l *Loop) toolContext(ac *Context) *tools.Context {
	return &tools.Context{
		AgentID:      ac.AgentID,
		Interrupt:    ac.Handle,
		Tools:        ac.Tools,
		ModelPointer: ac.ModelPointer,
		WorkDir:      l.config.WorkDir(),
		Events:       l.events,
		State:        ac.State,
		Config:       l.config,
	}
}

// lastAuthoritativeUsage finds the usage of the newest assistant
// message that reported real (or compaction-corrected) token counts.
func lastAuthoritativeUsage(history []providers.Message) *providers.Usage {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == providers.RoleAssistant && m.Usage != nil && m.Usage.TotalInput() > 0 {
			return m.Usage
		}
	}
	return nil
}

// interruptTail builds the user message that closes an interrupted
// turn. Any tool uses in the partial assistant get paired results so
// the next request still satisfies the wire contract.
func interruptTail(assistant *providers.Message) providers.Message {
	var blocks []providers.ContentBlock
	for _, u := range assistant.ToolUses() {
		blocks = append(blocks, providers.ToolResultBlock(u.ID, InterruptMessageForToolUse, true))
	}
	blocks = append(blocks, providers.TextBlock(InterruptMessage))
	msg := providers.NewUserMessage(blocks...)
	msg.ToolUseResult = len(blocks) > 1
	return msg
}

// appendToLastToolResult tacks text onto the final tool_result block of
// a tool-result user message.
func appendToLastToolResult(msg *providers.Message, text string) {
	for i := len(msg.Content) - 1; i >= 0; i-- {
		if msg.Content[i].Type == providers.BlockToolResult {
			msg.Content[i].Content += "\n\n" + text
			return
		}
	}
}

func hasToolNamed(ts []tools.Tool, name string) bool {
	for _, t := range ts {
		if t.Name() == name {
			return true
		}
	}
	return false
}
