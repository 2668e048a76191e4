package agent

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/permission"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/internal/tools"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

// maxToolErrorChars bounds the error text returned to the model.
const maxToolErrorChars = 10_000

// toolOutcome is one resolved tool use.
type toolOutcome struct {
	idx    int
	block  providers.ContentBlock
	signal *providers.ControlSignal
}

// allReadOnly reports whether every tool use in the batch resolves to a
// read-only tool. Unknown names count as read-only; they only produce
// an error result.
func (l *Loop) allReadOnly(ac *Context, uses []providers.ContentBlock) bool {
	for _, u := range uses {
		if t := findTool(ac.Tools, u.Name); t != nil && !t.IsReadOnly() {
			return false
		}
	}
	return true
}

// runTools executes a tool batch, concurrently when every tool is
// read-only, serially otherwise, and folds the outcomes into a single
// tool-result user message ordered like the tool uses that caused them.
func (l *Loop) runTools(ac *Context, uses []providers.ContentBlock) (providers.Message, *providers.ControlSignal) {
	var outcomes []toolOutcome
	if l.allReadOnly(ac, uses) {
		outcomes = l.runConcurrent(ac, uses)
	} else {
		outcomes = l.runSerial(ac, uses)
	}

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].idx < outcomes[j].idx })

	var blocks []providers.ContentBlock
	var signal *providers.ControlSignal
	for _, o := range outcomes {
		blocks = append(blocks, o.block)
		if signal == nil && o.signal != nil {
			signal = o.signal
		}
	}

	msg := providers.NewUserMessage(blocks...)
	msg.ToolUseResult = true
	msg.ControlSignal = signal
	return msg, signal
}

func (l *Loop) runConcurrent(ac *Context, uses []providers.ContentBlock) []toolOutcome {
	resultCh := make(chan toolOutcome, len(uses))
	var wg sync.WaitGroup
	for i, u := range uses {
		wg.Add(1)
		go func(idx int, use providers.ContentBlock) {
			defer wg.Done()
			block, signal := l.runOne(ac, use)
			resultCh <- toolOutcome{idx: idx, block: block, signal: signal}
		}(i, u)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]toolOutcome, 0, len(uses))
	for o := range resultCh {
		collected = append(collected, o)
	}
	return collected
}

func (l *Loop) runSerial(ac *Context, uses []providers.ContentBlock) []toolOutcome {
	collected := make([]toolOutcome, 0, len(uses))
	for i, u := range uses {
		block, signal := l.runOne(ac, u)
		collected = append(collected, toolOutcome{idx: i, block: block, signal: signal})
	}
	return collected
}

// runOne walks a single tool use through the full pipeline: resolve,
// schema check, semantic check, cancellation checkpoints, permission,
// invocation, result rendering.
func (l *Loop) runOne(ac *Context, use providers.ContentBlock) (providers.ContentBlock, *providers.ControlSignal) {
	h := ac.Handle
	input := use.Input
	if input == nil {
		input = map[string]any{}
	}

	tool := findTool(ac.Tools, use.Name)
	if tool == nil {
		l.emitToolError(ac, use.Name, use.Name, "No such tool available")
		return providers.ToolResultBlock(use.ID, fmt.Sprintf("No such tool available: %s", use.Name), true), nil
	}

	if err := l.registry.ValidateSchema(tool, input); err != nil {
		msg := trimErrorText(err.Error())
		l.emitToolError(ac, tool.Name(), tool.GetDisplayTitle(input), msg)
		return providers.ToolResultBlock(use.ID, msg, true), nil
	}

	if err := tool.ValidateInput(input, l.toolContext(ac)); err != nil {
		msg := trimErrorText(err.Error())
		l.emitToolError(ac, tool.Name(), tool.GetDisplayTitle(input), msg)
		return providers.ToolResultBlock(use.ID, msg, true), nil
	}

	// Checkpoint 3: cancelled before invocation.
	if h.Cancelled() {
		return l.cancelledResult(use, h.Refused())
	}

	if !tool.IsReadOnly() && l.perm != nil {
		if err := l.perm.HasPermission(tool, input, h, ac.AgentID); err != nil {
			if h.Cancelled() && !h.Refused() {
				// External interrupt while waiting for the user.
				return providers.ToolResultBlock(use.ID, permission.CancelMessage, true), nil
			}
			// Refusal or free-form feedback: the engine's message goes
			// back verbatim.
			return providers.ToolResultBlock(use.ID, err.Error(), true), nil
		}
	}

	out, err := tool.Invoke(h.Context(), input, l.toolContext(ac))

	// Checkpoint 4: cancelled during execution. A refuse cancel keeps
	// the original result; anything else is substituted.
	if h.Cancelled() && !h.Refused() {
		return l.cancelledResult(use, false)
	}
	if err != nil {
		msg := trimErrorText(fmt.Sprintf("Error: %v", err))
		l.emitToolError(ac, tool.Name(), tool.GetDisplayTitle(input), msg)
		return providers.ToolResultBlock(use.ID, msg, true), nil
	}

	title, summary, content := tool.GenToolResultMessage(out, input)
	l.events.Emit(protocol.EventToolExecutionComplete, bus.Payload{
		"agentId":  ac.AgentID,
		"toolName": tool.Name(),
		"title":    title,
		"summary":  summary,
		"content":  content,
	})

	result := out.ResultForAssistant
	if result == "" {
		result = NoContentMessage
	}
	block := providers.ToolResultBlock(use.ID, result, false)
	return block, out.ControlSignal
}

// cancelledResult renders a checkpoint hit. A refuse carries the
// engine's reject text; a plain interrupt carries the cancel text.
func (l *Loop) cancelledResult(use providers.ContentBlock, refused bool) (providers.ContentBlock, *providers.ControlSignal) {
	if refused {
		return providers.ToolResultBlock(use.ID, permission.RejectMessage, true), nil
	}
	return providers.ToolResultBlock(use.ID, permission.CancelMessage, true), nil
}

func (l *Loop) emitToolError(ac *Context, toolName, title, content string) {
	slog.Warn("agent.tool.error", "agent", ac.AgentID, "tool", toolName, "error", content)
	l.events.Emit(protocol.EventToolExecutionError, bus.Payload{
		"agentId":  ac.AgentID,
		"toolName": toolName,
		"title":    title,
		"content":  content,
	})
}

func findTool(ts []tools.Tool, name string) tools.Tool {
	for _, t := range ts {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// trimErrorText bounds error text with a head+tail cut so both the
// start of the failure and its end survive.
func trimErrorText(s string) string {
	if len(s) <= maxToolErrorChars {
		return s
	}
	half := maxToolErrorChars / 2
	return s[:half] + "\n\n... [error output trimmed] ...\n\n" + s[len(s)-half:]
}
