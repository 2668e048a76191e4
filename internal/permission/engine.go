// Package permission gates non-read-only tool calls. Decisions come
// from, in order: core-config skip flags, the session file-edit grant,
// the built-in safe command set, the project allow-list, and finally an
// interactive request over the event bus.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/config"
	"github.com/nextlevelbuilder/clawcore/internal/interrupt"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/internal/state"
	"github.com/nextlevelbuilder/clawcore/internal/tools"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

// RejectMessage is the tool result content for a refused permission.
const RejectMessage = "The user doesn't want to proceed with this tool use. " +
	"The tool use was rejected (eg. if it was a file edit, the new_string was NOT written to the file). " +
	"STOP what you are doing and wait for the user to tell you how to proceed."

// CancelMessage is the tool result content when the turn was interrupted
// while a tool call was pending or running.
const CancelMessage = "The user interrupted this tool call before it completed. " +
	"The call was cancelled and no action was taken."

// LLM is the adapter subset used for command prefix extraction.
type LLM interface {
	Stream(ctx context.Context, req providers.Request) (*providers.Message, error)
}

// Models resolves the quick model pointer for prefix extraction.
type Models interface {
	Quick() (providers.ModelProfile, error)
}

// Engine answers "may this tool call run".
type Engine struct {
	events *bus.Bus
	config *config.Manager
	state  *state.Manager
	models Models
	llm    LLM

	mu         sync.Mutex
	prefixMemo map[string]string
}

func NewEngine(events *bus.Bus, cfg *config.Manager, st *state.Manager, models Models, llm LLM) *Engine {
	return &Engine{
		events:     events,
		config:     cfg,
		state:      st,
		models:     models,
		llm:        llm,
		prefixMemo: make(map[string]string),
	}
}

// ResetSession drops per-session memoization. Called when a new session
// starts.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	e.prefixMemo = make(map[string]string)
	e.mu.Unlock()
}

// HasPermission returns nil when the call may proceed. A non-nil error
// carries the text to hand back to the model as an is_error tool result.
func (e *Engine) HasPermission(tool tools.Tool, input map[string]any, h *interrupt.Handle, agentID string) error {
	if tool.IsReadOnly() {
		return nil
	}
	core := e.config.Core()

	switch tool.Name() {
	case "Edit", "Write", "NotebookEdit":
		if core.SkipFileEditPermission {
			return nil
		}
		return e.checkFileEdit(tool, input, h, agentID)
	case "Bash":
		if core.SkipBashExecPermission {
			return nil
		}
		return e.checkBash(tool, input, h, agentID)
	case "Skill":
		if core.SkipSkillPermission {
			return nil
		}
		return e.checkKeyed(tool, input, h, agentID, fmt.Sprintf("Skill(%s)", skillName(input)))
	default:
		if strings.HasPrefix(tool.Name(), "mcp__") {
			if core.SkipMCPToolPermission {
				return nil
			}
			return e.checkKeyed(tool, input, h, agentID, tool.Name())
		}
		// Tools outside the named classes key on their own name.
		return e.checkKeyed(tool, input, h, agentID, tool.Name())
	}
}

func skillName(input map[string]any) string {
	s, _ := input["skillName"].(string)
	return s
}

// checkFileEdit implements the session-wide edit grant. One allow covers
// every later edit inside the working directory; paths outside it always
// prompt.
func (e *Engine) checkFileEdit(tool tools.Tool, input map[string]any, h *interrupt.Handle, agentID string) error {
	path, _ := input["file_path"].(string)
	if path == "" {
		path, _ = input["notebook_path"].(string)
	}
	if e.state.GlobalEditGranted() && e.insideWorkDir(path) {
		return nil
	}

	title, content := tool.GenToolPermission(input)
	return e.request(h, agentID, tool.Name(), title, content, func() {
		e.state.GrantGlobalEdit()
	})
}

func (e *Engine) insideWorkDir(path string) bool {
	if path == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(e.config.WorkDir(), abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// checkKeyed handles the simple allow-list classes: one stable key,
// persisted to the project config on allow.
func (e *Engine) checkKeyed(tool tools.Tool, input map[string]any, h *interrupt.Handle, agentID, key string) error {
	if e.config.IsToolAllowed(key) {
		return nil
	}
	title, content := tool.GenToolPermission(input)
	return e.request(h, agentID, tool.Name(), title, content, func() {
		if err := e.config.AllowTool(key); err != nil {
			slog.Warn("permission.persist.failed", "key", key, "error", err)
		}
	})
}

// request runs the interactive protocol. onAllow is invoked only for the
// persisting "allow" answer; "agree" grants this invocation alone.
func (e *Engine) request(h *interrupt.Handle, agentID, toolName, title, content string, onAllow func()) error {
	e.events.Emit(protocol.EventToolPermissionRequest, bus.Payload{
		"agentId":  agentID,
		"toolName": toolName,
		"title":    title,
		"content":  content,
		"options":  []string{protocol.PermissionAgree, protocol.PermissionAllow, protocol.PermissionRefuse},
	})

	resp, err := e.events.Await(h.Context(), protocol.EventToolPermissionResponse, func(p bus.Payload) bool {
		name, _ := p["toolName"].(string)
		return name == toolName
	})
	if err != nil {
		// The wait collapsed under cancellation. A refuse-driven cancel
		// belongs to the response handler below; everything else is a
		// plain interrupt.
		if h.Refused() {
			return errors.New(RejectMessage)
		}
		return errors.New(CancelMessage)
	}

	selected, _ := resp["selected"].(string)
	switch selected {
	case protocol.PermissionAgree:
		return nil
	case protocol.PermissionAllow:
		if onAllow != nil {
			onAllow()
		}
		return nil
	case protocol.PermissionRefuse:
		h.Cancel(interrupt.ReasonRefuse)
		return errors.New(RejectMessage)
	default:
		// Free-form feedback: deny this call but keep the turn alive so
		// the model can react to the user's note.
		return fmt.Errorf("The user didn't grant permission and instead replied with the following feedback:\n%s", selected)
	}
}
