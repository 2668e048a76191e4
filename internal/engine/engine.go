// Package engine is the embeddable facade: it wires every subsystem
// and exposes the session lifecycle operations front-ends call. UIs
// talk to the engine through these methods and the event bus; nothing
// else is public.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/clawcore/internal/agent"
	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/config"
	"github.com/nextlevelbuilder/clawcore/internal/interrupt"
	"github.com/nextlevelbuilder/clawcore/internal/mcp"
	"github.com/nextlevelbuilder/clawcore/internal/models"
	"github.com/nextlevelbuilder/clawcore/internal/permission"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/internal/skills"
	"github.com/nextlevelbuilder/clawcore/internal/state"
	"github.com/nextlevelbuilder/clawcore/internal/store"
	filestore "github.com/nextlevelbuilder/clawcore/internal/store/file"
	sqlitestore "github.com/nextlevelbuilder/clawcore/internal/store/sqlite"
	"github.com/nextlevelbuilder/clawcore/internal/tools"
	"github.com/nextlevelbuilder/clawcore/internal/tracing"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

// Options configure engine construction.
type Options struct {
	// HomeDir holds config, models, sessions and plugins. "~" expands.
	HomeDir string
	// WorkDir is the project the session operates on.
	WorkDir string
	// SessionBackend is "file" (default) or "sqlite".
	SessionBackend string
	// BraveAPIKey upgrades WebSearch from DuckDuckGo to Brave.
	BraveAPIKey string
}

// Engine owns one working directory's conversation machinery.
type Engine struct {
	events   *bus.Bus
	config   *config.Manager
	state    *state.Manager
	models   *models.Manager
	adapter  *providers.Adapter
	registry *tools.Registry
	perm     *permission.Engine
	mcp      *mcp.Manager
	skills   *skills.Registry
	agents   *agent.SubagentRegistry
	commands *commandRegistry
	loop     *agent.Loop
	sessions store.SessionStore

	traceShutdown func(context.Context) error

	initWG  sync.WaitGroup
	queryWG sync.WaitGroup
}

// New wires an engine. No session exists until CreateSession runs.
func New(opts Options) (*Engine, error) {
	events := bus.New()
	cfg, err := config.NewManager(opts.HomeDir, opts.WorkDir)
	if err != nil {
		return nil, err
	}
	core := cfg.Core()

	var sessions store.SessionStore
	switch opts.SessionBackend {
	case "", "file":
		sessions, err = filestore.New(filepath.Join(cfg.HomeDir(), "sessions"))
	case "sqlite":
		sessions, err = sqlitestore.New(filepath.Join(cfg.HomeDir(), "sessions.db"))
	default:
		err = fmt.Errorf("unknown session backend %q", opts.SessionBackend)
	}
	if err != nil {
		return nil, err
	}

	st := state.NewManager(events, sessions)

	var adapterOpts []providers.AdapterOption
	if core.EnableLLMCache {
		adapterOpts = append(adapterOpts, providers.WithCache(providers.NewCache(filepath.Join(cfg.HomeDir(), "llm-cache"))))
	}
	if core.RequestsPerMinute > 0 {
		adapterOpts = append(adapterOpts, providers.WithRateLimit(core.RequestsPerMinute))
	}
	adapter := providers.NewAdapter(events, adapterOpts...)

	mdl, err := models.NewManager(cfg.HomeDir(), events, adapter)
	if err != nil {
		return nil, err
	}

	perm := permission.NewEngine(events, cfg, st, mdl, adapter)

	mcpMgr := mcp.NewManager(
		filepath.Join(cfg.HomeDir(), "mcp.json5"),
		filepath.Join(cfg.WorkDir(), ".clawcore", "mcp.json5"),
	)
	mcpMgr.Watch()

	e := &Engine{
		events:   events,
		config:   cfg,
		state:    st,
		models:   mdl,
		adapter:  adapter,
		perm:     perm,
		mcp:      mcpMgr,
		skills:   skills.NewRegistry(),
		agents:   agent.NewSubagentRegistry(),
		commands: newCommandRegistry(),
		sessions: sessions,
	}

	e.registry = tools.NewRegistry()
	e.loop = agent.NewLoop(agent.LoopConfig{
		Events:            events,
		Config:            cfg,
		State:             st,
		Models:            mdl,
		LLM:               adapter,
		Registry:          e.registry,
		Perm:              perm,
		MCP:               mcpMgr,
		Agents:            e.agents,
		BuildSystemPrompt: e.buildSystemPrompt,
		BuildReminders:    e.buildReminders,
	})
	e.registerTools(opts.BraveAPIKey)

	if core.OTLPEndpoint != "" {
		shutdown, err := tracing.Init(context.Background(), core.OTLPEndpoint)
		if err != nil {
			slog.Warn("engine.tracing.init_failed", "endpoint", core.OTLPEndpoint, "error", err)
		} else {
			e.traceShutdown = shutdown
		}
	}

	return e, nil
}

func (e *Engine) registerTools(braveAPIKey string) {
	e.registry.Register(tools.NewReadTool())
	e.registry.Register(tools.NewWriteTool())
	e.registry.Register(tools.NewEditTool())
	e.registry.Register(tools.NewNotebookEditTool())
	e.registry.Register(tools.NewBashTool())
	e.registry.Register(tools.NewGlobTool())
	e.registry.Register(tools.NewGrepTool())
	e.registry.Register(tools.NewTodoWriteTool())
	e.registry.Register(tools.NewAskUserQuestionTool())
	e.registry.Register(tools.NewExitPlanModeTool())
	e.registry.Register(tools.NewWebFetchTool())
	e.registry.Register(tools.NewWebSearchTool(braveAPIKey))
	e.registry.Register(tools.NewSkillTool(e.skills))
	e.registry.Register(tools.NewTaskTool(e.loop.RunTask, e.agents.Types()))
}

// Events exposes the bus for front-end subscriptions.
func (e *Engine) Events() *bus.Bus { return e.events }

// Config exposes the config manager (mode switches, runtime tuning).
func (e *Engine) Config() *config.Manager { return e.config }

// Models exposes the model registry for management commands.
func (e *Engine) Models() *models.Manager { return e.models }

// MCP exposes the server pool for status commands.
func (e *Engine) MCP() *mcp.Manager { return e.mcp }

// CreateSession resets all agent state and installs the session with
// the given id, loading persisted history when it exists. An empty id
// starts a fresh session. session:ready fires exactly once per call.
func (e *Engine) CreateSession(sessionID string) error {
	if h := e.state.Interrupt(); h != nil {
		h.Cancel("")
	}
	e.queryWG.Wait()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	e.perm.ResetSession()
	e.state.ResetSession(sessionID)

	main := e.state.ForAgent(state.MainAgentID)
	historyLoaded := false
	if e.sessions != nil {
		data, err := e.sessions.Load(sessionID)
		switch {
		case err != nil:
			slog.Warn("engine.session.load_failed", "session", sessionID, "error", err)
		case data != nil:
			main.SetMessageHistory(agent.RepairHistory(data.Messages))
			main.SetTodos(data.Todos)
			historyLoaded = true
		}
	}

	// Plugin loading must not hold up session:ready.
	e.initWG.Add(1)
	go func() {
		defer e.initWG.Done()
		e.loadPlugins()
	}()

	e.events.Emit(protocol.EventSessionReady, bus.Payload{
		"workingDir":          e.config.WorkDir(),
		"sessionId":           sessionID,
		"historyLoaded":       historyLoaded,
		"usage":               usagePayload(main.MessageHistory()),
		"projectInputHistory": e.config.ProjectHistory(),
	})
	main.UpdateState(protocol.StateIdle)
	slog.Info("engine.session.ready", "session", sessionID, "historyLoaded", historyLoaded)
	return nil
}

// loadPlugins scans the user and project plugin directories. Project
// definitions override user ones; both override built-ins.
func (e *Engine) loadPlugins() {
	projectDir := filepath.Join(e.config.WorkDir(), ".clawcore")
	for _, dir := range []string{filepath.Join(e.config.HomeDir(), "skills"), filepath.Join(projectDir, "skills")} {
		if err := e.skills.LoadDir(dir); err != nil {
			slog.Warn("engine.skills.load_failed", "dir", dir, "error", err)
		}
	}
	for _, dir := range []string{filepath.Join(e.config.HomeDir(), "agents"), filepath.Join(projectDir, "agents")} {
		if err := e.agents.LoadDir(dir); err != nil {
			slog.Warn("engine.agents.load_failed", "dir", dir, "error", err)
		}
	}
	for _, dir := range []string{filepath.Join(e.config.HomeDir(), "commands"), filepath.Join(projectDir, "commands")} {
		if err := e.commands.LoadDir(dir); err != nil {
			slog.Warn("engine.commands.load_failed", "dir", dir, "error", err)
		}
	}
}

// ProcessUserInput starts one conversational turn. It returns once the
// turn is scheduled; progress streams over the bus. originalText, when
// given, is what lands in the project input history (used when slash
// commands were already expanded by the caller).
func (e *Engine) ProcessUserInput(text string, originalText ...string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("empty input")
	}

	main := e.state.ForAgent(state.MainAgentID)
	if main.State() == protocol.StateProcessing {
		return fmt.Errorf("session is busy")
	}

	recorded := text
	if len(originalText) > 0 && originalText[0] != "" {
		recorded = originalText[0]
	}
	if err := e.config.AddHistory(recorded); err != nil {
		slog.Warn("engine.history.persist_failed", "error", err)
	}

	main.UpdateState(protocol.StateProcessing)
	h := interrupt.New(context.Background())
	e.state.SetInterrupt(h)

	if handled := e.handleCommand(text, h, main); handled {
		main.UpdateState(protocol.StateIdle)
		return nil
	}
	if expanded, ok := e.commands.Expand(text); ok {
		text = expanded
	}

	turnTools := e.loop.ToolsForTurn(h.Context())

	isNewTopic := len(main.MessageHistory()) == 0
	e.queryWG.Add(1)
	go func() {
		defer e.queryWG.Done()
		e.detectTopic(text, isNewTopic)
	}()

	var blocks []providers.ContentBlock
	blocks = append(blocks, e.fileReferences(text, h, main)...)
	if isNewTopic {
		blocks = append(blocks, e.buildReminders(hasToolNamed(turnTools, "TodoWrite"), main)...)
	}
	if e.config.AgentMode() == config.ModePlan && !e.state.PlanModeInfoSent() {
		blocks = append(blocks, providers.TextBlock(planReminder))
		e.state.MarkPlanModeInfoSent()
	}
	blocks = append(blocks, providers.TextBlock(text))

	messages := append(agent.RepairHistory(main.MessageHistory()), providers.NewUserMessage(blocks...))
	systemPrompt := e.buildSystemPrompt(e.config.AgentMode())

	ac := &agent.Context{
		AgentID:      state.MainAgentID,
		Handle:       h,
		Tools:        turnTools,
		ModelPointer: "main",
		State:        main,
	}

	e.queryWG.Add(1)
	go func() {
		defer e.queryWG.Done()
		_, span := tracing.Start(h.Context(), "engine.query",
			attribute.String("session.id", e.state.SessionID()))
		defer span.End()

		if _, err := e.loop.Query(ac, messages, systemPrompt); err != nil {
			slog.Error("engine.query.failed", "error", err)
			// A failed turn is not persisted; the state just goes idle.
			main.UpdateState(protocol.StateIdle)
		}
	}()
	return nil
}

// handleCommand routes the built-in slash commands synchronously.
func (e *Engine) handleCommand(text string, h *interrupt.Handle, main *state.AgentState) bool {
	switch strings.Fields(text)[0] {
	case "/clear":
		e.perm.ResetSession()
		newID := uuid.NewString()
		e.state.ResetSession(newID)
		e.events.Emit(protocol.EventSessionCleared, bus.Payload{"sessionId": newID})
		return true
	case "/compact":
		ac := &agent.Context{
			AgentID:      state.MainAgentID,
			Handle:       h,
			ModelPointer: "main",
			State:        main,
		}
		if err := e.loop.CompactNow(ac); err != nil {
			slog.Warn("engine.compact.failed", "error", err)
			e.events.Emit(protocol.EventCompactExec, bus.Payload{
				"tokenBefore":  0,
				"tokenCompact": 0,
				"compactRate":  0.0,
				"errMsg":       err.Error(),
			})
		}
		return true
	}
	return false
}

// InterruptSession aborts the in-flight turn, if any.
func (e *Engine) InterruptSession() {
	if h := e.state.Interrupt(); h != nil {
		h.Cancel("")
	}
	e.state.ForAgent(state.MainAgentID).UpdateState(protocol.StateIdle)
}

// UpdateAgentMode switches between agent and plan mode. Switching into
// Plan re-arms the one-shot Plan reminder.
func (e *Engine) UpdateAgentMode(mode string) error {
	if mode != config.ModeAgent && mode != config.ModePlan {
		return fmt.Errorf("unknown mode %q", mode)
	}
	if e.config.AgentMode() == mode {
		return nil
	}
	if err := e.config.SetAgentMode(mode); err != nil {
		return err
	}
	if mode == config.ModePlan {
		e.state.ResetPlanModeInfoSent()
	}
	return nil
}

// Dispose shuts the engine down: abort work, wait for pending init and
// persistence, drop listeners, close external connections.
func (e *Engine) Dispose() {
	if h := e.state.Interrupt(); h != nil {
		h.Cancel("")
	}
	e.initWG.Wait()
	e.queryWG.Wait()
	e.state.WaitPersist()

	e.events.Clear()
	if e.mcp != nil {
		e.mcp.Close()
	}
	if e.sessions != nil {
		if err := e.sessions.Close(); err != nil {
			slog.Warn("engine.sessions.close_failed", "error", err)
		}
	}
	if e.traceShutdown != nil {
		if err := e.traceShutdown(context.Background()); err != nil {
			slog.Warn("engine.tracing.shutdown_failed", "error", err)
		}
	}
}

// usagePayload summarizes the revived history for session:ready.
func usagePayload(history []providers.Message) map[string]any {
	useTokens, promptTokens := 0, 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == providers.RoleAssistant && m.Usage != nil && m.Usage.TotalInput() > 0 {
			useTokens = m.Usage.TotalInput() + m.Usage.OutputTokens
			promptTokens = m.Usage.TotalInput()
			break
		}
	}
	return map[string]any{
		"useTokens":    useTokens,
		"promptTokens": promptTokens,
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
