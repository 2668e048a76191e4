// Package state keeps per-agent conversation state and the shared
// session state. The main agent is the only one that broadcasts global
// events or persists history.
package state

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/interrupt"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/internal/store"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

// MainAgentID is the fixed id of the root agent. Any other id denotes a
// subagent.
const MainAgentID = "main"

type agentState struct {
	current  string
	previous string
	history  []providers.Message
	todos    []store.Todo
	readTS   map[string]int64
}

func newAgentState() *agentState {
	return &agentState{
		current: protocol.StateIdle,
		readTS:  make(map[string]int64),
	}
}

// Manager owns every agent partition plus shared session state.
type Manager struct {
	mu     sync.Mutex
	events *bus.Bus
	store  store.SessionStore

	agents map[string]*agentState

	sessionID        string
	globalEditGrant  bool
	planModeInfoSent bool
	handle           *interrupt.Handle

	// persistWG lets tests wait for async history persistence.
	persistWG sync.WaitGroup
}

// NewManager builds a state manager. The session store may be nil to
// disable persistence.
func NewManager(events *bus.Bus, st store.SessionStore) *Manager {
	return &Manager{
		events: events,
		store:  st,
		agents: make(map[string]*agentState),
	}
}

// ForAgent returns the handle for one agent's partition, creating it on
// first use.
func (m *Manager) ForAgent(agentID string) *AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; !ok {
		m.agents[agentID] = newAgentState()
	}
	return &AgentState{m: m, agentID: agentID}
}

func (m *Manager) partition(agentID string) *agentState {
	if _, ok := m.agents[agentID]; !ok {
		m.agents[agentID] = newAgentState()
	}
	return m.agents[agentID]
}

// SessionID returns the current session id.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// ResetSession installs a new session id, clearing every agent
// partition and the session-scoped edit grant.
func (m *Manager) ResetSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = sessionID
	m.globalEditGrant = false
	m.planModeInfoSent = false
	m.agents = make(map[string]*agentState)
}

// GlobalEditGranted reports the session-scoped file-edit grant.
func (m *Manager) GlobalEditGranted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalEditGrant
}

// GrantGlobalEdit sets the session-scoped file-edit grant.
func (m *Manager) GrantGlobalEdit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalEditGrant = true
}

// PlanModeInfoSent reports whether the one-shot Plan reminder fired.
func (m *Manager) PlanModeInfoSent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.planModeInfoSent
}

// MarkPlanModeInfoSent records the one-shot Plan reminder as sent.
func (m *Manager) MarkPlanModeInfoSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planModeInfoSent = true
}

// ResetPlanModeInfoSent re-arms the Plan reminder (on mode switch).
func (m *Manager) ResetPlanModeInfoSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planModeInfoSent = false
}

// SetInterrupt installs the cancel handle for the current turn.
func (m *Manager) SetInterrupt(h *interrupt.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handle = h
}

// Interrupt returns the current turn's cancel handle, possibly nil.
func (m *Manager) Interrupt() *interrupt.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// WaitPersist blocks until pending async persistence completes (tests).
func (m *Manager) WaitPersist() { m.persistWG.Wait() }

// AgentState is a handle onto one agent's partition.
type AgentState struct {
	m       *Manager
	agentID string
}

// AgentID returns the agent this handle is bound to.
func (a *AgentState) AgentID() string { return a.agentID }

// IsMain reports whether this is the root agent.
func (a *AgentState) IsMain() bool { return a.agentID == MainAgentID }

// State returns the current agent state.
func (a *AgentState) State() string {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	return a.m.partition(a.agentID).current
}

// UpdateState transitions idle/processing, recording the previous
// state. Main emits state:update.
func (a *AgentState) UpdateState(next string) {
	a.m.mu.Lock()
	p := a.m.partition(a.agentID)
	if p.current == next {
		a.m.mu.Unlock()
		return
	}
	p.previous = p.current
	p.current = next
	a.m.mu.Unlock()

	if a.IsMain() && a.m.events != nil {
		a.m.events.Emit(protocol.EventStateUpdate, bus.Payload{"state": next})
	}
}

// Todos returns a copy of the agent's todo list.
func (a *AgentState) Todos() []store.Todo {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	return append([]store.Todo(nil), a.m.partition(a.agentID).todos...)
}

// SetTodos replaces the todo list wholesale. Main emits todos:update.
func (a *AgentState) SetTodos(todos []store.Todo) {
	a.m.mu.Lock()
	a.m.partition(a.agentID).todos = append([]store.Todo(nil), todos...)
	a.m.mu.Unlock()
	a.emitTodos(todos)
}

// UpdateTodosIntelligently merges by id when every incoming todo
// carries an id already present; otherwise replaces wholesale.
func (a *AgentState) UpdateTodosIntelligently(todos []store.Todo) {
	a.m.mu.Lock()
	p := a.m.partition(a.agentID)

	existing := make(map[string]int, len(p.todos))
	for i, t := range p.todos {
		if t.ID != "" {
			existing[t.ID] = i
		}
	}
	mergeable := len(todos) > 0 && len(existing) > 0
	for _, t := range todos {
		if t.ID == "" {
			mergeable = false
			break
		}
		if _, ok := existing[t.ID]; !ok {
			mergeable = false
			break
		}
	}

	if mergeable {
		for _, t := range todos {
			p.todos[existing[t.ID]] = t
		}
	} else {
		p.todos = append([]store.Todo(nil), todos...)
	}
	snapshot := append([]store.Todo(nil), p.todos...)
	a.m.mu.Unlock()
	a.emitTodos(snapshot)
}

func (a *AgentState) emitTodos(todos []store.Todo) {
	if a.IsMain() && a.m.events != nil {
		a.m.events.Emit(protocol.EventTodosUpdate, bus.Payload{"todos": todos})
	}
}

// MessageHistory returns a copy of the agent's message history.
func (a *AgentState) MessageHistory() []providers.Message {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	return append([]providers.Message(nil), a.m.partition(a.agentID).history...)
}

// SetMessageHistory replaces the history. For main with non-empty
// history, the session is persisted asynchronously, best-effort.
func (a *AgentState) SetMessageHistory(msgs []providers.Message) {
	a.m.mu.Lock()
	p := a.m.partition(a.agentID)
	p.history = append([]providers.Message(nil), msgs...)
	var snapshot *store.SessionData
	var sessionID string
	if a.IsMain() && len(msgs) > 0 && a.m.store != nil && a.m.sessionID != "" {
		snapshot = &store.SessionData{
			Messages: stripStaleUsage(p.history),
			Todos:    append([]store.Todo(nil), p.todos...),
		}
		sessionID = a.m.sessionID
	}
	a.m.mu.Unlock()

	if snapshot != nil {
		a.m.persistWG.Add(1)
		go func() {
			defer a.m.persistWG.Done()
			if err := a.m.store.Save(sessionID, snapshot); err != nil {
				slog.Warn("session.persist.failed", "session", sessionID, "error", err)
			}
		}()
	}
}

// FinalizeMessages sets the history and transitions to idle.
func (a *AgentState) FinalizeMessages(msgs []providers.Message) {
	a.SetMessageHistory(msgs)
	a.UpdateState(protocol.StateIdle)
}

// ReadFileTimestamp returns the recorded post-read mtime for a path.
func (a *AgentState) ReadFileTimestamp(path string) (int64, bool) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	ts, ok := a.m.partition(a.agentID).readTS[path]
	return ts, ok
}

// SetReadFileTimestamp records a successful read of a path.
func (a *AgentState) SetReadFileTimestamp(path string, ts int64) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	a.m.partition(a.agentID).readTS[path] = ts
}

// ClearAllState drops the partition. No-op for main.
func (a *AgentState) ClearAllState() {
	if a.IsMain() {
		return
	}
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	delete(a.m.agents, a.agentID)
}

// stripStaleUsage keeps usage only on the last assistant message whose
// usage is authoritative (non-synthetic); earlier ones are dropped
// before persistence.
func stripStaleUsage(msgs []providers.Message) []providers.Message {
	last := -1
	for i, m := range msgs {
		if m.Role == providers.RoleAssistant && m.Usage != nil && !m.Usage.Synthetic {
			last = i
		}
	}
	out := make([]providers.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].Role == providers.RoleAssistant && i != last {
			out[i].Usage = nil
		}
	}
	return out
}
