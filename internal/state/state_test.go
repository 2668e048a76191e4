package state

import (
	"testing"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/internal/store"
	"github.com/nextlevelbuilder/clawcore/internal/store/file"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

func TestUpdateTodosMergeByID(t *testing.T) {
	m := NewManager(bus.New(), nil)
	a := m.ForAgent(MainAgentID)

	a.SetTodos([]store.Todo{
		{ID: "1", Content: "write tests", Status: store.TodoPending},
		{ID: "2", Content: "fix bug", Status: store.TodoPending},
	})

	// All incoming ids exist: merge in place.
	a.UpdateTodosIntelligently([]store.Todo{
		{ID: "2", Content: "fix bug", Status: store.TodoInProgress},
	})
	todos := a.Todos()
	if len(todos) != 2 {
		t.Fatalf("todos = %d, want 2 after merge", len(todos))
	}
	if todos[1].Status != store.TodoInProgress {
		t.Errorf("todo 2 status = %q", todos[1].Status)
	}

	// Unknown id: replace wholesale.
	a.UpdateTodosIntelligently([]store.Todo{
		{ID: "9", Content: "new plan", Status: store.TodoPending},
	})
	todos = a.Todos()
	if len(todos) != 1 || todos[0].ID != "9" {
		t.Errorf("todos after replace = %+v", todos)
	}
}

func TestTodosUpdateMainOnly(t *testing.T) {
	events := bus.New()
	var emits int
	events.On(protocol.EventTodosUpdate, func(p bus.Payload) { emits++ })

	m := NewManager(events, nil)
	m.ForAgent(MainAgentID).SetTodos([]store.Todo{{Content: "x", Status: store.TodoPending}})
	if emits != 1 {
		t.Errorf("main todo write emits = %d, want 1", emits)
	}

	m.ForAgent("sub-1").SetTodos([]store.Todo{{Content: "y", Status: store.TodoPending}})
	if emits != 1 {
		t.Errorf("subagent todo write must not emit, emits = %d", emits)
	}
}

func TestStateUpdateMainOnly(t *testing.T) {
	events := bus.New()
	var states []string
	events.On(protocol.EventStateUpdate, func(p bus.Payload) {
		s, _ := p["state"].(string)
		states = append(states, s)
	})

	m := NewManager(events, nil)
	main := m.ForAgent(MainAgentID)
	main.UpdateState(protocol.StateProcessing)
	main.UpdateState(protocol.StateProcessing) // no transition, no event
	main.UpdateState(protocol.StateIdle)

	m.ForAgent("sub-1").UpdateState(protocol.StateProcessing)

	if len(states) != 2 || states[0] != protocol.StateProcessing || states[1] != protocol.StateIdle {
		t.Errorf("state events = %v", states)
	}
}

func TestPersistenceOnMainHistory(t *testing.T) {
	st, err := file.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(bus.New(), st)
	m.ResetSession("sess-1")

	main := m.ForAgent(MainAgentID)
	main.SetTodos([]store.Todo{{Content: "task", Status: store.TodoPending}})
	main.SetMessageHistory([]providers.Message{
		providers.NewUserText("hello"),
		{Role: providers.RoleAssistant, Content: []providers.ContentBlock{providers.TextBlock("hi")},
			Usage: &providers.Usage{InputTokens: 10}},
	})
	m.WaitPersist()

	sd, err := st.Load("sess-1")
	if err != nil || sd == nil {
		t.Fatalf("Load: %v, %v", sd, err)
	}
	if len(sd.Messages) != 2 || len(sd.Todos) != 1 {
		t.Errorf("persisted messages = %d todos = %d", len(sd.Messages), len(sd.Todos))
	}

	// Subagent history is never persisted.
	sub := m.ForAgent("sub-1")
	sub.SetMessageHistory([]providers.Message{providers.NewUserText("internal")})
	m.WaitPersist()
	sd, _ = st.Load("sess-1")
	if len(sd.Messages) != 2 {
		t.Error("subagent history must not persist")
	}
}

func TestStripStaleUsage(t *testing.T) {
	usage := func(n int, synthetic bool) *providers.Usage {
		return &providers.Usage{InputTokens: n, Synthetic: synthetic}
	}
	msgs := []providers.Message{
		{Role: providers.RoleAssistant, Usage: usage(10, false)},
		providers.NewUserText("x"),
		{Role: providers.RoleAssistant, Usage: usage(20, false)},
		{Role: providers.RoleAssistant, Usage: usage(5, true)},
	}
	out := stripStaleUsage(msgs)
	if out[0].Usage != nil {
		t.Error("stale usage must be stripped")
	}
	if out[2].Usage == nil || out[2].Usage.InputTokens != 20 {
		t.Error("last authoritative usage must survive")
	}
	if out[3].Usage != nil {
		t.Error("synthetic trailing usage is not authoritative")
	}
	// Input untouched.
	if msgs[0].Usage == nil {
		t.Error("stripStaleUsage must not mutate its input")
	}
}

func TestClearAllState(t *testing.T) {
	m := NewManager(bus.New(), nil)

	sub := m.ForAgent("sub-1")
	sub.SetTodos([]store.Todo{{Content: "x", Status: store.TodoPending}})
	sub.SetReadFileTimestamp("/tmp/f", 123)
	sub.ClearAllState()
	if len(m.ForAgent("sub-1").Todos()) != 0 {
		t.Error("cleared partition must be empty")
	}
	if _, ok := m.ForAgent("sub-1").ReadFileTimestamp("/tmp/f"); ok {
		t.Error("cleared partition must drop read timestamps")
	}

	main := m.ForAgent(MainAgentID)
	main.SetTodos([]store.Todo{{Content: "keep", Status: store.TodoPending}})
	main.ClearAllState()
	if len(main.Todos()) != 1 {
		t.Error("ClearAllState must be a no-op for main")
	}
}

func TestResetSessionClearsGrant(t *testing.T) {
	m := NewManager(bus.New(), nil)
	m.ResetSession("a")
	m.GrantGlobalEdit()
	if !m.GlobalEditGranted() {
		t.Fatal("grant not recorded")
	}
	m.ResetSession("b")
	if m.GlobalEditGranted() {
		t.Error("session reset must clear the edit grant")
	}
}
