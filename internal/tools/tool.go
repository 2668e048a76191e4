// Package tools defines the uniform tool contract, the registry and the
// per-turn filter pipeline, plus every built-in tool.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/config"
	"github.com/nextlevelbuilder/clawcore/internal/interrupt"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/internal/state"
)

// Output is what a tool invocation produces.
type Output struct {
	// Data is the structured result, rendered by GenToolResultMessage.
	Data any
	// ResultForAssistant is the text fed back to the model.
	ResultForAssistant string
	// ControlSignal is the only cross-cutting side effect the loop
	// honors (context rebuild on mode switch).
	ControlSignal *providers.ControlSignal
}

// Context travels through every tool call.
type Context struct {
	AgentID   string
	Interrupt *interrupt.Handle
	// Tools is the tool set active for this turn.
	Tools []Tool
	// ModelPointer is "main" or "quick".
	ModelPointer string

	WorkDir string
	Events  *bus.Bus
	State   *state.AgentState
	Config  *config.Manager
}

// Tool is the uniform capability contract.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	IsReadOnly() bool

	// ValidateInput is the semantic check run after schema validation.
	ValidateInput(input map[string]any, tc *Context) error
	// GenToolPermission renders the permission prompt.
	GenToolPermission(input map[string]any) (title, content string)
	// GenToolResultMessage renders the execution-complete event.
	GenToolResultMessage(out *Output, input map[string]any) (title, summary, content string)
	GetDisplayTitle(input map[string]any) string

	Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error)
}

// HasTool reports whether the turn's tool set contains name.
func (tc *Context) HasTool(name string) bool {
	for _, t := range tc.Tools {
		if t.Name() == name {
			return true
		}
	}
	return false
}

// Registry holds the registered tools and their compiled input schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool; re-registering a name replaces it.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; !ok {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
	delete(r.schemas, t.Name())
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns tools in registration order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// ValidateSchema checks input against the tool's JSON Schema, compiling
// and caching the schema on first use.
func (r *Registry) ValidateSchema(t Tool, input map[string]any) error {
	r.mu.Lock()
	schema, ok := r.schemas[t.Name()]
	if !ok {
		raw, err := json.Marshal(t.InputSchema())
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("marshal schema for %s: %w", t.Name(), err)
		}
		schema, err = jsonschema.CompileString(t.Name()+".json", string(raw))
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("compile schema for %s: %w", t.Name(), err)
		}
		r.schemas[t.Name()] = schema
	}
	r.mu.Unlock()

	// Round-trip to plain JSON types so the validator sees what the
	// wire carried.
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("input does not match schema: %w", err)
	}
	return nil
}

// FilterOptions select the tool set for one turn.
type FilterOptions struct {
	// UseTools restricts built-ins; nil means all.
	UseTools []string
	// MCPTools are appended after the built-in filter.
	MCPTools []Tool
	// PlanMode drops TodoWrite.
	PlanMode bool
	// Subagent drops Task and intersects with AgentTools.
	Subagent bool
	// AgentTools is the subagent config's tool set; nil or ["*"] means
	// all.
	AgentTools []string
}

// FilterForTurn applies the per-turn pipeline: useTools filter, MCP
// union, Plan-mode drop, subagent intersection.
func (r *Registry) FilterForTurn(opts FilterOptions) []Tool {
	selected := r.All()

	if opts.UseTools != nil {
		allowed := toSet(opts.UseTools)
		selected = keep(selected, func(t Tool) bool { return allowed[t.Name()] })
	}

	selected = append(selected, opts.MCPTools...)

	if opts.PlanMode {
		selected = keep(selected, func(t Tool) bool { return t.Name() != "TodoWrite" })
	}

	if opts.Subagent {
		selected = keep(selected, func(t Tool) bool { return t.Name() != "Task" })
		if opts.AgentTools != nil && !containsStar(opts.AgentTools) {
			allowed := toSet(opts.AgentTools)
			selected = keep(selected, func(t Tool) bool { return allowed[t.Name()] })
		}
	}

	return selected
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func containsStar(names []string) bool {
	for _, n := range names {
		if n == "*" {
			return true
		}
	}
	return false
}

func keep(ts []Tool, pred func(Tool) bool) []Tool {
	out := make([]Tool, 0, len(ts))
	for _, t := range ts {
		if pred(t) {
			out = append(out, t)
		}
	}
	return out
}

// BuildToolDefs converts a tool set to the adapter's wire-neutral form.
func BuildToolDefs(ts []Tool) []providers.ToolDef {
	defs := make([]providers.ToolDef, 0, len(ts))
	for _, t := range ts {
		defs = append(defs, providers.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// str pulls a string field from a tool input map.
func str(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// num pulls a numeric field; JSON decoding yields float64.
func num(input map[string]any, key string) (int, bool) {
	switch v := input[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
