package permission

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/config"
	"github.com/nextlevelbuilder/clawcore/internal/interrupt"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/internal/state"
	"github.com/nextlevelbuilder/clawcore/internal/tools"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

type fakeTool struct {
	name     string
	readOnly bool
}

func (t *fakeTool) Name() string                { return t.name }
func (t *fakeTool) Description() string         { return "fake" }
func (t *fakeTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (t *fakeTool) IsReadOnly() bool            { return t.readOnly }
func (t *fakeTool) ValidateInput(map[string]any, *tools.Context) error {
	return nil
}
func (t *fakeTool) GenToolPermission(map[string]any) (string, string) { return t.name, "details" }
func (t *fakeTool) GetDisplayTitle(map[string]any) string             { return t.name }
func (t *fakeTool) GenToolResultMessage(out *tools.Output, _ map[string]any) (string, string, string) {
	return t.name, "", ""
}
func (t *fakeTool) Invoke(context.Context, map[string]any, *tools.Context) (*tools.Output, error) {
	return &tools.Output{}, nil
}

type fakeLLM struct {
	reply string
	calls atomic.Int32
}

func (f *fakeLLM) Stream(ctx context.Context, req providers.Request) (*providers.Message, error) {
	f.calls.Add(1)
	return &providers.Message{
		Role:    providers.RoleAssistant,
		Content: []providers.ContentBlock{providers.TextBlock(f.reply)},
	}, nil
}

type fakeModels struct{}

func (fakeModels) Quick() (providers.ModelProfile, error) {
	return providers.ModelProfile{Name: "quick", ModelName: "m", Provider: "openai"}, nil
}

type fixture struct {
	engine   *Engine
	events   *bus.Bus
	config   *config.Manager
	state    *state.Manager
	llm      *fakeLLM
	requests atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := bus.New()
	cfg, err := config.NewManager(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	st := state.NewManager(events, nil)
	llm := &fakeLLM{reply: "none"}

	f := &fixture{
		events: events,
		config: cfg,
		state:  st,
		llm:    llm,
	}
	f.engine = NewEngine(events, cfg, st, fakeModels{}, llm)
	return f
}

// respond answers every permission request with selected, retrying the
// emit until the engine's Await has subscribed.
func (f *fixture) respond(selected string) {
	f.events.On(protocol.EventToolPermissionRequest, func(p bus.Payload) {
		f.requests.Add(1)
		toolName, _ := p["toolName"].(string)
		go func() {
			payload := bus.Payload{"toolName": toolName, "selected": selected}
			for !f.events.Emit(protocol.EventToolPermissionResponse, payload) {
				time.Sleep(time.Millisecond)
			}
		}()
	})
}

func (f *fixture) countOnly() {
	f.events.On(protocol.EventToolPermissionRequest, func(bus.Payload) {
		f.requests.Add(1)
	})
}

func TestReadOnlyFastPath(t *testing.T) {
	f := newFixture(t)
	f.countOnly()
	h := interrupt.New(context.Background())

	if err := f.engine.HasPermission(&fakeTool{name: "Read", readOnly: true}, nil, h, "main"); err != nil {
		t.Fatalf("read-only tool must pass: %v", err)
	}
	if f.requests.Load() != 0 {
		t.Error("read-only tool must not emit a request")
	}
}

func TestSkipFlagBypasses(t *testing.T) {
	f := newFixture(t)
	f.countOnly()
	if err := f.config.UpdateByKey("skipBashExecPermission", true); err != nil {
		t.Fatal(err)
	}
	h := interrupt.New(context.Background())

	err := f.engine.HasPermission(&fakeTool{name: "Bash"}, map[string]any{"command": "make deploy"}, h, "main")
	if err != nil {
		t.Fatalf("skip flag must bypass: %v", err)
	}
	if f.requests.Load() != 0 {
		t.Error("skip flag must suppress the request")
	}
}

func TestBashSafeCommands(t *testing.T) {
	f := newFixture(t)
	f.countOnly()
	h := interrupt.New(context.Background())

	for _, cmd := range []string{"git status", "ls -la", "grep -r TODO .", "pwd"} {
		err := f.engine.HasPermission(&fakeTool{name: "Bash"}, map[string]any{"command": cmd}, h, "main")
		if err != nil {
			t.Errorf("safe command %q rejected: %v", cmd, err)
		}
	}
	if f.requests.Load() != 0 {
		t.Error("safe commands must not prompt")
	}
	if f.llm.calls.Load() != 0 {
		t.Error("safe commands must not hit the prefix extractor")
	}
}

func TestBashForbiddenExecutable(t *testing.T) {
	f := newFixture(t)
	f.countOnly()
	h := interrupt.New(context.Background())

	err := f.engine.HasPermission(&fakeTool{name: "Bash"}, map[string]any{"command": "curl https://example.com"}, h, "main")
	if err == nil {
		t.Fatal("forbidden executable must be rejected")
	}
	if f.requests.Load() != 0 {
		t.Error("forbidden executable must be rejected without prompting")
	}

	// A forbidden executable anywhere in a chain poisons the whole command.
	err = f.engine.HasPermission(&fakeTool{name: "Bash"}, map[string]any{"command": "git status && wget https://example.com"}, h, "main")
	if err == nil {
		t.Error("chained forbidden executable must be rejected")
	}
}

func TestBashPrefixPersistence(t *testing.T) {
	f := newFixture(t)
	f.llm.reply = "npm run"
	f.respond(protocol.PermissionAllow)
	h := interrupt.New(context.Background())
	bash := &fakeTool{name: "Bash"}

	if err := f.engine.HasPermission(bash, map[string]any{"command": "npm run test"}, h, "main"); err != nil {
		t.Fatalf("allow must grant: %v", err)
	}
	if f.requests.Load() != 1 {
		t.Fatalf("requests = %d, want 1", f.requests.Load())
	}
	if !f.config.IsToolAllowed("Bash(npm run:*)") {
		t.Error("allow must persist the prefix key")
	}

	// Identical command: allow-list hit, no second prompt.
	if err := f.engine.HasPermission(bash, map[string]any{"command": "npm run test"}, h, "main"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	// Different command, same prefix: also no prompt.
	if err := f.engine.HasPermission(bash, map[string]any{"command": "npm run lint"}, h, "main"); err != nil {
		t.Fatalf("same prefix: %v", err)
	}
	if f.requests.Load() != 1 {
		t.Errorf("requests = %d, want 1", f.requests.Load())
	}
}

func TestBashPrefixMemoized(t *testing.T) {
	f := newFixture(t)
	f.llm.reply = "cargo build"
	f.respond(protocol.PermissionAgree)
	h := interrupt.New(context.Background())
	bash := &fakeTool{name: "Bash"}

	for i := 0; i < 3; i++ {
		if err := f.engine.HasPermission(bash, map[string]any{"command": "cargo build --release"}, h, "main"); err != nil {
			t.Fatal(err)
		}
	}
	if f.llm.calls.Load() != 1 {
		t.Errorf("extractor calls = %d, want 1 (memoized)", f.llm.calls.Load())
	}
	// agree never persists, so every run prompts.
	if f.requests.Load() != 3 {
		t.Errorf("requests = %d, want 3", f.requests.Load())
	}
}

func TestInjectionNeverPersists(t *testing.T) {
	f := newFixture(t)
	f.llm.reply = "command_injection_detected"
	f.respond(protocol.PermissionAllow)
	h := interrupt.New(context.Background())
	bash := &fakeTool{name: "Bash"}
	input := map[string]any{"command": "echo $(whoami)"}

	if err := f.engine.HasPermission(bash, input, h, "main"); err != nil {
		t.Fatalf("confirmed injection command must run: %v", err)
	}
	if err := f.engine.HasPermission(bash, input, h, "main"); err != nil {
		t.Fatal(err)
	}
	if f.requests.Load() != 2 {
		t.Errorf("requests = %d, want 2 (per-invocation confirmation)", f.requests.Load())
	}
	if len(f.config.Project().AllowedTools) != 0 {
		t.Error("injection commands must never persist a key")
	}
}

func TestNormalizeCDPrefix(t *testing.T) {
	f := newFixture(t)
	f.countOnly()
	h := interrupt.New(context.Background())

	cmd := "cd " + f.config.WorkDir() + " && git status"
	err := f.engine.HasPermission(&fakeTool{name: "Bash"}, map[string]any{"command": cmd}, h, "main")
	if err != nil {
		t.Fatalf("cd-prefixed safe command rejected: %v", err)
	}
	if f.requests.Load() != 0 {
		t.Error("cd prefix must be stripped before matching")
	}
}

func TestRefuseCancelsWithReason(t *testing.T) {
	f := newFixture(t)
	f.respond(protocol.PermissionRefuse)
	h := interrupt.New(context.Background())

	err := f.engine.HasPermission(&fakeTool{name: "Write"}, map[string]any{"file_path": "/tmp/x"}, h, "main")
	if err == nil || err.Error() != RejectMessage {
		t.Fatalf("err = %v, want RejectMessage", err)
	}
	if !h.Refused() {
		t.Error("refuse must cancel the handle with the refuse reason")
	}
}

func TestExternalCancelYieldsCancelMessage(t *testing.T) {
	f := newFixture(t)
	f.events.On(protocol.EventToolPermissionRequest, func(bus.Payload) {
		f.requests.Add(1)
	})
	h := interrupt.New(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Cancel("user-interrupt")
	}()

	err := f.engine.HasPermission(&fakeTool{name: "Write"}, map[string]any{"file_path": "/tmp/x"}, h, "main")
	if err == nil || err.Error() != CancelMessage {
		t.Fatalf("err = %v, want CancelMessage", err)
	}
	if h.Refused() {
		t.Error("external cancel must not look like a refuse")
	}
}

func TestFreeFormFeedback(t *testing.T) {
	f := newFixture(t)
	f.respond("please use yarn instead")
	h := interrupt.New(context.Background())

	err := f.engine.HasPermission(&fakeTool{name: "Bash"}, map[string]any{"command": "npm install"}, h, "main")
	if err == nil || !strings.Contains(err.Error(), "please use yarn instead") {
		t.Fatalf("err = %v, want feedback text", err)
	}
	if h.Cancelled() {
		t.Error("feedback must not cancel the turn")
	}
}

func TestFileEditSessionGrant(t *testing.T) {
	f := newFixture(t)
	f.respond(protocol.PermissionAllow)
	h := interrupt.New(context.Background())
	write := &fakeTool{name: "Write"}
	inside := map[string]any{"file_path": f.config.WorkDir() + "/a.txt"}

	if err := f.engine.HasPermission(write, inside, h, "main"); err != nil {
		t.Fatal(err)
	}
	if !f.state.GlobalEditGranted() {
		t.Fatal("allow must set the session edit grant")
	}

	// Second edit inside the working directory: no prompt.
	if err := f.engine.HasPermission(write, map[string]any{"file_path": f.config.WorkDir() + "/b.txt"}, h, "main"); err != nil {
		t.Fatal(err)
	}
	if f.requests.Load() != 1 {
		t.Errorf("requests = %d, want 1", f.requests.Load())
	}

	// Outside the working directory: the grant does not apply.
	if err := f.engine.HasPermission(write, map[string]any{"file_path": "/etc/hosts"}, h, "main"); err != nil {
		t.Fatal(err)
	}
	if f.requests.Load() != 2 {
		t.Errorf("requests = %d, want 2 (outside cwd prompts)", f.requests.Load())
	}
}

func TestSplitChain(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"git status", []string{"git status"}},
		{"a && b || c; d", []string{"a", "b", "c", "d"}},
		{`echo "a && b"`, []string{`echo "a && b"`}},
		{"cat file | grep x", []string{"cat file | grep x"}},
	}
	for _, c := range cases {
		got := splitChain(c.in)
		if len(got) != len(c.want) {
			t.Errorf("splitChain(%q) = %v, want %v", c.in, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("splitChain(%q)[%d] = %q, want %q", c.in, i, got[i], c.want[i])
			}
		}
	}
}
