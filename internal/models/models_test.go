package models

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

type fakeProber struct {
	err   error
	calls int
}

func (f *fakeProber) Probe(ctx context.Context, profile providers.ModelProfile) error {
	f.calls++
	return f.err
}

func testProfile(model, provider string) providers.ModelProfile {
	return providers.ModelProfile{
		Provider:      provider,
		ModelName:     model,
		APIKey:        "key",
		MaxTokens:     8192,
		ContextLength: 200000,
	}
}

func TestAddAndPointers(t *testing.T) {
	prober := &fakeProber{}
	m, err := NewManager(t.TempDir(), bus.New(), prober)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Add(context.Background(), testProfile("claude-sonnet-4", "anthropic"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if prober.calls != 1 {
		t.Errorf("probe calls = %d, want 1", prober.calls)
	}

	// First profile becomes both pointers.
	main, err := m.Main()
	if err != nil {
		t.Fatalf("Main: %v", err)
	}
	if main.Name != "claude-sonnet-4[anthropic]" {
		t.Errorf("main = %q", main.Name)
	}
	quick, err := m.Quick()
	if err != nil || quick.Name != main.Name {
		t.Errorf("quick = %q, %v", quick.Name, err)
	}

	if err := m.Add(context.Background(), testProfile("gpt-4o", "openai"), true); err != nil {
		t.Fatal(err)
	}
	if prober.calls != 1 {
		t.Errorf("skipProbe must not probe, calls = %d", prober.calls)
	}
}

func TestAddProbeFailure(t *testing.T) {
	prober := &fakeProber{err: errors.New("no YES")}
	m, err := NewManager(t.TempDir(), bus.New(), prober)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Add(context.Background(), testProfile("bad", "openai"), false); err == nil {
		t.Error("failed probe must block registration")
	}
	if len(m.List()) != 0 {
		t.Error("failed registration must not persist a profile")
	}
}

func TestRemoveBlockedWhileReferenced(t *testing.T) {
	m, err := NewManager(t.TempDir(), bus.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Add(context.Background(), testProfile("claude-sonnet-4", "anthropic"), true); err != nil {
		t.Fatal(err)
	}

	if err := m.Remove("claude-sonnet-4[anthropic]"); err == nil {
		t.Error("removing a pointed-to profile must fail")
	}

	if err := m.Add(context.Background(), testProfile("gpt-4o", "openai"), true); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPointer(PointerMain, "gpt-4o[openai]"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPointer(PointerQuick, "gpt-4o[openai]"); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove("claude-sonnet-4[anthropic]"); err != nil {
		t.Errorf("unreferenced profile must be removable: %v", err)
	}
}

func TestSwitchMainSetsQuick(t *testing.T) {
	m, err := NewManager(t.TempDir(), bus.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Add(context.Background(), testProfile("a", "openai"), true); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(context.Background(), testProfile("b", "openai"), true); err != nil {
		t.Fatal(err)
	}

	// Simulate quick being unset, then switch main.
	m.mu.Lock()
	delete(m.pointers, PointerQuick)
	m.mu.Unlock()

	if err := m.SetPointer(PointerMain, "b[openai]"); err != nil {
		t.Fatal(err)
	}
	quick, err := m.Quick()
	if err != nil || quick.Name != "b[openai]" {
		t.Errorf("quick = %q, %v; switching main must set unset quick", quick.Name, err)
	}
}

func TestMainEmitsNoModels(t *testing.T) {
	events := bus.New()
	var fired bool
	events.On(protocol.EventConfigNoModels, func(p bus.Payload) { fired = true })

	m, err := NewManager(t.TempDir(), events, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Main(); !errors.Is(err, ErrNoMainModel) {
		t.Errorf("Main with empty registry = %v", err)
	}
	if !fired {
		t.Error("config:no_models must fire when main is unset")
	}
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, bus.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Add(context.Background(), testProfile("claude-sonnet-4", "anthropic"), true); err != nil {
		t.Fatal(err)
	}

	m2, err := NewManager(dir, bus.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(m2.List()) != 1 {
		t.Fatalf("profiles after reload = %d", len(m2.List()))
	}
	main, err := m2.Main()
	if err != nil || main.ModelName != "claude-sonnet-4" {
		t.Errorf("main after reload = %+v, %v", main, err)
	}
}
