package providers

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

func TestCacheRoundTrip(t *testing.T) {
	c := NewCache(t.TempDir())

	req := Request{
		Messages:     []Message{NewUserText("what is 2+2")},
		SystemPrompt: []string{"you are terse"},
		Profile:      ModelProfile{Provider: "openai", ModelName: "gpt-4o"},
	}
	msg := &Message{
		Role:       RoleAssistant,
		UUID:       GenerateUUID(),
		Content:    []ContentBlock{TextBlock("4")},
		StopReason: StopEndTurn,
		Usage:      &Usage{InputTokens: 10, OutputTokens: 1},
	}

	if _, ok := c.Lookup(req); ok {
		t.Fatal("empty cache must miss")
	}

	c.Store(req, msg)
	got, ok := c.Lookup(req)
	if !ok {
		t.Fatal("stored request must hit")
	}
	if got.Text() != "4" {
		t.Errorf("cached text = %q", got.Text())
	}

	// Any change to the conversation content changes the key.
	other := req
	other.Messages = []Message{NewUserText("what is 3+3")}
	if _, ok := c.Lookup(other); ok {
		t.Error("different message must miss")
	}

	other = req
	other.EnableThinking = true
	if _, ok := c.Lookup(other); ok {
		t.Error("thinking flag must be part of the key")
	}

	other = req
	other.Profile.ModelName = "gpt-4o-mini"
	if _, ok := c.Lookup(other); ok {
		t.Error("model must be part of the key")
	}
}

func TestCacheEviction(t *testing.T) {
	c := NewCache(t.TempDir())

	base := Request{Profile: ModelProfile{Provider: "openai", ModelName: "gpt-4o"}}
	for i := 0; i < cacheMaxEntries+10; i++ {
		req := base
		req.Messages = []Message{NewUserText(string(rune('a' + i%26)) + string(rune('0'+i/26)))}
		c.Store(req, &Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock("x")}})
	}

	if n := len(c.load()); n != cacheMaxEntries {
		t.Errorf("entries = %d, want %d", n, cacheMaxEntries)
	}

	// Newest entry survives, oldest is gone.
	newest := base
	newest.Messages = []Message{NewUserText(string(rune('a'+(cacheMaxEntries+9)%26)) + string(rune('0'+(cacheMaxEntries+9)/26)))}
	if _, ok := c.Lookup(newest); !ok {
		t.Error("newest entry must survive eviction")
	}
	oldest := base
	oldest.Messages = []Message{NewUserText("a0")}
	if _, ok := c.Lookup(oldest); ok {
		t.Error("oldest entry must be evicted")
	}
}

func TestCacheReplayEmitsChunks(t *testing.T) {
	c := NewCache(t.TempDir())
	events := bus.New()

	var lastContent string
	var deltas int
	events.On(protocol.EventTextChunk, func(p bus.Payload) {
		lastContent, _ = p["content"].(string)
		deltas++
	})

	cached := &Message{
		Role:    RoleAssistant,
		Content: []ContentBlock{TextBlock("a fairly long cached response body")},
		Usage:   &Usage{InputTokens: 5, OutputTokens: 7},
	}
	req := Request{Stream: true, AgentID: "main", Profile: ModelProfile{ModelName: "gpt-4o"}}

	msg := c.Replay(context.Background(), req, cached, events)

	if deltas == 0 {
		t.Fatal("replay must emit chunk events")
	}
	if lastContent != "a fairly long cached response body" {
		t.Errorf("final accumulated content = %q", lastContent)
	}
	if msg.Usage == nil || !msg.Usage.Synthetic {
		t.Error("replayed usage must be marked synthetic")
	}
	if msg.UUID == cached.UUID {
		t.Error("replay must mint a fresh message id")
	}
	// The original is untouched.
	if cached.Usage.Synthetic {
		t.Error("replay must not mutate the cached entry")
	}
}

func TestCacheReplayAbort(t *testing.T) {
	c := NewCache(t.TempDir())
	events := bus.New()

	ctx, cancel := context.WithCancel(context.Background())
	var deltas int
	events.On(protocol.EventTextChunk, func(p bus.Payload) {
		deltas++
		cancel()
	})

	cached := &Message{
		Role:    RoleAssistant,
		Content: []ContentBlock{TextBlock("this response is long enough to span several replay windows for sure")},
	}
	msg := c.Replay(ctx, Request{Stream: true, Profile: ModelProfile{ModelName: "m"}}, cached, events)

	if deltas != 1 {
		t.Errorf("deltas after abort = %d, want 1", deltas)
	}
	// Even an aborted replay returns the full message.
	if msg.Text() != cached.Text() {
		t.Error("aborted replay must still return the full cached message")
	}
}
