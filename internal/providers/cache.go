package providers

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

const (
	cacheMaxEntries   = 100
	replayChunkSize   = 12
	replayChunkDelay  = 15 * time.Millisecond
	cacheFileBaseName = "llm-cache.json"
)

// Cache replays previously accumulated responses for identical requests.
// Entries live in a single JSON file, newest first, capped at
// cacheMaxEntries. Replay simulates streaming so consumers see the same
// chunk events a live call would produce.
type Cache struct {
	mu   sync.Mutex
	path string
}

type cacheEntry struct {
	Key      string    `json:"key"`
	Message  *Message  `json:"message"`
	CachedAt time.Time `json:"cachedAt"`
}

func NewCache(dir string) *Cache {
	return &Cache{path: filepath.Join(dir, cacheFileBaseName)}
}

// cacheKey hashes everything that shapes the response: conversation
// content, system prompt, model, and the thinking switch.
func cacheKey(req Request) string {
	h := md5.New()
	for _, m := range req.Messages {
		fmt.Fprintf(h, "%s\n", m.Role)
		for _, b := range m.Content {
			fmt.Fprintf(h, "%s:%s:%s\n", b.Type, b.Text, b.ToolUseID)
			if b.Type == BlockToolUse {
				raw, _ := json.Marshal(b.Input)
				h.Write(raw)
			}
			fmt.Fprintf(h, "%s\n", b.Content)
		}
	}
	for _, s := range req.SystemPrompt {
		fmt.Fprintf(h, "%s\n", s)
	}
	fmt.Fprintf(h, "%s:%s:%t", req.Profile.Provider, req.Profile.ModelName, req.EnableThinking)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the cached message for an identical request, if any.
func (c *Cache) Lookup(req Request) (*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(req)
	for _, e := range c.load() {
		if e.Key == key && e.Message != nil {
			return e.Message, true
		}
	}
	return nil, false
}

// Store prepends the response, truncating the file to the cap.
func (c *Cache) Store(req Request, msg *Message) {
	if msg == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(req)
	entries := c.load()

	kept := entries[:0]
	for _, e := range entries {
		if e.Key != key {
			kept = append(kept, e)
		}
	}
	entries = append([]cacheEntry{{Key: key, Message: msg, CachedAt: time.Now()}}, kept...)
	if len(entries) > cacheMaxEntries {
		entries = entries[:cacheMaxEntries]
	}
	c.save(entries)
}

// Replay re-emits the cached message's text and thinking as chunk events
// in fixed windows, then returns a copy with synthetic usage. A cancelled
// context cuts replay short; the full message is still returned.
func (c *Cache) Replay(ctx context.Context, req Request, cached *Message, events *bus.Bus) *Message {
	if req.Stream && events != nil {
		replayText(ctx, events, protocol.EventThinkingChunk, cached.Thinking(), req.AgentID)
		replayText(ctx, events, protocol.EventTextChunk, cached.Text(), req.AgentID)
	}

	msg := *cached
	msg.UUID = GenerateUUID()
	msg.DurationMs = 0
	if msg.Usage != nil {
		u := *msg.Usage
		u.Synthetic = true
		msg.Usage = &u
	} else {
		msg.Usage = &Usage{Synthetic: true}
	}
	return &msg
}

func replayText(ctx context.Context, events *bus.Bus, topic, full, agentID string) {
	if full == "" {
		return
	}
	runes := []rune(full)
	for i := 0; i < len(runes); i += replayChunkSize {
		if ctx.Err() != nil {
			return
		}
		end := i + replayChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		events.Emit(topic, bus.Payload{
			"content": string(runes[:end]),
			"delta":   string(runes[i:end]),
			"agentId": agentID,
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(replayChunkDelay):
		}
	}
}

func (c *Cache) load() []cacheEntry {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil
	}
	var entries []cacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}

func (c *Cache) save(entries []cacheEntry) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, c.path)
}
