package providers

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

// accumulator builds an assistant message from streamed deltas. Blocks
// are kept in arrival order, keyed by the wire block index; tool-use
// argument JSON accumulates as raw fragments and is parsed leniently at
// the end (partial JSON from an aborted stream yields an empty object).
type accumulator struct {
	events     *bus.Bus
	emitChunks bool
	agentID    string

	order    []int
	blocks   map[int]*ContentBlock
	toolJSON map[int]string

	text     string
	thinking string

	stopReason string
	usage      *Usage
}

func newAccumulator(events *bus.Bus, req Request) *accumulator {
	return &accumulator{
		events:     events,
		emitChunks: req.Stream,
		agentID:    req.AgentID,
		blocks:     make(map[int]*ContentBlock),
		toolJSON:   make(map[int]string),
	}
}

func (acc *accumulator) startBlock(idx int, b ContentBlock) {
	if _, ok := acc.blocks[idx]; !ok {
		acc.order = append(acc.order, idx)
	}
	acc.blocks[idx] = &b
}

func (acc *accumulator) ensureBlock(idx int, typ string) *ContentBlock {
	if b, ok := acc.blocks[idx]; ok {
		return b
	}
	acc.startBlock(idx, ContentBlock{Type: typ})
	return acc.blocks[idx]
}

func (acc *accumulator) addText(idx int, delta string) {
	if delta == "" {
		return
	}
	b := acc.ensureBlock(idx, BlockText)
	b.Text += delta
	acc.text += delta
	if acc.emitChunks && acc.events != nil {
		acc.events.Emit(protocol.EventTextChunk, bus.Payload{
			"content": acc.text,
			"delta":   delta,
			"agentId": acc.agentID,
		})
	}
}

func (acc *accumulator) addThinking(idx int, delta string) {
	if delta == "" {
		return
	}
	b := acc.ensureBlock(idx, BlockThinking)
	b.Text += delta
	acc.thinking += delta
	if acc.emitChunks && acc.events != nil {
		acc.events.Emit(protocol.EventThinkingChunk, bus.Payload{
			"content": acc.thinking,
			"delta":   delta,
			"agentId": acc.agentID,
		})
	}
}

func (acc *accumulator) setSignature(idx int, sig string) {
	b := acc.ensureBlock(idx, BlockThinking)
	b.Signature += sig
}

func (acc *accumulator) startToolUse(idx int, id, name string) {
	acc.startBlock(idx, ContentBlock{Type: BlockToolUse, ID: id, Name: name})
}

func (acc *accumulator) addToolJSON(idx int, fragment string) {
	acc.toolJSON[idx] += fragment
}

func (acc *accumulator) setStopReason(reason string) {
	if reason != "" {
		acc.stopReason = reason
	}
}

func (acc *accumulator) mergeUsage(u Usage) {
	if acc.usage == nil {
		acc.usage = &Usage{}
	}
	if u.InputTokens > 0 {
		acc.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		acc.usage.OutputTokens = u.OutputTokens
	}
	if u.CacheCreationInputTokens > 0 {
		acc.usage.CacheCreationInputTokens = u.CacheCreationInputTokens
	}
	if u.CacheReadInputTokens > 0 {
		acc.usage.CacheReadInputTokens = u.CacheReadInputTokens
	}
}

// message finalizes accumulation into an assistant message.
func (acc *accumulator) message() *Message {
	var blocks []ContentBlock
	for _, idx := range acc.order {
		b := *acc.blocks[idx]
		if b.Type == BlockToolUse {
			input := make(map[string]any)
			if raw := acc.toolJSON[idx]; raw != "" {
				// Lenient: an aborted stream leaves partial JSON behind.
				_ = json.Unmarshal([]byte(raw), &input)
			}
			b.Input = input
		}
		blocks = append(blocks, b)
	}

	stop := acc.stopReason
	if stop == "" {
		stop = StopEndTurn
	}

	return &Message{
		Role:       RoleAssistant,
		UUID:       uuid.NewString(),
		Content:    blocks,
		StopReason: stop,
		Usage:      acc.usage,
	}
}
