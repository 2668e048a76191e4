package agent

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

const (
	// compactTriggerRatio of the context length at which compaction
	// kicks in, measured on the last authoritative assistant usage.
	compactTriggerRatio = 0.75
	// truncateTargetRatio is the post-truncation budget when the
	// summarization path fails.
	truncateTargetRatio = 0.5
	// minMessagesForCompact guards against compacting a conversation
	// that has barely started.
	minMessagesForCompact = 3

	// defaultContextLength is assumed for profiles that do not declare
	// one.
	defaultContextLength = 200_000
)

// tokenCounter counts tokens with the cl100k_base encoding, falling
// back to a bytes/4 estimate when the encoding is unavailable (offline
// first run).
type tokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter { return &tokenCounter{} }

func (c *tokenCounter) count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("agent.tokenizer.unavailable", "error", err)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return len(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// shouldCompact applies the threshold test on the last authoritative
// assistant usage.
func shouldCompact(messages []providers.Message, contextLength int) bool {
	if len(messages) < minMessagesForCompact {
		return false
	}
	usage := lastAuthoritativeUsage(messages)
	if usage == nil {
		return false
	}
	return float64(usage.TotalInput()) >= compactTriggerRatio*float64(contextLength)
}

// compactIfNeeded compresses the history when it crosses the context
// threshold. The bool reports whether messages were replaced.
func (l *Loop) compactIfNeeded(ac *Context, profile providers.ModelProfile, messages []providers.Message) ([]providers.Message, bool) {
	contextLength := profile.ContextLength
	if contextLength <= 0 {
		contextLength = defaultContextLength
	}
	if !shouldCompact(messages, contextLength) {
		return messages, false
	}

	tokenBefore := lastAuthoritativeUsage(messages).TotalInput()
	slog.Info("agent.compact.start", "agent", ac.AgentID, "tokens", tokenBefore, "contextLength", contextLength)

	// The trailing real user message (the input that triggered this
	// turn) is held out of the summary and re-appended afterwards.
	body, tail := splitTrailingUserMessage(messages)

	compacted, tokenCompact, errMsg := l.summarize(ac, profile, body)
	if compacted == nil {
		compacted, tokenCompact = truncateHistory(body, int(truncateTargetRatio*float64(contextLength)))
		if compacted == nil {
			// Nothing viable; continue with the original history.
			slog.Warn("agent.compact.failed", "agent", ac.AgentID, "error", errMsg)
			return messages, false
		}
	}
	compacted = append(compacted, tail...)

	rate := 0.0
	if tokenBefore > 0 {
		rate = float64(tokenCompact) / float64(tokenBefore)
	}
	payload := bus.Payload{
		"tokenBefore":  tokenBefore,
		"tokenCompact": tokenCompact,
		"compactRate":  rate,
	}
	if errMsg != "" {
		payload["errMsg"] = errMsg
	}
	l.events.Emit(protocol.EventCompactExec, payload)
	if ac.State.IsMain() {
		l.emitUsage(profile, compacted)
	}

	slog.Info("agent.compact.done", "agent", ac.AgentID, "tokenCompact", tokenCompact, "rate", rate)
	return compacted, true
}

// CompactNow compresses the history unconditionally (the /compact
// command). Unlike the automatic path there is no truncation fallback;
// a failed summarization leaves the history untouched and returns the
// error.
func (l *Loop) CompactNow(ac *Context) error {
	profile, err := l.models.Resolve(ac.ModelPointer)
	if err != nil {
		return err
	}

	messages := ac.State.MessageHistory()
	if len(messages) == 0 {
		return errors.New("nothing to compact")
	}

	tokenBefore := 0
	if u := lastAuthoritativeUsage(messages); u != nil {
		tokenBefore = u.TotalInput()
	}

	body, tail := splitTrailingUserMessage(messages)
	compacted, tokenCompact, errMsg := l.summarize(ac, profile, body)
	if compacted == nil {
		return errors.New(errMsg)
	}
	compacted = append(compacted, tail...)
	ac.State.SetMessageHistory(compacted)

	rate := 0.0
	if tokenBefore > 0 {
		rate = float64(tokenCompact) / float64(tokenBefore)
	}
	l.events.Emit(protocol.EventCompactExec, bus.Payload{
		"tokenBefore":  tokenBefore,
		"tokenCompact": tokenCompact,
		"compactRate":  rate,
	})
	if ac.State.IsMain() {
		l.emitUsage(profile, compacted)
	}
	slog.Info("agent.compact.manual", "agent", ac.AgentID, "tokenCompact", tokenCompact, "rate", rate)
	return nil
}

// summarize runs the compression call and assembles the two-message
// compacted history. A nil return means the caller should fall back to
// truncation; errMsg explains why.
func (l *Loop) summarize(ac *Context, profile providers.ModelProfile, body []providers.Message) ([]providers.Message, int, string) {
	req := providers.Request{
		Messages:     append(append([]providers.Message(nil), body...), providers.NewUserText(compressionPrompt)),
		Profile:      profile,
		AgentID:      ac.AgentID,
		DisableCache: true,
		// Some APIs reject a request whose history mentions tools
		// unless a tools array is present; the null tool satisfies them
		// without inviting a call.
		Tools: []providers.ToolDef{{
			Name:        "null",
			Description: "No-op tool. Never call this.",
			InputSchema: map[string]any{"type": "object"},
		}},
	}

	resp, err := l.llm.Stream(ac.Handle.Context(), req)
	if err != nil {
		return nil, 0, err.Error()
	}
	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		return nil, 0, "summarization returned no text"
	}

	tokenCompact := l.counter.count(summary)
	assistant := providers.Message{
		Role:    providers.RoleAssistant,
		UUID:    providers.GenerateUUID(),
		Content: []providers.ContentBlock{providers.TextBlock(summary)},
		Model:   profile.ModelName,
		Usage: &providers.Usage{
			InputTokens:  tokenCompact,
			OutputTokens: 0,
			Synthetic:    true,
		},
	}
	return []providers.Message{providers.NewUserText(compactionNotice), assistant}, tokenCompact, ""
}

// truncateHistory drops leading messages until the last authoritative
// usage of the remainder fits under target, keyed on each assistant's
// cumulative input tokens. Returns nil when no cut point helps; then
// the caller keeps the last user/assistant pair.
func truncateHistory(messages []providers.Message, target int) ([]providers.Message, int) {
	total := 0
	if u := lastAuthoritativeUsage(messages); u != nil {
		total = u.TotalInput()
	}

	cut, removed := -1, 0
	for i, m := range messages {
		if m.Role != providers.RoleAssistant || m.Usage == nil {
			continue
		}
		if total-m.Usage.TotalInput() <= target {
			cut = i + 1
			removed = m.Usage.TotalInput()
			break
		}
	}

	var kept []providers.Message
	switch {
	case cut > 0 && cut < len(messages):
		kept = append([]providers.Message(nil), messages[cut:]...)
	case len(messages) >= 2:
		kept = append([]providers.Message(nil), messages[len(messages)-2:]...)
		removed = total
	default:
		return nil, 0
	}

	remaining := total - removed
	if remaining < 0 {
		remaining = 0
	}
	// Correct the carried usage so the next threshold check sees the
	// post-truncation size rather than the pre-truncation cumulative.
	for i := len(kept) - 1; i >= 0; i-- {
		if kept[i].Role == providers.RoleAssistant && kept[i].Usage != nil {
			u := *kept[i].Usage
			u.InputTokens = remaining
			u.CacheCreationInputTokens = 0
			u.CacheReadInputTokens = 0
			u.Synthetic = true
			kept[i].Usage = &u
			break
		}
	}

	out := append([]providers.Message{providers.NewUserText(truncationNotice)}, kept...)
	return out, remaining
}

// splitTrailingUserMessage separates a trailing real user message (not
// a tool result) from the history body.
func splitTrailingUserMessage(messages []providers.Message) (body, tail []providers.Message) {
	if len(messages) == 0 {
		return messages, nil
	}
	last := messages[len(messages)-1]
	if last.Role == providers.RoleUser && !last.ToolUseResult {
		return messages[:len(messages)-1], []providers.Message{last}
	}
	return messages, nil
}
