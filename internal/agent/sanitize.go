package agent

import (
	"github.com/nextlevelbuilder/clawcore/internal/providers"
)

// RepairHistory makes a revived history wire-legal again. Sessions can
// be persisted mid-turn (crash, kill), leaving tool_use blocks without
// matching tool_result blocks or results that answer nothing. Providers
// reject both, so every tool_use gets a paired result and orphaned
// results are dropped.
func RepairHistory(messages []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(messages))

	for i := 0; i < len(messages); i++ {
		m := messages[i]

		if m.Role == providers.RoleAssistant {
			uses := m.ToolUses()
			out = append(out, m)
			if len(uses) == 0 {
				continue
			}

			answered := map[string]bool{}
			if i+1 < len(messages) && messages[i+1].Role == providers.RoleUser {
				for _, b := range messages[i+1].Content {
					if b.Type == providers.BlockToolResult {
						answered[b.ToolUseID] = true
					}
				}
			}

			var missing []providers.ContentBlock
			for _, u := range uses {
				if !answered[u.ID] {
					missing = append(missing, providers.ToolResultBlock(u.ID, InterruptMessageForToolUse, true))
				}
			}
			if len(missing) == 0 {
				continue
			}

			if len(answered) > 0 {
				// Partial next message: complete it in place.
				repaired := messages[i+1]
				repaired.Content = append(append([]providers.ContentBlock(nil), repaired.Content...), missing...)
				out = append(out, repaired)
				i++
			} else {
				synth := providers.NewUserMessage(missing...)
				synth.ToolUseResult = true
				out = append(out, synth)
			}
			continue
		}

		if m.Role == providers.RoleUser {
			if cleaned, ok := dropOrphanResults(out, m); ok {
				if len(cleaned.Content) > 0 {
					out = append(out, cleaned)
				}
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

// dropOrphanResults removes tool_result blocks that do not answer a
// tool_use in the immediately preceding assistant message. The bool
// reports whether the message contained any results at all.
func dropOrphanResults(sofar []providers.Message, m providers.Message) (providers.Message, bool) {
	hasResults := false
	for _, b := range m.Content {
		if b.Type == providers.BlockToolResult {
			hasResults = true
			break
		}
	}
	if !hasResults {
		return m, false
	}

	valid := map[string]bool{}
	if len(sofar) > 0 {
		prev := sofar[len(sofar)-1]
		if prev.Role == providers.RoleAssistant {
			for _, u := range prev.ToolUses() {
				valid[u.ID] = true
			}
		}
	}

	var kept []providers.ContentBlock
	for _, b := range m.Content {
		if b.Type == providers.BlockToolResult && !valid[b.ToolUseID] {
			continue
		}
		kept = append(kept, b)
	}
	cleaned := m
	cleaned.Content = kept
	return cleaned, true
}
