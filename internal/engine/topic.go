package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/models"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

const topicPrompt = "Summarize the user's request below as a conversation title of at most " +
	"six words. Reply with the title only, no quotes, no trailing punctuation.\n\nRequest:\n"

// detectTopic derives a short conversation title from the user's input
// with the quick model and emits topic:update. Best-effort; failures
// are logged and swallowed.
func (e *Engine) detectTopic(text string, isNewTopic bool) {
	// Resolve without Quick() so a missing configuration does not emit
	// config:no_models a second time; the main query already does.
	profile, ok := e.models.Pointer(models.PointerQuick)
	if !ok {
		if profile, ok = e.models.Pointer(models.PointerMain); !ok {
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := e.adapter.Stream(ctx, providers.Request{
		Messages:     []providers.Message{providers.NewUserText(topicPrompt + text)},
		Profile:      profile,
		AgentID:      "topic",
		MaxTokens:    64,
		DisableCache: true,
	})
	if err != nil {
		slog.Debug("engine.topic.detect_failed", "error", err)
		return
	}
	title := strings.TrimSpace(strings.Trim(resp.Text(), `"'`))
	if title == "" {
		return
	}

	e.events.Emit(protocol.EventTopicUpdate, bus.Payload{
		"isNewTopic": isNewTopic,
		"title":      title,
	})
}
