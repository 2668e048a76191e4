package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	thinkingBudget      = 4096
)

// streamAnthropic drives one SSE request in the anthropic dialect,
// feeding the accumulator. Cancellation surfaces as a read error that
// the caller converts into a partial message.
func (a *Adapter) streamAnthropic(ctx context.Context, req Request, acc *accumulator) error {
	body := buildAnthropicBody(req)

	respBody, err := RetryDo(ctx, a.retry, func() (io.ReadCloser, error) {
		return a.doAnthropicRequest(ctx, req.Profile, body)
	})
	if err != nil {
		return err
	}
	defer respBody.Close()

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				acc.mergeUsage(Usage{
					InputTokens:              ev.Message.Usage.InputTokens,
					CacheCreationInputTokens: ev.Message.Usage.CacheCreationInputTokens,
					CacheReadInputTokens:     ev.Message.Usage.CacheReadInputTokens,
				})
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.ContentBlock.Type {
				case "tool_use":
					acc.startToolUse(ev.Index, ev.ContentBlock.ID, ev.ContentBlock.Name)
				case "thinking":
					acc.ensureBlock(ev.Index, BlockThinking)
				case "text":
					acc.ensureBlock(ev.Index, BlockText)
				}
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.Delta.Type {
				case "text_delta":
					acc.addText(ev.Index, ev.Delta.Text)
				case "thinking_delta":
					acc.addThinking(ev.Index, ev.Delta.Thinking)
				case "signature_delta":
					acc.setSignature(ev.Index, ev.Delta.Signature)
				case "input_json_delta":
					acc.addToolJSON(ev.Index, ev.Delta.PartialJSON)
				}
			}

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				acc.setStopReason(ev.Delta.StopReason)
				if ev.Usage.OutputTokens > 0 {
					acc.mergeUsage(Usage{OutputTokens: ev.Usage.OutputTokens})
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				return fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}

		case "message_stop":
			return nil
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("anthropic: read stream: %w", err)
	}
	return ctx.Err()
}

func buildAnthropicBody(req Request) map[string]any {
	var messages []map[string]any
	for _, msg := range historyForWire(req) {
		messages = append(messages, map[string]any{
			"role":    msg.Role,
			"content": anthropicBlocks(msg),
		})
	}

	body := map[string]any{
		"model":      req.Profile.ModelName,
		"max_tokens": resolveMaxTokens(req),
		"messages":   messages,
		"stream":     true,
	}

	if len(req.SystemPrompt) > 0 {
		var system []map[string]any
		for _, text := range req.SystemPrompt {
			system = append(system, map[string]any{"type": "text", "text": text})
		}
		body["system"] = system
	}

	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.InputSchema,
			})
		}
		body["tools"] = tools
	}

	if req.EnableThinking {
		body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": thinkingBudget}
		// Thinking requires temperature 1.
		body["temperature"] = 1
	} else {
		body["temperature"] = resolveTemperature(req)
	}

	return body
}

func anthropicBlocks(msg Message) []map[string]any {
	var blocks []map[string]any
	for _, b := range msg.Content {
		switch b.Type {
		case BlockText:
			blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
		case BlockThinking:
			blocks = append(blocks, map[string]any{"type": "thinking", "thinking": b.Text, "signature": b.Signature})
		case BlockToolUse:
			input := b.Input
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, map[string]any{"type": "tool_use", "id": b.ID, "name": b.Name, "input": input})
		case BlockToolResult:
			blocks = append(blocks, map[string]any{
				"type":        "tool_result",
				"tool_use_id": b.ToolUseID,
				"content":     b.Content,
				"is_error":    b.IsError,
			})
		}
	}
	if blocks == nil {
		blocks = []map[string]any{{"type": "text", "text": ""}}
	}
	return blocks
}

func (a *Adapter) doAnthropicRequest(ctx context.Context, profile ModelProfile, body map[string]any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	base := profile.BaseURL
	if base == "" {
		base = anthropicAPIBase
	}
	base = strings.TrimRight(base, "/")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", profile.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// --- anthropic stream event shapes ---

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		Signature   string `json:"signature,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
