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

const openaiAPIBase = "https://api.openai.com/v1"

// streamOpenAI drives one SSE request in the openai chat-completions
// dialect and normalizes the result into the canonical shape.
func (a *Adapter) streamOpenAI(ctx context.Context, req Request, acc *accumulator) error {
	body := buildOpenAIBody(req)

	respBody, err := RetryDo(ctx, a.retry, func() (io.ReadCloser, error) {
		return a.doOpenAIRequest(ctx, req.Profile, body)
	})
	if err != nil {
		return err
	}
	defer respBody.Close()

	// Wire tool-call index → accumulator block index. Text and thinking
	// each get a dedicated block; tool calls follow.
	const (
		textBlockIdx     = 0
		thinkingBlockIdx = 1
		toolBlockBase    = 2
	)

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Usage != nil {
			acc.mergeUsage(Usage{
				InputTokens:          chunk.Usage.PromptTokens,
				OutputTokens:         chunk.Usage.CompletionTokens,
				CacheReadInputTokens: chunk.Usage.PromptTokensDetails.CachedTokens,
			})
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.ReasoningContent != "" {
			acc.addThinking(thinkingBlockIdx, choice.Delta.ReasoningContent)
		}
		if choice.Delta.Content != "" {
			acc.addText(textBlockIdx, choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := toolBlockBase + tc.Index
			if tc.ID != "" || tc.Function.Name != "" {
				if _, ok := acc.blocks[idx]; !ok {
					acc.startToolUse(idx, tc.ID, tc.Function.Name)
				} else if tc.Function.Name != "" {
					acc.blocks[idx].Name += tc.Function.Name
				}
			}
			if tc.Function.Arguments != "" {
				acc.addToolJSON(idx, tc.Function.Arguments)
			}
		}
		if choice.FinishReason != "" {
			acc.setStopReason(normalizeFinishReason(choice.FinishReason))
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("openai: read stream: %w", err)
	}
	return ctx.Err()
}

// normalizeFinishReason maps openai finish reasons to canonical stop
// reasons: tool_calls → tool_use, length → max_tokens.
func normalizeFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	case "content_filter", "stop":
		return StopEndTurn
	default:
		return StopEndTurn
	}
}

func buildOpenAIBody(req Request) map[string]any {
	var messages []map[string]any

	if len(req.SystemPrompt) > 0 {
		// The openai dialect takes a single system message.
		messages = append(messages, map[string]any{
			"role":    "system",
			"content": strings.Join(req.SystemPrompt, "\n\n"),
		})
	}

	for _, msg := range historyForWire(req) {
		messages = append(messages, openaiMessages(msg)...)
	}

	body := map[string]any{
		"model":    req.Profile.ModelName,
		"messages": messages,
		"stream":   true,
		"stream_options": map[string]any{
			"include_usage": true,
		},
	}

	if usesCompletionTokens(req.Profile.ModelName) {
		body["max_completion_tokens"] = resolveMaxTokens(req)
	} else {
		body["max_tokens"] = resolveMaxTokens(req)
	}
	body["temperature"] = resolveTemperature(req)

	if req.EnableThinking {
		if usesThinkingObject(req.Profile.Provider) {
			body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": thinkingBudget}
		} else {
			body["reasoning_effort"] = "medium"
		}
	}

	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.InputSchema,
				},
			})
		}
		body["tools"] = tools
	}

	return body
}

// openaiMessages flattens one canonical message into the openai shape:
// tool results become role=tool messages, tool uses become tool_calls.
func openaiMessages(msg Message) []map[string]any {
	if msg.Role == RoleAssistant {
		out := map[string]any{"role": "assistant"}
		if text := msg.Text(); text != "" {
			out["content"] = text
		}
		var calls []map[string]any
		for _, b := range msg.Content {
			if b.Type != BlockToolUse {
				continue
			}
			args, _ := json.Marshal(b.Input)
			calls = append(calls, map[string]any{
				"id":   b.ID,
				"type": "function",
				"function": map[string]any{
					"name":      b.Name,
					"arguments": string(args),
				},
			})
		}
		if len(calls) > 0 {
			out["tool_calls"] = calls
		}
		if out["content"] == nil && len(calls) == 0 {
			out["content"] = ""
		}
		return []map[string]any{out}
	}

	var msgs []map[string]any
	var texts []string
	for _, b := range msg.Content {
		switch b.Type {
		case BlockText:
			texts = append(texts, b.Text)
		case BlockToolResult:
			msgs = append(msgs, map[string]any{
				"role":         "tool",
				"tool_call_id": b.ToolUseID,
				"content":      b.Content,
			})
		}
	}
	if len(texts) > 0 {
		msgs = append(msgs, map[string]any{
			"role":    "user",
			"content": strings.Join(texts, "\n"),
		})
	}
	return msgs
}

func (a *Adapter) doOpenAIRequest(ctx context.Context, profile ModelProfile, body map[string]any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	base := profile.BaseURL
	if base == "" {
		base = openaiAPIBase
	}
	base = strings.TrimRight(base, "/")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+profile.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
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

// --- openai stream chunk shapes ---

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content,omitempty"`
			ReasoningContent string `json:"reasoning_content,omitempty"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage,omitempty"`
}
