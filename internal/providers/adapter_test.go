package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
)

func sseServer(t *testing.T, events string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(events))
	}))
}

func TestStreamAnthropic(t *testing.T) {
	events := strings.Join([]string{
		`event: message_start`,
		`data: {"message":{"usage":{"input_tokens":50,"cache_read_input_tokens":10}}}`,
		``,
		`event: content_block_start`,
		`data: {"index":0,"content_block":{"type":"text"}}`,
		``,
		`event: content_block_delta`,
		`data: {"index":0,"delta":{"type":"text_delta","text":"Hello "}}`,
		``,
		`event: content_block_delta`,
		`data: {"index":0,"delta":{"type":"text_delta","text":"world"}}`,
		``,
		`event: content_block_start`,
		`data: {"index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"Read"}}`,
		``,
		`event: content_block_delta`,
		`data: {"index":1,"delta":{"type":"input_json_delta","partial_json":"{\"file_path\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"index":1,"delta":{"type":"input_json_delta","partial_json":"\"/tmp/a.txt\"}"}}`,
		``,
		`event: message_delta`,
		`data: {"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":20}}`,
		``,
		`event: message_stop`,
		`data: {}`,
		``,
	}, "\n")

	srv := sseServer(t, events)
	defer srv.Close()

	a := NewAdapter(bus.New())
	msg, err := a.Stream(context.Background(), Request{
		Messages: []Message{NewUserText("hi")},
		Profile:  ModelProfile{Provider: "anthropic", ModelName: "claude-test", BaseURL: srv.URL},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := msg.Text(); got != "Hello world" {
		t.Errorf("text = %q, want %q", got, "Hello world")
	}
	if msg.StopReason != StopToolUse {
		t.Errorf("stop reason = %q, want %q", msg.StopReason, StopToolUse)
	}
	uses := msg.ToolUses()
	if len(uses) != 1 {
		t.Fatalf("tool uses = %d, want 1", len(uses))
	}
	if uses[0].Name != "Read" || uses[0].ID != "tu_1" {
		t.Errorf("tool use = %s/%s", uses[0].Name, uses[0].ID)
	}
	if got := uses[0].Input["file_path"]; got != "/tmp/a.txt" {
		t.Errorf("tool input file_path = %v", got)
	}
	if msg.Usage == nil || msg.Usage.InputTokens != 50 || msg.Usage.OutputTokens != 20 || msg.Usage.CacheReadInputTokens != 10 {
		t.Errorf("usage = %+v", msg.Usage)
	}
}

func TestStreamAnthropicPartialToolJSON(t *testing.T) {
	// Stream ends before the tool input JSON is complete; the block
	// survives with an empty input object.
	events := strings.Join([]string{
		`event: content_block_start`,
		`data: {"index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"Bash"}}`,
		``,
		`event: content_block_delta`,
		`data: {"index":0,"delta":{"type":"input_json_delta","partial_json":"{\"command\":\"ls"}}`,
		``,
		`event: message_stop`,
		`data: {}`,
		``,
	}, "\n")

	srv := sseServer(t, events)
	defer srv.Close()

	a := NewAdapter(bus.New())
	msg, err := a.Stream(context.Background(), Request{
		Messages: []Message{NewUserText("hi")},
		Profile:  ModelProfile{Provider: "anthropic", BaseURL: srv.URL, ModelName: "claude-x"},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	uses := msg.ToolUses()
	if len(uses) != 1 {
		t.Fatalf("tool uses = %d, want 1", len(uses))
	}
	if uses[0].Input == nil || len(uses[0].Input) != 0 {
		t.Errorf("partial JSON should yield empty input, got %v", uses[0].Input)
	}
}

func TestStreamOpenAI(t *testing.T) {
	events := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"The answer"}}]}`,
		``,
		`data: {"choices":[{"delta":{"reasoning_content":"thinking hard"}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"Glob","arguments":"{\"pattern\":"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"*.go\"}"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
		`data: {"choices":[],"usage":{"prompt_tokens":120,"completion_tokens":30}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	srv := sseServer(t, events)
	defer srv.Close()

	a := NewAdapter(bus.New())
	msg, err := a.Stream(context.Background(), Request{
		Messages: []Message{NewUserText("hi")},
		Profile:  ModelProfile{Provider: "openai", ModelName: "gpt-4o", BaseURL: srv.URL},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := msg.Text(); got != "The answer" {
		t.Errorf("text = %q", got)
	}
	if got := msg.Thinking(); got != "thinking hard" {
		t.Errorf("thinking = %q", got)
	}
	if msg.StopReason != StopToolUse {
		t.Errorf("stop reason = %q, want %q", msg.StopReason, StopToolUse)
	}
	uses := msg.ToolUses()
	if len(uses) != 1 || uses[0].Name != "Glob" {
		t.Fatalf("tool uses = %+v", uses)
	}
	if got := uses[0].Input["pattern"]; got != "*.go" {
		t.Errorf("tool input pattern = %v", got)
	}
	if msg.Usage == nil || msg.Usage.InputTokens != 120 || msg.Usage.OutputTokens != 30 {
		t.Errorf("usage = %+v", msg.Usage)
	}
}

func TestStreamOpenAILengthStop(t *testing.T) {
	events := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"truncated"}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"length"}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	srv := sseServer(t, events)
	defer srv.Close()

	a := NewAdapter(bus.New())
	msg, err := a.Stream(context.Background(), Request{
		Messages: []Message{NewUserText("hi")},
		Profile:  ModelProfile{Provider: "openai", ModelName: "gpt-4o", BaseURL: srv.URL},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if msg.StopReason != StopMaxTokens {
		t.Errorf("stop reason = %q, want %q", msg.StopReason, StopMaxTokens)
	}
}

func TestStreamCancelledReturnsPartial(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"partial text\"}}]}\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	a := NewAdapter(bus.New())
	msg, err := a.Stream(ctx, Request{
		Messages: []Message{NewUserText("hi")},
		Profile:  ModelProfile{Provider: "openai", ModelName: "gpt-4o", BaseURL: srv.URL},
	})
	if err != nil {
		t.Fatalf("cancellation must not surface as an error, got %v", err)
	}
	if got := msg.Text(); got != "partial text" {
		t.Errorf("partial text = %q", got)
	}
}

func TestStreamHTTPErrorNoRetryOn400(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewAdapter(bus.New())
	_, err := a.Stream(context.Background(), Request{
		Messages: []Message{NewUserText("hi")},
		Profile:  ModelProfile{Provider: "openai", ModelName: "gpt-4o", BaseURL: srv.URL},
	})
	if err == nil {
		t.Fatal("want error for 400 response")
	}
	var he *HTTPError
	if !errors.As(err, &he) || he.Status != 400 {
		t.Errorf("err = %v, want HTTPError 400", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (400 is not retryable)", calls)
	}
}

func TestStreamRetriesOn500(t *testing.T) {
	var calls int
	events := "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "internal", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(events))
	}))
	defer srv.Close()

	a := NewAdapter(bus.New())
	a.retry = RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	msg, err := a.Stream(context.Background(), Request{
		Messages: []Message{NewUserText("hi")},
		Profile:  ModelProfile{Provider: "openai", ModelName: "gpt-4o", BaseURL: srv.URL},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if msg.Text() != "ok" || calls != 2 {
		t.Errorf("text = %q calls = %d", msg.Text(), calls)
	}
}

func TestDialect(t *testing.T) {
	tests := []struct {
		name    string
		profile ModelProfile
		want    string
	}{
		{"explicit adapt wins", ModelProfile{Provider: "openai", ModelName: "gpt-4o", Adapt: "anthropic"}, DialectAnthropic},
		{"anthropic provider", ModelProfile{Provider: "anthropic", ModelName: "claude-sonnet-4"}, DialectAnthropic},
		{"openrouter anthropic model", ModelProfile{Provider: "openrouter", ModelName: "anthropic/claude-sonnet-4"}, DialectAnthropic},
		{"openrouter other model", ModelProfile{Provider: "openrouter", ModelName: "meta-llama/llama-3"}, DialectOpenAI},
		{"claude prefix", ModelProfile{Provider: "bedrock", ModelName: "claude-3-haiku"}, DialectAnthropic},
		{"default openai", ModelProfile{Provider: "deepseek", ModelName: "deepseek-chat"}, DialectOpenAI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.profile.Dialect(); got != tt.want {
				t.Errorf("Dialect() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveTemperature(t *testing.T) {
	override := 0.2
	tests := []struct {
		name string
		req  Request
		want float64
	}{
		{"default", Request{Profile: ModelProfile{ModelName: "gpt-4o"}}, 0.7},
		{"override", Request{Profile: ModelProfile{ModelName: "gpt-4o"}, Temperature: &override}, 0.2},
		{"o1 forces one", Request{Profile: ModelProfile{ModelName: "o1-mini"}, Temperature: &override}, 1},
		{"gpt-5 forces one", Request{Profile: ModelProfile{ModelName: "gpt-5-turbo"}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveTemperature(tt.req); got != tt.want {
				t.Errorf("resolveTemperature = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUsesCompletionTokens(t *testing.T) {
	for model, want := range map[string]bool{
		"o1-preview": true,
		"o3-mini":    true,
		"gpt-5":      true,
		"gpt-4o":     false,
		"claude-3":   false,
	} {
		if got := usesCompletionTokens(model); got != want {
			t.Errorf("usesCompletionTokens(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"auth 401", &HTTPError{Status: 401}, ErrCodeAuth},
		{"auth 403", &HTTPError{Status: 403}, ErrCodeAuth},
		{"rate limit", &HTTPError{Status: 429}, ErrCodeRateLimit},
		{"context too long", &HTTPError{Status: 400, Body: "prompt is too long: 250000 tokens"}, ErrCodeContextLong},
		{"generic api", &HTTPError{Status: 500}, "API_ERROR_500"},
		{"network", errors.New("connection refused"), ErrCodeNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ae := ClassifyError(tt.err)
			if ae == nil {
				t.Fatal("ClassifyError returned nil")
			}
			if ae.Code != tt.want {
				t.Errorf("code = %q, want %q", ae.Code, tt.want)
			}
		})
	}

	if ClassifyError(nil) != nil {
		t.Error("nil error must classify to nil")
	}
	if ClassifyError(context.Canceled) != nil {
		t.Error("cancellation must classify to nil")
	}
}

func TestHistoryForWireFiltersThinking(t *testing.T) {
	history := []Message{
		NewUserText("question"),
		{
			Role: RoleAssistant,
			Content: []ContentBlock{
				{Type: BlockThinking, Text: "private"},
				{Type: BlockText, Text: "answer"},
			},
		},
	}

	filtered := historyForWire(Request{Messages: history})
	if len(filtered) != 2 {
		t.Fatalf("messages = %d", len(filtered))
	}
	for _, b := range filtered[1].Content {
		if b.Type == BlockThinking {
			t.Error("thinking block should be filtered when thinking disabled")
		}
	}

	kept := historyForWire(Request{Messages: history, EnableThinking: true})
	if len(kept[1].Content) != 2 {
		t.Error("thinking block should survive when thinking enabled")
	}
}
