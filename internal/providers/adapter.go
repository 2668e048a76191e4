package providers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
)

// Adapter opens streaming connections to LLM providers and normalizes
// both wire dialects into the canonical Message shape. One adapter is
// shared by every agent in the engine.
type Adapter struct {
	events  *bus.Bus
	client  *http.Client
	retry   RetryConfig
	limiter *rate.Limiter
	cache   *Cache
}

// AdapterOption configures the Adapter.
type AdapterOption func(*Adapter)

// WithHTTPClient overrides the default HTTP client (tests).
func WithHTTPClient(c *http.Client) AdapterOption {
	return func(a *Adapter) { a.client = c }
}

// WithCache enables content-hash replay.
func WithCache(c *Cache) AdapterOption {
	return func(a *Adapter) { a.cache = c }
}

// WithRateLimit throttles outgoing requests to rpm per minute.
func WithRateLimit(rpm int) AdapterOption {
	return func(a *Adapter) {
		if rpm > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
		}
	}
}

func NewAdapter(events *bus.Bus, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		events: events,
		// No request timeout: streams are bounded by the provider.
		client: &http.Client{},
		retry:  DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Stream performs one streaming request and returns the accumulated
// assistant message. On cancellation it returns the partial message
// accumulated so far with a nil error; callers inspect ctx themselves.
func (a *Adapter) Stream(ctx context.Context, req Request) (*Message, error) {
	if a.cache != nil && !req.DisableCache {
		if cached, ok := a.cache.Lookup(req); ok {
			return a.cache.Replay(ctx, req, cached, a.events), nil
		}
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			// Cancelled while queued: empty partial, never an error.
			return a.finish(req, newAccumulator(a.events, req), time.Now()), nil
		}
	}

	start := time.Now()
	acc := newAccumulator(a.events, req)

	var err error
	switch req.Profile.Dialect() {
	case DialectAnthropic:
		err = a.streamAnthropic(ctx, req, acc)
	default:
		err = a.streamOpenAI(ctx, req, acc)
	}
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation mid-stream: partial message, no error.
			return a.finish(req, acc, start), nil
		}
		return nil, err
	}

	msg := a.finish(req, acc, start)
	if a.cache != nil && !req.DisableCache && ctx.Err() == nil {
		a.cache.Store(req, msg)
	}
	return msg, nil
}

func (a *Adapter) finish(req Request, acc *accumulator, start time.Time) *Message {
	msg := acc.message()
	msg.Model = req.Profile.ModelName
	msg.DurationMs = time.Since(start).Milliseconds()
	return msg
}

// Probe performs the minimal round-trip used when registering a model:
// ask for the literal YES and check it came back.
func (a *Adapter) Probe(ctx context.Context, profile ModelProfile) error {
	req := Request{
		Messages:     []Message{NewUserText("Respond with YES and nothing else.")},
		Profile:      profile,
		MaxTokens:    16,
		DisableCache: true,
	}
	msg, err := a.Stream(ctx, req)
	if err != nil {
		return err
	}
	if !strings.Contains(strings.ToUpper(msg.Text()), "YES") {
		return &APIError{Code: ErrCodeNetwork, Message: "model probe did not return YES"}
	}
	return nil
}

// historyForWire filters thinking blocks from history unless thinking is
// enabled for this call.
func historyForWire(req Request) []Message {
	if req.EnableThinking {
		return req.Messages
	}
	out := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role != RoleAssistant {
			out = append(out, m)
			continue
		}
		var blocks []ContentBlock
		for _, b := range m.Content {
			if b.Type != BlockThinking {
				blocks = append(blocks, b)
			}
		}
		mm := m
		mm.Content = blocks
		out = append(out, mm)
	}
	return out
}
