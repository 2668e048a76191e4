// Package bus implements the synchronous in-process event bus that
// connects the engine to embedding front-ends. Emission is synchronous
// and exception-isolating: a panicking handler never prevents the
// remaining handlers from running and never propagates to the emitter.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

// Payload is the wire shape of every event.
type Payload map[string]any

// Handler receives an event payload. Handlers run on the emitter's
// goroutine, in subscription order.
type Handler func(Payload)

// High-volume streaming topics are exempt from audit logging.
var silentTopics = map[string]bool{
	protocol.EventThinkingChunk: true,
	protocol.EventTextChunk:     true,
}

type subscription struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus is a named-topic synchronous pub/sub bus.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscription
	nextID atomic.Uint64
}

func New() *Bus {
	return &Bus{topics: make(map[string][]*subscription)}
}

// On registers a handler for topic and returns an unsubscribe func.
func (b *Bus) On(topic string, h Handler) func() {
	return b.subscribe(topic, h, false)
}

// Once registers a handler that is removed after its first delivery.
func (b *Bus) Once(topic string, h Handler) func() {
	return b.subscribe(topic, h, true)
}

func (b *Bus) subscribe(topic string, h Handler, once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{id: b.nextID.Add(1), handler: h, once: once}
	b.topics[topic] = append(b.topics[topic], sub)

	id := sub.id
	return func() { b.remove(topic, id) }
}

// Off removes every handler registered on topic.
func (b *Bus) Off(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics, topic)
}

// Clear drops all listeners on all topics.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = make(map[string][]*subscription)
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every handler subscribed to topic, in
// subscription order, and reports whether any listener fired.
func (b *Bus) Emit(topic string, payload Payload) bool {
	b.mu.RLock()
	subs := make([]*subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	if !silentTopics[topic] {
		slog.Debug("bus.emit", "topic", topic, "listeners", len(subs))
	}

	for _, sub := range subs {
		if sub.once {
			b.remove(topic, sub.id)
		}
		deliver(topic, sub.handler, payload)
	}
	return len(subs) > 0
}

func deliver(topic string, h Handler, payload Payload) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus.handler_panic", "topic", topic, "panic", r)
		}
	}()
	h(payload)
}

// Await blocks until a payload arrives on topic for which match returns
// true, or until ctx is done. Producers of *:request topics use this to
// pair the matching *:response; the consumer must always reply or the
// producer stalls until cancel.
func (b *Bus) Await(ctx context.Context, topic string, match func(Payload) bool) (Payload, error) {
	ch := make(chan Payload, 1)
	off := b.On(topic, func(p Payload) {
		if match != nil && !match(p) {
			return
		}
		select {
		case ch <- p:
		default:
		}
	})
	defer off()

	select {
	case p := <-ch:
		return p, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}
