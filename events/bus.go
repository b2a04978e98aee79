// Package events is a small typed publish/subscribe bus used to decouple
// the session transport from whatever renders or plays its output.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event names published by the session client.
type Event string

const (
	Open                 Event = "open"
	Connected            Event = "connected"
	Close                Event = "close"
	Log                  Event = "log"
	SetupComplete        Event = "setupcomplete"
	ToolCall             Event = "toolcall"
	ToolCallCancellation Event = "toolcallcancellation"
	Interrupted          Event = "interrupted"
	TurnComplete         Event = "turncomplete"
	Audio                Event = "audio"
	Content              Event = "content"
)

// LogEntry is the payload of Log events.
type LogEntry struct {
	Date    time.Time
	Type    string
	Message any
}

// Handler receives an event payload. Payload is nil for events that
// carry none.
type Handler func(payload any)

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	event Event
	id    uint64
}

type subscriber struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus dispatches events synchronously, in subscription order. A
// panicking handler is recovered and logged; its siblings still run.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Event][]subscriber
	logger *slog.Logger
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[Event][]subscriber),
		logger: logger,
	}
}

// On registers h for every emission of e.
func (b *Bus) On(e Event, h Handler) Subscription {
	return b.add(e, h, false)
}

// Once registers h for the next emission of e only.
func (b *Bus) Once(e Event, h Handler) Subscription {
	return b.add(e, h, true)
}

func (b *Bus) add(e Event, h Handler, once bool) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[e] = append(b.subs[e], subscriber{id: b.nextID, handler: h, once: once})
	return Subscription{event: e, id: b.nextID}
}

// Off removes the given subscriptions of e. With no subscriptions it
// removes every handler of e.
func (b *Bus) Off(e Event, subs ...Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(subs) == 0 {
		delete(b.subs, e)
		return
	}

	kept := b.subs[e][:0:0]
	for _, s := range b.subs[e] {
		if !containsID(subs, e, s.id) {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, e)
		return
	}
	b.subs[e] = kept
}

// Clear removes every handler of every event.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Event][]subscriber)
}

// Count returns the number of handlers registered for e.
func (b *Bus) Count(e Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[e])
}

// Emit invokes the handlers of e with payload. Handlers are snapshotted
// before dispatch, so handlers may subscribe, unsubscribe or emit.
func (b *Bus) Emit(e Event, payload any) {
	b.mu.Lock()
	current := b.subs[e]
	snapshot := make([]subscriber, len(current))
	copy(snapshot, current)

	// once handlers are removed before running so a re-entrant emit
	// cannot fire them twice
	var kept []subscriber
	for _, s := range current {
		if !s.once {
			kept = append(kept, s)
		}
	}
	if len(kept) != len(current) {
		if len(kept) == 0 {
			delete(b.subs, e)
		} else {
			b.subs[e] = kept
		}
	}
	b.mu.Unlock()

	for _, s := range snapshot {
		b.invoke(e, s.handler, payload)
	}
}

func (b *Bus) invoke(e Event, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", string(e), "panic", fmt.Sprint(r))
		}
	}()
	h(payload)
}

// Subscribe registers a typed handler. Payloads of another type are
// dropped with a warning.
func Subscribe[T any](b *Bus, e Event, fn func(T)) Subscription {
	return b.On(e, typed(b, e, fn))
}

// SubscribeOnce is Subscribe for a single emission.
func SubscribeOnce[T any](b *Bus, e Event, fn func(T)) Subscription {
	return b.Once(e, typed(b, e, fn))
}

func typed[T any](b *Bus, e Event, fn func(T)) Handler {
	return func(payload any) {
		v, ok := payload.(T)
		if !ok {
			b.logger.Warn("event payload type mismatch", "event", string(e), "type", fmt.Sprintf("%T", payload))
			return
		}
		fn(v)
	}
}

func containsID(subs []Subscription, e Event, id uint64) bool {
	for _, s := range subs {
		if s.event == e && s.id == id {
			return true
		}
	}
	return false
}
