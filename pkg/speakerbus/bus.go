// Package speakerbus is the publish/subscribe surface between the detection
// poller and any number of UI or logging subscribers.
//
// [Bus] is the canonical channel. Handlers run synchronously on the emitting
// goroutine, in registration order. A handler that panics is recovered and
// logged; it never affects the emitter or the other handlers.
//
// Code that still speaks a broadcast-style protocol can be attached with
// [Bridge]. Bridged events are re-emitted on the bus tagged with
// [SourceLegacy]. Delivery across the two origins is at-least-once and may be
// duplicated: a listener attached to both mechanisms sees an event once per
// origin.
package speakerbus

import (
	"log/slog"
	"sync"
	"time"
)

// Event names published by the poller.
const (
	EventUpdate     = "speaker:update"
	EventIdentified = "speaker:identified"
	EventCleared    = "speaker:cleared"
	EventSnapshot   = "speaker:snapshot"
)

// AllEvents subscribes a handler to every event name.
const AllEvents = "*"

// Event origins.
const (
	SourceBus    = "bus"
	SourceLegacy = "legacy"
)

// Event is one published event.
type Event struct {
	Name   string    `json:"event"`
	Detail any       `json:"detail"`
	Source string    `json:"source"`
	At     time.Time `json:"ts"`
}

// Handler receives events.
type Handler func(Event)

type subscription struct {
	fn Handler
}

// Bus is a process-wide publish/subscribe hub. The zero value is not usable;
// create one with [New]. All methods are safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscription
	now      func() time.Time
}

// New creates an empty [Bus].
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]*subscription),
		now:      time.Now,
	}
}

// On registers fn for events called name (or every event for [AllEvents]).
// The returned function removes the registration; calling it more than once
// is a no-op.
func (b *Bus) On(name string, fn Handler) (unsubscribe func()) {
	sub := &subscription{fn: fn}

	b.mu.Lock()
	b.handlers[name] = append(b.handlers[name], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(name, sub) })
	}
}

func (b *Bus) remove(name string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[name]
	for i, s := range subs {
		if s == sub {
			// Copy so that an in-progress Emit keeps its own slice intact.
			next := make([]*subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.handlers, name)
			} else {
				b.handlers[name] = next
			}
			return
		}
	}
}

// Emit publishes detail under name with origin [SourceBus].
func (b *Bus) Emit(name string, detail any) {
	b.dispatch(Event{Name: name, Detail: detail, Source: SourceBus, At: b.now()})
}

// EmitFrom publishes detail under name tagged with the given origin.
func (b *Bus) EmitFrom(source, name string, detail any) {
	b.dispatch(Event{Name: name, Detail: detail, Source: source, At: b.now()})
}

// Len returns the number of handlers registered for name.
func (b *Bus) Len(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	named := b.handlers[ev.Name]
	wildcard := b.handlers[AllEvents]
	b.mu.RUnlock()

	for _, s := range named {
		call(s.fn, ev)
	}
	if ev.Name == AllEvents {
		return
	}
	for _, s := range wildcard {
		call(s.fn, ev)
	}
}

func call(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("speakerbus: handler panicked",
				"event", ev.Name,
				"source", ev.Source,
				"panic", r,
			)
		}
	}()
	fn(ev)
}
