// Package bus implements the in-process publish/subscribe core. Dispatch is
// synchronous within one Emit call: all handlers run on the caller's
// goroutine, typed subscribers first, then wildcard subscribers, each in
// registration order. A panicking handler is caught and logged and never
// stops delivery to the remaining handlers.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/canvasmesh/canvasmesh/internal/runtime/logging"
)

// Scope is the delivery breadth requested when a widget emits an event.
type Scope string

const (
	// ScopeWidget targets a single widget on the local canvas.
	ScopeWidget Scope = "widget"
	// ScopeCanvas targets every widget on the emitting canvas, and other
	// canvases of the same user when policy allows.
	ScopeCanvas Scope = "canvas"
	// ScopeBroadcast targets other users' sessions when policy allows.
	ScopeBroadcast Scope = "broadcast"
)

// Event is the unit of traffic on the bus. Events are immutable once emitted
// and identified by (SourceWidgetID, Type, Timestamp) for logging purposes.
type Event struct {
	Type           string
	Scope          Scope
	Payload        any
	SourceWidgetID string
	TargetWidgetID string
	Timestamp      time.Time

	// Remote marks events re-injected by the dispatcher after arriving over
	// a transport. The router never wraps a remote event back outward; this
	// is the bus-level guard against bounce-back loops, in addition to the
	// envelope-level seen-by protection.
	Remote bool
}

// Handler consumes one event. Handlers must not block the dispatch loop;
// long-running work belongs on a separate goroutine.
type Handler func(Event)

type subscription struct {
	eventType string
	handler   Handler
}

// Bus is the synchronous event bus. The zero value is not usable; construct
// with New.
type Bus struct {
	logger logging.ServiceLogger

	mu       sync.Mutex
	byType   map[string][]*subscription
	wildcard []*subscription
}

// New constructs a Bus that logs handler failures through the given logger.
func New(logger logging.ServiceLogger) *Bus {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Bus{
		logger: logger,
		byType: make(map[string][]*subscription),
	}
}

// Subscribe registers a handler for an exact event type and returns an
// unsubscribe function. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(eventType string, handler Handler) func() {
	sub := &subscription{eventType: eventType, handler: handler}

	b.mu.Lock()
	b.byType[eventType] = append(b.byType[eventType], sub)
	b.mu.Unlock()

	return func() { b.remove(sub) }
}

// SubscribeAll registers a wildcard handler invoked for every emission. The
// wildcard list is kept separate from the typed lists and carries the same
// error-isolation guarantee.
func (b *Bus) SubscribeAll(handler Handler) func() {
	sub := &subscription{handler: handler}

	b.mu.Lock()
	b.wildcard = append(b.wildcard, sub)
	b.mu.Unlock()

	return func() { b.remove(sub) }
}

func (b *Bus) remove(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if target.eventType == "" {
		b.wildcard = removeSub(b.wildcard, target)
		return
	}
	subs := removeSub(b.byType[target.eventType], target)
	if len(subs) == 0 {
		delete(b.byType, target.eventType)
	} else {
		b.byType[target.eventType] = subs
	}
}

func removeSub(subs []*subscription, target *subscription) []*subscription {
	for i, s := range subs {
		if s == target {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Emit synchronously invokes every handler registered for the event's type,
// then every wildcard handler. The event's timestamp is stamped on emission
// when unset.
func (b *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	typed := make([]*subscription, len(b.byType[event.Type]))
	copy(typed, b.byType[event.Type])
	wildcard := make([]*subscription, len(b.wildcard))
	copy(wildcard, b.wildcard)
	b.mu.Unlock()

	for _, sub := range typed {
		b.invoke(sub, event)
	}
	for _, sub := range wildcard {
		b.invoke(sub, event)
	}
}

func (b *Bus) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", fmt.Errorf("%v", r), logging.LogFields{
				"event_type": event.Type,
				"source":     event.SourceWidgetID,
			})
		}
	}()
	sub.handler(event)
}
