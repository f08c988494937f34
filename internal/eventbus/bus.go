// Package eventbus provides the in-process typed publish/subscribe channel
// that carries lifecycle and streaming events. Subscriptions are keyed by
// event type with a wildcard channel; per-execution scopes isolate
// concurrent runs from each other.
package eventbus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

// Handler consumes one event. Handlers run synchronously in the
// publisher's goroutine; panics are caught and logged.
type Handler func(ev core.Event)

// Filter is evaluated before a handler; a false return drops the event for
// that subscriber only.
type Filter func(ev core.Event) bool

// SubscribeOption tunes one subscription.
type SubscribeOption func(*subscription)

// WithFilter attaches a delivery filter to the subscription.
func WithFilter(f Filter) SubscribeOption {
	return func(s *subscription) {
		s.filter = f
	}
}

// WithOnce removes the subscription after its first invocation, whether
// the handler succeeds or panics.
func WithOnce() SubscribeOption {
	return func(s *subscription) {
		s.once = true
	}
}

// WithPriority orders delivery within one publish: higher fires first,
// ties preserve subscription order.
func WithPriority(p int) SubscribeOption {
	return func(s *subscription) {
		s.priority = p
	}
}

type subscription struct {
	id       uint64
	typ      core.EventType
	handler  Handler
	filter   Filter
	once     bool
	priority int
	fired    atomic.Bool
}

// Bus is the process-wide event channel. The zero value is not usable;
// construct with New.
type Bus struct {
	mu       sync.RWMutex
	seq      uint64
	handlers map[core.EventType][]*subscription
	scopes   map[string]*Scope
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[core.EventType][]*subscription),
		scopes:   make(map[string]*Scope),
	}
}

// Subscribe registers a handler for one event type, or for every event
// when typ is the wildcard. The returned function removes the
// subscription; it is safe to call more than once.
func (b *Bus) Subscribe(typ core.EventType, h Handler, opts ...SubscribeOption) func() {
	sub := &subscription{typ: typ, handler: h}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	b.seq++
	sub.id = b.seq
	b.handlers[typ] = append(b.handlers[typ], sub)
	b.mu.Unlock()

	return func() { b.remove(sub) }
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[sub.typ]
	for i, s := range subs {
		if s.id == sub.id {
			b.handlers[sub.typ] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every subscriber of its type plus the
// wildcard subscribers, ordered by priority (descending) with subscription
// order breaking ties. Handler panics are logged and never abort delivery
// to the remaining subscribers.
func (b *Bus) Publish(ctx context.Context, ev core.Event) {
	b.mu.RLock()
	snapshot := make([]*subscription, 0,
		len(b.handlers[ev.Type])+len(b.handlers[core.EventWildcard]))
	snapshot = append(snapshot, b.handlers[ev.Type]...)
	if ev.Type != core.EventWildcard {
		snapshot = append(snapshot, b.handlers[core.EventWildcard]...)
	}
	b.mu.RUnlock()

	sort.SliceStable(snapshot, func(i, j int) bool {
		if snapshot[i].priority != snapshot[j].priority {
			return snapshot[i].priority > snapshot[j].priority
		}
		return snapshot[i].id < snapshot[j].id
	})

	for _, sub := range snapshot {
		b.invoke(ctx, sub, ev)
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, ev core.Event) {
	if sub.filter != nil && !sub.filter(ev) {
		return
	}
	if sub.once {
		if !sub.fired.CompareAndSwap(false, true) {
			return
		}
		defer b.remove(sub)
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Event handler panic",
				tag.Event(string(ev.Type)),
				tag.ExecID(ev.ExecutionID),
				tag.Error(r),
			)
		}
	}()
	sub.handler(ev)
}

// SubscriberCount reports how many subscriptions exist for a type.
func (b *Bus) SubscriberCount(typ core.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[typ])
}
