package eventbus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kumo-org/kumo/internal/core"
)

// Scope is a view of the bus restricted to one execution id. Emit stamps
// the execution id and timestamp; On admits only events carrying this
// execution id.
type Scope struct {
	bus         *Bus
	executionID string
	closed      atomic.Bool
}

// CreateScope registers and returns a scope for the execution id. Calling
// it twice for the same id returns the existing scope.
func (b *Bus) CreateScope(executionID string) *Scope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sc, ok := b.scopes[executionID]; ok {
		return sc
	}
	sc := &Scope{bus: b, executionID: executionID}
	b.scopes[executionID] = sc
	return sc
}

// DestroyScope drops the scope reference and closes it. Subscriptions
// created through the scope stay registered for events already in flight,
// but the scope emits nothing new once destroyed.
func (b *Bus) DestroyScope(executionID string) {
	b.mu.Lock()
	sc := b.scopes[executionID]
	delete(b.scopes, executionID)
	b.mu.Unlock()
	if sc != nil {
		sc.closed.Store(true)
	}
}

// ExecutionID returns the execution id the scope is bound to.
func (s *Scope) ExecutionID() string {
	return s.executionID
}

// Emit stamps the event with the scope's execution id and the current time
// and forwards it to the bus. NodeID may be empty for execution-level
// events. Emitting on a destroyed scope is a no-op.
func (s *Scope) Emit(ctx context.Context, typ core.EventType, nodeID string, payload map[string]any) {
	if s.closed.Load() {
		return
	}
	s.bus.Publish(ctx, core.Event{
		Type:        typ,
		ExecutionID: s.executionID,
		NodeID:      nodeID,
		Timestamp:   time.Now(),
		Payload:     payload,
	})
}

// On subscribes through the scope: the handler sees only events carrying
// this scope's execution id, on top of any caller-supplied filter.
func (s *Scope) On(typ core.EventType, h Handler, opts ...SubscribeOption) func() {
	scoped := func(ev core.Event) bool { return ev.ExecutionID == s.executionID }
	sub := &subscription{typ: typ, handler: h}
	for _, opt := range opts {
		opt(sub)
	}
	userFilter := sub.filter
	combined := scoped
	if userFilter != nil {
		combined = func(ev core.Event) bool { return scoped(ev) && userFilter(ev) }
	}

	busOpts := []SubscribeOption{WithFilter(combined)}
	if sub.once {
		busOpts = append(busOpts, WithOnce())
	}
	if sub.priority != 0 {
		busOpts = append(busOpts, WithPriority(sub.priority))
	}
	return s.bus.Subscribe(typ, h, busOpts...)
}
