package execution

import (
	"sync"
	"sync/atomic"
)

// Token is the cooperative cancellation flag shared by every context of one
// execution. Cancellation is monotonic: the first Cancel wins, later calls
// are no-ops, and listeners fire exactly once.
type Token struct {
	cancelled atomic.Bool

	mu        sync.Mutex
	reason    string
	listeners []func(reason string)
}

// NewToken creates an uncancelled token.
func NewToken() *Token {
	return &Token{}
}

// Cancel flips the token and notifies listeners. Only the first call has
// any effect; it reports whether this call did the flip.
func (t *Token) Cancel(reason string) bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	t.mu.Lock()
	t.reason = reason
	listeners := t.listeners
	t.listeners = nil
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(reason)
	}
	return true
}

// IsCancelled reports whether the token has been flipped.
func (t *Token) IsCancelled() bool {
	return t.cancelled.Load()
}

// Reason returns the reason passed to the winning Cancel call.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// OnCancel registers a listener. If the token is already cancelled the
// listener fires immediately in the calling goroutine.
func (t *Token) OnCancel(fn func(reason string)) {
	t.mu.Lock()
	if !t.cancelled.Load() {
		t.listeners = append(t.listeners, fn)
		t.mu.Unlock()
		return
	}
	reason := t.reason
	t.mu.Unlock()
	fn(reason)
}
