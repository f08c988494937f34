package eventbus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumo-org/kumo/internal/core"
)

func testEvent(typ core.EventType, execID string) core.Event {
	return core.Event{Type: typ, ExecutionID: execID}
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	t.Run("DeliversMatchingType", func(t *testing.T) {
		t.Parallel()

		bus := New()
		var got []core.Event
		bus.Subscribe(core.EventNodeStart, func(ev core.Event) {
			got = append(got, ev)
		})

		bus.Publish(context.Background(), core.Event{
			Type:        core.EventNodeStart,
			ExecutionID: "exec-1",
			Payload:     map[string]any{"executorId": "step"},
		})
		bus.Publish(context.Background(), testEvent(core.EventNodeComplete, "exec-1"))

		require.Len(t, got, 1)
		assert.Equal(t, core.EventNodeStart, got[0].Type)
		assert.Equal(t, "step", got[0].Payload["executorId"])
	})

	t.Run("WildcardSeesEveryType", func(t *testing.T) {
		t.Parallel()

		bus := New()
		var types []core.EventType
		bus.Subscribe(core.EventWildcard, func(ev core.Event) {
			types = append(types, ev.Type)
		})

		bus.Publish(context.Background(), testEvent(core.EventExecutionStart, "e"))
		bus.Publish(context.Background(), testEvent(core.EventNodeError, "e"))
		bus.Publish(context.Background(), testEvent(core.EventStateChanged, "e"))

		assert.Equal(t, []core.EventType{
			core.EventExecutionStart, core.EventNodeError, core.EventStateChanged,
		}, types)
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		t.Parallel()

		bus := New()
		calls := 0
		off := bus.Subscribe(core.EventNodeStart, func(core.Event) { calls++ })

		bus.Publish(context.Background(), testEvent(core.EventNodeStart, "e"))
		off()
		bus.Publish(context.Background(), testEvent(core.EventNodeStart, "e"))

		assert.Equal(t, 1, calls)
		assert.Equal(t, 0, bus.SubscriberCount(core.EventNodeStart))

		// Calling the remover again must be harmless.
		off()
	})
}

func TestPublishOrdering(t *testing.T) {
	t.Parallel()

	t.Run("HigherPriorityFirst", func(t *testing.T) {
		t.Parallel()

		bus := New()
		var order []string
		bus.Subscribe(core.EventNodeStart, func(core.Event) {
			order = append(order, "low")
		}, WithPriority(-5))
		bus.Subscribe(core.EventNodeStart, func(core.Event) {
			order = append(order, "high")
		}, WithPriority(10))
		bus.Subscribe(core.EventNodeStart, func(core.Event) {
			order = append(order, "default")
		})

		bus.Publish(context.Background(), testEvent(core.EventNodeStart, "e"))

		assert.Equal(t, []string{"high", "default", "low"}, order)
	})

	t.Run("TiesKeepSubscriptionOrder", func(t *testing.T) {
		t.Parallel()

		bus := New()
		var order []string
		for _, name := range []string{"a", "b", "c"} {
			name := name
			bus.Subscribe(core.EventNodeStart, func(core.Event) {
				order = append(order, name)
			})
		}

		bus.Publish(context.Background(), testEvent(core.EventNodeStart, "e"))

		assert.Equal(t, []string{"a", "b", "c"}, order)
	})

	t.Run("WildcardOrderedWithTyped", func(t *testing.T) {
		t.Parallel()

		bus := New()
		var order []string
		bus.Subscribe(core.EventWildcard, func(core.Event) {
			order = append(order, "wildcard")
		}, WithPriority(1))
		bus.Subscribe(core.EventNodeStart, func(core.Event) {
			order = append(order, "typed")
		})

		bus.Publish(context.Background(), testEvent(core.EventNodeStart, "e"))

		assert.Equal(t, []string{"wildcard", "typed"}, order)
	})
}

func TestSubscribeOptions(t *testing.T) {
	t.Parallel()

	t.Run("OnceFiresExactlyOnce", func(t *testing.T) {
		t.Parallel()

		bus := New()
		calls := 0
		bus.Subscribe(core.EventNodeStart, func(core.Event) { calls++ }, WithOnce())

		bus.Publish(context.Background(), testEvent(core.EventNodeStart, "e"))
		bus.Publish(context.Background(), testEvent(core.EventNodeStart, "e"))

		assert.Equal(t, 1, calls)
		assert.Equal(t, 0, bus.SubscriberCount(core.EventNodeStart))
	})

	t.Run("OnceSurvivesFilteredEvents", func(t *testing.T) {
		t.Parallel()

		bus := New()
		calls := 0
		bus.Subscribe(core.EventNodeStart, func(core.Event) { calls++ },
			WithOnce(),
			WithFilter(func(ev core.Event) bool { return ev.ExecutionID == "wanted" }),
		)

		bus.Publish(context.Background(), testEvent(core.EventNodeStart, "other"))
		bus.Publish(context.Background(), testEvent(core.EventNodeStart, "wanted"))
		bus.Publish(context.Background(), testEvent(core.EventNodeStart, "wanted"))

		assert.Equal(t, 1, calls)
	})

	t.Run("FilterDropsNonMatching", func(t *testing.T) {
		t.Parallel()

		bus := New()
		var got []string
		bus.Subscribe(core.EventNodeStart, func(ev core.Event) {
			got = append(got, ev.ExecutionID)
		}, WithFilter(func(ev core.Event) bool { return ev.ExecutionID == "exec-2" }))

		bus.Publish(context.Background(), testEvent(core.EventNodeStart, "exec-1"))
		bus.Publish(context.Background(), testEvent(core.EventNodeStart, "exec-2"))

		assert.Equal(t, []string{"exec-2"}, got)
	})
}

func TestPublishPanicIsolation(t *testing.T) {
	t.Parallel()

	bus := New()
	var order []string
	bus.Subscribe(core.EventNodeStart, func(core.Event) {
		order = append(order, "first")
		panic("handler exploded")
	})
	bus.Subscribe(core.EventNodeStart, func(core.Event) {
		order = append(order, "second")
	})

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), testEvent(core.EventNodeStart, "e"))
	})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPublishConcurrency(t *testing.T) {
	t.Parallel()

	bus := New()
	var mu sync.Mutex
	seen := 0
	bus.Subscribe(core.EventNodeStart, func(core.Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(context.Background(), testEvent(core.EventNodeStart, "e"))
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			off := bus.Subscribe(core.EventNodeComplete, func(core.Event) {})
			off()
		}()
	}
	wg.Wait()

	assert.Equal(t, 8*50, seen)
}

func TestScope(t *testing.T) {
	t.Parallel()

	t.Run("CreateIsIdempotent", func(t *testing.T) {
		t.Parallel()

		bus := New()
		first := bus.CreateScope("exec-1")
		second := bus.CreateScope("exec-1")
		assert.Same(t, first, second)
		assert.Equal(t, "exec-1", first.ExecutionID())
	})

	t.Run("EmitStampsExecutionAndTime", func(t *testing.T) {
		t.Parallel()

		bus := New()
		scope := bus.CreateScope("exec-1")

		var got core.Event
		bus.Subscribe(core.EventNodeStart, func(ev core.Event) { got = ev })

		scope.Emit(context.Background(), core.EventNodeStart, "node-1", map[string]any{"k": "v"})

		assert.Equal(t, "exec-1", got.ExecutionID)
		assert.Equal(t, "node-1", got.NodeID)
		assert.False(t, got.Timestamp.IsZero())
		assert.Equal(t, "v", got.Payload["k"])
	})

	t.Run("OnSeesOnlyOwnExecution", func(t *testing.T) {
		t.Parallel()

		bus := New()
		scopeA := bus.CreateScope("exec-a")
		scopeB := bus.CreateScope("exec-b")

		var got []string
		scopeA.On(core.EventNodeStart, func(ev core.Event) {
			got = append(got, ev.ExecutionID)
		})

		scopeA.Emit(context.Background(), core.EventNodeStart, "n", nil)
		scopeB.Emit(context.Background(), core.EventNodeStart, "n", nil)
		scopeA.Emit(context.Background(), core.EventNodeStart, "n", nil)

		assert.Equal(t, []string{"exec-a", "exec-a"}, got)
	})

	t.Run("OnCombinesCallerFilter", func(t *testing.T) {
		t.Parallel()

		bus := New()
		scope := bus.CreateScope("exec-a")

		var got []string
		scope.On(core.EventNodeStart, func(ev core.Event) {
			got = append(got, ev.NodeID)
		}, WithFilter(func(ev core.Event) bool { return ev.NodeID == "wanted" }))

		scope.Emit(context.Background(), core.EventNodeStart, "wanted", nil)
		scope.Emit(context.Background(), core.EventNodeStart, "other", nil)

		assert.Equal(t, []string{"wanted"}, got)
	})

	t.Run("DestroySilencesEmit", func(t *testing.T) {
		t.Parallel()

		bus := New()
		scope := bus.CreateScope("exec-1")

		calls := 0
		bus.Subscribe(core.EventNodeStart, func(core.Event) { calls++ })

		scope.Emit(context.Background(), core.EventNodeStart, "n", nil)
		bus.DestroyScope("exec-1")
		scope.Emit(context.Background(), core.EventNodeStart, "n", nil)

		assert.Equal(t, 1, calls)
	})

	t.Run("DestroyUnknownScopeIsHarmless", func(t *testing.T) {
		t.Parallel()

		bus := New()
		require.NotPanics(t, func() { bus.DestroyScope("never-created") })
	})
}
