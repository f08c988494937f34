package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/execution"
)

func dagCfg(id string, modeConfig map[string]any, children ...*core.ExecutorConfig) *core.ExecutorConfig {
	return compositeCfg(id, core.ModeDAG, modeConfig, children...)
}

func edgeList(pairs ...[2]string) []map[string]any {
	edges := make([]map[string]any, 0, len(pairs))
	for _, p := range pairs {
		edges = append(edges, map[string]any{"from": p[0], "to": p[1]})
	}
	return edges
}

func TestDAG_Diamond(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cfg := dagCfg("graph", map[string]any{
		"edges": edgeList(
			[2]string{"A", "B"},
			[2]string{"A", "C"},
			[2]string{"B", "D"},
			[2]string{"C", "D"},
		),
	},
		echoCfg("A", "a"),
		echoCfg("B", "-b"),
		echoCfg("C", "-c"),
		atomicCfg("D", typeJoin, nil),
	)

	result, err := env.build(t, cfg).Execute(context.Background(), env.root, "")
	require.NoError(t, err)

	assert.Equal(t, core.StatusSuccess, result.Status)
	assert.Equal(t, "a-b|a-c", result.Output)
	require.NotNil(t, result.Metadata.Nodes)
	assert.Equal(t, core.NodeCounts{Completed: 4}, *result.Metadata.Nodes)
	assert.Empty(t, result.Errors)

	assert.Len(t, env.events.ofType(core.EventNodeStart), 4)
	assert.Len(t, env.events.ofType(core.EventNodeComplete), 4)

	// An edge means the upstream completion lands before the downstream
	// start.
	for _, pair := range [][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}} {
		complete := env.events.indexOf(core.EventNodeComplete, pair[0])
		start := env.events.indexOf(core.EventNodeStart, pair[1])
		require.GreaterOrEqual(t, complete, 0)
		require.GreaterOrEqual(t, start, 0)
		assert.Less(t, complete, start, "%s must complete before %s starts", pair[0], pair[1])
	}

	// Completed outputs land in the id-keyed variable slots.
	for id, want := range map[string]any{"A": "a", "B": "a-b", "C": "a-c", "D": "a-b|a-c"} {
		got, ok := env.root.Vars().Get(id)
		require.True(t, ok, "variable slot %s", id)
		assert.Equal(t, want, got)
	}
}

func TestDAG_FailureCascade(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cfg := dagCfg("graph", map[string]any{
		"edges": edgeList(
			[2]string{"A", "B"},
			[2]string{"A", "C"},
			[2]string{"B", "D"},
			[2]string{"C", "D"},
		),
	},
		echoCfg("A", "a"),
		atomicCfg("B", typeFailing, map[string]any{"message": "b is down"}),
		echoCfg("C", "-c"),
		atomicCfg("D", typeJoin, nil),
	)

	result, err := env.build(t, cfg).Execute(context.Background(), env.root, "")
	require.NoError(t, err)

	assert.Equal(t, core.StatusPartial, result.Status)
	require.NotNil(t, result.Metadata.Nodes)
	assert.Equal(t, core.NodeCounts{Completed: 2, Failed: 1, Skipped: 1}, *result.Metadata.Nodes)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "b is down", result.Errors[0].Message)

	// D is the only sink and never ran.
	assert.Nil(t, result.Output)
	assert.Equal(t, -1, env.events.indexOf(core.EventNodeStart, "D"))

	starts := env.events.nodeOrder(core.EventNodeStart)
	assert.Len(t, starts, 3)
	assert.Contains(t, starts, "A")
	assert.Contains(t, starts, "B")
	assert.Contains(t, starts, "C")
}

func TestDAG_CycleDetection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cfg := dagCfg("graph", map[string]any{
		"edges": edgeList(
			[2]string{"A", "B"},
			[2]string{"B", "A"},
		),
	},
		echoCfg("A", "a"),
		echoCfg("B", "b"),
	)

	result, err := env.build(t, cfg).Execute(context.Background(), env.root, "")
	require.NoError(t, err)

	assert.Equal(t, core.StatusFailed, result.Status)
	assert.Equal(t, core.CodeInvalidDAG, result.FirstError().Code)
	assert.Empty(t, env.events.ofType(core.EventNodeStart))
}

func TestDAG_UnknownEdgeEndpointsAreDropped(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cfg := dagCfg("graph", map[string]any{
		"edges": edgeList(
			[2]string{"ghost", "A"},
			[2]string{"A", "B"},
		),
	},
		echoCfg("A", "[a]"),
		echoCfg("B", "[b]"),
	)

	result, err := env.build(t, cfg).Execute(context.Background(), env.root, "x")
	require.NoError(t, err)

	assert.Equal(t, core.StatusSuccess, result.Status)
	assert.Equal(t, "x[a][b]", result.Output)
}

func TestDAG_MultipleSinksKeepConfigOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cfg := dagCfg("graph", map[string]any{
		"edges": edgeList([2]string{"A", "B"}),
	},
		echoCfg("A", "[a]"),
		echoCfg("B", "[b]"),
		echoCfg("C", "[c]"),
	)

	result, err := env.build(t, cfg).Execute(context.Background(), env.root, "x")
	require.NoError(t, err)

	assert.Equal(t, core.StatusSuccess, result.Status)
	assert.Equal(t, []any{"x[a][b]", "x[c]"}, result.Output)
}

func TestDAG_EmptyCompositeSucceeds(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cfg := dagCfg("graph", nil)
	result, err := env.build(t, cfg).Execute(context.Background(), env.root, "x")
	require.NoError(t, err)

	assert.Equal(t, core.StatusSuccess, result.Status)
	assert.Equal(t, []any{}, result.Output)
}

func TestDAG_ThrownChildBecomesFailedNode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cfg := dagCfg("graph", map[string]any{
		"edges": edgeList([2]string{"boom", "after"}),
	},
		atomicCfg("boom", typeThrowing, map[string]any{"message": "kaput"}),
		echoCfg("after", "[after]"),
	)

	result, err := env.build(t, cfg).Execute(context.Background(), env.root, "x")
	require.NoError(t, err)

	assert.Equal(t, core.StatusPartial, result.Status)
	require.NotNil(t, result.Metadata.Nodes)
	assert.Equal(t, core.NodeCounts{Failed: 1, Skipped: 1}, *result.Metadata.Nodes)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "kaput", result.Errors[0].Message)
	assert.Equal(t, "boom", result.Errors[0].Context["executorId"])
	assert.Len(t, env.events.ofType(core.EventNodeError), 1)
}

func TestDAG_ConcurrencyCap(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var current, peak atomic.Int32
	env.factory.Register("test-gauge", func(*core.ExecutorConfig, *Factory) (Executor, error) {
		return execFunc(func(_ context.Context, _ *execution.Context, input any) (*core.Result, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return core.Succeeded(input), nil
		}), nil
	})

	children := make([]*core.ExecutorConfig, 5)
	for i := range children {
		children[i] = atomicCfg(fmt.Sprintf("n%d", i), "test-gauge", nil)
	}
	cfg := dagCfg("graph", map[string]any{"maxConcurrency": 2}, children...)

	result, err := env.build(t, cfg).Execute(context.Background(), env.root, "x")
	require.NoError(t, err)

	assert.Equal(t, core.StatusSuccess, result.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), current.Load())

	outputs, ok := result.Output.([]any)
	require.True(t, ok)
	assert.Len(t, outputs, 5)
}

func TestDAG_Cancellation(t *testing.T) {
	t.Parallel()

	t.Run("PreCancelledTokenStopsScheduling", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		cfg := dagCfg("graph", nil, echoCfg("A", ""))
		env.root.Token().Cancel("external")

		_, err := env.build(t, cfg).Execute(context.Background(), env.root, "x")
		require.Error(t, err)
		assert.True(t, core.IsCancellation(err))
		assert.Empty(t, env.events.ofType(core.EventNodeStart))
	})

	t.Run("ChildCancellationDrainsAndPropagates", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		env.factory.Register("test-cancel", func(*core.ExecutorConfig, *Factory) (Executor, error) {
			return execFunc(func(_ context.Context, ec *execution.Context, _ any) (*core.Result, error) {
				ec.Token().Cancel("child said stop")
				return nil, core.NewCancellationError("child said stop")
			}), nil
		})

		cfg := dagCfg("graph", nil,
			atomicCfg("quitter", "test-cancel", nil),
			atomicCfg("slow", typeEcho, map[string]any{"delayMs": 30}),
		)
		_, err := env.build(t, cfg).Execute(context.Background(), env.root, "x")
		require.Error(t, err)
		assert.True(t, core.IsCancellation(err))
		assert.Equal(t, "child said stop", env.root.Token().Reason())
	})
}
