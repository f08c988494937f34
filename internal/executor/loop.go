package executor

import (
	"context"
	"time"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/eval"
	"github.com/kumo-org/kumo/internal/execution"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

func init() {
	RegisterOrchestrator(core.ModeLoop, newLoop)
}

// Iteration counters visible to children through the variable scope.
const (
	varIteration      = "_iteration"
	varFirstIteration = "_isFirstIteration"
	varLastIteration  = "_isLastIteration"
	defaultIterations = 1
)

// loopOrchestrator repeats its child sequence up to maxIterations times,
// piping outputs across children within an iteration and across iterations.
// After each completed iteration it exits early when a child returned an
// end directive or when the exit condition evaluates truthy.
type loopOrchestrator struct {
	cfg      *core.ExecutorConfig
	children []child
	mode     core.LoopConfig
	exit     *eval.Program
}

func newLoop(cfg *core.ExecutorConfig, f *Factory) (Executor, error) {
	children, err := buildChildren(cfg, f)
	if err != nil {
		return nil, err
	}

	var mode core.LoopConfig
	if err := decodeModeConfig(cfg.ModeConfig, &mode); err != nil {
		return nil, core.NewValidationError("modeConfig", cfg.ModeConfig, err)
	}

	o := &loopOrchestrator{cfg: cfg, children: children, mode: mode}
	if mode.ExitCondition != "" {
		prog, err := eval.Compile(mode.ExitCondition)
		if err != nil {
			// A malformed exit condition never fires; the iteration cap
			// still bounds the loop.
			logger.Warn(context.Background(), "Exit condition does not compile; it will never fire",
				tag.Node(cfg.ID),
				tag.Expression(mode.ExitCondition),
				tag.Error(err),
			)
		}
		o.exit = prog
	}
	return o, nil
}

func (o *loopOrchestrator) Execute(ctx context.Context, ec *execution.Context, input any) (*core.Result, error) {
	maxIterations := o.mode.MaxIterations
	if maxIterations < 0 {
		maxIterations = defaultIterations
	}

	current := input
	collected := make([]any, 0, maxIterations)
	iterations := 0
	sawFailure := false

	for i := 0; i < maxIterations; i++ {
		if err := ec.CheckCancelled(); err != nil {
			return nil, err
		}

		// The counters are written before the iteration's children run;
		// _isLastIteration reflects the iteration cap, not an early exit.
		ec.Vars().Set(varIteration, i)
		ec.Vars().Set(varFirstIteration, i == 0)
		ec.Vars().Set(varLastIteration, i == maxIterations-1)

		iterOutput, endRequested, failed, err := o.runIteration(ctx, ec, current)
		if err != nil {
			if core.IsCancellation(err) {
				return nil, err
			}
			loopErr := &core.LoopError{Iteration: i, Err: err}
			result := core.FailedFromError(loopErr)
			result.Metadata.Iterations = iterations
			return result, nil
		}

		iterations++
		sawFailure = sawFailure || failed
		current = iterOutput
		if o.mode.CollectResults {
			collected = append(collected, iterOutput)
		}

		if endRequested {
			break
		}
		if o.exit != nil && o.evalExit(ctx, ec, iterOutput, i) {
			logger.Debug(ctx, "Exit condition met",
				tag.Node(o.cfg.ID),
				tag.Iteration(i),
			)
			break
		}

		if i < maxIterations-1 && o.mode.IterationDelayMs > 0 {
			delay := time.Duration(o.mode.IterationDelayMs) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, core.NewCancellationError(ec.Token().Reason())
			}
		}
	}

	status := core.StatusSuccess
	if sawFailure {
		status = core.StatusPartial
	}

	var output any = current
	if o.mode.CollectResults && iterations > 0 {
		output = collected
	}

	return &core.Result{
		Status:   status,
		Output:   output,
		Control:  core.Continue(),
		Metadata: core.Metadata{Iterations: iterations},
	}, nil
}

// runIteration executes the child sequence once, piping outputs. It
// reports the iteration's final output, whether a child asked to end the
// loop, and whether any child result failed.
func (o *loopOrchestrator) runIteration(ctx context.Context, ec *execution.Context, input any) (any, bool, bool, error) {
	current := input
	failed := false

	for _, c := range o.children {
		result, err := dispatch(ctx, ec, c, current)
		if err != nil {
			return nil, false, failed, err
		}
		current = result.Output
		if result.Status == core.StatusFailed {
			failed = true
		}
		if result.Control.Action == core.ActionEnd {
			return current, true, failed, nil
		}
	}
	return current, false, failed, nil
}

// evalExit runs the exit condition over the iteration outcome plus the
// flattened variables. Failures evaluate to false so the loop stays
// bounded by the iteration cap.
func (o *loopOrchestrator) evalExit(ctx context.Context, ec *execution.Context, output any, iteration int) bool {
	env := ec.Vars().Snapshot()
	env["output"] = output
	env["iteration"] = iteration
	return o.exit.EvalBool(ctx, env)
}
