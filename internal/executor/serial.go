package executor

import (
	"context"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/execution"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

func init() {
	RegisterOrchestrator(core.ModeSerial, newSerial)
}

// serialOrchestrator runs children in config order, piping each child's
// output into the next child's input, and obeys the control directive each
// result carries: end stops, route jumps, retry re-executes, continue
// advances.
type serialOrchestrator struct {
	cfg      *core.ExecutorConfig
	children []child
}

func newSerial(cfg *core.ExecutorConfig, f *Factory) (Executor, error) {
	children, err := buildChildren(cfg, f)
	if err != nil {
		return nil, err
	}
	return &serialOrchestrator{cfg: cfg, children: children}, nil
}

func (o *serialOrchestrator) Execute(ctx context.Context, ec *execution.Context, input any) (*core.Result, error) {
	if len(o.children) == 0 {
		return &core.Result{Status: core.StatusSuccess, Output: input, Control: core.End()}, nil
	}

	maxRetries := o.cfg.Constraints.MaxRetries
	retries := make([]int, len(o.children))

	var last *core.Result
	current := input

	for idx := 0; idx >= 0 && idx < len(o.children); {
		if err := ec.CheckCancelled(); err != nil {
			return nil, err
		}

		c := o.children[idx]
		result, err := dispatch(ctx, ec, c, current)
		if err != nil {
			if core.IsCancellation(err) {
				return nil, err
			}
			// Inline retry applies only when the child's previous result
			// flagged a recoverable error and the composite carries a
			// retry budget. Everything else aborts the composite.
			if last != nil && last.HasRecoverableError() && retries[idx] < maxRetries {
				retries[idx]++
				logger.Info(ctx, "Retrying child after recoverable failure",
					tag.Node(c.cfg.ID),
					tag.Attempt(retries[idx]),
				)
				continue
			}
			return nil, err
		}

		last = result
		if result.Metadata.RetryCount == 0 && retries[idx] > 0 {
			result.Metadata.RetryCount = retries[idx]
		}

		switch result.Control.Action {
		case core.ActionEnd:
			return result, nil

		case core.ActionRoute:
			current = result.Output
			if target := childIndexByID(o.children, result.Control.Target); target >= 0 {
				idx = target
			} else {
				logger.Warn(ctx, "Route target not found; continuing in order",
					tag.Node(c.cfg.ID),
					tag.Target(result.Control.Target),
				)
				idx++
			}

		case core.ActionRetry:
			// A result-carried retry re-executes the same child with the
			// same input while the budget lasts, then advances.
			if retries[idx] < maxRetries {
				retries[idx]++
				continue
			}
			current = result.Output
			idx++

		case core.ActionCancel:
			ec.Token().Cancel(result.Control.Reason)
			return nil, core.NewCancellationError(result.Control.Reason)

		case core.ActionPause:
			// Pausing mid-composite is not supported; treat it as end so
			// the caller sees where the run stopped.
			logger.Warn(ctx, "Pause directive treated as end", tag.Node(c.cfg.ID))
			return result, nil

		default:
			current = result.Output
			idx++
		}
	}

	return last, nil
}
