package executor

import (
	"context"
	"sync"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/execution"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

func init() {
	RegisterOrchestrator(core.ModeParallel, newParallel)
}

// parallelOrchestrator fans the same input out to every child, bounded by
// maxConcurrency. Results keep the config order regardless of completion
// order; the merge strategy decides what the composite returns.
type parallelOrchestrator struct {
	cfg      *core.ExecutorConfig
	children []child
	mode     core.ParallelConfig
}

func newParallel(cfg *core.ExecutorConfig, f *Factory) (Executor, error) {
	children, err := buildChildren(cfg, f)
	if err != nil {
		return nil, err
	}

	var mode core.ParallelConfig
	if err := decodeModeConfig(cfg.ModeConfig, &mode); err != nil {
		return nil, core.NewValidationError("modeConfig", cfg.ModeConfig, err)
	}
	if mode.MergeStrategy == "" {
		mode.MergeStrategy = core.MergeAll
	}
	if mode.MergeStrategy != core.MergeAll && mode.MergeStrategy != core.MergeFirst {
		return nil, core.NewValidationError("modeConfig.mergeStrategy", mode.MergeStrategy, core.ErrUnknownMode)
	}

	return &parallelOrchestrator{cfg: cfg, children: children, mode: mode}, nil
}

func (o *parallelOrchestrator) Execute(ctx context.Context, ec *execution.Context, input any) (*core.Result, error) {
	if len(o.children) == 0 {
		return &core.Result{Status: core.StatusSuccess, Output: []any{}, Control: core.End()}, nil
	}
	if err := ec.CheckCancelled(); err != nil {
		return nil, err
	}

	maxConcurrency := o.mode.MaxConcurrency
	if maxConcurrency <= 0 || maxConcurrency > len(o.children) {
		maxConcurrency = len(o.children)
	}

	logger.Debug(ctx, "Starting parallel fan-out",
		tag.Node(o.cfg.ID),
		tag.Count(len(o.children)),
	)

	// A buffered channel is the concurrency cap: a worker holds a slot for
	// the whole child execution, so in-flight children never exceed it.
	semaphore := make(chan struct{}, maxConcurrency)
	results := make([]*core.Result, len(o.children))

	var wg sync.WaitGroup
	for i := range o.children {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				results[idx] = failedChildResult(o.children[idx].cfg, ctx.Err())
				return
			}

			result, err := dispatch(ctx, ec, o.children[idx], input)
			if err != nil {
				warnChildError(ctx, ec, o.children[idx].cfg.ID, err)
				results[idx] = failedChildResult(o.children[idx].cfg, err)
				return
			}
			results[idx] = result
		}(i)
	}
	wg.Wait()

	// The fan-out absorbs child failures into positional results, but
	// cancellation still propagates.
	if err := ec.CheckCancelled(); err != nil {
		return nil, err
	}

	if o.mode.MergeStrategy == core.MergeFirst {
		return mergeFirst(results), nil
	}
	return mergeAll(results), nil
}

// failedChildResult synthesizes the failed result stored at a child's
// positional index when the child's execution raised instead of returning.
func failedChildResult(cfg *core.ExecutorConfig, err error) *core.Result {
	return &core.Result{
		Status:  core.StatusFailed,
		Output:  nil,
		Control: core.End(),
		Errors: []core.ErrorDetail{{
			Code:        core.CodeExecution,
			Message:     err.Error(),
			Recoverable: false,
			Context:     map[string]any{"executorId": cfg.ID},
		}},
		Metadata: core.Metadata{
			ExecutorID:   cfg.ID,
			ExecutorType: string(cfg.Type),
		},
	}
}

// mergeAll combines every child result: success only when all succeeded,
// failed only when all failed, partial otherwise. Output keeps config
// order; errors concatenate in the same order.
func mergeAll(results []*core.Result) *core.Result {
	outputs := make([]any, len(results))
	var details []core.ErrorDetail
	succeeded, failed := 0, 0

	for i, r := range results {
		outputs[i] = r.Output
		details = append(details, r.Errors...)
		switch r.Status {
		case core.StatusSuccess:
			succeeded++
		case core.StatusFailed, core.StatusCancelled:
			failed++
		}
	}

	status := core.StatusPartial
	switch {
	case succeeded == len(results):
		status = core.StatusSuccess
	case failed == len(results):
		status = core.StatusFailed
	}

	return &core.Result{
		Status:  status,
		Output:  outputs,
		Control: core.Continue(),
		Errors:  details,
	}
}

// mergeFirst returns the first successful child by config order, falling
// back to the first result when none succeeded.
func mergeFirst(results []*core.Result) *core.Result {
	for _, r := range results {
		if r.Status == core.StatusSuccess {
			return r
		}
	}
	return results[0]
}
