// Package runtime is the entry point for running workflow definitions. A
// Runtime owns the event bus and the executor factory, keeps a table of
// active executions, and guarantees the execution-level event pairing:
// every run emits execution:start and exactly one terminal event
// (execution:complete, execution:error, or execution:cancel).
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/eventbus"
	"github.com/kumo-org/kumo/internal/execution"
	"github.com/kumo-org/kumo/internal/executor"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

// ErrExecutionActive is returned when an execute call names an execution id
// that is still running.
var ErrExecutionActive = errors.New("execution id is already active")

// sessionIDVar is the seed variable an execution id may be derived from
// when the caller does not pass one explicitly.
const sessionIDVar = "sessionId"

// Runtime runs configuration trees. Independent executions share the bus
// and the factory cache and nothing else.
type Runtime struct {
	bus     *eventbus.Bus
	factory *executor.Factory

	mu     sync.RWMutex
	active map[string]*execution.Token
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithBus uses an existing bus instead of creating a private one.
func WithBus(bus *eventbus.Bus) Option {
	return func(r *Runtime) { r.bus = bus }
}

// WithFactory uses an existing factory, keeping its registrations and its
// instance cache.
func WithFactory(f *executor.Factory) Option {
	return func(r *Runtime) { r.factory = f }
}

// New creates a Runtime with its own bus and factory unless options supply
// them.
func New(opts ...Option) *Runtime {
	r := &Runtime{active: make(map[string]*execution.Token)}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = eventbus.New()
	}
	if r.factory == nil {
		r.factory = executor.NewFactory()
	}
	return r
}

// Bus returns the event bus executions publish on.
func (r *Runtime) Bus() *eventbus.Bus { return r.bus }

// Factory returns the executor factory.
func (r *Runtime) Factory() *executor.Factory { return r.factory }

// ExecOption tunes one execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	executionID string
	variables   map[string]any
	timeout     time.Duration
}

// WithExecutionID pins the execution id instead of deriving one.
func WithExecutionID(id string) ExecOption {
	return func(o *execOptions) { o.executionID = id }
}

// WithVariables seeds the root variable frame.
func WithVariables(vars map[string]any) ExecOption {
	return func(o *execOptions) { o.variables = vars }
}

// WithTimeout arms a timer that cancels the execution cooperatively when it
// fires.
func WithTimeout(d time.Duration) ExecOption {
	return func(o *execOptions) { o.timeout = d }
}

// Execute runs one configuration tree to completion and returns its result.
// Once the run is registered the caller always receives a result: ordinary
// failures come back as a failed result, cancellation as a cancelled one.
// A non-nil error is returned only for rejections before the run starts
// (invalid config, duplicate execution id).
func (r *Runtime) Execute(ctx context.Context, cfg *core.ExecutorConfig, input any, opts ...ExecOption) (*core.Result, error) {
	if cfg == nil {
		return nil, core.NewValidationError("config", nil, core.ErrConfigTypeRequired)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var options execOptions
	for _, opt := range opts {
		opt(&options)
	}
	execID := deriveExecutionID(options)

	token := execution.NewToken()
	if err := r.register(execID, token); err != nil {
		return nil, err
	}
	defer r.deregister(execID)

	// The run context observes both cancellation surfaces: flipping the
	// token closes runCtx, and the caller's ctx going away flips the token.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	token.OnCancel(func(string) { cancel() })
	unlink := context.AfterFunc(ctx, func() {
		token.Cancel(ctx.Err().Error())
	})
	defer unlink()

	if options.timeout > 0 {
		timeout := options.timeout
		timer := time.AfterFunc(timeout, func() {
			token.Cancel(fmt.Sprintf("execution timed out after %s", timeout))
		})
		defer timer.Stop()
	}

	scope := r.bus.CreateScope(execID)
	defer r.bus.DestroyScope(execID)

	vars := execution.NewVars(nil)
	for k, v := range options.variables {
		vars.Set(k, v)
	}
	ec := execution.New(execID, token, vars, scope)

	logger.Info(ctx, "Execution started",
		tag.ExecID(execID),
		tag.Node(cfg.ID),
		tag.Type(string(cfg.Type)),
	)
	r.emitState(ctx, scope, execID, "created", "running")
	scope.Emit(ctx, core.EventExecutionStart, "", map[string]any{
		"executionId": execID,
		"config":      map[string]any{"id": cfg.ID, "name": cfg.Name, "type": string(cfg.Type)},
	})

	root, err := r.factory.Create(cfg)
	if err != nil {
		return r.finishError(ctx, scope, execID, err), nil
	}

	result, err := root.Execute(runCtx, ec, input)
	switch {
	case err != nil && core.IsCancellation(err):
		r.finishCancelled(ctx, scope, execID, token.Reason())
		return core.Cancelled(token.Reason()), nil
	case err != nil:
		return r.finishError(ctx, scope, execID, err), nil
	case result == nil:
		result = core.Succeeded(nil)
	}
	if result.Status == core.StatusCancelled {
		reason := token.Reason()
		if reason == "" {
			reason = result.Control.Reason
		}
		r.finishCancelled(ctx, scope, execID, reason)
		return result, nil
	}
	return r.finishComplete(ctx, scope, execID, result), nil
}

// deriveExecutionID picks the id: explicit option, then the sessionId seed
// variable, then a fresh uuid.
func deriveExecutionID(options execOptions) string {
	if options.executionID != "" {
		return options.executionID
	}
	if sid, ok := options.variables[sessionIDVar].(string); ok && sid != "" {
		return sid
	}
	return uuid.NewString()
}

func (r *Runtime) register(execID string, token *execution.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[execID]; exists {
		return core.NewValidationError("executionId", execID, ErrExecutionActive)
	}
	r.active[execID] = token
	return nil
}

func (r *Runtime) deregister(execID string) {
	r.mu.Lock()
	delete(r.active, execID)
	r.mu.Unlock()
}

func (r *Runtime) finishComplete(ctx context.Context, scope *eventbus.Scope, execID string, result *core.Result) *core.Result {
	status := result.Status.String()
	scope.Emit(ctx, core.EventExecutionComplete, "", map[string]any{
		"executionId": execID,
		"status":      status,
		"output":      result.Output,
	})
	to := "completed"
	if result.Status == core.StatusFailed {
		to = "failed"
	}
	r.emitState(ctx, scope, execID, "running", to)
	logger.Info(ctx, "Execution finished",
		tag.ExecID(execID),
		tag.Status(status),
	)
	return result
}

func (r *Runtime) finishError(ctx context.Context, scope *eventbus.Scope, execID string, err error) *core.Result {
	detail := core.DetailFromError(err)
	scope.Emit(ctx, core.EventExecutionError, "", map[string]any{
		"executionId": execID,
		"error":       err.Error(),
		"code":        detail.Code,
	})
	r.emitState(ctx, scope, execID, "running", "failed")
	logger.Error(ctx, "Execution failed",
		tag.ExecID(execID),
		tag.Error(err),
	)
	return core.Failed(nil, detail)
}

func (r *Runtime) finishCancelled(ctx context.Context, scope *eventbus.Scope, execID, reason string) {
	scope.Emit(ctx, core.EventExecutionCancel, "", map[string]any{
		"executionId": execID,
		"reason":      reason,
	})
	r.emitState(ctx, scope, execID, "running", "cancelled")
	logger.Info(ctx, "Execution cancelled",
		tag.ExecID(execID),
	)
}

func (r *Runtime) emitState(ctx context.Context, scope *eventbus.Scope, execID, from, to string) {
	scope.Emit(ctx, core.EventStateChanged, "", map[string]any{
		"from":    from,
		"to":      to,
		"context": map[string]any{"executionId": execID},
	})
}

// Cancel flips the cancellation token of an active execution. It reports
// whether an execution with that id was found; cancelling twice is safe.
func (r *Runtime) Cancel(executionID, reason string) bool {
	r.mu.RLock()
	token, ok := r.active[executionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	token.Cancel(reason)
	return true
}

// CancelAll cancels every active execution and returns how many tokens this
// call flipped.
func (r *Runtime) CancelAll(reason string) int {
	r.mu.RLock()
	tokens := make([]*execution.Token, 0, len(r.active))
	for _, t := range r.active {
		tokens = append(tokens, t)
	}
	r.mu.RUnlock()

	flipped := 0
	for _, t := range tokens {
		if t.Cancel(reason) {
			flipped++
		}
	}
	return flipped
}

// ActiveCount reports how many executions are currently registered.
func (r *Runtime) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// OnEvent subscribes to one event type across all executions.
func (r *Runtime) OnEvent(typ core.EventType, h eventbus.Handler, opts ...eventbus.SubscribeOption) func() {
	return r.bus.Subscribe(typ, h, opts...)
}

// OnExecutionEvent subscribes to one event type filtered to a single
// execution id.
func (r *Runtime) OnExecutionEvent(executionID string, typ core.EventType, h eventbus.Handler) func() {
	return r.bus.Subscribe(typ, h, eventbus.WithFilter(func(ev core.Event) bool {
		return ev.ExecutionID == executionID
	}))
}
