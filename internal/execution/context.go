// Package execution holds the per-node runtime environment: identifiers,
// the cooperative cancellation token, the lexically chained variable scope,
// the shared result cache, and the scoped event emitter.
package execution

import (
	"context"
	"sync"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/eventbus"
)

// Context is the environment one executor invocation runs in. Child
// contexts share the execution id, token, result cache, and emitter with
// their parent but push a fresh variable frame and advance nodeID/depth.
type Context struct {
	executionID string
	nodeID      string
	depth       int
	token       *Token
	vars        *Vars
	scope       *eventbus.Scope
	results     *resultStore
}

// resultStore caches node results by id for the life of one execution.
type resultStore struct {
	mu      sync.RWMutex
	results map[string]*core.Result
}

// New creates the root context for one execution.
func New(executionID string, token *Token, vars *Vars, scope *eventbus.Scope) *Context {
	if token == nil {
		token = NewToken()
	}
	if vars == nil {
		vars = NewVars(nil)
	}
	return &Context{
		executionID: executionID,
		token:       token,
		vars:        vars,
		scope:       scope,
		results:     &resultStore{results: make(map[string]*core.Result)},
	}
}

// CreateChild returns the context a child node runs in: same execution id,
// token, emitter, and result cache; new variable frame; nodeID set to the
// child's id; depth advanced by one.
func (c *Context) CreateChild(nodeID string) *Context {
	return &Context{
		executionID: c.executionID,
		nodeID:      nodeID,
		depth:       c.depth + 1,
		token:       c.token,
		vars:        NewVars(c.vars),
		scope:       c.scope,
		results:     c.results,
	}
}

// ExecutionID returns the id of the enclosing execution.
func (c *Context) ExecutionID() string { return c.executionID }

// NodeID returns the id of the currently executing node.
func (c *Context) NodeID() string { return c.nodeID }

// Depth returns the nesting depth, zero at the root.
func (c *Context) Depth() int { return c.depth }

// Vars returns the innermost variable frame.
func (c *Context) Vars() *Vars { return c.vars }

// Token returns the shared cancellation token.
func (c *Context) Token() *Token { return c.token }

// Scope returns the event scope, which may be nil in tests.
func (c *Context) Scope() *eventbus.Scope { return c.scope }

// CheckCancelled returns a CancellationError once the token is flipped.
// Orchestrators call it at every loop boundary and before each dispatch.
func (c *Context) CheckCancelled() error {
	if c.token.IsCancelled() {
		return core.NewCancellationError(c.token.Reason())
	}
	return nil
}

// StoreResult caches a node's result under its id for the rest of the run.
func (c *Context) StoreResult(nodeID string, result *core.Result) {
	c.results.mu.Lock()
	c.results.results[nodeID] = result
	c.results.mu.Unlock()
}

// ResultOf returns the cached result of a node, if it has produced one.
func (c *Context) ResultOf(nodeID string) (*core.Result, bool) {
	c.results.mu.RLock()
	defer c.results.mu.RUnlock()
	r, ok := c.results.results[nodeID]
	return r, ok
}

// Emit forwards an event through the scope with the current node id.
func (c *Context) Emit(ctx context.Context, typ core.EventType, payload map[string]any) {
	if c.scope == nil {
		return
	}
	c.scope.Emit(ctx, typ, c.nodeID, payload)
}

// EmitThinking streams one reasoning delta for the current node.
func (c *Context) EmitThinking(ctx context.Context, delta string) {
	c.Emit(ctx, core.EventStreamThinking, map[string]any{"delta": delta})
}

// EmitContent streams one content delta for the current node.
func (c *Context) EmitContent(ctx context.Context, delta string) {
	c.Emit(ctx, core.EventStreamContent, map[string]any{"delta": delta})
}

// EmitError reports a node-level error.
func (c *Context) EmitError(ctx context.Context, err error) {
	c.Emit(ctx, core.EventNodeError, map[string]any{
		"executorId": c.nodeID,
		"error":      err.Error(),
	})
}

// EmitNodeStatus reports a node state transition as a node:update event.
func (c *Context) EmitNodeStatus(ctx context.Context, status string) {
	c.Emit(ctx, core.EventNodeUpdate, map[string]any{
		"executorId": c.nodeID,
		"status":     status,
	})
}
