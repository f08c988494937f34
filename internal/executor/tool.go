package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/execution"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

func init() {
	RegisterAtomic(core.TypeTool, newTool)
}

// Errors raised while registering or resolving tools.
var (
	ErrToolNameRequired    = errors.New("tool name is required")
	ErrToolHandlerRequired = errors.New("tool handler is required")
	ErrUnknownTool         = errors.New("tool is not registered")
)

// ToolHandler runs one tool invocation with already-validated arguments.
type ToolHandler func(ctx context.Context, ec *execution.Context, args map[string]any) (any, error)

// ToolDef describes one callable tool: the schema its arguments must satisfy
// and the handler that does the work. Parameters may be nil for tools that
// accept anything.
type ToolDef struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
	Handler     ToolHandler
}

// toolEntry pairs a definition with its lazily resolved schema. Resolution
// happens once, on first validation.
type toolEntry struct {
	def         ToolDef
	resolved    atomic.Pointer[jsonschema.Resolved]
	resolveOnce sync.Once
	resolveErr  error
}

func (e *toolEntry) getResolved() (*jsonschema.Resolved, error) {
	e.resolveOnce.Do(func() {
		resolved, err := e.def.Parameters.Resolve(&jsonschema.ResolveOptions{
			ValidateDefaults: true,
		})
		if err != nil {
			e.resolveErr = err
			return
		}
		e.resolved.Store(resolved)
	})
	if e.resolveErr != nil {
		return nil, e.resolveErr
	}
	return e.resolved.Load(), nil
}

// validate checks args against the tool's parameter schema. Tools without a
// schema accept anything.
func (e *toolEntry) validate(args map[string]any) error {
	if e.def.Parameters == nil {
		return nil
	}
	resolved, err := e.getResolved()
	if err != nil {
		return fmt.Errorf("schema error for tool %s: %w", e.def.Name, err)
	}
	if err := resolved.Validate(args); err != nil {
		return fmt.Errorf("invalid arguments for tool %s: %w", e.def.Name, err)
	}
	return nil
}

var (
	toolsMu sync.RWMutex
	tools   = make(map[string]*toolEntry)
)

// RegisterTool adds a tool definition to the process-wide table. Later
// registrations under the same name replace earlier ones, which lets tests
// install fakes.
func RegisterTool(def ToolDef) error {
	if def.Name == "" {
		return ErrToolNameRequired
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: %w", def.Name, ErrToolHandlerRequired)
	}
	toolsMu.Lock()
	defer toolsMu.Unlock()
	tools[def.Name] = &toolEntry{def: def}
	return nil
}

// UnregisterTool removes a tool from the table.
func UnregisterTool(name string) {
	toolsMu.Lock()
	defer toolsMu.Unlock()
	delete(tools, name)
}

// LookupTool returns the registered definition for a name.
func LookupTool(name string) (ToolDef, bool) {
	entry, ok := lookupToolEntry(name)
	if !ok {
		return ToolDef{}, false
	}
	return entry.def, true
}

func lookupToolEntry(name string) (*toolEntry, bool) {
	toolsMu.RLock()
	defer toolsMu.RUnlock()
	entry, ok := tools[name]
	return entry, ok
}

// schemaAsMap renders a parameter schema in the wire shape drivers expect.
func schemaAsMap(s *jsonschema.Schema) map[string]any {
	if s == nil {
		return map[string]any{"type": "object"}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// toolConfig is the config shape for tool executors.
type toolConfig struct {
	Tool string `mapstructure:"tool"`
}

// toolExecutor validates arguments against the registered schema and runs
// the handler under the configured per-call timeout.
type toolExecutor struct {
	cfg   *core.ExecutorConfig
	entry *toolEntry
}

func newTool(cfg *core.ExecutorConfig, _ *Factory) (Executor, error) {
	var tc toolConfig
	if err := decodeModeConfig(cfg.Config, &tc); err != nil {
		return nil, core.NewValidationError("config", cfg.Config, err)
	}
	if tc.Tool == "" {
		// The executor id doubles as the tool name when none is given.
		tc.Tool = cfg.ID
	}

	entry, ok := lookupToolEntry(tc.Tool)
	if !ok {
		return nil, core.NewValidationError("config.tool", tc.Tool, ErrUnknownTool)
	}
	return &toolExecutor{cfg: cfg, entry: entry}, nil
}

func (e *toolExecutor) Execute(ctx context.Context, ec *execution.Context, input any) (*core.Result, error) {
	if err := ec.CheckCancelled(); err != nil {
		return nil, err
	}

	name := e.entry.def.Name

	args, err := parseToolArgs(input)
	if err != nil {
		detail := core.ErrorDetail{Code: core.CodeValidation, Message: err.Error()}
		emitToolCall(ctx, ec, name, core.ToolCallFailed, map[string]any{"error": err.Error()})
		return core.Failed(nil, detail), nil
	}
	if err := e.entry.validate(args); err != nil {
		detail := core.ErrorDetail{Code: core.CodeValidation, Message: err.Error()}
		emitToolCall(ctx, ec, name, core.ToolCallFailed, map[string]any{"error": err.Error()})
		return core.Failed(nil, detail), nil
	}

	emitToolCall(ctx, ec, name, core.ToolCallRunning, map[string]any{"args": args})

	output, err := runToolHandler(ctx, ec, e.entry.def, args, e.cfg.Constraints.Timeout())
	if err != nil {
		if core.IsCancellation(err) && ec.Token().IsCancelled() {
			return nil, err
		}
		emitToolCall(ctx, ec, name, core.ToolCallFailed, map[string]any{"error": err.Error()})
		logger.Warn(ctx, "Tool invocation failed",
			tag.Tool(name),
			tag.Node(e.cfg.ID),
			tag.Error(err),
		)
		return core.Failed(nil, core.DetailFromError(err)), nil
	}

	emitToolCall(ctx, ec, name, core.ToolCallSuccess, map[string]any{"result": output})
	return core.Succeeded(output), nil
}

// runToolHandler applies the per-call timeout around the handler. A timeout
// surfaces as a deadline error distinct from execution-level cancellation.
func runToolHandler(ctx context.Context, ec *execution.Context, def ToolDef, args map[string]any, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	output, err := def.Handler(ctx, ec, args)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !ec.Token().IsCancelled() {
		// The deadline error itself is not wrapped: carrying it would make
		// the failure read as a cancellation instead of a timeout.
		return nil, &core.ExecutionError{
			Code:    core.CodeExecution,
			Message: fmt.Sprintf("tool %s timed out after %s", def.Name, timeout),
		}
	}
	return output, err
}

// parseToolArgs normalizes tool input into an argument map: maps pass
// through, strings and byte slices parse as JSON, nil means no arguments.
func parseToolArgs(input any) (map[string]any, error) {
	switch v := input.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case string:
		return unmarshalToolArgs([]byte(v))
	case []byte:
		return unmarshalToolArgs(v)
	default:
		return nil, fmt.Errorf("tool arguments must be an object, got %T", input)
	}
}

func unmarshalToolArgs(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("parse tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// emitToolCall publishes one stream:tool_call lifecycle event.
func emitToolCall(ctx context.Context, ec *execution.Context, name, status string, extra map[string]any) {
	payload := map[string]any{
		"toolName": name,
		"status":   status,
	}
	for k, v := range extra {
		payload[k] = v
	}
	ec.Emit(ctx, core.EventStreamToolCall, payload)
}
