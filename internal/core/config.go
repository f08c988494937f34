package core

import (
	"fmt"
	"time"
)

// Type identifies the kind of work an executor performs.
type Type string

const (
	TypeAgent     Type = "agent"
	TypeHTTP      Type = "http"
	TypeTool      Type = "tool"
	TypeScript    Type = "script"
	TypeComposite Type = "composite"
)

// Mode identifies the composition discipline of a composite executor.
type Mode string

const (
	ModeSerial   Mode = "serial"
	ModeParallel Mode = "parallel"
	ModeRouter   Mode = "router"
	ModeLoop     Mode = "loop"
	ModeDAG      Mode = "dag"
)

// MergeStrategy selects how a parallel orchestrator combines child results.
type MergeStrategy string

const (
	MergeAll   MergeStrategy = "all"
	MergeFirst MergeStrategy = "first"
)

// RouteStrategy selects how a router orchestrator picks a child.
type RouteStrategy string

const (
	RouteByRule RouteStrategy = "rule"
	RouteByLLM  RouteStrategy = "llm"
)

// DefaultDAGMaxConcurrency bounds DAG node fan-out when the configuration
// does not set one.
const DefaultDAGMaxConcurrency = 5

// Constraints are optional per-executor resource limits. Timeout is in
// milliseconds in the serialized form.
type Constraints struct {
	MaxRetries int `json:"maxRetries,omitempty" mapstructure:"maxRetries"`
	TimeoutMs  int `json:"timeout,omitempty" mapstructure:"timeout"`
	MaxTokens  int `json:"maxTokens,omitempty" mapstructure:"maxTokens"`
}

// Timeout returns the configured timeout as a duration, zero when unset.
func (c Constraints) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ExecutorConfig describes one node of a workflow tree. Atomic executors
// carry type-specific fields in Config; composites carry Mode, Children and
// ModeConfig. Unknown top-level fields are preserved in Extra and ignored.
type ExecutorConfig struct {
	ID          string            `json:"id" mapstructure:"id"`
	Name        string            `json:"name,omitempty" mapstructure:"name"`
	Type        Type              `json:"type" mapstructure:"type"`
	Description string            `json:"description,omitempty" mapstructure:"description"`
	Constraints Constraints       `json:"constraints,omitempty" mapstructure:"constraints"`
	Config      map[string]any    `json:"config,omitempty" mapstructure:"config"`
	Mode        Mode              `json:"mode,omitempty" mapstructure:"mode"`
	Children    []*ExecutorConfig `json:"children,omitempty" mapstructure:"children"`
	ModeConfig  map[string]any    `json:"modeConfig,omitempty" mapstructure:"modeConfig"`
	Extra       map[string]any    `json:"-" mapstructure:",remain"`
}

// IsComposite reports whether the config describes an orchestrator.
func (c *ExecutorConfig) IsComposite() bool {
	return c.Type == TypeComposite
}

// ChildByID returns the child config with the given id, or nil.
func (c *ExecutorConfig) ChildByID(id string) *ExecutorConfig {
	for _, child := range c.Children {
		if child.ID == id {
			return child
		}
	}
	return nil
}

// DisplayName returns the name, falling back to the id.
func (c *ExecutorConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// knownTypes and knownModes gate configs before execution starts.
var knownTypes = map[Type]struct{}{
	TypeAgent:     {},
	TypeHTTP:      {},
	TypeTool:      {},
	TypeScript:    {},
	TypeComposite: {},
}

var knownModes = map[Mode]struct{}{
	ModeSerial:   {},
	ModeParallel: {},
	ModeRouter:   {},
	ModeLoop:     {},
	ModeDAG:      {},
}

// Validate checks the config tree for structural errors: missing ids,
// unknown types or modes, and duplicate child ids. It returns an ErrorList
// with every problem found.
func (c *ExecutorConfig) Validate() error {
	var errs ErrorList
	c.validateInto(&errs)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *ExecutorConfig) validateInto(errs *ErrorList) {
	if c.ID == "" {
		*errs = append(*errs, NewValidationError("id", nil, ErrConfigIDRequired))
	}
	if c.Type == "" {
		*errs = append(*errs, NewValidationError("type", nil, ErrConfigTypeRequired))
	} else if _, ok := knownTypes[c.Type]; !ok {
		*errs = append(*errs, NewValidationError("type", c.Type, ErrUnknownType))
	}

	if !c.IsComposite() {
		return
	}

	if c.Mode == "" {
		*errs = append(*errs, NewValidationError("mode", nil, ErrModeRequired))
	} else if _, ok := knownModes[c.Mode]; !ok {
		*errs = append(*errs, NewValidationError("mode", c.Mode, ErrUnknownMode))
	}

	seen := make(map[string]struct{}, len(c.Children))
	for _, child := range c.Children {
		if child.ID != "" {
			if _, dup := seen[child.ID]; dup {
				*errs = append(*errs, NewValidationError(
					fmt.Sprintf("children[%s]", child.ID), nil, ErrDuplicateChildID,
				))
			}
			seen[child.ID] = struct{}{}
		}
		child.validateInto(errs)
	}
}

// ParallelConfig is the modeConfig shape for parallel orchestrators.
type ParallelConfig struct {
	MaxConcurrency int           `json:"maxConcurrency,omitempty" mapstructure:"maxConcurrency"`
	MergeStrategy  MergeStrategy `json:"mergeStrategy,omitempty" mapstructure:"mergeStrategy"`
}

// RouterConfig is the modeConfig shape for router orchestrators.
type RouterConfig struct {
	Strategy      RouteStrategy `json:"strategy,omitempty" mapstructure:"strategy"`
	Rules         []RouteRule   `json:"rules,omitempty" mapstructure:"rules"`
	RouterChildID string        `json:"routerChildId,omitempty" mapstructure:"routerChildId"`
}

// RouteRule pairs a condition with the id of the child to dispatch to.
type RouteRule struct {
	Condition string `json:"condition" mapstructure:"condition"`
	Target    string `json:"target" mapstructure:"target"`
}

// LoopConfig is the modeConfig shape for loop orchestrators.
type LoopConfig struct {
	MaxIterations    int    `json:"maxIterations,omitempty" mapstructure:"maxIterations"`
	ExitCondition    string `json:"exitCondition,omitempty" mapstructure:"exitCondition"`
	IterationDelayMs int    `json:"iterationDelayMs,omitempty" mapstructure:"iterationDelayMs"`
	CollectResults   bool   `json:"collectResults,omitempty" mapstructure:"collectResults"`
}

// DAGConfig is the modeConfig shape for dag orchestrators.
type DAGConfig struct {
	Edges          []Edge `json:"edges,omitempty" mapstructure:"edges"`
	MaxConcurrency int    `json:"maxConcurrency,omitempty" mapstructure:"maxConcurrency"`
}

// Edge is one dependency arrow between two child ids.
type Edge struct {
	From string `json:"from" mapstructure:"from"`
	To   string `json:"to" mapstructure:"to"`
}
