package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/execution"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

// child pairs a built executor with the config it was built from.
// Orchestrators resolve children once at construction time.
type child struct {
	cfg  *core.ExecutorConfig
	exec Executor
}

// buildChildren creates executors for every child config through the
// factory. The orchestrator keeps only this slice; the factory owns the
// instances.
func buildChildren(cfg *core.ExecutorConfig, f *Factory) ([]child, error) {
	children := make([]child, 0, len(cfg.Children))
	for _, cc := range cfg.Children {
		ex, err := f.Create(cc)
		if err != nil {
			return nil, fmt.Errorf("build child %q: %w", cc.ID, err)
		}
		children = append(children, child{cfg: cc, exec: ex})
	}
	return children, nil
}

// childIndexByID returns the position of the child with the given id, or -1.
func childIndexByID(children []child, id string) int {
	for i, c := range children {
		if c.cfg.ID == id {
			return i
		}
	}
	return -1
}

// dispatch runs one child under a fresh child context: cancellation check,
// node:start, execute, node:complete or node:error, result caching. It is
// the single path through which orchestrators (and the runtime, for the
// root) invoke nodes, so the per-node event pairing holds everywhere.
func dispatch(ctx context.Context, parent *execution.Context, c child, input any) (*core.Result, error) {
	if err := parent.CheckCancelled(); err != nil {
		return nil, err
	}

	ec := parent.CreateChild(c.cfg.ID)

	startPayload := map[string]any{
		"executorId":   c.cfg.ID,
		"executorType": string(c.cfg.Type),
	}
	if c.cfg.Name != "" {
		startPayload["name"] = c.cfg.Name
	}
	if c.cfg.Mode != "" {
		startPayload["mode"] = string(c.cfg.Mode)
	}
	if input != nil {
		startPayload["input"] = input
	}
	ec.Emit(ctx, core.EventNodeStart, startPayload)

	started := time.Now()
	result, err := c.exec.Execute(ctx, ec, input)
	if err != nil {
		ec.Emit(ctx, core.EventNodeError, map[string]any{
			"executorId": c.cfg.ID,
			"error":      err.Error(),
		})
		return nil, err
	}
	if result == nil {
		result = core.Succeeded(nil)
	}

	stampMetadata(result, c.cfg, started)
	parent.StoreResult(c.cfg.ID, result)

	ec.Emit(ctx, core.EventNodeComplete, map[string]any{
		"executorId": c.cfg.ID,
		"status":     result.Status.String(),
		"output":     result.Output,
	})
	return result, nil
}

// stampMetadata fills the invocation metadata an executor did not set
// itself.
func stampMetadata(result *core.Result, cfg *core.ExecutorConfig, started time.Time) {
	md := &result.Metadata
	if md.ExecutorID == "" {
		md.ExecutorID = cfg.ID
	}
	if md.ExecutorType == "" {
		md.ExecutorType = string(cfg.Type)
	}
	if md.StartedAt.IsZero() {
		md.StartedAt = started
	}
	if md.FinishedAt.IsZero() {
		md.FinishedAt = time.Now()
	}
	if md.Duration == 0 {
		md.Duration = md.FinishedAt.Sub(md.StartedAt)
	}
}

// decodeModeConfig decodes a modeConfig (or executor config) map into its
// typed shape. Weak typing lets YAML/JSON numbers and strings cross into
// int and bool fields the way definition files write them.
func decodeModeConfig(src map[string]any, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      false,
		Result:           dst,
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(src); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// stringify renders an input value the way rule conditions and prompts see
// it: strings pass through, everything else becomes compact JSON.
func stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case []byte:
		return string(tv)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// warnChildError logs a child failure an orchestrator absorbed into its own
// result.
func warnChildError(ctx context.Context, ec *execution.Context, childID string, err error) {
	logger.Warn(ctx, "Child execution failed",
		tag.ExecID(ec.ExecutionID()),
		tag.Node(childID),
		tag.Error(err),
	)
}
