package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/eval"
	"github.com/kumo-org/kumo/internal/execution"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

func init() {
	RegisterOrchestrator(core.ModeRouter, newRouter)
}

// maxRouteRules guards against degenerate configs.
const maxRouteRules = 1000

// compiledRule pairs a compiled condition with its target child id.
type compiledRule struct {
	condition *eval.Condition
	target    string
}

// routerOrchestrator picks exactly one child per invocation, either by
// walking rule conditions in order or by asking a designated agent child,
// then dispatches the pick with the original input.
type routerOrchestrator struct {
	cfg         *core.ExecutorConfig
	children    []child
	strategy    core.RouteStrategy
	rules       []compiledRule
	routerChild int
}

func newRouter(cfg *core.ExecutorConfig, f *Factory) (Executor, error) {
	children, err := buildChildren(cfg, f)
	if err != nil {
		return nil, err
	}

	var mode core.RouterConfig
	if err := decodeModeConfig(cfg.ModeConfig, &mode); err != nil {
		return nil, core.NewValidationError("modeConfig", cfg.ModeConfig, err)
	}
	if mode.Strategy == "" {
		mode.Strategy = core.RouteByRule
	}

	o := &routerOrchestrator{
		cfg:         cfg,
		children:    children,
		strategy:    mode.Strategy,
		routerChild: -1,
	}

	switch mode.Strategy {
	case core.RouteByRule:
		if len(mode.Rules) > maxRouteRules {
			return nil, core.NewValidationError("modeConfig.rules", len(mode.Rules),
				fmt.Errorf("rule count exceeds %d", maxRouteRules))
		}
		o.rules = make([]compiledRule, 0, len(mode.Rules))
		for _, rule := range mode.Rules {
			cond, err := eval.CompileCondition(rule.Condition)
			if err != nil {
				// A malformed condition never matches; the config still
				// loads so the remaining rules work.
				logger.Warn(context.Background(), "Router condition does not compile; rule will never match",
					tag.Node(cfg.ID),
					tag.Condition(rule.Condition),
					tag.Error(err),
				)
			}
			o.rules = append(o.rules, compiledRule{condition: cond, target: rule.Target})
		}

	case core.RouteByLLM:
		// The routing agent must be named explicitly; inferring it from
		// "the only agent child" breaks as soon as a second agent appears.
		if mode.RouterChildID == "" {
			return nil, core.NewValidationError("modeConfig.routerChildId", nil, core.ErrRouterChildRequired)
		}
		idx := childIndexByID(children, mode.RouterChildID)
		if idx < 0 {
			return nil, core.NewValidationError("modeConfig.routerChildId", mode.RouterChildID, core.ErrRouterChildUnknown)
		}
		if children[idx].cfg.Type != core.TypeAgent {
			return nil, core.NewValidationError("modeConfig.routerChildId", mode.RouterChildID,
				fmt.Errorf("router child must have type %q", core.TypeAgent))
		}
		o.routerChild = idx

	default:
		return nil, core.NewValidationError("modeConfig.strategy", mode.Strategy, core.ErrUnknownMode)
	}

	return o, nil
}

func (o *routerOrchestrator) Execute(ctx context.Context, ec *execution.Context, input any) (*core.Result, error) {
	if err := ec.CheckCancelled(); err != nil {
		return nil, err
	}

	var (
		selected int
		err      error
	)
	switch o.strategy {
	case core.RouteByLLM:
		selected, err = o.selectByAgent(ctx, ec, input)
	default:
		selected, err = o.selectByRule(ctx, ec, input)
	}
	if err != nil {
		return nil, err
	}
	if selected < 0 {
		return core.Failed(nil, core.ErrorDetail{
			Code:    core.CodeNoRoute,
			Message: (&core.RouteError{Input: stringify(input)}).Error(),
		}), nil
	}

	target := o.children[selected]
	ec.Emit(ctx, core.EventExecutionProgress, map[string]any{
		"action":         "route",
		"selectedTarget": target.cfg.ID,
	})
	logger.Debug(ctx, "Router selected target",
		tag.Node(o.cfg.ID),
		tag.Target(target.cfg.ID),
	)

	return dispatch(ctx, ec, target, input)
}

// selectByRule walks the rules in order and returns the index of the first
// matching rule's target. No match falls back to the first child; no
// children at all yields -1.
func (o *routerOrchestrator) selectByRule(ctx context.Context, ec *execution.Context, input any) (int, error) {
	if len(o.children) == 0 {
		return -1, nil
	}

	text := stringify(input)
	vars := ec.Vars().Snapshot()

	for _, rule := range o.rules {
		if !rule.condition.Match(ctx, text, vars) {
			continue
		}
		idx := childIndexByID(o.children, rule.target)
		if idx < 0 {
			logger.Warn(ctx, "Rule target is not a child; skipping rule",
				tag.Node(o.cfg.ID),
				tag.Target(rule.target),
			)
			continue
		}
		return idx, nil
	}
	return 0, nil
}

// selectByAgent asks the designated agent child to pick a child id. The
// prompt lists the candidate children; the reply, trimmed, must equal one
// of their ids or the first candidate wins.
func (o *routerOrchestrator) selectByAgent(ctx context.Context, ec *execution.Context, input any) (int, error) {
	candidates := lo.Filter(o.children, func(_ child, i int) bool {
		return i != o.routerChild
	})
	if len(candidates) == 0 {
		return -1, nil
	}

	prompt := buildRoutePrompt(candidates, stringify(input))
	result, err := dispatch(ctx, ec, o.children[o.routerChild], prompt)
	if err != nil {
		return 0, err
	}

	reply := strings.TrimSpace(stringify(result.Output))
	if idx := childIndexByID(o.children, reply); idx >= 0 && idx != o.routerChild {
		return idx, nil
	}

	logger.Warn(ctx, "Router agent reply matched no child; using first candidate",
		tag.Node(o.cfg.ID),
		tag.Target(reply),
	)
	return childIndexByID(o.children, candidates[0].cfg.ID), nil
}

// buildRoutePrompt renders the routing question the agent child answers.
func buildRoutePrompt(candidates []child, input string) string {
	var b strings.Builder
	b.WriteString("Select the most suitable route for the input below. ")
	b.WriteString("Respond with exactly one route id and nothing else.\n\nRoutes:\n")
	for _, c := range candidates {
		b.WriteString("- ")
		b.WriteString(c.cfg.ID)
		if c.cfg.Name != "" {
			b.WriteString(": ")
			b.WriteString(c.cfg.Name)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nInput:\n")
	b.WriteString(input)
	return b.String()
}
