package executor

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/execution"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

func init() {
	RegisterOrchestrator(core.ModeDAG, newDAG)
}

// dagNode is the per-run scheduling record for one child of a DAG
// orchestrator. The scheduler goroutine owns all state transitions; worker
// goroutines only report outcomes over a channel.
type dagNode struct {
	id           string
	index        int
	state        core.NodeState
	dependencies []string
	dependents   []string
	result       *core.Result
}

// dagOutcome is what a worker reports back to the scheduler loop.
type dagOutcome struct {
	id     string
	result *core.Result
	err    error
}

// dagOrchestrator schedules children by topological readiness with bounded
// parallelism. A failed node marks its transitive dependents skipped; sink
// outputs form the composite output.
type dagOrchestrator struct {
	cfg      *core.ExecutorConfig
	children []child
	edges    []core.Edge
	maxConc  int
}

func newDAG(cfg *core.ExecutorConfig, f *Factory) (Executor, error) {
	children, err := buildChildren(cfg, f)
	if err != nil {
		return nil, err
	}

	var mode core.DAGConfig
	if err := decodeModeConfig(cfg.ModeConfig, &mode); err != nil {
		return nil, core.NewValidationError("modeConfig", cfg.ModeConfig, err)
	}
	maxConc := mode.MaxConcurrency
	if maxConc <= 0 {
		maxConc = core.DefaultDAGMaxConcurrency
	}

	return &dagOrchestrator{
		cfg:      cfg,
		children: children,
		edges:    mode.Edges,
		maxConc:  maxConc,
	}, nil
}

func (o *dagOrchestrator) Execute(ctx context.Context, ec *execution.Context, input any) (*core.Result, error) {
	if len(o.children) == 0 {
		return &core.Result{Status: core.StatusSuccess, Output: []any{}, Control: core.Continue()}, nil
	}
	if err := ec.CheckCancelled(); err != nil {
		return nil, err
	}

	nodes := o.buildNodes(ctx)
	if hasCycle(nodes) {
		return core.FailedFromError(&core.DAGError{
			Code: core.CodeInvalidDAG,
			Err:  fmt.Errorf("dependency edges form a cycle"),
		}), nil
	}

	if err := o.run(ctx, ec, nodes, input); err != nil {
		return nil, err
	}
	return o.collect(nodes), nil
}

// buildNodes initializes one scheduling record per child and wires the
// dependency arrows. Edges naming unknown children are dropped; they never
// create implicit nodes.
func (o *dagOrchestrator) buildNodes(ctx context.Context) map[string]*dagNode {
	nodes := make(map[string]*dagNode, len(o.children))
	for i, c := range o.children {
		nodes[c.cfg.ID] = &dagNode{id: c.cfg.ID, index: i, state: core.NodePending}
	}

	for _, edge := range o.edges {
		from, okFrom := nodes[edge.From]
		to, okTo := nodes[edge.To]
		if !okFrom || !okTo {
			logger.Warn(ctx, "Edge endpoint is not a child; dropping edge",
				tag.Node(o.cfg.ID),
				tag.Target(edge.From+"->"+edge.To),
			)
			continue
		}
		from.dependents = append(from.dependents, edge.To)
		to.dependencies = append(to.dependencies, edge.From)
	}

	for _, n := range nodes {
		if len(n.dependencies) == 0 {
			n.state = core.NodeReady
		}
	}
	return nodes
}

// hasCycle runs a depth-first search with a visiting set; any back-edge is
// a cycle.
func hasCycle(nodes map[string]*dagNode) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	colors := make(map[string]int, len(nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		switch colors[id] {
		case visiting:
			return true
		case done:
			return false
		}
		colors[id] = visiting
		for _, dep := range nodes[id].dependents {
			if visit(dep) {
				return true
			}
		}
		colors[id] = done
		return false
	}

	for id := range nodes {
		if colors[id] == unvisited && visit(id) {
			return true
		}
	}
	return false
}

// run drives the scheduling loop: start ready nodes up to the concurrency
// cap, wait for an outcome, update readiness or cascade skips, repeat until
// nothing is running and nothing is ready.
func (o *dagOrchestrator) run(ctx context.Context, ec *execution.Context, nodes map[string]*dagNode, input any) error {
	outcomes := make(chan dagOutcome, len(nodes))
	running := 0

	for {
		if err := ec.CheckCancelled(); err != nil {
			// Wait out in-flight workers so none outlive the composite.
			for ; running > 0; running-- {
				<-outcomes
			}
			return err
		}

		for _, node := range readyNodes(nodes, o.children) {
			if running >= o.maxConc {
				break
			}
			node.state = core.NodeRunning
			running++
			go o.runNode(ctx, ec, node, o.nodeInput(ec, nodes, node, input), outcomes)
		}

		if running == 0 {
			break
		}

		outcome := <-outcomes
		running--
		o.applyOutcome(ctx, ec, nodes, outcome)
	}
	return nil
}

// readyNodes returns ready nodes in config order so start order is
// deterministic under the concurrency cap.
func readyNodes(nodes map[string]*dagNode, children []child) []*dagNode {
	ready := make([]*dagNode, 0, len(children))
	for _, c := range children {
		if n := nodes[c.cfg.ID]; n.state == core.NodeReady {
			ready = append(ready, n)
		}
	}
	return ready
}

// nodeInput computes what a node receives: roots get the orchestrator's
// input, single-dependency nodes get that dependency's output, and nodes
// with several dependencies get an id-keyed mapping of outputs.
func (o *dagOrchestrator) nodeInput(ec *execution.Context, nodes map[string]*dagNode, node *dagNode, input any) any {
	switch len(node.dependencies) {
	case 0:
		// Mirror the input into the id-keyed slot so roots read uniformly
		// with inner nodes.
		ec.Vars().Set(node.id, input)
		return input
	case 1:
		dep := nodes[node.dependencies[0]]
		if dep.result != nil {
			return dep.result.Output
		}
		return nil
	default:
		inputs := make(map[string]any, len(node.dependencies))
		for _, depID := range node.dependencies {
			if dep := nodes[depID]; dep.result != nil {
				inputs[depID] = dep.result.Output
			} else {
				inputs[depID] = nil
			}
		}
		return inputs
	}
}

// runNode executes one child in a worker goroutine and reports the outcome.
func (o *dagOrchestrator) runNode(ctx context.Context, ec *execution.Context, node *dagNode, input any, outcomes chan<- dagOutcome) {
	result, err := dispatch(ctx, ec, o.children[node.index], input)
	outcomes <- dagOutcome{id: node.id, result: result, err: err}
}

// applyOutcome transitions the finished node and updates its dependents:
// completion may make them ready, failure skips their transitive closure.
func (o *dagOrchestrator) applyOutcome(ctx context.Context, ec *execution.Context, nodes map[string]*dagNode, outcome dagOutcome) {
	node := nodes[outcome.id]
	node.result = outcome.result

	succeeded := outcome.err == nil &&
		outcome.result != nil &&
		outcome.result.Status == core.StatusSuccess

	if !succeeded {
		node.state = core.NodeFailed
		if outcome.err != nil {
			warnChildError(ctx, ec, node.id, outcome.err)
			node.result = failedChildResult(o.children[node.index].cfg, outcome.err)
		}
		skipDependents(nodes, node)
		return
	}

	node.state = core.NodeCompleted
	ec.Vars().Set(node.id, outcome.result.Output)

	for _, depID := range node.dependents {
		dependent := nodes[depID]
		if dependent.state != core.NodePending {
			continue
		}
		allDone := lo.EveryBy(dependent.dependencies, func(id string) bool {
			return nodes[id].state == core.NodeCompleted
		})
		if allDone {
			dependent.state = core.NodeReady
		}
	}
}

// skipDependents walks the transitive closure of a failed node's
// dependents and marks every pending one skipped. Terminal and running
// nodes are left alone.
func skipDependents(nodes map[string]*dagNode, failed *dagNode) {
	queue := append([]string(nil), failed.dependents...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node := nodes[id]
		if node.state != core.NodePending && node.state != core.NodeReady {
			continue
		}
		node.state = core.NodeSkipped
		queue = append(queue, node.dependents...)
	}
}

// collect assembles the composite result: sink outputs in config order
// (unwrapped when there is exactly one sink), partial status when any node
// failed, and terminal-state counts in the metadata.
func (o *dagOrchestrator) collect(nodes map[string]*dagNode) *core.Result {
	var (
		sinks   []any
		details []core.ErrorDetail
		counts  core.NodeCounts
	)

	for _, c := range o.children {
		node := nodes[c.cfg.ID]
		switch node.state {
		case core.NodeCompleted:
			counts.Completed++
		case core.NodeFailed:
			counts.Failed++
			if node.result != nil {
				details = append(details, node.result.Errors...)
			}
		case core.NodeSkipped:
			counts.Skipped++
		}

		if len(node.dependents) == 0 {
			if node.result != nil {
				sinks = append(sinks, node.result.Output)
			} else {
				sinks = append(sinks, nil)
			}
		}
	}

	status := core.StatusSuccess
	if counts.Failed > 0 {
		status = core.StatusPartial
	}

	var output any = sinks
	if len(sinks) == 1 {
		output = sinks[0]
	}

	return &core.Result{
		Status:   status,
		Output:   output,
		Control:  core.Continue(),
		Errors:   details,
		Metadata: core.Metadata{Nodes: &counts},
	}
}
