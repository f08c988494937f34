package core

// Action is the branching intent a node returns alongside its output.
type Action string

const (
	ActionContinue Action = "continue"
	ActionEnd      Action = "end"
	ActionRoute    Action = "route"
	ActionRetry    Action = "retry"
	ActionPause    Action = "pause"
	ActionCancel   Action = "cancel"
)

// Control carries the runner's branching intent back to the orchestrator
// that dispatched the node.
type Control struct {
	Action     Action `json:"action"`
	Target     string `json:"target,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RetryCount int    `json:"retryCount,omitempty"`
}

// Continue is the neutral directive: advance to the next child.
func Continue() Control {
	return Control{Action: ActionContinue}
}

// End stops the enclosing composite and returns the current result.
func End() Control {
	return Control{Action: ActionEnd}
}

// RouteTo jumps to the child with the given id on the next step.
func RouteTo(target string) Control {
	return Control{Action: ActionRoute, Target: target}
}
