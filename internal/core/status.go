package core

// Status represents the outcome of one executor invocation.
type Status int

const (
	StatusNone Status = iota
	StatusSuccess
	StatusPartial
	StatusFailed
	StatusCancelled
)

// String returns the canonical lowercase token used across APIs, logs, and
// event payloads.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartial:
		return "partial"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsSuccess checks if the status indicates a (possibly partial) success.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess || s == StatusPartial
}

// MarshalJSON encodes the status as its canonical token.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a canonical status token.
func (s *Status) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"success"`:
		*s = StatusSuccess
	case `"partial"`:
		*s = StatusPartial
	case `"failed"`:
		*s = StatusFailed
	case `"cancelled"`:
		*s = StatusCancelled
	default:
		*s = StatusNone
	}
	return nil
}

// NodeState represents the scheduling state of one child inside a DAG
// orchestrator.
type NodeState int

const (
	NodePending NodeState = iota
	NodeReady
	NodeRunning
	NodeCompleted
	NodeFailed
	NodeSkipped
)

// String returns the canonical lowercase token for the node state.
func (s NodeState) String() string {
	switch s {
	case NodePending:
		return "pending"
	case NodeReady:
		return "ready"
	case NodeRunning:
		return "running"
	case NodeCompleted:
		return "completed"
	case NodeFailed:
		return "failed"
	case NodeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// IsTerminal checks if the node state is final.
func (s NodeState) IsTerminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}
