package core

import "time"

// Result is what every executor invocation returns. Output is opaque to
// the kernel; orchestrators pass it along as the next node's input.
type Result struct {
	Status   Status        `json:"status"`
	Output   any           `json:"output"`
	Control  Control       `json:"control"`
	Metadata Metadata      `json:"metadata,omitempty"`
	Errors   []ErrorDetail `json:"errors,omitempty"`
}

// Metadata describes one invocation for observers. Orchestrators add the
// fields that apply to their discipline and leave the rest zero.
type Metadata struct {
	ExecutorID   string        `json:"executorId,omitempty"`
	ExecutorType string        `json:"executorType,omitempty"`
	StartedAt    time.Time     `json:"startTime,omitzero"`
	FinishedAt   time.Time     `json:"endTime,omitzero"`
	Duration     time.Duration `json:"duration,omitempty"`
	TokenUsage   *TokenUsage   `json:"tokenUsage,omitempty"`
	RetryCount   int           `json:"retryCount,omitempty"`
	Iterations   int           `json:"totalIterations,omitempty"`
	Nodes        *NodeCounts   `json:"nodes,omitempty"`
}

// NodeCounts summarizes terminal node states after a DAG run.
type NodeCounts struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// TokenUsage reports model token consumption for agent nodes.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// FirstError returns the first error record, or a zero detail.
func (r *Result) FirstError() ErrorDetail {
	if len(r.Errors) > 0 {
		return r.Errors[0]
	}
	return ErrorDetail{}
}

// HasRecoverableError reports whether any error record is marked
// recoverable. Serial composites use it to decide inline retry.
func (r *Result) HasRecoverableError() bool {
	for _, e := range r.Errors {
		if e.Recoverable {
			return true
		}
	}
	return false
}

// Succeeded builds a success result with the neutral continue directive.
func Succeeded(output any) *Result {
	return &Result{Status: StatusSuccess, Output: output, Control: Continue()}
}

// Failed builds a failed result carrying the given error records.
func Failed(output any, details ...ErrorDetail) *Result {
	return &Result{
		Status:  StatusFailed,
		Output:  output,
		Control: End(),
		Errors:  details,
	}
}

// FailedFromError builds a failed result from a single error value.
func FailedFromError(err error) *Result {
	return Failed(nil, DetailFromError(err))
}

// Cancelled builds the result the runtime returns when cancellation
// reaches the top.
func Cancelled(reason string) *Result {
	detail := ErrorDetail{Code: CodeCancelled, Message: "execution cancelled"}
	if reason != "" {
		detail.Context = map[string]any{"reason": reason}
	}
	return &Result{
		Status:  StatusCancelled,
		Control: Control{Action: ActionEnd, Reason: reason},
		Errors:  []ErrorDetail{detail},
	}
}
