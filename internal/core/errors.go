package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes carried in result error records and event payloads.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeCancelled  = "CANCELLED"
	CodeExecution  = "EXECUTION_ERROR"
	CodeDriver     = "DRIVER_ERROR"
	CodeInvalidDAG = "INVALID_DAG"
	CodeNodeError  = "NODE_ERROR"
	CodeLoop       = "LOOP_ERROR"
	CodeNoRoute    = "NO_ROUTE"
)

// Errors on validating a configuration tree.
var (
	ErrConfigIDRequired    = errors.New("executor id must be specified")
	ErrConfigTypeRequired  = errors.New("executor type must be specified")
	ErrUnknownType         = errors.New("unknown executor type")
	ErrUnknownMode         = errors.New("unknown orchestrator mode")
	ErrModeRequired        = errors.New("composite executor requires a mode")
	ErrDuplicateChildID    = errors.New("child id must be unique within a composite")
	ErrRouterChildRequired = errors.New("router llm strategy requires routerChildId")
	ErrRouterChildUnknown  = errors.New("routerChildId does not match any child")
)

// ErrorDetail is the error record embedded in a Result. Context carries
// producer-specific fields such as the node id or HTTP status code.
type ErrorDetail struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	Context     map[string]any `json:"context,omitempty"`
}

// ErrorList collects multiple errors raised while validating a
// configuration tree.
type ErrorList []error

// Error implements the error interface. It returns a string with all the
// errors separated by a semicolon.
func (e ErrorList) Error() string {
	errStrings := make([]string, len(e))
	for i, err := range e {
		errStrings[i] = err.Error()
	}
	return strings.Join(errStrings, "; ")
}

// Unwrap allows errors.Is to check against each error in the list.
func (e ErrorList) Unwrap() []error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// ValidationError represents an error in a specific field of the
// configuration or input.
type ValidationError struct {
	Field string
	Value any
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("field '%s': %v", e.Field, e.Err)
	}
	return fmt.Sprintf("field '%s': %v (value: %+v)", e.Field, e.Err, e.Value)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError wraps an error with field context.
func NewValidationError(field string, value any, err error) error {
	return &ValidationError{Field: field, Value: value, Err: err}
}

// CancellationError signals that cooperative cancellation was observed.
// It propagates upward; orchestrators never swallow it.
type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return "execution cancelled"
	}
	return fmt.Sprintf("execution cancelled: %s", e.Reason)
}

// NewCancellationError creates a cancellation error with an optional reason.
func NewCancellationError(reason string) error {
	return &CancellationError{Reason: reason}
}

// IsCancellation reports whether err is (or wraps) a cancellation, either
// the kernel's own or one raised by a context deadline/cancel.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	var ce *CancellationError
	return errors.As(err, &ce) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ExecutionError is a generic failure in a node's own logic. Recoverable
// is set by the producer; serial composites use it to decide inline retry.
type ExecutionError struct {
	Code        string
	Message     string
	Recoverable bool
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError creates a non-recoverable execution error.
func NewExecutionError(message string, err error) error {
	return &ExecutionError{Code: CodeExecution, Message: message, Err: err}
}

// DriverError is an outbound-transport failure from the agent or http
// executors. Recoverability follows the status code.
type DriverError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *DriverError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("driver error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("driver error: %s", e.Message)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the failure is transient per the status code.
func (e *DriverError) Recoverable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// DAGError is a structural or per-node failure inside a DAG orchestrator.
// Structural errors (CodeInvalidDAG) prevent execution entirely.
type DAGError struct {
	Code   string
	NodeID string
	Err    error
}

func (e *DAGError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %v", strings.ToLower(e.Code), e.NodeID, e.Err)
	}
	return fmt.Sprintf("%s: %v", strings.ToLower(e.Code), e.Err)
}

func (e *DAGError) Unwrap() error {
	return e.Err
}

// LoopError terminates a loop orchestrator when a child raises.
type LoopError struct {
	Iteration int
	Err       error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("loop iteration %d: %v", e.Iteration, e.Err)
}

func (e *LoopError) Unwrap() error {
	return e.Err
}

// RouteError reports that a router found no applicable rule and had no
// default child to fall back to.
type RouteError struct {
	Input string
}

func (e *RouteError) Error() string {
	return "no route matched and no default child available"
}

// DetailFromError maps any error to the ErrorDetail embedded in results.
func DetailFromError(err error) ErrorDetail {
	switch {
	case err == nil:
		return ErrorDetail{Code: CodeExecution, Message: "unknown error"}
	case IsCancellation(err):
		return ErrorDetail{Code: CodeCancelled, Message: err.Error()}
	default:
	}

	var (
		ve *ValidationError
		ee *ExecutionError
		de *DriverError
		ge *DAGError
		le *LoopError
		re *RouteError
	)
	switch {
	case errors.As(err, &ve):
		return ErrorDetail{Code: CodeValidation, Message: ve.Error()}
	case errors.As(err, &ee):
		return ErrorDetail{Code: ee.Code, Message: ee.Error(), Recoverable: ee.Recoverable}
	case errors.As(err, &de):
		return ErrorDetail{
			Code:        CodeDriver,
			Message:     de.Error(),
			Recoverable: de.Recoverable(),
			Context:     map[string]any{"statusCode": de.StatusCode},
		}
	case errors.As(err, &ge):
		detail := ErrorDetail{Code: ge.Code, Message: ge.Error()}
		if ge.NodeID != "" {
			detail.Context = map[string]any{"nodeId": ge.NodeID}
		}
		return detail
	case errors.As(err, &le):
		return ErrorDetail{
			Code:    CodeLoop,
			Message: le.Error(),
			Context: map[string]any{"iteration": le.Iteration},
		}
	case errors.As(err, &re):
		return ErrorDetail{Code: CodeNoRoute, Message: re.Error()}
	default:
		return ErrorDetail{Code: CodeExecution, Message: err.Error()}
	}
}
