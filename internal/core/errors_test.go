package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCancellation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"Nil", nil, false},
		{"CancellationError", NewCancellationError("stop"), true},
		{"WrappedCancellation", NewValidationError("f", nil, NewCancellationError("")), true},
		{"ContextCanceled", context.Canceled, true},
		{"ContextDeadline", context.DeadlineExceeded, true},
		{"PlainError", errors.New("boom"), false},
		{"ExecutionError", NewExecutionError("boom", nil), false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsCancellation(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	t.Run("ValidationIncludesFieldAndValue", func(t *testing.T) {
		t.Parallel()

		err := NewValidationError("type", "mystery", ErrUnknownType)
		assert.Equal(t, "field 'type': unknown executor type (value: mystery)", err.Error())

		noValue := NewValidationError("id", nil, ErrConfigIDRequired)
		assert.Equal(t, "field 'id': executor id must be specified", noValue.Error())
		assert.ErrorIs(t, noValue, ErrConfigIDRequired)
	})

	t.Run("CancellationWithAndWithoutReason", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, "execution cancelled", NewCancellationError("").Error())
		assert.Equal(t, "execution cancelled: timed out", NewCancellationError("timed out").Error())
	})

	t.Run("DAGErrorNamesNode", func(t *testing.T) {
		t.Parallel()

		err := &DAGError{Code: CodeNodeError, NodeID: "fetch", Err: errors.New("boom")}
		assert.Equal(t, "node_error: node fetch: boom", err.Error())

		structural := &DAGError{Code: CodeInvalidDAG, Err: errors.New("cycle detected")}
		assert.Equal(t, "invalid_dag: cycle detected", structural.Error())
	})

	t.Run("LoopErrorUnwraps", func(t *testing.T) {
		t.Parallel()

		inner := errors.New("child failed")
		err := &LoopError{Iteration: 3, Err: inner}
		assert.Equal(t, "loop iteration 3: child failed", err.Error())
		assert.ErrorIs(t, err, inner)
	})

	t.Run("ErrorListJoinsWithSemicolons", func(t *testing.T) {
		t.Parallel()

		list := ErrorList{ErrConfigIDRequired, ErrModeRequired}
		assert.Equal(t,
			"executor id must be specified; composite executor requires a mode",
			list.Error())
		assert.ErrorIs(t, list, ErrModeRequired)
	})
}

func TestDriverErrorRecoverable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status      int
		recoverable bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
		{0, false},
	}
	for _, tc := range tests {
		err := &DriverError{StatusCode: tc.status, Message: "m"}
		assert.Equal(t, tc.recoverable, err.Recoverable(), "status %d", tc.status)
	}
}

func TestDetailFromError(t *testing.T) {
	t.Parallel()

	t.Run("NilBecomesUnknown", func(t *testing.T) {
		t.Parallel()

		detail := DetailFromError(nil)
		assert.Equal(t, CodeExecution, detail.Code)
		assert.Equal(t, "unknown error", detail.Message)
	})

	t.Run("CancellationWinsOverWrapping", func(t *testing.T) {
		t.Parallel()

		detail := DetailFromError(NewCancellationError("operator request"))
		assert.Equal(t, CodeCancelled, detail.Code)
		assert.Contains(t, detail.Message, "operator request")

		detail = DetailFromError(context.DeadlineExceeded)
		assert.Equal(t, CodeCancelled, detail.Code)
	})

	t.Run("ValidationError", func(t *testing.T) {
		t.Parallel()

		detail := DetailFromError(NewValidationError("mode", nil, ErrModeRequired))
		assert.Equal(t, CodeValidation, detail.Code)
	})

	t.Run("ExecutionErrorKeepsCodeAndRecoverable", func(t *testing.T) {
		t.Parallel()

		detail := DetailFromError(&ExecutionError{
			Code:        CodeLoop,
			Message:     "gave up",
			Recoverable: true,
		})
		assert.Equal(t, CodeLoop, detail.Code)
		assert.True(t, detail.Recoverable)
	})

	t.Run("DriverErrorCarriesStatusCode", func(t *testing.T) {
		t.Parallel()

		detail := DetailFromError(&DriverError{StatusCode: 503, Message: "unavailable"})
		assert.Equal(t, CodeDriver, detail.Code)
		assert.True(t, detail.Recoverable)
		assert.Equal(t, 503, detail.Context["statusCode"])
	})

	t.Run("DAGErrorCarriesNodeID", func(t *testing.T) {
		t.Parallel()

		detail := DetailFromError(&DAGError{Code: CodeNodeError, NodeID: "fetch", Err: errors.New("boom")})
		assert.Equal(t, CodeNodeError, detail.Code)
		assert.Equal(t, "fetch", detail.Context["nodeId"])
	})

	t.Run("LoopErrorCarriesIteration", func(t *testing.T) {
		t.Parallel()

		detail := DetailFromError(&LoopError{Iteration: 2, Err: errors.New("boom")})
		assert.Equal(t, CodeLoop, detail.Code)
		assert.Equal(t, 2, detail.Context["iteration"])
	})

	t.Run("RouteError", func(t *testing.T) {
		t.Parallel()

		detail := DetailFromError(&RouteError{Input: "unmatched"})
		assert.Equal(t, CodeNoRoute, detail.Code)
	})

	t.Run("PlainErrorFallsBack", func(t *testing.T) {
		t.Parallel()

		detail := DetailFromError(errors.New("ad hoc"))
		assert.Equal(t, CodeExecution, detail.Code)
		assert.Equal(t, "ad hoc", detail.Message)
		assert.False(t, detail.Recoverable)
	})
}
