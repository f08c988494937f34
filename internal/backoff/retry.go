package backoff

import (
	"context"
	"time"

	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

type (
	// Operation is the unit of work to retry.
	Operation func(ctx context.Context) error

	// IsRetriableFunc checks if an error is worth retrying.
	IsRetriableFunc func(err error) bool
)

// Retry executes the operation under the policy until it succeeds, the
// policy exhausts, a non-retriable error occurs, or the context is done.
// A nil isRetriable treats every error as retriable. On exhaustion the
// operation's last error is returned, not ErrRetriesExhausted.
func Retry(ctx context.Context, op Operation, policy RetryPolicy, isRetriable IsRetriableFunc) error {
	if isRetriable == nil {
		isRetriable = func(_ error) bool { return true }
	}

	retrier := NewRetrier(policy)
	attempt := 0

	for {
		attempt++

		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !isRetriable(err) {
			return err
		}

		interval, retryErr := retrier.Next()
		if retryErr != nil {
			logger.Debug(ctx, "Retry attempts exhausted",
				tag.Attempt(attempt),
				tag.Error(err),
			)
			return err
		}
		if interval <= 0 {
			interval = 100 * time.Millisecond
		}

		logger.Debug(ctx, "Operation failed; scheduling retry",
			tag.Attempt(attempt),
			tag.Duration(interval),
			tag.Error(err),
		)

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
