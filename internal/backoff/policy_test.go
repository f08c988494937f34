package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffPolicy(t *testing.T) {
	t.Parallel()

	t.Run("DoublesEachRetry", func(t *testing.T) {
		t.Parallel()

		policy := NewExponentialBackoffPolicy(100 * time.Millisecond)
		want := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
		}
		for i, expected := range want {
			interval, err := policy.ComputeNextInterval(i, 0)
			require.NoError(t, err)
			assert.Equal(t, expected, interval)
		}
	})

	t.Run("CapsAtMaxInterval", func(t *testing.T) {
		t.Parallel()

		policy := NewExponentialBackoffPolicy(1 * time.Second)
		interval, err := policy.ComputeNextInterval(10, 0)
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, interval)
	})

	t.Run("ExhaustsAfterMaxRetries", func(t *testing.T) {
		t.Parallel()

		policy := &ExponentialBackoffPolicy{
			InitialInterval: time.Millisecond,
			BackoffFactor:   2.0,
			MaxRetries:      2,
		}
		_, err := policy.ComputeNextInterval(0, 0)
		require.NoError(t, err)
		_, err = policy.ComputeNextInterval(1, 0)
		require.NoError(t, err)
		_, err = policy.ComputeNextInterval(2, 0)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	})

	t.Run("ZeroMaxRetriesIsUnlimited", func(t *testing.T) {
		t.Parallel()

		policy := NewExponentialBackoffPolicy(time.Millisecond)
		_, err := policy.ComputeNextInterval(1000, 0)
		assert.NoError(t, err)
	})
}

func TestConstantBackoffPolicy(t *testing.T) {
	t.Parallel()

	policy := NewConstantBackoffPolicy(250 * time.Millisecond)
	for i := 0; i < 4; i++ {
		interval, err := policy.ComputeNextInterval(i, 0)
		require.NoError(t, err)
		assert.Equal(t, 250*time.Millisecond, interval)
	}

	limited := &ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 1}
	_, err := limited.ComputeNextInterval(1, 0)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestLinearBackoffPolicy(t *testing.T) {
	t.Parallel()

	t.Run("GrowsByIncrement", func(t *testing.T) {
		t.Parallel()

		policy := NewLinearBackoffPolicy(100*time.Millisecond, 50*time.Millisecond)
		want := []time.Duration{
			100 * time.Millisecond,
			150 * time.Millisecond,
			200 * time.Millisecond,
		}
		for i, expected := range want {
			interval, err := policy.ComputeNextInterval(i, 0)
			require.NoError(t, err)
			assert.Equal(t, expected, interval)
		}
	})

	t.Run("CapsAtMaxInterval", func(t *testing.T) {
		t.Parallel()

		policy := NewLinearBackoffPolicy(time.Second, time.Second)
		interval, err := policy.ComputeNextInterval(100, 0)
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, interval)
	})
}

func TestRetrier(t *testing.T) {
	t.Parallel()

	t.Run("AdvancesThroughPolicy", func(t *testing.T) {
		t.Parallel()

		retrier := NewRetrier(&ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 2})

		_, err := retrier.Next()
		require.NoError(t, err)
		_, err = retrier.Next()
		require.NoError(t, err)
		_, err = retrier.Next()
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	})

	t.Run("ResetStartsOver", func(t *testing.T) {
		t.Parallel()

		retrier := NewRetrier(&ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 1})

		_, err := retrier.Next()
		require.NoError(t, err)
		_, err = retrier.Next()
		require.ErrorIs(t, err, ErrRetriesExhausted)

		retrier.Reset()
		_, err = retrier.Next()
		assert.NoError(t, err)
	})
}
