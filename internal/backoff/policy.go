// Package backoff provides retry policies and a context-aware retry loop
// for transient failures, such as driver requests that hit rate limits.
package backoff

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRetriesExhausted is returned when the maximum number of retries has
// been reached.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy computes the wait before the next retry, or reports that no
// more retries should be attempted. retryCount is zero-based.
type RetryPolicy interface {
	ComputeNextInterval(retryCount int, elapsed time.Duration) (time.Duration, error)
}

const (
	defaultBackoffFactor = 2.0
	defaultMaxInterval   = 10 * time.Second
)

// ExponentialBackoffPolicy grows the interval by BackoffFactor after each
// retry, capped at MaxInterval. MaxRetries of 0 means unlimited.
type ExponentialBackoffPolicy struct {
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	MaxRetries      int
}

// NewExponentialBackoffPolicy creates an exponential policy with factor 2
// and a 10s interval cap.
func NewExponentialBackoffPolicy(initialInterval time.Duration) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		InitialInterval: initialInterval,
		BackoffFactor:   defaultBackoffFactor,
		MaxInterval:     defaultMaxInterval,
	}
}

func (p *ExponentialBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	interval := float64(p.InitialInterval) * math.Pow(p.BackoffFactor, float64(retryCount))
	if p.MaxInterval > 0 && interval > float64(p.MaxInterval) {
		interval = float64(p.MaxInterval)
	}
	return time.Duration(interval), nil
}

// ConstantBackoffPolicy waits the same interval between retries.
type ConstantBackoffPolicy struct {
	Interval   time.Duration
	MaxRetries int
}

// NewConstantBackoffPolicy creates a constant policy with unlimited
// retries.
func NewConstantBackoffPolicy(interval time.Duration) *ConstantBackoffPolicy {
	return &ConstantBackoffPolicy{Interval: interval}
}

func (p *ConstantBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	return p.Interval, nil
}

// LinearBackoffPolicy grows the interval by Increment after each retry,
// capped at MaxInterval.
type LinearBackoffPolicy struct {
	InitialInterval time.Duration
	Increment       time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
}

// NewLinearBackoffPolicy creates a linear policy with a 10s interval cap.
func NewLinearBackoffPolicy(initialInterval, increment time.Duration) *LinearBackoffPolicy {
	return &LinearBackoffPolicy{
		InitialInterval: initialInterval,
		Increment:       increment,
		MaxInterval:     defaultMaxInterval,
	}
}

func (p *LinearBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	interval := p.InitialInterval + time.Duration(retryCount)*p.Increment
	if p.MaxInterval > 0 && interval > p.MaxInterval {
		interval = p.MaxInterval
	}
	return interval, nil
}

// Retrier tracks retry state across attempts of one operation.
type Retrier struct {
	policy     RetryPolicy
	retryCount int
	startTime  time.Time
	mu         sync.Mutex
}

// NewRetrier creates a Retrier for the policy.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{policy: policy}
}

// Next computes the next retry interval and advances the retry counter.
func (r *Retrier) Next() (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startTime.IsZero() {
		r.startTime = time.Now()
	}
	interval, err := r.policy.ComputeNextInterval(r.retryCount, time.Since(r.startTime))
	if err != nil {
		return 0, err
	}
	r.retryCount++
	return interval, nil
}

// Reset returns the retrier to its initial state.
func (r *Retrier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCount = 0
	r.startTime = time.Time{}
}
