// Package retry wraps collaborator calls in a bounded, jittered retry loop.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/metrics"
	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// Policy decides how often and how long to retry transient failures.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// ShouldRetry reports whether another attempt is allowed after err on the
// given 1-based attempt. Only errors marked transient are retried.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return publishing.IsTransient(err)
}

// Backoff returns the wait before the attempt that follows attempt: half the
// exponential delay plus up to half again of jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Retrier runs calls under a Policy.
type Retrier struct {
	policy  Policy
	sleeper publishing.Sleeper
	logger  *zap.Logger
}

// New constructs a Retrier. A policy with MaxAttempts < 1 makes a single
// attempt.
func New(policy Policy, sleeper publishing.Sleeper, logger *zap.Logger) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{policy: policy, sleeper: sleeper, logger: logger}
}

// Do calls fn until it succeeds, fails permanently, or runs out of attempts.
// The last error is returned unchanged.
func Do[T any](ctx context.Context, r *Retrier, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !r.policy.ShouldRetry(err, attempt) {
			return zero, err
		}
		wait := r.policy.Backoff(attempt)
		metrics.ObserveRetry(op)
		r.logger.Debug("retrying transient failure",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if sleepErr := r.sleeper.Sleep(ctx, wait); sleepErr != nil {
			return zero, err
		}
	}
}
