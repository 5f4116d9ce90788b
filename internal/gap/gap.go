// Package gap spaces out publishes to the same profile by a randomized delay
// drawn from the profile's gap window.
package gap

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/JakeFAU/autopublisher/internal/metrics"
	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// Scheduler tracks, per profile, the earliest time the next publish may
// happen. It is safe for concurrent use.
type Scheduler struct {
	clock   publishing.Clock
	sleeper publishing.Sleeper
	intn    func(n int) int

	mu       sync.Mutex
	earliest map[string]time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithIntN replaces the random source; intn must return a value in [0, n).
func WithIntN(intn func(n int) int) Option {
	return func(s *Scheduler) { s.intn = intn }
}

// New constructs a Scheduler.
func New(clock publishing.Clock, sleeper publishing.Sleeper, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    clock,
		sleeper:  sleeper,
		intn:     rand.IntN,
		earliest: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextDelay draws a whole number of minutes uniformly from
// [MinGapMinutes, MaxGapMinutes].
func (s *Scheduler) NextDelay(p publishing.Profile) time.Duration {
	lo, hi := p.MinGapMinutes, p.MaxGapMinutes
	if hi < lo {
		hi = lo
	}
	minutes := lo
	if hi > lo {
		minutes += s.intn(hi - lo + 1)
	}
	return time.Duration(minutes) * time.Minute
}

// MarkPublished records a publish at the given time and returns the earliest
// time the profile may publish again.
func (s *Scheduler) MarkPublished(p publishing.Profile, at time.Time) time.Time {
	next := at.Add(s.NextDelay(p))
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.earliest[p.ID]; !ok || next.After(cur) {
		s.earliest[p.ID] = next
	}
	return next
}

// Observe seeds the schedule from a persisted last publish time, for runs
// resumed after a restart. It never moves an existing deadline earlier.
func (s *Scheduler) Observe(p publishing.Profile, lastPostAt time.Time) {
	if lastPostAt.IsZero() {
		return
	}
	s.MarkPublished(p, lastPostAt)
}

// NotBefore returns the earliest next publish time for the profile, or the
// zero time when the profile has not published.
func (s *Scheduler) NotBefore(profileID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.earliest[profileID]
}

// WaitTurn blocks until the profile may publish again. It returns the time
// spent waiting, or the context error when ctx ends first.
func (s *Scheduler) WaitTurn(ctx context.Context, profileID string) (time.Duration, error) {
	deadline := s.NotBefore(profileID)
	wait := deadline.Sub(s.clock.Now())
	if wait <= 0 {
		return 0, nil
	}
	err := s.sleeper.Sleep(ctx, wait)
	metrics.ObserveGapWait(wait)
	if err != nil {
		return 0, fmt.Errorf("gap wait for %s: %w", profileID, err)
	}
	return wait, nil
}
