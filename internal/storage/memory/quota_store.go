package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

type quotaKey struct {
	profileID string
	day       string
}

// QuotaStore holds daily counters. Reserve performs its check and increment
// under one lock so concurrent callers can never overshoot the limit.
type QuotaStore struct {
	mu     sync.Mutex
	counts map[quotaKey]int
}

// NewQuotaStore constructs an empty QuotaStore.
func NewQuotaStore() *QuotaStore {
	return &QuotaStore{counts: make(map[quotaKey]int)}
}

func keyFor(profileID string, day time.Time) quotaKey {
	return quotaKey{profileID: profileID, day: day.Format(time.DateOnly)}
}

// Reserve increments the counter when it is below limit.
func (s *QuotaStore) Reserve(_ context.Context, profileID string, day time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyFor(profileID, day)
	if s.counts[k] >= limit {
		return s.counts[k], publishing.ErrQuotaExceeded
	}
	s.counts[k]++
	return s.counts[k], nil
}

// Release gives back one reservation; it never drops below zero.
func (s *QuotaStore) Release(_ context.Context, profileID string, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyFor(profileID, day)
	if s.counts[k] > 0 {
		s.counts[k]--
	}
	return nil
}

// Count returns the number of posts recorded for the day.
func (s *QuotaStore) Count(_ context.Context, profileID string, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[keyFor(profileID, day)], nil
}
