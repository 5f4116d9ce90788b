package memory

import (
	"context"
	"sync"
	"time"
)

// CursorStore keeps author rotation cursors per profile.
type CursorStore struct {
	mu      sync.Mutex
	cursors map[string]int64
}

// NewCursorStore constructs an empty CursorStore.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[string]int64)}
}

// Advance increments the cursor and returns its previous value.
func (s *CursorStore) Advance(_ context.Context, profileID string, _ time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cursors[profileID]
	s.cursors[profileID] = prev + 1
	return prev, nil
}
