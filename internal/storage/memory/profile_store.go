// Package memory provides in-process repositories for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// ProfileStore keeps profiles in a map guarded by a RWMutex.
type ProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]publishing.Profile
}

// NewProfileStore constructs an empty ProfileStore.
func NewProfileStore() *ProfileStore {
	return &ProfileStore{profiles: make(map[string]publishing.Profile)}
}

// GetProfile returns a copy of the stored profile.
func (s *ProfileStore) GetProfile(_ context.Context, id string) (publishing.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return publishing.Profile{}, publishing.ErrNotFound
	}
	return p.Clone(), nil
}

// ListProfiles returns the owner's profiles ordered by id.
func (s *ProfileStore) ListProfiles(_ context.Context, ownerID string) ([]publishing.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]publishing.Profile, 0)
	for _, p := range s.profiles {
		if p.OwnerID == ownerID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveProfile inserts or replaces a profile.
func (s *ProfileStore) SaveProfile(_ context.Context, p publishing.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p.Clone()
	return nil
}
