package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// RunStore provides an in-memory RunRepository for development and tests.
type RunStore struct {
	mu     sync.RWMutex
	runs   map[string]*publishing.RunState
	leases map[string]lease
	seq    int64
}

type lease struct {
	owner string
	until time.Time
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:   make(map[string]*publishing.RunState),
		leases: make(map[string]lease),
	}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, state publishing.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[state.ID]; exists {
		return errors.New("run already exists")
	}
	cp := cloneRun(state)
	if cp.Profiles == nil {
		cp.Profiles = make(map[string]publishing.ProfileProgress)
	}
	s.runs[state.ID] = &cp
	return nil
}

// BeginRun moves a pending run to running. Beginning a running run is a
// no-op so resumed runs keep their original start time.
func (s *RunStore) BeginRun(_ context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}
	switch {
	case run.Status.Terminal():
		return publishing.ErrRunFinished
	case run.Status == publishing.RunRunning:
		return nil
	}
	run.Status = publishing.RunRunning
	run.StartedAt = pointerTime(at)
	return nil
}

// AppendEntry appends a log entry and, when given, replaces the profile
// snapshot. Both happen under one lock.
func (s *RunStore) AppendEntry(
	_ context.Context,
	runID string,
	entry publishing.LogEntry,
	snapshot *publishing.ProfileProgress,
) (publishing.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.lookup(runID)
	if err != nil {
		return publishing.LogEntry{}, err
	}
	if run.Status.Terminal() {
		return publishing.LogEntry{}, publishing.ErrRunFinished
	}
	for _, e := range run.Entries {
		if e.ProfileID == entry.ProfileID && e.ItemKey == entry.ItemKey {
			return publishing.LogEntry{}, publishing.ErrEntryExists
		}
	}
	s.seq++
	entry.Seq = s.seq
	run.Entries = append(run.Entries, entry)
	if snapshot != nil {
		run.Profiles[snapshot.ProfileID] = *snapshot
	}
	return entry, nil
}

// FinishRun records the terminal status.
func (s *RunStore) FinishRun(_ context.Context, runID string, status publishing.RunStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return publishing.ErrRunFinished
	}
	run.Status = status
	run.FinishedAt = pointerTime(at)
	return nil
}

// RequestCancel flags a non-terminal run for cancellation.
func (s *RunStore) RequestCancel(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return publishing.ErrRunFinished
	}
	run.CancelRequested = true
	return nil
}

// CancelRequested reports the cancel flag.
func (s *RunStore) CancelRequested(_ context.Context, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, err := s.lookup(runID)
	if err != nil {
		return false, err
	}
	return run.CancelRequested, nil
}

// GetRun returns a deep copy of the run.
func (s *RunStore) GetRun(_ context.Context, runID string) (publishing.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, err := s.lookup(runID)
	if err != nil {
		return publishing.RunState{}, err
	}
	return cloneRun(*run), nil
}

// ListRuns returns the owner's runs newest first, without log entries.
func (s *RunStore) ListRuns(_ context.Context, ownerID string, limit, offset int) ([]publishing.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []publishing.RunState
	for _, run := range s.runs {
		if run.Request.OwnerID != ownerID {
			continue
		}
		cp := cloneRun(*run)
		cp.Entries = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return []publishing.RunState{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ListUnfinished returns ids of pending or running runs, oldest first.
func (s *RunStore) ListUnfinished(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []*publishing.RunState
	for _, run := range s.runs {
		if !run.Status.Terminal() {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.ID)
	}
	return ids, nil
}

// HasSuccess looks for a non-dry-run success of the same item across all runs.
func (s *RunStore) HasSuccess(_ context.Context, q publishing.DuplicateQuery) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.Request.ContentType != q.ContentType {
			continue
		}
		for _, e := range run.Entries {
			if e.ProfileID == q.ProfileID &&
				e.ItemKey == q.ItemKey &&
				e.Outcome == publishing.OutcomeSuccess &&
				!e.DryRun &&
				!e.RecordedAt.Before(q.Since) {
				return true, nil
			}
		}
	}
	return false, nil
}

// LastPublished returns the newest non-dry-run success for the profile.
func (s *RunStore) LastPublished(_ context.Context, profileID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last time.Time
	for _, run := range s.runs {
		for _, e := range run.Entries {
			if e.ProfileID == profileID && e.Outcome == publishing.OutcomeSuccess && !e.DryRun && e.RecordedAt.After(last) {
				last = e.RecordedAt
			}
		}
	}
	return last, nil
}

// ClaimRun leases the run to owner when it is free, expired or already held
// by owner.
func (s *RunStore) ClaimRun(_ context.Context, runID, owner string, at, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(runID); err != nil {
		return false, err
	}
	if cur, held := s.leases[runID]; held && cur.owner != owner && cur.until.After(at) {
		return false, nil
	}
	s.leases[runID] = lease{owner: owner, until: until}
	return true, nil
}

// ReleaseRun drops owner's lease on the run.
func (s *RunStore) ReleaseRun(_ context.Context, runID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, held := s.leases[runID]; held && cur.owner == owner {
		delete(s.leases, runID)
	}
	return nil
}

func (s *RunStore) lookup(runID string) (*publishing.RunState, error) {
	run, ok := s.runs[runID]
	if !ok {
		return nil, publishing.ErrNotFound
	}
	return run, nil
}

func cloneRun(src publishing.RunState) publishing.RunState {
	cp := src
	cp.Request.Items = append([]publishing.Item(nil), src.Request.Items...)
	cp.Request.ProfileIDs = append([]string(nil), src.Request.ProfileIDs...)
	cp.Entries = append([]publishing.LogEntry(nil), src.Entries...)
	cp.Profiles = make(map[string]publishing.ProfileProgress, len(src.Profiles))
	for k, v := range src.Profiles {
		cp.Profiles[k] = v
	}
	return cp
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
