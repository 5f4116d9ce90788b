// Package runstate is the durable, resumable record of batch runs. Every
// mutation is committed through a RunRepository before a progress event is
// emitted, so observers never see a change that could be lost.
package runstate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/metrics"
	"github.com/JakeFAU/autopublisher/internal/progress"
	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// Store wraps a RunRepository with lifecycle rules and notifications.
type Store struct {
	repo    publishing.RunRepository
	clock   publishing.Clock
	emitter progress.Emitter
	logger  *zap.Logger
}

// New constructs a Store. A nil emitter discards events.
func New(repo publishing.RunRepository, clock publishing.Clock, emitter progress.Emitter, logger *zap.Logger) *Store {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{repo: repo, clock: clock, emitter: emitter, logger: logger}
}

// Create stores a pending run for req.
func (s *Store) Create(ctx context.Context, req publishing.RunRequest) (publishing.RunState, error) {
	state := publishing.RunState{
		ID:        req.ID,
		Request:   req,
		Status:    publishing.RunPending,
		Profiles:  make(map[string]publishing.ProfileProgress, len(req.ProfileIDs)),
		CreatedAt: req.CreatedAt,
	}
	if err := s.repo.CreateRun(ctx, state); err != nil {
		return publishing.RunState{}, fmt.Errorf("create run %s: %w", req.ID, err)
	}
	s.emitter.Emit(progress.Event{RunID: req.ID, TS: req.CreatedAt, Kind: progress.KindRunCreated})
	return state, nil
}

// Begin marks the run as running. Beginning a run that is already running is
// allowed so resumed runs can call it again.
func (s *Store) Begin(ctx context.Context, runID string) error {
	now := s.clock.Now()
	if err := s.repo.BeginRun(ctx, runID, now); err != nil {
		return fmt.Errorf("begin run %s: %w", runID, err)
	}
	s.emitter.Emit(progress.Event{RunID: runID, TS: now, Kind: progress.KindRunStarted})
	return nil
}

// RecordItem appends one log entry and, when snapshot is non-nil, replaces
// the profile's snapshot in the same transaction. dur is the time the item
// spent in the pipeline and is only reported to observers.
func (s *Store) RecordItem(
	ctx context.Context,
	runID string,
	entry publishing.LogEntry,
	snapshot *publishing.ProfileProgress,
	dur time.Duration,
) (publishing.LogEntry, error) {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = s.clock.Now()
	}
	stored, err := s.repo.AppendEntry(ctx, runID, entry, snapshot)
	if err != nil {
		return publishing.LogEntry{}, fmt.Errorf("record %s/%s on run %s: %w", entry.ProfileID, entry.ItemKey, runID, err)
	}
	metrics.ObserveItem(string(stored.Outcome), string(stored.Stage))
	s.emitter.Emit(progress.ItemEvent(runID, stored, dur))
	return stored, nil
}

// Finish computes and stores the terminal status. cancelled reports whether
// the run stopped because its owner cancelled it.
func (s *Store) Finish(ctx context.Context, runID string, cancelled bool) (publishing.RunStatus, error) {
	state, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("load run %s: %w", runID, err)
	}
	status := publishing.FinalStatus(state.Entries, cancelled)
	now := s.clock.Now()
	if err := s.repo.FinishRun(ctx, runID, status, now); err != nil {
		return "", fmt.Errorf("finish run %s: %w", runID, err)
	}
	var dur time.Duration
	if state.StartedAt != nil {
		dur = now.Sub(*state.StartedAt)
	}
	if want := state.Request.Pairs(); len(state.Entries) != want {
		s.logger.Warn("run finished with unexpected entry count",
			zap.String("run_id", runID),
			zap.Int("entries", len(state.Entries)),
			zap.Int("pairs", want),
		)
	}
	s.emitter.Emit(progress.Event{RunID: runID, TS: now, Kind: progress.KindRunFinished, Status: status, Dur: dur})
	return status, nil
}

// LoadProgress returns the pairs already logged for the run.
func (s *Store) LoadProgress(ctx context.Context, runID string) (publishing.Progress, error) {
	state, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return publishing.NewProgress(state.Entries), nil
}

// RequestCancel flags the run for cancellation. It fails with
// publishing.ErrRunFinished when the run is already terminal.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	if err := s.repo.RequestCancel(ctx, runID); err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	s.emitter.Emit(progress.Event{RunID: runID, TS: s.clock.Now(), Kind: progress.KindCancelRequested})
	return nil
}

// CancelRequested reports whether the owner asked to cancel the run.
func (s *Store) CancelRequested(ctx context.Context, runID string) (bool, error) {
	ok, err := s.repo.CancelRequested(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("read cancel flag for %s: %w", runID, err)
	}
	return ok, nil
}

// Get returns the full run state.
func (s *Store) Get(ctx context.Context, runID string) (publishing.RunState, error) {
	state, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return publishing.RunState{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return state, nil
}

// List returns the owner's runs, newest first.
func (s *Store) List(ctx context.Context, ownerID string, limit, offset int) ([]publishing.RunState, error) {
	runs, err := s.repo.ListRuns(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Unfinished returns the ids of runs that still need a worker.
func (s *Store) Unfinished(ctx context.Context) ([]string, error) {
	ids, err := s.repo.ListUnfinished(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}
	return ids, nil
}

// HasSuccess reports whether the item was already published to the profile
// since q.Since.
func (s *Store) HasSuccess(ctx context.Context, q publishing.DuplicateQuery) (bool, error) {
	ok, err := s.repo.HasSuccess(ctx, q)
	if err != nil {
		return false, fmt.Errorf("duplicate lookup for %s/%s: %w", q.ProfileID, q.ItemKey, err)
	}
	return ok, nil
}

// LastPublished returns when the profile last published outside dry runs,
// or the zero time.
func (s *Store) LastPublished(ctx context.Context, profileID string) (time.Time, error) {
	at, err := s.repo.LastPublished(ctx, profileID)
	if err != nil {
		return time.Time{}, fmt.Errorf("last publish for %s: %w", profileID, err)
	}
	return at, nil
}

// Claim leases the run to owner for ttl. A false result means another
// executor holds a live lease. Claiming again renews the lease.
func (s *Store) Claim(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	ok, err := s.repo.ClaimRun(ctx, runID, owner, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", runID, err)
	}
	return ok, nil
}

// Release drops owner's lease on the run.
func (s *Store) Release(ctx context.Context, runID, owner string) error {
	if err := s.repo.ReleaseRun(ctx, runID, owner); err != nil {
		return fmt.Errorf("release run %s: %w", runID, err)
	}
	return nil
}
