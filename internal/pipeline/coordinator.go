// Package pipeline is the Pipeline Coordinator. It validates and accepts run
// requests, then drives every (item, profile) pair through fetch, enrich,
// generate, link and publish, consulting the quota tracker, author rotator
// and gap scheduler, and recording each outcome in the run state store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/gap"
	"github.com/JakeFAU/autopublisher/internal/profile"
	"github.com/JakeFAU/autopublisher/internal/publishing"
	"github.com/JakeFAU/autopublisher/internal/quota"
	"github.com/JakeFAU/autopublisher/internal/retry"
	"github.com/JakeFAU/autopublisher/internal/rotation"
	"github.com/JakeFAU/autopublisher/internal/runstate"
)

const (
	defaultCancelPoll = 5 * time.Second
	defaultLease      = 2 * time.Minute
)

// Enqueuer hands accepted runs to workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, item publishing.QueueItem) error
}

// Collaborators are the external services an item passes through.
type Collaborators struct {
	Fetcher   publishing.DetailFetcher
	Research  publishing.ResearchEnricher
	Generator publishing.ContentGenerator
	Linker    publishing.LinkAugmenter
	Publisher publishing.SitePublisher
}

// Deps wires the coordinator. Archive and Hasher are optional; without them
// drafts are not archived.
type Deps struct {
	Profiles *profile.Service
	Runs     *runstate.Store
	Quota    *quota.Tracker
	Rotator  *rotation.Rotator
	Gaps     *gap.Scheduler
	Retrier  *retry.Retrier
	Queue    Enqueuer
	Archive  publishing.BlobStore
	Hasher   publishing.Hasher
	Clock    publishing.Clock
	IDs      publishing.IDGenerator
	Logger   *zap.Logger
	// CancelPoll is how often an executing run re-reads its durable cancel
	// flag, so cancellations made by other processes are seen. The run's
	// lease is renewed on the same tick.
	CancelPoll time.Duration
	// Lease is how long a claim on a run lasts without renewal. It is raised
	// to three poll intervals when shorter.
	Lease time.Duration
	// Instance names this executor in run leases. Empty picks a random id.
	Instance string
}

// Coordinator runs batches.
type Coordinator struct {
	deps   Deps
	collab Collaborators
	logger *zap.Logger
	locks  *profileLocks
	valid  *validator.Validate

	mu     sync.Mutex
	active map[string]*runControl
}

// New builds a Coordinator.
func New(deps Deps, collab Collaborators) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.CancelPoll <= 0 {
		deps.CancelPoll = defaultCancelPoll
	}
	if deps.Lease <= 0 {
		deps.Lease = defaultLease
	}
	if deps.Lease < 3*deps.CancelPoll {
		deps.Lease = 3 * deps.CancelPoll
	}
	if deps.Instance == "" {
		deps.Instance = uuid.NewString()
	}
	return &Coordinator{
		deps:   deps,
		collab: collab,
		logger: logger,
		locks:  newProfileLocks(),
		valid:  newSubmissionValidator(),
		active: make(map[string]*runControl),
	}
}

// Submission is what an owner asks the coordinator to run.
type Submission struct {
	ContentType string                `json:"content_type" yaml:"content_type" validate:"required,notblank"`
	Items       []publishing.Item     `json:"items" yaml:"items" validate:"required,min=1,unique=Key,dive"`
	ProfileIDs  []string              `json:"profile_ids" yaml:"profile_ids" validate:"required,min=1,unique,dive,required,notblank"`
	Options     publishing.RunOptions `json:"options" yaml:"options"`
}

// StartRun validates sub, persists a pending run and queues it. Profiles that
// do not exist or belong to another owner fail with publishing.ErrNotFound;
// malformed submissions fail with a *publishing.ValidationError.
func (c *Coordinator) StartRun(ctx context.Context, ownerID string, sub Submission) (publishing.RunState, error) {
	if err := c.validate(sub); err != nil {
		return publishing.RunState{}, err
	}
	for _, pid := range sub.ProfileIDs {
		if _, err := c.deps.Profiles.GetOwned(ctx, ownerID, pid); err != nil {
			return publishing.RunState{}, fmt.Errorf("start run: %w", err)
		}
	}
	id, err := c.deps.IDs.NewID()
	if err != nil {
		return publishing.RunState{}, fmt.Errorf("generate run id: %w", err)
	}
	now := c.deps.Clock.Now()
	req := publishing.RunRequest{
		ID:          id,
		OwnerID:     ownerID,
		ContentType: sub.ContentType,
		Items:       append([]publishing.Item(nil), sub.Items...),
		ProfileIDs:  append([]string(nil), sub.ProfileIDs...),
		CreatedAt:   now,
		Options:     sub.Options,
	}
	state, err := c.deps.Runs.Create(ctx, req)
	if err != nil {
		return publishing.RunState{}, err
	}
	if err := c.deps.Queue.Enqueue(ctx, publishing.QueueItem{RunID: id, Attempt: 1, Submitted: now.UnixNano()}); err != nil {
		// The run is durable; resume on the next start picks it up.
		c.logger.Warn("run stored but not queued", zap.String("run_id", id), zap.Error(err))
		return state, fmt.Errorf("queue run %s: %w", id, err)
	}
	c.logger.Info("run accepted",
		zap.String("run_id", id),
		zap.String("owner_id", ownerID),
		zap.Int("items", len(req.Items)),
		zap.Int("profiles", len(req.ProfileIDs)),
		zap.Bool("dry_run", req.Options.DryRun),
	)
	return state, nil
}

// RunStatus returns the state of a run owned by ownerID.
func (c *Coordinator) RunStatus(ctx context.Context, ownerID, runID string) (publishing.RunState, error) {
	state, err := c.deps.Runs.Get(ctx, runID)
	if err != nil {
		return publishing.RunState{}, err
	}
	if state.Request.OwnerID != ownerID {
		return publishing.RunState{}, fmt.Errorf("get run %s: %w", runID, publishing.ErrNotFound)
	}
	return state, nil
}

// ListRuns returns the owner's runs, newest first.
func (c *Coordinator) ListRuns(ctx context.Context, ownerID string, limit, offset int) ([]publishing.RunState, error) {
	return c.deps.Runs.List(ctx, ownerID, limit, offset)
}

// CancelRun flags a run for cancellation. Items already in flight finish;
// nothing new starts. Terminal runs fail with publishing.ErrRunFinished.
func (c *Coordinator) CancelRun(ctx context.Context, ownerID, runID string) error {
	if _, err := c.RunStatus(ctx, ownerID, runID); err != nil {
		return err
	}
	if err := c.deps.Runs.RequestCancel(ctx, runID); err != nil {
		return err
	}
	c.mu.Lock()
	ctl := c.active[runID]
	c.mu.Unlock()
	if ctl != nil {
		ctl.requestCancel()
	}
	c.logger.Info("run cancellation requested", zap.String("run_id", runID))
	return nil
}

// Resume queues every run that was accepted or started but never finished.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	ids, err := c.deps.Runs.Unfinished(ctx)
	if err != nil {
		return 0, err
	}
	now := c.deps.Clock.Now().UnixNano()
	var errs []error
	queued := 0
	for _, id := range ids {
		if err := c.deps.Queue.Enqueue(ctx, publishing.QueueItem{RunID: id, Attempt: 1, Submitted: now}); err != nil {
			errs = append(errs, fmt.Errorf("queue run %s: %w", id, err))
			continue
		}
		queued++
	}
	if queued > 0 {
		c.logger.Info("resuming unfinished runs", zap.Int("runs", queued))
	}
	return queued, errors.Join(errs...)
}

func (c *Coordinator) register(runID string) (*runControl, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[runID]; busy {
		return nil, false
	}
	ctl := newRunControl()
	c.active[runID] = ctl
	return ctl, true
}

func (c *Coordinator) unregister(runID string) {
	c.mu.Lock()
	ctl := c.active[runID]
	delete(c.active, runID)
	c.mu.Unlock()
	if ctl != nil {
		ctl.cancel()
	}
}
