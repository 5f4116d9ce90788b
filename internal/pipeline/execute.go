package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// ErrRunActive is returned by Execute when the run is already executing in
// this process or another executor holds its lease.
var ErrRunActive = publishing.ErrRunActive

var errLeaseLost = errors.New("run lease taken over by another executor")

// runContext is the state shared by the per-profile tasks of one execution.
type runContext struct {
	req      publishing.RunRequest
	ctl      *runControl
	progress publishing.Progress
	// profiles holds the snapshot captured when execution began; a nil value
	// means the profile no longer exists.
	profiles map[string]*publishing.Profile
}

// Execute drives a run to completion. Pairs already in the run's log are
// skipped, so Execute also resumes interrupted runs. The run is leased to
// this executor first; when another one holds it Execute returns
// ErrRunActive. When ctx ends or a store write fails, the run is left
// non-terminal and Execute returns the error.
func (c *Coordinator) Execute(ctx context.Context, runID string) error {
	ctl, ok := c.register(runID)
	if !ok {
		return ErrRunActive
	}
	defer c.unregister(runID)

	log := c.logger.With(zap.String("run_id", runID))
	claimed, err := c.deps.Runs.Claim(ctx, runID, c.deps.Instance, c.deps.Lease)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("run leased by another executor")
		return ErrRunActive
	}
	defer func() {
		if err := c.deps.Runs.Release(context.WithoutCancel(ctx), runID, c.deps.Instance); err != nil {
			log.Warn("release run lease", zap.Error(err))
		}
	}()

	state, err := c.deps.Runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		log.Debug("skipping finished run", zap.String("status", string(state.Status)))
		return nil
	}
	if state.Status == publishing.RunPending {
		if err := c.deps.Runs.Begin(ctx, runID); err != nil {
			return err
		}
	} else {
		log.Info("resuming run", zap.Int("logged", len(state.Entries)), zap.Int("pairs", state.Request.Pairs()))
	}
	if state.CancelRequested {
		ctl.requestCancel()
	}

	rc := &runContext{
		req:      state.Request,
		ctl:      ctl,
		progress: publishing.NewProgress(state.Entries),
		profiles: make(map[string]*publishing.Profile, len(state.Request.ProfileIDs)),
	}
	if err := c.snapshotProfiles(ctx, rc, state); err != nil {
		return err
	}

	leaseCtx, lost := context.WithCancelCause(ctx)
	defer lost(nil)
	stopWatch := c.watch(ctx, runID, ctl, lost)
	g, gctx := errgroup.WithContext(leaseCtx)
	for _, pid := range rc.req.ProfileIDs {
		g.Go(func() error {
			return c.runProfile(gctx, rc, pid)
		})
	}
	err = g.Wait()
	stopWatch()
	if cause := context.Cause(leaseCtx); errors.Is(cause, errLeaseLost) {
		err = errors.Join(err, cause)
	}
	if err != nil {
		log.Warn("run interrupted; it will resume later", zap.Error(err))
		return fmt.Errorf("execute run %s: %w", runID, err)
	}

	status, err := c.deps.Runs.Finish(context.WithoutCancel(ctx), runID, ctl.isCancelled())
	if err != nil {
		return err
	}
	log.Info("run finished", zap.String("status", string(status)))
	return nil
}

// snapshotProfiles captures each profile and seeds the gap scheduler with the
// profile's last publish from any run, so a restart never shortens a gap.
func (c *Coordinator) snapshotProfiles(ctx context.Context, rc *runContext, state publishing.RunState) error {
	for _, pid := range rc.req.ProfileIDs {
		p, err := c.deps.Profiles.Get(ctx, pid)
		switch {
		case errors.Is(err, publishing.ErrNotFound):
			rc.profiles[pid] = nil
			continue
		case err != nil:
			return err
		}
		snap := p.Clone()
		rc.profiles[pid] = &snap

		last, err := c.deps.Runs.LastPublished(ctx, pid)
		if err != nil {
			return err
		}
		if prev, ok := state.Profiles[pid]; ok && prev.LastPostAt != nil && prev.LastPostAt.After(last) {
			last = *prev.LastPostAt
		}
		c.deps.Gaps.Observe(snap, last)
	}
	return nil
}

// watch renews the run's lease and polls its durable cancel flag until the
// returned stop func is called. A lost lease cancels the run's work through
// lost.
func (c *Coordinator) watch(ctx context.Context, runID string, ctl *runControl, lost context.CancelCauseFunc) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.deps.CancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := c.deps.Runs.Claim(ctx, runID, c.deps.Instance, c.deps.Lease)
				switch {
				case err != nil:
					c.logger.Debug("lease renewal failed", zap.String("run_id", runID), zap.Error(err))
				case !held:
					c.logger.Warn("run lease lost", zap.String("run_id", runID))
					lost(errLeaseLost)
					return
				}
				if ctl.isCancelled() {
					continue
				}
				flag, err := c.deps.Runs.CancelRequested(ctx, runID)
				if err != nil {
					c.logger.Debug("cancel poll failed", zap.String("run_id", runID), zap.Error(err))
					continue
				}
				if flag {
					ctl.requestCancel()
				}
			}
		}
	}()
	return func() { close(done) }
}

// runProfile processes the run's items for one profile strictly in order.
func (c *Coordinator) runProfile(ctx context.Context, rc *runContext, profileID string) error {
	for _, item := range rc.req.Items {
		if rc.progress.Logged(profileID, item.Key) {
			continue
		}
		if err := c.processPair(ctx, rc, profileID, item); err != nil {
			return err
		}
	}
	return nil
}

// processPair holds the profile lock for the whole item so publication is
// serialized per profile across runs, then records exactly one entry.
func (c *Coordinator) processPair(ctx context.Context, rc *runContext, profileID string, item publishing.Item) error {
	release, err := c.locks.acquire(ctx, profileID)
	if err != nil {
		return err
	}
	defer release()

	start := c.deps.Clock.Now()
	res, err := c.decide(ctx, rc, profileID, item)
	if err != nil {
		return err
	}
	res.entry.ItemKey = item.Key
	res.entry.ProfileID = profileID
	res.entry.DryRun = rc.req.Options.DryRun
	if res.entry.Stage == "" {
		res.entry.Stage = publishing.StageQueued
	}
	dur := c.deps.Clock.Now().Sub(start)
	// A published post must be recorded even if shutdown began meanwhile.
	_, err = c.deps.Runs.RecordItem(context.WithoutCancel(ctx), rc.req.ID, res.entry, res.snapshot, dur)
	return err
}

// decide works out the outcome for one pair. Skips are decided before any
// collaborator is called.
func (c *Coordinator) decide(ctx context.Context, rc *runContext, profileID string, item publishing.Item) (result, error) {
	if rc.ctl.isCancelled() {
		return skip(publishing.OutcomeSkippedCancelled, publishing.StageQueued, "run cancelled"), nil
	}
	if reason, aborted := rc.ctl.abortedReason(profileID); aborted {
		return skip(publishing.OutcomeSkippedAuthError, publishing.StageQueued, reason), nil
	}
	prof := rc.profiles[profileID]
	if prof == nil {
		return fail(publishing.StageQueued, fmt.Errorf("profile %s: %w", profileID, publishing.ErrNotFound)), nil
	}
	return c.runItem(ctx, rc, *prof, item)
}
