package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/metrics"
	"github.com/JakeFAU/autopublisher/internal/publishing"
	"github.com/JakeFAU/autopublisher/internal/quota"
	"github.com/JakeFAU/autopublisher/internal/retry"
)

type result struct {
	entry    publishing.LogEntry
	snapshot *publishing.ProfileProgress
}

func skip(outcome publishing.Outcome, stage publishing.Stage, msg string) result {
	return result{entry: publishing.LogEntry{Outcome: outcome, Stage: stage, Message: msg}}
}

func fail(stage publishing.Stage, err error) result {
	return result{entry: publishing.LogEntry{Outcome: publishing.OutcomeFailure, Stage: stage, Message: err.Error()}}
}

// stage times fn and reports its latency.
func stage[T any](c *Coordinator, name publishing.Stage, fn func() (T, error)) (T, error) {
	start := c.deps.Clock.Now()
	out, err := fn()
	metrics.ObserveStage(string(name), c.deps.Clock.Now().Sub(start))
	if err != nil {
		var zero T
		return zero, &publishing.StageError{Stage: name, Err: err}
	}
	return out, nil
}

// runItem drives one item through the pipeline for one profile. Only errors
// that must stop the whole run are returned; everything else becomes the
// pair's outcome.
func (c *Coordinator) runItem(ctx context.Context, rc *runContext, prof publishing.Profile, item publishing.Item) (result, error) {
	dryRun := rc.req.Options.DryRun
	log := c.logger.With(
		zap.String("run_id", rc.req.ID),
		zap.String("profile_id", prof.ID),
		zap.String("item_key", item.Key),
	)

	now := c.deps.Clock.Now()
	dup, err := c.deps.Runs.HasSuccess(ctx, publishing.DuplicateQuery{
		ProfileID:   prof.ID,
		ContentType: rc.req.ContentType,
		ItemKey:     item.Key,
		Since:       publishing.DayStart(now, c.deps.Quota.Location()),
	})
	if err != nil {
		return result{}, err
	}
	if dup {
		return skip(publishing.OutcomeSkippedDuplicate, publishing.StageQueued, "already published today"), nil
	}

	if !dryRun {
		exhausted, err := c.deps.Quota.Exhausted(ctx, prof.ID, now)
		if err != nil {
			return result{}, err
		}
		if exhausted {
			return skip(publishing.OutcomeSkippedQuota, publishing.StageQuotaCheck, quotaMessage(c.deps.Quota.Cap())), nil
		}
		if res, stop, err := c.waitGap(ctx, rc, prof.ID); stop || err != nil {
			return res, err
		}
	}

	draft, failed := c.produce(ctx, rc, prof, item)
	if failed != nil {
		if ctx.Err() != nil {
			// The collaborator failed because we are shutting down; leave
			// the pair for resume rather than logging a false failure.
			return result{}, ctx.Err()
		}
		log.Info("item failed", zap.String("stage", string(failed.entry.Stage)), zap.String("error", failed.entry.Message))
		return *failed, nil
	}
	c.archive(ctx, rc, prof.ID, item, draft)

	if dryRun {
		return result{entry: publishing.LogEntry{
			Outcome: publishing.OutcomeSuccess,
			Stage:   publishing.StageDone,
			Message: "dry run: not published",
		}}, nil
	}
	return c.publish(ctx, rc, prof, draft, log)
}

// waitGap blocks until the profile may publish again. stop is true when the
// run was cancelled during the wait.
func (c *Coordinator) waitGap(ctx context.Context, rc *runContext, profileID string) (result, bool, error) {
	waitCtx, done := rc.ctl.waitContext(ctx)
	defer done()
	if _, err := c.deps.Gaps.WaitTurn(waitCtx, profileID); err != nil {
		if rc.ctl.isCancelled() && ctx.Err() == nil {
			return skip(publishing.OutcomeSkippedCancelled, publishing.StageQueued, "run cancelled"), true, nil
		}
		return result{}, true, err
	}
	return result{}, false, nil
}

// produce runs the fetch, enrich, generate and link stages. A non-nil result
// is the failure to record.
func (c *Coordinator) produce(
	ctx context.Context,
	rc *runContext,
	prof publishing.Profile,
	item publishing.Item,
) (publishing.Draft, *result) {
	r := c.deps.Retrier
	detail, err := stage(c, publishing.StageFetching, func() (publishing.DetailedContent, error) {
		return retry.Do(ctx, r, "fetch", func(ctx context.Context) (publishing.DetailedContent, error) {
			return c.collab.Fetcher.Fetch(ctx, item.Ref())
		})
	})
	if err != nil {
		return failedAt(publishing.StageFetching, err)
	}

	topic := firstNonEmpty(item.Topic, detail.Title, item.Key)
	research, err := stage(c, publishing.StageEnriching, func() (publishing.ResearchBundle, error) {
		return retry.Do(ctx, r, "research", func(ctx context.Context) (publishing.ResearchBundle, error) {
			return c.collab.Research.Research(ctx, topic)
		})
	})
	if err != nil {
		return failedAt(publishing.StageEnriching, err)
	}

	draft, err := stage(c, publishing.StageGenerating, func() (publishing.Draft, error) {
		return retry.Do(ctx, r, "generate", func(ctx context.Context) (publishing.Draft, error) {
			return c.collab.Generator.Generate(ctx, rc.req.ContentType, detail, research)
		})
	})
	if err != nil {
		return failedAt(publishing.StageGenerating, err)
	}
	draft = draft.ForProfile(prof)
	if draft.SourceURL == "" {
		draft.SourceURL = detail.URL
	}

	linked, err := stage(c, publishing.StageLinking, func() (publishing.Draft, error) {
		return retry.Do(ctx, r, "link", func(ctx context.Context) (publishing.Draft, error) {
			return c.collab.Linker.AddLinks(ctx, draft, prof)
		})
	})
	if err != nil {
		return failedAt(publishing.StageLinking, err)
	}
	return linked, nil
}

func failedAt(s publishing.Stage, err error) (publishing.Draft, *result) {
	r := fail(s, unwrapStage(err))
	return publishing.Draft{}, &r
}

func unwrapStage(err error) error {
	var se *publishing.StageError
	if errors.As(err, &se) {
		return se.Err
	}
	return err
}

// publish reserves quota, picks an author and pushes the post. The
// reservation is returned when the post does not go out.
func (c *Coordinator) publish(
	ctx context.Context,
	rc *runContext,
	prof publishing.Profile,
	draft publishing.Draft,
	log *zap.Logger,
) (result, error) {
	reservation, err := c.deps.Quota.TryReserve(ctx, prof.ID, c.deps.Clock.Now())
	switch {
	case errors.Is(err, publishing.ErrQuotaExceeded):
		return skip(publishing.OutcomeSkippedQuota, publishing.StageQuotaCheck, quotaMessage(c.deps.Quota.Cap())), nil
	case err != nil:
		return result{}, err
	}

	author, cursor, err := c.deps.Rotator.NextAuthor(ctx, prof)
	if err != nil {
		c.releaseQuota(ctx, reservation, log)
		return fail(publishing.StagePublishing, err), nil
	}

	postID, err := stage(c, publishing.StagePublishing, func() (string, error) {
		return retry.Do(ctx, c.deps.Retrier, "publish", func(ctx context.Context) (string, error) {
			return c.collab.Publisher.Publish(ctx, prof, author, draft)
		})
	})
	if err != nil {
		c.releaseQuota(ctx, reservation, log)
		if ctx.Err() != nil {
			return result{}, ctx.Err()
		}
		var authErr *publishing.AuthError
		if errors.As(err, &authErr) {
			reason := fmt.Sprintf("profile aborted: credentials for %q rejected", author.Username)
			rc.ctl.abortProfile(prof.ID, reason)
			log.Warn("profile aborted for the rest of the run", zap.String("reason", reason))
		}
		err = unwrapStage(err)
		r := fail(publishing.StagePublishing, err)
		r.entry.Author = author.Username
		log.Warn("publish failed", zap.String("author", author.Username), zap.Error(err))
		return r, nil
	}

	at := c.deps.Clock.Now()
	c.deps.Gaps.MarkPublished(prof, at)
	log.Info("published",
		zap.String("post_id", postID),
		zap.String("author", author.Username),
		zap.Int("posts_today", reservation.Count),
	)
	return result{
		entry: publishing.LogEntry{
			Outcome: publishing.OutcomeSuccess,
			Stage:   publishing.StageDone,
			PostID:  postID,
			Author:  author.Username,
		},
		snapshot: &publishing.ProfileProgress{
			ProfileID:      prof.ID,
			PostsToday:     reservation.Count,
			LastPostAt:     &at,
			RotationCursor: cursor,
		},
	}, nil
}

func (c *Coordinator) releaseQuota(ctx context.Context, r quota.Reservation, log *zap.Logger) {
	if err := c.deps.Quota.Release(context.WithoutCancel(ctx), r); err != nil {
		log.Error("quota release failed", zap.Error(err))
	}
}

// archive stores the final draft for audit. Failures are logged only.
func (c *Coordinator) archive(ctx context.Context, rc *runContext, profileID string, item publishing.Item, draft publishing.Draft) {
	if c.deps.Archive == nil || c.deps.Hasher == nil {
		return
	}
	payload, err := json.Marshal(struct {
		RunID     string           `json:"run_id"`
		ProfileID string           `json:"profile_id"`
		Item      publishing.Item  `json:"item"`
		Draft     publishing.Draft `json:"draft"`
	}{rc.req.ID, profileID, item, draft})
	if err != nil {
		c.logger.Warn("encode draft archive", zap.Error(err))
		return
	}
	sum, err := c.deps.Hasher.Hash(payload)
	if err != nil {
		c.logger.Warn("hash draft archive", zap.Error(err))
		return
	}
	key := path.Join("drafts", rc.req.ID, profileID, sum+".json")
	if _, err := c.deps.Archive.PutObject(ctx, key, "application/json", bytes.NewReader(payload)); err != nil {
		c.logger.Warn("archive draft failed", zap.String("path", key), zap.Error(err))
	}
}

func quotaMessage(dailyCap int) string {
	return fmt.Sprintf("daily cap of %d posts reached", dailyCap)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
