// Package quota enforces the per-profile daily publishing cap.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/metrics"
	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// DefaultDailyCap is the number of posts a profile may publish per day.
const DefaultDailyCap = 5

// Reservation is a granted publishing slot.
type Reservation struct {
	ProfileID string
	Day       time.Time
	// Count is the profile's post count for the day including this slot.
	Count int
}

// Tracker reserves and releases daily slots. Days are calendar days in the
// configured location.
type Tracker struct {
	repo   publishing.QuotaRepository
	cap    int
	loc    *time.Location
	logger *zap.Logger
}

// NewTracker builds a Tracker. A non-positive cap falls back to
// DefaultDailyCap and a nil location to UTC.
func NewTracker(repo publishing.QuotaRepository, dailyCap int, loc *time.Location, logger *zap.Logger) *Tracker {
	if dailyCap <= 0 {
		dailyCap = DefaultDailyCap
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{repo: repo, cap: dailyCap, loc: loc, logger: logger}
}

// Cap returns the daily cap.
func (t *Tracker) Cap() int { return t.cap }

// Location returns the location used to bound days.
func (t *Tracker) Location() *time.Location { return t.loc }

// TryReserve atomically takes one slot for the day containing now. It returns
// publishing.ErrQuotaExceeded when the profile is at its cap.
func (t *Tracker) TryReserve(ctx context.Context, profileID string, now time.Time) (Reservation, error) {
	day := publishing.DayOf(now, t.loc)
	count, err := t.repo.Reserve(ctx, profileID, day, t.cap)
	if errors.Is(err, publishing.ErrQuotaExceeded) {
		metrics.ObserveQuotaRejection(profileID)
		t.logger.Info("daily quota exhausted",
			zap.String("profile_id", profileID),
			zap.Time("day", day),
			zap.Int("cap", t.cap),
		)
		return Reservation{}, publishing.ErrQuotaExceeded
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve quota for %s: %w", profileID, err)
	}
	return Reservation{ProfileID: profileID, Day: day, Count: count}, nil
}

// Release returns a reservation whose publish did not happen.
func (t *Tracker) Release(ctx context.Context, r Reservation) error {
	if err := t.repo.Release(ctx, r.ProfileID, r.Day); err != nil {
		return fmt.Errorf("release quota for %s: %w", r.ProfileID, err)
	}
	return nil
}

// Used returns the posts counted for the day containing now.
func (t *Tracker) Used(ctx context.Context, profileID string, now time.Time) (int, error) {
	n, err := t.repo.Count(ctx, profileID, publishing.DayOf(now, t.loc))
	if err != nil {
		return 0, fmt.Errorf("count quota for %s: %w", profileID, err)
	}
	return n, nil
}

// Exhausted reports whether the profile has no slots left today. It is a
// cheap pre-check and does not reserve anything.
func (t *Tracker) Exhausted(ctx context.Context, profileID string, now time.Time) (bool, error) {
	n, err := t.Used(ctx, profileID, now)
	if err != nil {
		return false, err
	}
	return n >= t.cap, nil
}
