package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// QuotaStore implements publishing.QuotaRepository with one row per profile
// and day. Rows are never reset; a new day simply starts a new row.
type QuotaStore struct {
	db Pool
}

// NewQuotaStore wraps a pool.
func NewQuotaStore(db Pool) *QuotaStore {
	return &QuotaStore{db: db}
}

// Reserve increments the day's counter in a single statement. The conditional
// upsert returns no row when the counter is already at limit.
func (s *QuotaStore) Reserve(ctx context.Context, profileID string, day time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, publishing.ErrQuotaExceeded
	}
	query := `
		INSERT INTO daily_quota (profile_id, day, posts)
		VALUES ($1, $2, 1)
		ON CONFLICT (profile_id, day) DO UPDATE
		SET posts = daily_quota.posts + 1
		WHERE daily_quota.posts < $3
		RETURNING posts;
	`
	var count int
	err := s.db.QueryRow(ctx, query, profileID, dateOnly(day), limit).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return limit, publishing.ErrQuotaExceeded
	}
	if err != nil {
		return 0, fmt.Errorf("reserve quota: %w", err)
	}
	return count, nil
}

// Release gives back one reservation; it never drops below zero.
func (s *QuotaStore) Release(ctx context.Context, profileID string, day time.Time) error {
	query := `UPDATE daily_quota SET posts = posts - 1 WHERE profile_id = $1 AND day = $2 AND posts > 0;`
	if _, err := s.db.Exec(ctx, query, profileID, dateOnly(day)); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// Count returns the number of posts recorded for the day.
func (s *QuotaStore) Count(ctx context.Context, profileID string, day time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT posts FROM daily_quota WHERE profile_id = $1 AND day = $2;`, profileID, dateOnly(day)).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count quota: %w", err)
	}
	return count, nil
}

func dateOnly(day time.Time) string {
	return day.Format(time.DateOnly)
}
