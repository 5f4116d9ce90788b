package postgres

import (
	"context"
	"fmt"
	"time"
)

// CursorStore implements publishing.CursorRepository.
type CursorStore struct {
	db Pool
}

// NewCursorStore wraps a pool.
func NewCursorStore(db Pool) *CursorStore {
	return &CursorStore{db: db}
}

// Advance increments the profile's cursor and returns the value it held
// before. The upsert serializes concurrent callers on the row lock.
func (s *CursorStore) Advance(ctx context.Context, profileID string, at time.Time) (int64, error) {
	query := `
		INSERT INTO rotation_cursors (profile_id, next_index, updated_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (profile_id) DO UPDATE
		SET next_index = rotation_cursors.next_index + 1, updated_at = EXCLUDED.updated_at
		RETURNING next_index - 1;
	`
	var prev int64
	if err := s.db.QueryRow(ctx, query, profileID, at).Scan(&prev); err != nil {
		return 0, fmt.Errorf("advance rotation cursor: %w", err)
	}
	return prev, nil
}
