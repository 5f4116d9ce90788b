package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

const profileColumns = `id, owner_id, site_url, authors, min_gap_minutes, max_gap_minutes, category_id, sections, updated_at`

// ProfileStore implements publishing.ProfileRepository.
type ProfileStore struct {
	db Pool
}

// NewProfileStore wraps a pool.
func NewProfileStore(db Pool) *ProfileStore {
	return &ProfileStore{db: db}
}

// GetProfile loads one profile.
func (s *ProfileStore) GetProfile(ctx context.Context, id string) (publishing.Profile, error) {
	row := s.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return publishing.Profile{}, publishing.ErrNotFound
	}
	if err != nil {
		return publishing.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// ListProfiles returns the owner's profiles ordered by id.
func (s *ProfileStore) ListProfiles(ctx context.Context, ownerID string) ([]publishing.Profile, error) {
	rows, err := s.db.Query(ctx, `SELECT `+profileColumns+` FROM profiles WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := make([]publishing.Profile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

// SaveProfile inserts or replaces a profile.
func (s *ProfileStore) SaveProfile(ctx context.Context, p publishing.Profile) error {
	authors, err := json.Marshal(p.Authors)
	if err != nil {
		return fmt.Errorf("marshal authors: %w", err)
	}
	sections, err := json.Marshal(nonNil(p.Sections))
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}
	query := `
		INSERT INTO profiles (` + profileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			site_url = EXCLUDED.site_url,
			authors = EXCLUDED.authors,
			min_gap_minutes = EXCLUDED.min_gap_minutes,
			max_gap_minutes = EXCLUDED.max_gap_minutes,
			category_id = EXCLUDED.category_id,
			sections = EXCLUDED.sections,
			updated_at = EXCLUDED.updated_at;
	`
	_, err = s.db.Exec(ctx, query,
		p.ID, p.OwnerID, p.SiteURL, authors, p.MinGapMinutes, p.MaxGapMinutes, p.CategoryID, sections, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func scanProfile(row pgx.Row) (publishing.Profile, error) {
	var (
		p                 publishing.Profile
		authors, sections []byte
	)
	if err := row.Scan(
		&p.ID, &p.OwnerID, &p.SiteURL, &authors, &p.MinGapMinutes, &p.MaxGapMinutes, &p.CategoryID, &sections, &p.UpdatedAt,
	); err != nil {
		return publishing.Profile{}, err
	}
	if err := json.Unmarshal(authors, &p.Authors); err != nil {
		return publishing.Profile{}, fmt.Errorf("decode authors: %w", err)
	}
	if len(sections) > 0 {
		if err := json.Unmarshal(sections, &p.Sections); err != nil {
			return publishing.Profile{}, fmt.Errorf("decode sections: %w", err)
		}
	}
	if len(p.Sections) == 0 {
		p.Sections = nil
	}
	return p, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
