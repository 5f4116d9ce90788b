package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

const runColumns = `id, request, status, cancel_requested, profiles, created_at, started_at, finished_at`

// RunStore implements publishing.RunRepository. The log lives in run_entries
// so appends never rewrite the run row.
type RunStore struct {
	db Pool
}

// NewRunStore wraps a pool.
func NewRunStore(db Pool) *RunStore {
	return &RunStore{db: db}
}

// CreateRun inserts a new run.
func (s *RunStore) CreateRun(ctx context.Context, state publishing.RunState) error {
	request, err := json.Marshal(state.Request)
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}
	profiles, err := json.Marshal(nonNilProfiles(state.Profiles))
	if err != nil {
		return fmt.Errorf("marshal profile progress: %w", err)
	}
	query := `
		INSERT INTO runs (id, owner_id, content_type, request, status, cancel_requested, profiles, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	_, err = s.db.Exec(ctx, query,
		state.ID, state.Request.OwnerID, state.Request.ContentType, request, string(state.Status),
		state.CancelRequested, profiles, state.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// BeginRun moves a pending run to running. Beginning a running run is a
// no-op so resumed runs keep their original start time.
func (s *RunStore) BeginRun(ctx context.Context, runID string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE runs SET status = 'running', started_at = $2 WHERE id = $1 AND status = 'pending';`, runID, at)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	status, err := s.status(ctx, runID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return publishing.ErrRunFinished
	}
	return nil
}

// AppendEntry locks the run row, inserts the entry and replaces the profile
// snapshot inside one transaction.
func (s *RunStore) AppendEntry(
	ctx context.Context,
	runID string,
	entry publishing.LogEntry,
	snapshot *publishing.ProfileProgress,
) (publishing.LogEntry, error) {
	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		var status, contentType string
		err := tx.QueryRow(ctx, `SELECT status, content_type FROM runs WHERE id = $1 FOR UPDATE;`, runID).
			Scan(&status, &contentType)
		if errors.Is(err, pgx.ErrNoRows) {
			return publishing.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock run: %w", err)
		}
		if publishing.RunStatus(status).Terminal() {
			return publishing.ErrRunFinished
		}

		insert := `
			INSERT INTO run_entries
				(run_id, item_key, profile_id, content_type, outcome, stage, message, post_id, author, dry_run, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING seq;
		`
		if err := tx.QueryRow(ctx, insert,
			runID, entry.ItemKey, entry.ProfileID, contentType, string(entry.Outcome), string(entry.Stage),
			entry.Message, entry.PostID, entry.Author, entry.DryRun, entry.RecordedAt,
		).Scan(&entry.Seq); err != nil {
			if isUniqueViolation(err) {
				return publishing.ErrEntryExists
			}
			return fmt.Errorf("insert run entry: %w", err)
		}

		if snapshot == nil {
			return nil
		}
		raw, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("marshal profile progress: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE runs SET profiles = jsonb_set(profiles, ARRAY[$2::text], $3::jsonb, true) WHERE id = $1;`,
			runID, snapshot.ProfileID, raw,
		); err != nil {
			return fmt.Errorf("update profile progress: %w", err)
		}
		return nil
	})
	if err != nil {
		return publishing.LogEntry{}, err
	}
	return entry, nil
}

// FinishRun records the terminal status.
func (s *RunStore) FinishRun(ctx context.Context, runID string, status publishing.RunStatus, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE runs SET status = $2, finished_at = $3 WHERE id = $1 AND status IN ('pending', 'running');`,
		runID, string(status), at)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.missingOrFinished(ctx, runID)
}

// RequestCancel flags a non-terminal run for cancellation.
func (s *RunStore) RequestCancel(ctx context.Context, runID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE runs SET cancel_requested = TRUE WHERE id = $1 AND status IN ('pending', 'running');`, runID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.missingOrFinished(ctx, runID)
}

// CancelRequested reports the cancel flag.
func (s *RunStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var requested bool
	err := s.db.QueryRow(ctx, `SELECT cancel_requested FROM runs WHERE id = $1;`, runID).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, publishing.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return requested, nil
}

// GetRun loads the run and its full log.
func (s *RunStore) GetRun(ctx context.Context, runID string) (publishing.RunState, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1;`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return publishing.RunState{}, publishing.ErrNotFound
	}
	if err != nil {
		return publishing.RunState{}, fmt.Errorf("get run: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT seq, item_key, profile_id, outcome, stage, message, post_id, author, dry_run, recorded_at
		FROM run_entries
		WHERE run_id = $1
		ORDER BY seq;
	`, runID)
	if err != nil {
		return publishing.RunState{}, fmt.Errorf("list run entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e              publishing.LogEntry
			outcome, stage string
		)
		if err := rows.Scan(
			&e.Seq, &e.ItemKey, &e.ProfileID, &outcome, &stage, &e.Message, &e.PostID, &e.Author, &e.DryRun, &e.RecordedAt,
		); err != nil {
			return publishing.RunState{}, fmt.Errorf("scan run entry: %w", err)
		}
		e.Outcome = publishing.Outcome(outcome)
		e.Stage = publishing.Stage(stage)
		run.Entries = append(run.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return publishing.RunState{}, fmt.Errorf("iterate run entries: %w", err)
	}
	return run, nil
}

// ListRuns returns the owner's runs newest first, without log entries. A
// non-positive limit returns every run.
func (s *RunStore) ListRuns(ctx context.Context, ownerID string, limit, offset int) ([]publishing.RunState, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3;
	`, ownerID, lim, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]publishing.RunState, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// ListUnfinished returns ids of pending or running runs, oldest first.
func (s *RunStore) ListUnfinished(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM runs WHERE status IN ('pending', 'running') ORDER BY created_at;`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run ids: %w", err)
	}
	return ids, nil
}

// HasSuccess looks for a non-dry-run success of the same item across all runs.
func (s *RunStore) HasSuccess(ctx context.Context, q publishing.DuplicateQuery) (bool, error) {
	var found bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM run_entries
			WHERE profile_id = $1 AND content_type = $2 AND item_key = $3
			  AND outcome = 'success' AND NOT dry_run AND recorded_at >= $4
		);
	`, q.ProfileID, q.ContentType, q.ItemKey, q.Since).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return found, nil
}

// LastPublished returns the newest non-dry-run success for the profile.
func (s *RunStore) LastPublished(ctx context.Context, profileID string) (time.Time, error) {
	var last *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT max(recorded_at) FROM run_entries
		WHERE profile_id = $1 AND outcome = 'success' AND NOT dry_run;
	`, profileID).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("read last publish: %w", err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}

// ClaimRun leases the run to owner with a guarded update, so only one
// executor wins a free or expired lease.
func (s *RunStore) ClaimRun(ctx context.Context, runID, owner string, at, until time.Time) (bool, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		UPDATE runs SET claimed_by = $2, lease_until = $4
		WHERE id = $1 AND (claimed_by IS NULL OR claimed_by = $2 OR lease_until IS NULL OR lease_until < $3)
		RETURNING id;
	`, runID, owner, at, until).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.status(ctx, runID); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	return true, nil
}

// ReleaseRun drops owner's lease on the run.
func (s *RunStore) ReleaseRun(ctx context.Context, runID, owner string) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE runs SET claimed_by = NULL, lease_until = NULL WHERE id = $1 AND claimed_by = $2;`, runID, owner); err != nil {
		return fmt.Errorf("release run: %w", err)
	}
	return nil
}

func (s *RunStore) status(ctx context.Context, runID string) (publishing.RunStatus, error) {
	var status string
	err := s.db.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1;`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", publishing.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read run status: %w", err)
	}
	return publishing.RunStatus(status), nil
}

// missingOrFinished explains why a guarded update touched no rows.
func (s *RunStore) missingOrFinished(ctx context.Context, runID string) error {
	if _, err := s.status(ctx, runID); err != nil {
		return err
	}
	return publishing.ErrRunFinished
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanRun(row pgx.Row) (publishing.RunState, error) {
	var (
		run               publishing.RunState
		request, profiles []byte
		status            string
	)
	if err := row.Scan(
		&run.ID, &request, &status, &run.CancelRequested, &profiles, &run.CreatedAt, &run.StartedAt, &run.FinishedAt,
	); err != nil {
		return publishing.RunState{}, err
	}
	run.Status = publishing.RunStatus(status)
	if err := json.Unmarshal(request, &run.Request); err != nil {
		return publishing.RunState{}, fmt.Errorf("decode run request: %w", err)
	}
	run.Profiles = make(map[string]publishing.ProfileProgress)
	if len(profiles) > 0 {
		if err := json.Unmarshal(profiles, &run.Profiles); err != nil {
			return publishing.RunState{}, fmt.Errorf("decode profile progress: %w", err)
		}
	}
	return run, nil
}

func nonNilProfiles(m map[string]publishing.ProfileProgress) map[string]publishing.ProfileProgress {
	if m == nil {
		return map[string]publishing.ProfileProgress{}
	}
	return m
}
