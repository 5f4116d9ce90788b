package publishing

import (
	"context"
	"io"
	"time"
)

// ProfileRepository persists publishing profiles.
type ProfileRepository interface {
	GetProfile(ctx context.Context, id string) (Profile, error)
	ListProfiles(ctx context.Context, ownerID string) ([]Profile, error)
	SaveProfile(ctx context.Context, profile Profile) error
}

// QuotaRepository holds per-profile, per-day post counters. Reserve must be
// atomic: it increments only while the count is below limit and returns the
// new count, or ErrQuotaExceeded without mutating.
type QuotaRepository interface {
	Reserve(ctx context.Context, profileID string, day time.Time, limit int) (int, error)
	Release(ctx context.Context, profileID string, day time.Time) error
	Count(ctx context.Context, profileID string, day time.Time) (int, error)
}

// CursorRepository persists author rotation cursors. Advance atomically
// increments the cursor and returns the value it held before.
type CursorRepository interface {
	Advance(ctx context.Context, profileID string, at time.Time) (int64, error)
}

// RunRepository persists run state and its item log.
type RunRepository interface {
	CreateRun(ctx context.Context, state RunState) error
	BeginRun(ctx context.Context, runID string, at time.Time) error
	// AppendEntry stores one log entry, and the profile snapshot when non-nil,
	// in a single transaction. It fails with ErrRunFinished on terminal runs
	// and with ErrEntryExists when the pair is already logged.
	AppendEntry(ctx context.Context, runID string, entry LogEntry, snapshot *ProfileProgress) (LogEntry, error)
	FinishRun(ctx context.Context, runID string, status RunStatus, at time.Time) error
	RequestCancel(ctx context.Context, runID string) error
	CancelRequested(ctx context.Context, runID string) (bool, error)
	GetRun(ctx context.Context, runID string) (RunState, error)
	ListRuns(ctx context.Context, ownerID string, limit, offset int) ([]RunState, error)
	ListUnfinished(ctx context.Context) ([]string, error)
	HasSuccess(ctx context.Context, q DuplicateQuery) (bool, error)
	// LastPublished returns the newest non-dry-run success for the profile
	// across every run, or the zero time when it never published.
	LastPublished(ctx context.Context, profileID string) (time.Time, error)
	// ClaimRun leases the run to owner until the given time. It succeeds when
	// the run is unclaimed, its lease ended before at, or owner already holds
	// it, so the same call renews a lease.
	ClaimRun(ctx context.Context, runID, owner string, at, until time.Time) (bool, error)
	// ReleaseRun drops owner's lease. Releasing a lease held by someone else
	// is a no-op.
	ReleaseRun(ctx context.Context, runID, owner string) error
}

// DetailFetcher resolves an item reference into source content.
type DetailFetcher interface {
	Fetch(ctx context.Context, reference string) (DetailedContent, error)
}

// ResearchEnricher gathers supporting context for a topic.
type ResearchEnricher interface {
	Research(ctx context.Context, topic string) (ResearchBundle, error)
}

// ContentGenerator turns source content and research into a draft.
type ContentGenerator interface {
	Generate(ctx context.Context, contentType string, detail DetailedContent, research ResearchBundle) (Draft, error)
}

// LinkAugmenter adds site-specific links to a draft.
type LinkAugmenter interface {
	AddLinks(ctx context.Context, draft Draft, profile Profile) (Draft, error)
}

// SitePublisher pushes a finished draft to the target site and returns the
// remote post id.
type SitePublisher interface {
	Publish(ctx context.Context, profile Profile, author Author, draft Draft) (string, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Sleeper blocks for a duration or until ctx ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces unique ids.
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem is a run waiting for a worker.
type QueueItem struct {
	RunID     string
	Attempt   int
	Submitted int64
}

// Queue provides enqueue/dequeue semantics for runs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}
