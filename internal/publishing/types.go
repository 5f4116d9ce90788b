package publishing

import (
	"strings"
	"time"
)

// Author is a site account that posts on behalf of a profile.
type Author struct {
	Username       string `json:"username" validate:"required"`
	ExternalUserID string `json:"external_user_id" validate:"required"`
	Secret         string `json:"credential_secret" validate:"required"`
}

// Profile is the configuration bundle for one target site.
type Profile struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id" validate:"required"`
	SiteURL       string    `json:"site_url" validate:"required,url"`
	Authors       []Author  `json:"authors" validate:"required,min=1,dive"`
	MinGapMinutes int       `json:"min_gap_minutes" validate:"gte=1"`
	MaxGapMinutes int       `json:"max_gap_minutes" validate:"gte=1,gtefield=MinGapMinutes"`
	CategoryID    string    `json:"category_id"`
	Sections      []string  `json:"sections"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep copy so snapshots never alias live edits.
func (p Profile) Clone() Profile {
	cp := p
	cp.Authors = append([]Author(nil), p.Authors...)
	cp.Sections = append([]string(nil), p.Sections...)
	return cp
}

// SectionEnabled reports whether the named section is enabled. A profile with
// no configured sections accepts every section.
func (p Profile) SectionEnabled(name string) bool {
	if len(p.Sections) == 0 {
		return true
	}
	for _, s := range p.Sections {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// Item is one source entry in a run.
type Item struct {
	Key       string `json:"key" yaml:"key" validate:"required,notblank"`
	Reference string `json:"reference,omitempty" yaml:"reference"`
	Topic     string `json:"topic,omitempty" yaml:"topic"`
}

// Ref returns the fetch reference, defaulting to the key.
func (i Item) Ref() string {
	if i.Reference != "" {
		return i.Reference
	}
	return i.Key
}

// RunOptions tunes a single run.
type RunOptions struct {
	DryRun bool `json:"dry_run" yaml:"dry_run"`
}

// RunRequest is a submitted batch.
type RunRequest struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	ContentType string     `json:"content_type"`
	Items       []Item     `json:"items"`
	ProfileIDs  []string   `json:"profile_ids"`
	CreatedAt   time.Time  `json:"created_at"`
	Options     RunOptions `json:"options"`
}

// Pairs returns how many (item, profile) log entries a finished run holds.
func (r RunRequest) Pairs() int {
	return len(r.Items) * len(r.ProfileIDs)
}

// RunStatus is the lifecycle status of a run.
type RunStatus string

// Run statuses.
const (
	RunPending             RunStatus = "pending"
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunFailed              RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCompletedWithErrors, RunFailed:
		return true
	default:
		return false
	}
}

// Outcome is the result recorded for one (item, profile) pair.
type Outcome string

// Item outcomes.
const (
	OutcomeSuccess          Outcome = "success"
	OutcomeFailure          Outcome = "failure"
	OutcomeSkippedQuota     Outcome = "skipped_quota"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeSkippedAuthError Outcome = "skipped_auth_error"
	OutcomeSkippedCancelled Outcome = "skipped_cancelled"
)

// Stage names one step of the per-item pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageQueued     Stage = "queued"
	StageFetching   Stage = "fetching"
	StageEnriching  Stage = "enriching"
	StageGenerating Stage = "generating"
	StageLinking    Stage = "linking"
	StageQuotaCheck Stage = "quota_check"
	StagePublishing Stage = "publishing"
	StageDone       Stage = "done"
)

// LogEntry is one audit record in a run.
type LogEntry struct {
	Seq        int64     `json:"seq"`
	ItemKey    string    `json:"item_key"`
	ProfileID  string    `json:"profile_id"`
	Outcome    Outcome   `json:"outcome"`
	Stage      Stage     `json:"stage"`
	Message    string    `json:"message,omitempty"`
	PostID     string    `json:"post_id,omitempty"`
	Author     string    `json:"author,omitempty"`
	DryRun     bool      `json:"dry_run,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ProfileProgress is the per-profile snapshot kept on a run.
type ProfileProgress struct {
	ProfileID      string     `json:"profile_id"`
	PostsToday     int        `json:"posts_today"`
	LastPostAt     *time.Time `json:"last_post_at,omitempty"`
	RotationCursor int64      `json:"rotation_cursor"`
}

// RunState is the durable record of a run.
type RunState struct {
	ID              string                     `json:"id"`
	Request         RunRequest                 `json:"request"`
	Status          RunStatus                  `json:"status"`
	CancelRequested bool                       `json:"cancel_requested"`
	Profiles        map[string]ProfileProgress `json:"profiles"`
	Entries         []LogEntry                 `json:"entries"`
	CreatedAt       time.Time                  `json:"created_at"`
	StartedAt       *time.Time                 `json:"started_at,omitempty"`
	FinishedAt      *time.Time                 `json:"finished_at,omitempty"`
}

// Counts tallies entries by outcome.
func (s RunState) Counts() map[Outcome]int {
	out := make(map[Outcome]int)
	for _, e := range s.Entries {
		out[e.Outcome]++
	}
	return out
}

// DuplicateQuery locates an earlier successful publish of the same item.
type DuplicateQuery struct {
	ProfileID   string
	ContentType string
	ItemKey     string
	Since       time.Time
}

// DetailedContent is what the detail fetcher returns for an item reference.
type DetailedContent struct {
	Reference string            `json:"reference"`
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	Text      string            `json:"text"`
	HTML      string            `json:"html,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// Source is a single research reference.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// ResearchBundle is the enrichment context for one topic.
type ResearchBundle struct {
	Topic   string   `json:"topic"`
	Summary string   `json:"summary"`
	Sources []Source `json:"sources"`
}

// Section is a named part of a generated article.
type Section struct {
	Name string `json:"name"`
	HTML string `json:"html"`
}

// Draft is a generated article ready for linking and publishing.
type Draft struct {
	Title     string    `json:"title"`
	Excerpt   string    `json:"excerpt"`
	Body      string    `json:"body"`
	Sections  []Section `json:"sections,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
}

// ForProfile drops sections the profile has not enabled and rebuilds the
// body from what remains. Drafts without sections are returned unchanged.
func (d Draft) ForProfile(p Profile) Draft {
	if len(d.Sections) == 0 {
		return d
	}
	out := d
	out.Sections = nil
	var b strings.Builder
	for _, s := range d.Sections {
		if !p.SectionEnabled(s.Name) {
			continue
		}
		out.Sections = append(out.Sections, s)
		b.WriteString(s.HTML)
		b.WriteString("\n")
	}
	out.Body = strings.TrimSpace(b.String())
	return out
}

// DayOf truncates t to the calendar day in loc, returned as UTC midnight of
// that date so it can key daily records.
func DayOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// DayStart returns the instant the calendar day containing t began in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).UTC()
}
