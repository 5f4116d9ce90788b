package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autopublisher/internal/gap"
	"github.com/JakeFAU/autopublisher/internal/hash/sha256"
	"github.com/JakeFAU/autopublisher/internal/profile"
	"github.com/JakeFAU/autopublisher/internal/publishing"
	"github.com/JakeFAU/autopublisher/internal/quota"
	"github.com/JakeFAU/autopublisher/internal/retry"
	"github.com/JakeFAU/autopublisher/internal/rotation"
	"github.com/JakeFAU/autopublisher/internal/runstate"
	"github.com/JakeFAU/autopublisher/internal/storage/memory"
)

// fakeClock advances only when something sleeps on it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "run-" + string(rune('a'+s.n-1)), nil
}

type captureQueue struct {
	mu    sync.Mutex
	items []publishing.QueueItem
}

func (q *captureQueue) Enqueue(_ context.Context, item publishing.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	errs  map[string][]error
	calls map[string]int
}

func (f *fakeFetcher) Fetch(_ context.Context, ref string) (publishing.DetailedContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[ref]++
	if queue := f.errs[ref]; len(queue) > 0 {
		err := queue[0]
		f.errs[ref] = queue[1:]
		if err != nil {
			return publishing.DetailedContent{}, err
		}
	}
	return publishing.DetailedContent{
		Reference: ref,
		URL:       "https://data.example.com/" + ref,
		Title:     ref + " daily",
		Text:      "details for " + ref,
	}, nil
}

type fakeResearch struct{}

func (fakeResearch) Research(_ context.Context, topic string) (publishing.ResearchBundle, error) {
	return publishing.ResearchBundle{Topic: topic, Summary: "context"}, nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	decline map[string]bool
	calls   int
}

func (g *fakeGenerator) Generate(
	_ context.Context,
	_ string,
	detail publishing.DetailedContent,
	_ publishing.ResearchBundle,
) (publishing.Draft, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.decline[detail.Reference] {
		return publishing.Draft{}, &publishing.GenerationError{Reason: "content policy"}
	}
	return publishing.Draft{
		Title: detail.Title,
		Sections: []publishing.Section{
			{Name: "summary", HTML: "<p>summary</p>"},
			{Name: "outlook", HTML: "<p>outlook</p>"},
		},
	}, nil
}

type passLinker struct{}

func (passLinker) AddLinks(_ context.Context, d publishing.Draft, _ publishing.Profile) (publishing.Draft, error) {
	return d, nil
}

type publishCall struct {
	profileID string
	author    string
	title     string
	body      string
	at        time.Time
}

type fakePublisher struct {
	mu    sync.Mutex
	clock *fakeClock
	calls []publishCall
	// failAt maps profile id to the 1-based call number that fails and the
	// error it fails with.
	failAt    map[string]int
	failErr   map[string]error
	perProf   map[string]int
	onPublish func(call publishCall)
	// delay is real time spent inside every publish.
	delay time.Duration
}

func (p *fakePublisher) Publish(
	_ context.Context,
	prof publishing.Profile,
	author publishing.Author,
	d publishing.Draft,
) (string, error) {
	p.mu.Lock()
	if p.perProf == nil {
		p.perProf = make(map[string]int)
	}
	p.perProf[prof.ID]++
	n := p.perProf[prof.ID]
	call := publishCall{profileID: prof.ID, author: author.Username, title: d.Title, body: d.Body, at: p.clock.Now()}
	failing := p.failAt[prof.ID] == n
	if !failing {
		p.calls = append(p.calls, call)
	}
	hook := p.onPublish
	p.mu.Unlock()

	if failing {
		return "", p.failErr[prof.ID]
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if hook != nil {
		hook(call)
	}
	return "post-" + prof.ID + "-" + d.Title, nil
}

func (p *fakePublisher) callsFor(profileID string) []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishCall
	for _, c := range p.calls {
		if c.profileID == profileID {
			out = append(out, c)
		}
	}
	return out
}

type harness struct {
	clock     *fakeClock
	profiles  *memory.ProfileStore
	runRepo   *memory.RunStore
	quotaRepo *memory.QuotaStore
	cursors   *memory.CursorStore
	archive   *memory.BlobStore
	queue     *captureQueue
	ids       *seqIDs
	fetcher   *fakeFetcher
	generator *fakeGenerator
	publisher *fakePublisher
	coord     *Coordinator
	quota     *quota.Tracker
}

func newHarness(t *testing.T, dailyCap int) *harness {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		clock:     clk,
		profiles:  memory.NewProfileStore(),
		runRepo:   memory.NewRunStore(),
		quotaRepo: memory.NewQuotaStore(),
		cursors:   memory.NewCursorStore(),
		archive:   memory.NewBlobStore(),
		queue:     &captureQueue{},
		ids:       &seqIDs{},
		fetcher:   &fakeFetcher{errs: map[string][]error{}},
		generator: &fakeGenerator{decline: map[string]bool{}},
		publisher: &fakePublisher{clock: clk, failAt: map[string]int{}, failErr: map[string]error{}},
	}
	h.quota = quota.NewTracker(h.quotaRepo, dailyCap, time.UTC, nil)
	h.coord = h.newCoordinator()
	return h
}

// newCoordinator builds a coordinator over the harness stores with fresh
// process-local state, as after a restart or on another replica. The fake
// clock jumps by whole gaps while the real-time renewal ticker never fires,
// so leases outlast a whole test.
func (h *harness) newCoordinator() *Coordinator {
	return New(Deps{
		Profiles: profile.New(h.profiles, h.clock, &seqIDs{}),
		Runs:     runstate.New(h.runRepo, h.clock, nil, nil),
		Quota:    h.quota,
		Rotator:  rotation.New(h.cursors, h.clock),
		Gaps:     gap.New(h.clock, h.clock),
		Retrier:  retry.New(retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 4 * time.Second}, h.clock, nil),
		Queue:    h.queue,
		Archive:  h.archive,
		Hasher:   sha256.NewShort(12),
		Clock:    h.clock,
		IDs:      h.ids,
		Lease:    24 * time.Hour,
	}, Collaborators{
		Fetcher:   h.fetcher,
		Research:  fakeResearch{},
		Generator: h.generator,
		Linker:    passLinker{},
		Publisher: h.publisher,
	})
}

func (h *harness) addProfile(t *testing.T, id, owner string, authors ...string) publishing.Profile {
	t.Helper()
	p := publishing.Profile{
		ID:            id,
		OwnerID:       owner,
		SiteURL:       "https://" + id + ".example.com",
		MinGapMinutes: 3,
		MaxGapMinutes: 6,
	}
	for _, a := range authors {
		p.Authors = append(p.Authors, publishing.Author{Username: a, ExternalUserID: a + "-id", Secret: "pw"})
	}
	require.NoError(t, h.profiles.SaveProfile(context.Background(), p))
	return p
}

func items(keys ...string) []publishing.Item {
	out := make([]publishing.Item, 0, len(keys))
	for _, k := range keys {
		out = append(out, publishing.Item{Key: k})
	}
	return out
}

// run submits and executes a run synchronously.
func (h *harness) run(t *testing.T, owner string, sub Submission) publishing.RunState {
	t.Helper()
	ctx := context.Background()
	state, err := h.coord.StartRun(ctx, owner, sub)
	require.NoError(t, err)
	require.NoError(t, h.coord.Execute(ctx, state.ID))
	final, err := h.coord.RunStatus(ctx, owner, state.ID)
	require.NoError(t, err)
	require.Len(t, final.Entries, final.Request.Pairs(), "every pair is logged exactly once")
	return final
}

func outcomesFor(state publishing.RunState, profileID string) []publishing.Outcome {
	var out []publishing.Outcome
	for _, e := range state.Entries {
		if e.ProfileID == profileID {
			out = append(out, e.Outcome)
		}
	}
	return out
}

func repeat(o publishing.Outcome, n int) []publishing.Outcome {
	out := make([]publishing.Outcome, n)
	for i := range out {
		out[i] = o
	}
	return out
}

var errAuth = &publishing.AuthError{Username: "ann", StatusCode: 401, Err: errors.New("invalid credentials")}
