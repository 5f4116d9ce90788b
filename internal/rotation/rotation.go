// Package rotation picks the next author for a profile in round-robin order.
package rotation

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// ErrNoAuthors is returned for a profile without authors.
var ErrNoAuthors = errors.New("profile has no authors")

// Rotator advances a persistent per-profile cursor. The cursor survives
// restarts and is shared across runs, so consecutive publishes to a profile
// cycle through its authors regardless of which run made them.
type Rotator struct {
	cursors publishing.CursorRepository
	clock   publishing.Clock
}

// New constructs a Rotator.
func New(cursors publishing.CursorRepository, clock publishing.Clock) *Rotator {
	return &Rotator{cursors: cursors, clock: clock}
}

// NextAuthor returns the author to publish as and the cursor value after
// advancing.
func (r *Rotator) NextAuthor(ctx context.Context, profile publishing.Profile) (publishing.Author, int64, error) {
	if len(profile.Authors) == 0 {
		return publishing.Author{}, 0, ErrNoAuthors
	}
	prev, err := r.cursors.Advance(ctx, profile.ID, r.clock.Now())
	if err != nil {
		return publishing.Author{}, 0, fmt.Errorf("advance rotation cursor for %s: %w", profile.ID, err)
	}
	idx := prev % int64(len(profile.Authors))
	if idx < 0 {
		idx += int64(len(profile.Authors))
	}
	return profile.Authors[idx], prev + 1, nil
}
