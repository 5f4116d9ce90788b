package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// Kind names the run-state change an Event describes.
type Kind string

// Event kinds.
const (
	KindRunCreated      Kind = "run_created"
	KindRunStarted      Kind = "run_started"
	KindItemRecorded    Kind = "item_recorded"
	KindCancelRequested Kind = "cancel_requested"
	KindRunFinished     Kind = "run_finished"
)

// Event is one run-state delta.
type Event struct {
	RunID string    `json:"run_id"`
	TS    time.Time `json:"ts"`
	Kind  Kind      `json:"kind"`
	// ProfileID, ItemKey, Outcome and Stage are set on item_recorded.
	ProfileID string             `json:"profile_id,omitempty"`
	ItemKey   string             `json:"item_key,omitempty"`
	Outcome   publishing.Outcome `json:"outcome,omitempty"`
	Stage     publishing.Stage   `json:"stage,omitempty"`
	Seq       int64              `json:"seq,omitempty"`
	// Status is set on run_finished.
	Status publishing.RunStatus `json:"status,omitempty"`
	// Dur is the item pipeline time, or the run wall time on run_finished.
	Dur  time.Duration `json:"dur_ns,omitempty"`
	Note string        `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunCreated, KindRunStarted, KindCancelRequested:
	case KindItemRecorded:
		if e.ProfileID == "" || e.ItemKey == "" {
			return errors.New("item event requires profile and item key")
		}
		if e.Outcome == "" {
			return errors.New("item event requires outcome")
		}
	case KindRunFinished:
		if !e.Status.Terminal() {
			return fmt.Errorf("run finished with non-terminal status %q", e.Status)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ItemEvent builds the item_recorded event for a stored log entry.
func ItemEvent(runID string, entry publishing.LogEntry, dur time.Duration) Event {
	return Event{
		RunID:     runID,
		TS:        entry.RecordedAt,
		Kind:      KindItemRecorded,
		ProfileID: entry.ProfileID,
		ItemKey:   entry.ItemKey,
		Outcome:   entry.Outcome,
		Stage:     entry.Stage,
		Seq:       entry.Seq,
		Dur:       dur,
		Note:      entry.Message,
	}
}
