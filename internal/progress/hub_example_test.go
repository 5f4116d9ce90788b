package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit forwards an item event to a custom sink and flushes on Close.
func ExampleHub_Emit() {
	var outcomes []publishing.Outcome
	capture := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Kind == KindItemRecorded {
				outcomes = append(outcomes, evt.Outcome)
			}
		}
		return nil
	})
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Second}, capture)

	hub.Emit(ItemEvent("run-1", publishing.LogEntry{
		ProfileID:  "blog",
		ItemKey:    "AAPL",
		Outcome:    publishing.OutcomeSkippedQuota,
		Stage:      publishing.StageQuotaCheck,
		RecordedAt: time.Unix(0, 0),
	}, 0))
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println(outcomes)
	// Output:
	// [skipped_quota]
}
