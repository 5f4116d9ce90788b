package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/progress"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		switch evt.Kind {
		case progress.KindItemRecorded:
			fields = append(fields,
				zap.String("profile_id", evt.ProfileID),
				zap.String("item_key", evt.ItemKey),
				zap.String("outcome", string(evt.Outcome)),
				zap.String("stage", string(evt.Stage)),
				zap.Int64("seq", evt.Seq),
				zap.Duration("dur", evt.Dur),
			)
		case progress.KindRunFinished:
			fields = append(fields, zap.String("status", string(evt.Status)), zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
