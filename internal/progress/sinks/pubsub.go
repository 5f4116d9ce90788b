package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/progress"
)

type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// PubSubSink publishes every event as a JSON message so observers outside
// the process can follow runs.
type PubSubSink struct {
	publish publishFunc
	stop    func()
	logger  *zap.Logger
}

// NewPubSubSink wraps a topic handle. The sink stops the topic on Close.
func NewPubSubSink(topic *pubsub.Topic, logger *zap.Logger) *PubSubSink {
	return &PubSubSink{
		publish: func(ctx context.Context, msg *pubsub.Message) (string, error) {
			id, err := topic.Publish(ctx, msg).Get(ctx)
			if err != nil {
				return "", fmt.Errorf("publish message: %w", err)
			}
			return id, nil
		},
		stop:   topic.Stop,
		logger: loggerOrNop(logger),
	}
}

func loggerOrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// Consume publishes the batch; it keeps going after individual failures and
// returns them joined.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal progress event: %w", err))
			continue
		}
		msg := &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"run_id": evt.RunID,
				"kind":   string(evt.Kind),
			},
		}
		if evt.ProfileID != "" {
			msg.Attributes["profile_id"] = evt.ProfileID
		}
		if _, err := s.publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.logger.Debug("progress publish failures", zap.Int("failed", len(errs)), zap.Int("batch", len(batch)))
	}
	return errors.Join(errs...)
}

// Close flushes and stops the topic.
func (s *PubSubSink) Close(context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}
