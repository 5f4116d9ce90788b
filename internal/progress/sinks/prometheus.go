package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/autopublisher/internal/progress"
)

// PrometheusSink exports run-level progress metrics: runs started, finished
// by status, currently running, run wall time, and item outcomes per profile.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runDuration  *prometheus.HistogramVec
	itemOutcomes *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autopub_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopub_runs_finished_total",
			Help: "Total runs finished partitioned by final status.",
		}, []string{"status"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autopub_runs_running",
			Help: "Current number of running runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autopub_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"status"}),
		itemOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopub_item_outcomes_total",
			Help: "Item outcomes partitioned by profile and outcome.",
		}, []string{"profile", "outcome"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autopub_item_duration_seconds",
			Help:    "Pipeline time per item partitioned by outcome.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsRunning,
		s.runDuration,
		s.itemOutcomes,
		s.itemDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindRunStarted:
			if s.tracker.start(evt.RunID) {
				s.runsStarted.Inc()
				s.runsRunning.Inc()
			}
		case progress.KindRunFinished:
			status := string(evt.Status)
			s.runsFinished.WithLabelValues(status).Inc()
			if evt.Dur > 0 {
				s.runDuration.WithLabelValues(status).Observe(evt.Dur.Seconds())
			}
			if s.tracker.complete(evt.RunID) {
				s.runsRunning.Dec()
			}
		case progress.KindItemRecorded:
			outcome := string(evt.Outcome)
			s.itemOutcomes.WithLabelValues(evt.ProfileID, outcome).Inc()
			if evt.Dur > 0 {
				s.itemDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
