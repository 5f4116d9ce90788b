package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
)

// profileLocks serializes publication per profile across every run in the
// process. Each profile gets a one-slot semaphore.
type profileLocks struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newProfileLocks() *profileLocks {
	return &profileLocks{sems: make(map[string]chan struct{})}
}

func (l *profileLocks) acquire(ctx context.Context, profileID string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.sems[profileID]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[profileID] = sem
	}
	l.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runControl carries the in-process cancel signal of an executing run.
type runControl struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	// authAborted holds, per profile, the message that aborted it.
	authAborted sync.Map
}

func newRunControl() *runControl {
	ctx, cancel := context.WithCancel(context.Background())
	return &runControl{ctx: ctx, cancel: cancel}
}

func (r *runControl) requestCancel() {
	r.cancelled.Store(true)
	r.cancel()
}

func (r *runControl) isCancelled() bool {
	return r.cancelled.Load()
}

func (r *runControl) abortProfile(profileID, reason string) {
	r.authAborted.Store(profileID, reason)
}

func (r *runControl) abortedReason(profileID string) (string, bool) {
	v, ok := r.authAborted.Load(profileID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// waitContext returns a context that ends with parent or when the run is
// cancelled.
func (r *runControl) waitContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(r.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
