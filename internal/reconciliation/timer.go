package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the delay between sweeps.
const DefaultInterval = time.Hour

// Locker limits sweeps to one instance. See escrow.Locker.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
}

// Timer periodically runs ledger sweeps.
type Timer struct {
	runner   *Runner
	interval time.Duration
	locker   Locker
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a sweep timer.
func NewTimer(runner *Runner, logger *slog.Logger) *Timer {
	return &Timer{
		runner:   runner,
		interval: DefaultInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets the delay between the end of one sweep and the next.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithLocker makes sweeps run only while l grants the lease.
func (t *Timer) WithLocker(l Locker) *Timer {
	t.locker = l
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sweep loop. The first sweep runs after one
// interval. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	defer t.running.Store(false)

	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-timer.C:
			t.safeRun(ctx)
			timer.Reset(t.interval)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if t.locker != nil {
		leader, err := t.locker.Acquire(ctx)
		if err != nil {
			t.logger.Warn("reconciliation lease check failed", "error", err)
			return
		}
		if !leader {
			return
		}
	}
	if _, err := t.runner.RunAll(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
