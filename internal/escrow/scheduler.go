package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rfqhub/walletd/internal/metrics"
	"github.com/rfqhub/walletd/internal/wallet"
)

// Scheduler defaults.
const (
	DefaultInterval  = 5 * time.Minute
	DefaultBatchSize = 500
)

// Locker grants the right to run a tick when several instances share a
// database. Acquire reports whether this instance holds the lease.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
}

// Scheduler periodically releases holds whose release date has passed.
// The next tick is armed only after the current one has finished.
type Scheduler struct {
	service  *Service
	interval time.Duration
	batch    int
	locker   Locker
	logger   *slog.Logger

	mu   sync.Mutex
	stop chan struct{} // nil once Stop has been requested
	done chan struct{} // non-nil while a loop is running
}

// NewScheduler creates a new escrow release scheduler.
func NewScheduler(service *Service, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		service:  service,
		interval: DefaultInterval,
		batch:    DefaultBatchSize,
		logger:   logger,
	}
}

// WithInterval sets the delay between the end of one tick and the next.
func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithBatchSize sets how many due holds are loaded per page. A tick keeps
// paging until it has seen every hold due when it began.
func (s *Scheduler) WithBatchSize(n int) *Scheduler {
	if n > 0 {
		s.batch = n
	}
	return s
}

// WithLocker makes ticks run only while l grants the lease.
func (s *Scheduler) WithLocker(l Locker) *Scheduler {
	s.locker = l
	return s
}

// Running reports whether the scheduler loop is actively running.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Start runs a tick immediately and then one per interval until ctx is done
// or Stop is called. Call in a goroutine. A stopped scheduler may be started
// again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	s.stop, s.done = stop, done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.stop == stop {
			s.stop = nil
		}
		s.done = nil
		s.mu.Unlock()
		close(done)
	}()

	// Stop also aborts a tick in progress between releases.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.logger.Info("escrow scheduler started", "interval", s.interval, "batchSize", s.batch)
	s.safeTick(ctx)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			s.logger.Info("escrow scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("escrow scheduler stopped", "reason", ctx.Err())
			return
		case <-timer.C:
			s.safeTick(ctx)
			timer.Reset(s.interval)
		}
	}
}

// Stop signals the loop to exit and waits until it has, including any tick
// in progress. It is safe to call more than once or before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerTicksTotal.WithLabelValues("panic").Inc()
			s.logger.Error("panic in escrow scheduler", "panic", fmt.Sprint(r))
		}
	}()
	if _, _, err := s.RunOnce(ctx); err != nil {
		s.logger.Warn("escrow scheduler tick failed", "error", err)
	}
}

// RunOnce releases every hold due at the start of the tick, paging through
// them by (release date, id). A hold that fails to release is logged and
// passed over, so it cannot hold back the ones behind it; the next tick
// retries it.
func (s *Scheduler) RunOnce(ctx context.Context) (released, failed int, err error) {
	start := time.Now()
	defer func() {
		metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	}()

	if s.locker != nil {
		leader, err := s.locker.Acquire(ctx)
		if err != nil {
			metrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
			return 0, 0, fmt.Errorf("acquire scheduler lease: %w", err)
		}
		if !leader {
			metrics.SchedulerLeader.Set(0)
			metrics.SchedulerTicksTotal.WithLabelValues("skipped").Inc()
			s.logger.Debug("escrow scheduler tick skipped, lease held elsewhere")
			return 0, 0, nil
		}
		metrics.SchedulerLeader.Set(1)
	}

	now := s.service.now().UTC()
	md := wallet.Metadata{wallet.MetaReleasedBy: ReleasedByScheduler}
	var (
		after DueCursor
		seen  int
	)
	for ctx.Err() == nil {
		due, err := s.service.store.ListDue(ctx, now, after, s.batch)
		if err != nil {
			metrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
			return released, failed, fmt.Errorf("list due holds: %w", err)
		}
		seen += len(due)

		for _, h := range due {
			if ctx.Err() != nil {
				break
			}
			if _, err := s.service.Release(ctx, h.ID, md); err != nil {
				failed++
				metrics.SchedulerReleasesTotal.WithLabelValues("failed").Inc()
				s.logger.Warn("failed to release due escrow hold",
					"escrowHoldId", h.ID,
					"walletId", h.WalletID,
					"error", err,
				)
				continue
			}
			released++
			metrics.SchedulerReleasesTotal.WithLabelValues("released").Inc()
		}

		if len(due) < s.batch {
			break
		}
		after = cursorAt(due[len(due)-1])
	}

	metrics.SchedulerTicksTotal.WithLabelValues("ok").Inc()
	if seen > 0 {
		s.logger.Info("escrow scheduler tick",
			"due", seen,
			"released", released,
			"failed", failed,
			"duration", time.Since(start),
		)
	}
	return released, failed, nil
}
