// Package reconciliation sweeps the whole ledger: every wallet is replayed
// against its stored balances and held escrows that are long past their
// release date are reported.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rfqhub/walletd/internal/escrow"
	"github.com/rfqhub/walletd/internal/wallet"
)

// Defaults
const (
	DefaultBatchSize = 200
	DefaultGrace     = 15 * time.Minute
	maxOverdueReport = 1000
)

// Ledger is the wallet side of a sweep.
type Ledger interface {
	ListUserIDs(ctx context.Context, after string, limit int) ([]string, error)
	Reconcile(ctx context.Context, userID string) (*wallet.Reconciliation, error)
}

// DueHolds lists held escrows whose release date has passed.
type DueHolds interface {
	ListDue(ctx context.Context, limit int) ([]*escrow.Hold, error)
}

// Report is the outcome of one sweep.
type Report struct {
	StartedAt    time.Time                `json:"startedAt"`
	DurationMS   int64                    `json:"durationMs"`
	Wallets      int                      `json:"wallets"`
	Mismatches   []*wallet.Reconciliation `json:"mismatches"`
	OverdueHolds []string                 `json:"overdueHolds"`
	Errors       int                      `json:"errors"`
}

// Clean reports whether the sweep found nothing to act on.
func (r *Report) Clean() bool {
	return len(r.Mismatches) == 0 && len(r.OverdueHolds) == 0 && r.Errors == 0
}

// Runner performs ledger sweeps.
type Runner struct {
	ledger Ledger
	holds  DueHolds
	batch  int
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a sweep runner. holds may be nil.
func NewRunner(ledger Ledger, holds DueHolds, logger *slog.Logger) *Runner {
	return &Runner{
		ledger: ledger,
		holds:  holds,
		batch:  DefaultBatchSize,
		grace:  DefaultGrace,
		now:    time.Now,
		logger: logger,
	}
}

// WithBatchSize sets how many wallets are listed per page.
func (r *Runner) WithBatchSize(n int) *Runner {
	if n > 0 {
		r.batch = n
	}
	return r
}

// WithGrace sets how long past its release date a held escrow may sit
// before it is reported. Use a multiple of the scheduler interval.
func (r *Runner) WithGrace(d time.Duration) *Runner {
	if d > 0 {
		r.grace = d
	}
	return r
}

// Last returns the most recent report, or nil before the first sweep.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// RunAll sweeps every wallet. Per-wallet failures are counted and logged;
// only a failure to list wallets or a cancelled context aborts the sweep.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	rep := &Report{
		StartedAt:    start.UTC(),
		Mismatches:   []*wallet.Reconciliation{},
		OverdueHolds: []string{},
	}

	if err := r.sweepWallets(ctx, rep); err != nil {
		runErrors.Inc()
		return nil, err
	}
	if err := r.sweepHolds(ctx, rep); err != nil {
		rep.Errors++
		r.logger.Warn("overdue hold check failed", "error", err)
	}

	elapsed := r.now().Sub(start)
	rep.DurationMS = elapsed.Milliseconds()
	runDuration.Observe(elapsed.Seconds())
	ledgerMismatches.Set(float64(len(rep.Mismatches)))
	overdueHolds.Set(float64(len(rep.OverdueHolds)))
	if rep.Errors > 0 {
		runErrors.Add(float64(rep.Errors))
	}

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()

	level := slog.LevelInfo
	if !rep.Clean() {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "ledger sweep finished",
		"wallets", rep.Wallets,
		"mismatches", len(rep.Mismatches),
		"overdueHolds", len(rep.OverdueHolds),
		"errors", rep.Errors,
		"durationMs", rep.DurationMS,
	)
	return rep, nil
}

func (r *Runner) sweepWallets(ctx context.Context, rep *Report) error {
	after := ""
	for {
		ids, err := r.ledger.ListUserIDs(ctx, after, r.batch)
		if err != nil {
			return fmt.Errorf("list wallets: %w", err)
		}
		for _, userID := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := r.ledger.Reconcile(ctx, userID)
			switch {
			case errors.Is(err, wallet.ErrWalletNotFound):
				continue
			case err != nil:
				rep.Errors++
				r.logger.Warn("wallet reconciliation failed", "userId", userID, "error", err)
				continue
			}
			rep.Wallets++
			if !rec.Consistent {
				rep.Mismatches = append(rep.Mismatches, rec)
			}
		}
		if len(ids) < r.batch {
			return nil
		}
		after = ids[len(ids)-1]
	}
}

func (r *Runner) sweepHolds(ctx context.Context, rep *Report) error {
	if r.holds == nil {
		return nil
	}
	due, err := r.holds.ListDue(ctx, maxOverdueReport)
	if err != nil {
		return err
	}
	cutoff := r.now().Add(-r.grace)
	for _, h := range due {
		if h.ReleaseDate != nil && h.ReleaseDate.Before(cutoff) {
			rep.OverdueHolds = append(rep.OverdueHolds, h.ID)
		}
	}
	return nil
}
