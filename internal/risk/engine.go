package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/rfqhub/walletd/internal/idgen"
)

// windowEntry records a single committed movement for sliding-window analysis.
type windowEntry struct {
	Counterparty string
	Amount       int64
	Timestamp    time.Time
}

const (
	maxWindowSize  = 1000
	windowDuration = 24 * time.Hour

	weightVelocity  = 0.35
	weightNovelty   = 0.15
	weightTimeOfDay = 0.15
	weightAmount    = 0.35
)

// Engine scores movements using in-memory sliding windows per wallet.
type Engine struct {
	windows        sync.Map // map[string]*walletWindow
	store          Store
	blockThreshold float64
	warnThreshold  float64
	maxAmount      int64
	logger         *slog.Logger
	now            func() time.Time
}

type walletWindow struct {
	mu      sync.Mutex
	entries []windowEntry
}

// NewEngine creates a risk scoring engine backed by the given audit store.
// store may be nil.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:          store,
		blockThreshold: DefaultBlockThreshold,
		warnThreshold:  DefaultWarnThreshold,
		maxAmount:      DefaultMaxAmount,
		logger:         logger,
		now:            time.Now,
	}
}

// WithBlockThreshold overrides the default block threshold.
func (e *Engine) WithBlockThreshold(t float64) *Engine {
	e.blockThreshold = t
	return e
}

// WithWarnThreshold overrides the default warn threshold.
func (e *Engine) WithWarnThreshold(t float64) *Engine {
	e.warnThreshold = t
	return e
}

// WithMaxAmount sets the largest single movement accepted, in minor units.
func (e *Engine) WithMaxAmount(n int64) *Engine {
	if n > 0 {
		e.maxAmount = n
	}
	return e
}

// Score evaluates a movement and returns an assessment. It only reads the
// window; committed movements are added through Record.
func (e *Engine) Score(ctx context.Context, tx *TransactionContext) *Assessment {
	w := e.getWindow(tx.WalletID)
	w.mu.Lock()
	entries := e.snapshotEntries(w)
	w.mu.Unlock()

	factors := map[string]float64{
		"velocity":    e.velocityFactor(entries, tx.Amount),
		"novelty":     e.noveltyFactor(entries, tx.Counterparty),
		"time_of_day": e.timeOfDayFactor(entries),
		"amount":      e.amountFactor(tx.Amount),
	}

	score := factors["velocity"]*weightVelocity +
		factors["novelty"]*weightNovelty +
		factors["time_of_day"]*weightTimeOfDay +
		factors["amount"]*weightAmount

	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	score = math.Round(score*1000) / 1000

	decision := DecisionAllow
	reason := ""
	switch {
	case tx.Amount > e.maxAmount:
		decision = DecisionBlock
		reason = "amount exceeds limit"
	case score >= e.blockThreshold:
		decision = DecisionBlock
		reason = fmt.Sprintf("risk score %.3f exceeds threshold", score)
	case score >= e.warnThreshold:
		decision = DecisionWarn
	}

	a := &Assessment{
		ID:          idgen.WithPrefix("risk_"),
		WalletID:    tx.WalletID,
		UserID:      tx.UserID,
		Type:        tx.Type,
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		Score:       score,
		Factors:     factors,
		Decision:    decision,
		Reason:      reason,
		EvaluatedAt: e.now(),
	}

	if decision != DecisionAllow {
		e.logger.Warn("risk assessment",
			"walletId", tx.WalletID,
			"type", tx.Type,
			"amount", tx.Amount,
			"score", score,
			"decision", decision,
		)
	}

	// Audit trail is best-effort and must not slow the ledger write.
	if e.store != nil {
		go func() {
			if err := e.store.Record(context.WithoutCancel(ctx), a); err != nil {
				e.logger.Warn("failed to record risk assessment", "assessmentId", a.ID, "error", err)
			}
		}()
	}

	return a
}

// Record appends a committed movement to the wallet's sliding window.
func (e *Engine) Record(walletID, counterparty string, amount int64) {
	w := e.getWindow(walletID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, windowEntry{
		Counterparty: counterparty,
		Amount:       amount,
		Timestamp:    e.now(),
	})
	e.pruneWindow(w)
}

func (e *Engine) getWindow(walletID string) *walletWindow {
	v, _ := e.windows.LoadOrStore(walletID, &walletWindow{})
	return v.(*walletWindow)
}

// snapshotEntries returns a copy of non-expired entries (caller holds lock).
func (e *Engine) snapshotEntries(w *walletWindow) []windowEntry {
	cutoff := e.now().Add(-windowDuration)
	result := make([]windowEntry, 0, len(w.entries))
	for _, entry := range w.entries {
		if entry.Timestamp.After(cutoff) {
			result = append(result, entry)
		}
	}
	return result
}

// pruneWindow removes entries older than 24h and caps at maxWindowSize.
func (e *Engine) pruneWindow(w *walletWindow) {
	cutoff := e.now().Add(-windowDuration)
	start := 0
	for start < len(w.entries) && w.entries[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) > maxWindowSize {
		w.entries = w.entries[len(w.entries)-maxWindowSize:]
	}
}

// velocityFactor: 5-min spend rate vs 24h average.
// 10x spike = 0.5, 100x spike = 1.0, uses log10 scaling.
func (e *Engine) velocityFactor(entries []windowEntry, current int64) float64 {
	if len(entries) < 2 {
		return 0.0
	}

	fiveMinAgo := e.now().Add(-5 * time.Minute)

	var total24h, spent5min float64
	for _, entry := range entries {
		total24h += float64(entry.Amount)
		if entry.Timestamp.After(fiveMinAgo) {
			spent5min += float64(entry.Amount)
		}
	}
	spent5min += float64(current)

	// 24h = 288 five-minute windows
	avg5min := total24h / 288.0
	if avg5min <= 0 {
		return 0.0
	}

	ratio := spent5min / avg5min
	if ratio <= 1.0 {
		return 0.0
	}

	score := math.Log10(ratio) / 2.0
	if score > 1.0 {
		score = 1.0
	}
	return math.Round(score*1000) / 1000
}

// noveltyFactor: never seen = 0.6, seen 1-2x = 0.3, seen 3+ = 0.0.
// Movements without a counterparty (withdrawals, fees) score 0.
func (e *Engine) noveltyFactor(entries []windowEntry, counterparty string) float64 {
	if counterparty == "" || len(entries) == 0 {
		return 0.0
	}
	count := 0
	for _, entry := range entries {
		if entry.Counterparty == counterparty {
			count++
		}
	}
	switch {
	case count >= 3:
		return 0.0
	case count >= 1:
		return 0.3
	default:
		return 0.6
	}
}

// timeOfDayFactor: unusual hour (< 2% of movements) = 0.8.
// Insufficient data (< 10 movements) = 0.0.
func (e *Engine) timeOfDayFactor(entries []windowEntry) float64 {
	if len(entries) < 10 {
		return 0.0
	}

	var histogram [24]int
	for _, entry := range entries {
		histogram[entry.Timestamp.UTC().Hour()]++
	}

	fraction := float64(histogram[e.now().UTC().Hour()]) / float64(len(entries))
	if fraction < 0.02 {
		return 0.8
	}
	return 0.0
}

// amountFactor scales with the movement's share of the single-movement cap.
func (e *Engine) amountFactor(amount int64) float64 {
	if e.maxAmount <= 0 || amount <= 0 {
		return 0.0
	}
	f := float64(amount) / float64(e.maxAmount)
	if f > 1.0 {
		f = 1.0
	}
	return math.Round(f*1000) / 1000
}
