// Package notify fans ledger and escrow events out to best-effort sinks.
//
// Delivery happens after the financial transaction has committed. A sink
// failure is logged and counted; it never reaches the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rfqhub/walletd/internal/idgen"
	"github.com/rfqhub/walletd/internal/metrics"
	"github.com/rfqhub/walletd/internal/money"
)

// EventType names a state transition.
type EventType string

const (
	EventWalletCreated        EventType = "wallet.created"
	EventWalletCredited       EventType = "wallet.credited"
	EventWalletDebited        EventType = "wallet.debited"
	EventWalletUpdated        EventType = "wallet.updated"
	EventTransactionRecorded  EventType = "transaction.recorded"
	EventTransactionCompleted EventType = "transaction.completed"
	EventTransactionFailed    EventType = "transaction.failed"
	EventEscrowHeld           EventType = "escrow.held"
	EventEscrowReleased       EventType = "escrow.released"
	EventEscrowRefunded       EventType = "escrow.refunded"
)

// Event is the payload every sink receives.
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	WalletID      string            `json:"walletId"`
	UserID        string            `json:"userId,omitempty"`
	EscrowHoldID  string            `json:"escrowHoldId,omitempty"`
	TransactionID string            `json:"transactionId,omitempty"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	DisplayAmount string            `json:"displayAmount,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Dispatcher defaults.
const (
	DefaultTimeout   = 10 * time.Second // bounds a single sink delivery
	DefaultWorkers   = 8
	DefaultQueueSize = 1024
)

type delivery struct {
	ctx  context.Context
	sink Sink
	ev   Event
}

// Dispatcher delivers events to every sink from a fixed worker pool. When
// the queue is full, or after Close, deliveries are dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	queue   chan delivery
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a dispatcher over sinks and starts its workers.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	d := &Dispatcher{
		sinks:   sinks,
		logger:  logger,
		timeout: DefaultTimeout,
		queue:   make(chan delivery, DefaultQueueSize),
	}
	for i := 0; i < DefaultWorkers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// WithTimeout sets the per-delivery timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

// Notify fills in the envelope and queues ev for every sink without
// blocking. Request cancellation does not cancel delivery.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix(idgen.EventPrefix)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.DisplayAmount == "" && ev.Currency != "" {
		ev.DisplayAmount = money.Format(ev.Amount, ev.Currency)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		for _, sink := range d.sinks {
			d.dropped(sink, ev, "dispatcher closed")
		}
		return
	}

	base := context.WithoutCancel(ctx)
	for _, sink := range d.sinks {
		select {
		case d.queue <- delivery{ctx: base, sink: sink, ev: ev}:
		default:
			d.dropped(sink, ev, "queue full")
		}
	}
}

func (d *Dispatcher) dropped(sink Sink, ev Event, reason string) {
	metrics.NotificationsTotal.WithLabelValues(sink.Name(), "dropped").Inc()
	d.logger.Warn("notification dropped",
		"sink", sink.Name(),
		"eventId", ev.ID,
		"type", ev.Type,
		"reason", reason,
	)
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job.ctx, job.sink, job.ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationsTotal.WithLabelValues(sink.Name(), "panic").Inc()
			d.logger.Error("notification sink panicked", "sink", sink.Name(), "eventId", ev.ID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := sink.Send(ctx, ev); err != nil {
		metrics.NotificationsTotal.WithLabelValues(sink.Name(), "failed").Inc()
		d.logger.Warn("notification delivery failed",
			"sink", sink.Name(),
			"eventId", ev.ID,
			"type", ev.Type,
			"walletId", ev.WalletID,
			"error", err,
		)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(sink.Name(), "ok").Inc()
}

// Close stops accepting events, drains the queue and waits for the
// workers. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at INFO.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, ev Event) error {
	s.logger.InfoContext(ctx, "event",
		"eventId", ev.ID,
		"type", ev.Type,
		"walletId", ev.WalletID,
		"escrowHoldId", ev.EscrowHoldID,
		"amount", ev.Amount,
		"currency", ev.Currency,
	)
	return nil
}
