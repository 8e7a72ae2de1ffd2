package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rfqhub/walletd/internal/circuitbreaker"
	"github.com/rfqhub/walletd/internal/metrics"
	"github.com/rfqhub/walletd/internal/retry"
)

// DefaultTimeout bounds a whole registration, retries included.
const DefaultTimeout = 10 * time.Second

// Registrar dispatches registrations to the provider for a gateway. Calls are
// time-bounded, retried, and guarded by a per-gateway circuit breaker.
type Registrar struct {
	providers map[Gateway]Provider
	breaker   *circuitbreaker.Breaker
	timeout   time.Duration
	attempts  int
	logger    *slog.Logger
}

// NewRegistrar creates a registrar over the given providers.
func NewRegistrar(logger *slog.Logger, providers ...Provider) *Registrar {
	r := &Registrar{
		providers: make(map[Gateway]Provider, len(providers)),
		breaker:   circuitbreaker.New(5, time.Minute),
		timeout:   DefaultTimeout,
		attempts:  3,
		logger:    logger,
	}
	for _, p := range providers {
		r.providers[p.Gateway()] = p
	}
	return r
}

// WithTimeout overrides the registration deadline.
func (r *Registrar) WithTimeout(d time.Duration) *Registrar {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// WithAttempts overrides the retry budget.
func (r *Registrar) WithAttempts(n int) *Registrar {
	if n > 0 {
		r.attempts = n
	}
	return r
}

// Configured reports whether a provider exists for g.
func (r *Registrar) Configured(g Gateway) bool {
	_, ok := r.providers[g]
	return ok
}

// Register opens a customer record on gateway g. Every failure is wrapped in
// ErrGatewayInitFailed.
func (r *Registrar) Register(ctx context.Context, g Gateway, c Customer) (string, error) {
	p, ok := r.providers[g]
	if !ok {
		if !g.Valid() {
			return "", fmt.Errorf("%w: %w: %s", ErrGatewayInitFailed, ErrUnknownGateway, g)
		}
		metrics.GatewayRegistrationsTotal.WithLabelValues(string(g), "skipped").Inc()
		return "", fmt.Errorf("%w: %w: %s", ErrGatewayInitFailed, ErrNotConfigured, g)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var id string
	err := retry.Do(ctx, r.attempts, 200*time.Millisecond, func() error {
		err := r.breaker.Execute(string(g), func() error {
			var err error
			id, err = p.Register(ctx, c)
			return err
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		metrics.GatewayRegistrationsTotal.WithLabelValues(string(g), "failed").Inc()
		return "", fmt.Errorf("%w: %s: %w", ErrGatewayInitFailed, g, err)
	}

	metrics.GatewayRegistrationsTotal.WithLabelValues(string(g), "ok").Inc()
	r.logger.Debug("gateway customer registered", "gateway", g, "userId", c.UserID, "customerId", id)
	return id, nil
}
