// Package leader elects one instance to run a periodic job through a Redis
// lease.
//
// The lease is a single key set with NX and a TTL. The holder renews it on
// every Acquire; other instances see the key taken and skip their tick. A
// crashed holder loses the lease when the TTL runs out.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rfqhub/walletd/internal/idgen"
)

// Defaults.
const (
	DefaultKey   = "walletd:escrow-scheduler:leader"
	ReconcileKey = "walletd:reconcile:leader"
	DefaultTTL   = 10 * time.Minute
)

// renewScript extends the lease only if this instance still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the lease only if this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lease is a Redis-backed leadership lease.
type Lease struct {
	client redis.Cmdable
	key    string
	owner  string
	ttl    time.Duration
	logger *slog.Logger
	held   atomic.Bool
}

// NewLease creates a lease on DefaultKey with a fresh owner token.
func NewLease(client redis.Cmdable, logger *slog.Logger) *Lease {
	return &Lease{
		client: client,
		key:    DefaultKey,
		owner:  idgen.WithPrefix("ldr_"),
		ttl:    DefaultTTL,
		logger: logger,
	}
}

// WithKey overrides the lease key.
func (l *Lease) WithKey(key string) *Lease {
	if key != "" {
		l.key = key
	}
	return l
}

// WithTTL sets how long the lease survives without renewal. It should
// comfortably exceed the scheduler interval.
func (l *Lease) WithTTL(ttl time.Duration) *Lease {
	if ttl > 0 {
		l.ttl = ttl
	}
	return l
}

// WithOwner fixes the owner token. Tests use it for deterministic values.
func (l *Lease) WithOwner(owner string) *Lease {
	if owner != "" {
		l.owner = owner
	}
	return l
}

// Owner returns this instance's owner token.
func (l *Lease) Owner() string { return l.owner }

// Acquire renews the lease if held, otherwise tries to take it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ttlMs := l.ttl.Milliseconds()

	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, ttlMs).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	if renewed == 1 {
		l.transition(true)
		return true, nil
	}

	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("take lease %s: %w", l.key, err)
	}
	l.transition(ok)
	return ok, nil
}

// Release gives the lease up so another instance can take it immediately.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	l.transition(false)
	return nil
}

func (l *Lease) transition(held bool) {
	if l.held.Swap(held) == held {
		return
	}
	if held {
		l.logger.Info("lease acquired", "key", l.key, "owner", l.owner)
	} else {
		l.logger.Info("lease lost", "key", l.key, "owner", l.owner)
	}
}
