package leader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const ttl = time.Minute

func newTestLease(t *testing.T) (*Lease, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	return NewLease(client, testLogger()).WithOwner("ldr_a").WithTTL(ttl), mock
}

func TestAcquireTakesFreeLease(t *testing.T) {
	lease, mock := newTestLease(t)
	mock.ExpectEvalSha(renewScript.Hash(), []string{DefaultKey}, "ldr_a", ttl.Milliseconds()).SetVal(int64(0))
	mock.ExpectSetNX(DefaultKey, "ldr_a", ttl).SetVal(true)

	ok, err := lease.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireRenewsHeldLease(t *testing.T) {
	lease, mock := newTestLease(t)
	mock.ExpectEvalSha(renewScript.Hash(), []string{DefaultKey}, "ldr_a", ttl.Milliseconds()).SetVal(int64(1))

	ok, err := lease.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLeaseHeldElsewhere(t *testing.T) {
	lease, mock := newTestLease(t)
	mock.ExpectEvalSha(renewScript.Hash(), []string{DefaultKey}, "ldr_a", ttl.Milliseconds()).SetVal(int64(0))
	mock.ExpectSetNX(DefaultKey, "ldr_a", ttl).SetVal(false)

	ok, err := lease.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireRedisError(t *testing.T) {
	lease, mock := newTestLease(t)
	mock.ExpectEvalSha(renewScript.Hash(), []string{DefaultKey}, "ldr_a", ttl.Milliseconds()).SetErr(errors.New("connection refused"))

	ok, err := lease.Acquire(context.Background())
	assert.False(t, ok)
	assert.ErrorContains(t, err, "connection refused")
}

func TestAcquireSetNXError(t *testing.T) {
	lease, mock := newTestLease(t)
	mock.ExpectEvalSha(renewScript.Hash(), []string{DefaultKey}, "ldr_a", ttl.Milliseconds()).SetVal(int64(0))
	mock.ExpectSetNX(DefaultKey, "ldr_a", ttl).SetErr(errors.New("readonly replica"))

	ok, err := lease.Acquire(context.Background())
	assert.False(t, ok)
	assert.ErrorContains(t, err, "take lease")
}

func TestRelease(t *testing.T) {
	lease, mock := newTestLease(t)
	lease = lease.WithKey("custom:leader")
	mock.ExpectEvalSha(releaseScript.Hash(), []string{"custom:leader"}, "ldr_a").SetVal(int64(1))

	require.NoError(t, lease.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewLeaseOwnersDiffer(t *testing.T) {
	client, _ := redismock.NewClientMock()
	a := NewLease(client, testLogger())
	b := NewLease(client, testLogger())
	assert.NotEqual(t, a.Owner(), b.Owner())
}
