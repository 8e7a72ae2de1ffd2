//go:build integration

package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfqhub/walletd/internal/testutil"
	"github.com/rfqhub/walletd/internal/wallet"
)

func newPostgresEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	events := &recordingNotifier{}
	wallets := wallet.NewService(wallet.NewPostgresStore(conn), testLogger())
	svc := NewService(NewPostgresStore(conn), wallets, testLogger()).WithNotifier(events)
	wallets.WithHolds(svc)
	return &testEnv{escrow: svc, wallets: wallets, events: events}
}

func TestPostgres_HoldReleaseLifecycle(t *testing.T) {
	env := newPostgresEnv(t)
	ctx := context.Background()

	walletID := env.fund(t, "buyer", 5000)
	h := env.hold(t, walletID, "seller", 2000)

	balance, escrow := env.balances(t, "buyer")
	assert.Equal(t, int64(5000), balance)
	assert.Equal(t, int64(2000), escrow)

	res, err := env.escrow.Release(ctx, h.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, res.Hold.Status)

	balance, escrow = env.balances(t, "buyer")
	assert.Equal(t, int64(3000), balance)
	assert.Zero(t, escrow)

	sellerBalance, _ := env.balances(t, "seller")
	assert.Equal(t, int64(2000), sellerBalance)

	_, err = env.escrow.Release(ctx, h.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	env.assertReconciles(t, "buyer", "seller")
}

func TestPostgres_DuplicateReferenceRejected(t *testing.T) {
	env := newPostgresEnv(t)
	ctx := context.Background()

	req := wallet.MovementRequest{UserID: "buyer", Amount: 100, ReferenceID: "psp_evt_1"}
	_, err := env.wallets.Credit(ctx, req)
	require.NoError(t, err)

	_, err = env.wallets.Credit(ctx, req)
	assert.ErrorIs(t, err, wallet.ErrDuplicateReference)

	balance, _ := env.balances(t, "buyer")
	assert.Equal(t, int64(100), balance)
}

func TestPostgres_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	env := newPostgresEnv(t)
	ctx := context.Background()
	env.fund(t, "buyer", 1000)

	// Each conflict round commits at least one debit, so four writers stay
	// within db.MaxTxAttempts.

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.wallets.Debit(ctx, wallet.MovementRequest{UserID: "buyer", Amount: 300})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, wallet.ErrInsufficientBalance) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	balance, _ := env.balances(t, "buyer")
	assert.Equal(t, int64(100), balance)
	env.assertReconciles(t, "buyer")
}
