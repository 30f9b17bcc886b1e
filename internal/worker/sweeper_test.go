package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaline/quotaline/internal/quota"
)

func TestSweeper_ExpiresStaleReservations(t *testing.T) {
	store := quota.NewMemoryStore()
	engine := quota.NewEngine(store, nil, nil)
	manager := quota.NewReservationManager(store, engine, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.CreateAccount(ctx, &quota.Account{
		AccountID: "acct-1", Initial: 100, Status: quota.AccountActive,
	}))
	require.NoError(t, store.WithinTx(ctx, func(tx quota.Tx) error {
		return tx.InsertReservation(ctx, &quota.Reservation{
			Key:       "stale",
			AccountID: "acct-1",
			Amount:    10,
			Status:    quota.ReservationPending,
			ExpiresAt: time.Now().UTC().Add(-time.Minute),
		})
	}))

	sweeper := NewSweeper(manager, 10*time.Millisecond)
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		res, err := store.GetReservation(ctx, "stale")
		return err == nil && res.Status == quota.ReservationExpired
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}

	res, err := store.GetReservation(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, quota.ReservationExpired, res.Status)
}
