package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, ttl time.Duration) (*ReservationManager, *Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	engine := NewEngine(store, nil, nil)
	return NewReservationManager(store, engine, ttl, nil), engine, store
}

func insertReservation(t *testing.T, store *MemoryStore, res *Reservation) {
	t.Helper()
	err := store.WithinTx(context.Background(), func(tx Tx) error {
		return tx.InsertReservation(context.Background(), res)
	})
	require.NoError(t, err)
}

func TestReserve_HoldsAgainstEffectiveRemaining(t *testing.T) {
	manager, _, store := newTestManager(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, store, "acct-1", 100, 0)

	result, err := manager.Reserve(ctx, "acct-1", 30, "message", "msg-1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.ReservationKey)
	assert.Equal(t, int64(70), result.EffectiveRemaining)

	// The account row itself is untouched until Confirm.
	acct, err := store.ReadAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Remaining)
	assert.Equal(t, int64(0), acct.Used)

	res, err := store.GetReservation(ctx, result.ReservationKey)
	require.NoError(t, err)
	assert.Equal(t, ReservationPending, res.Status)
	assert.Equal(t, "message", res.ReferenceType)
	assert.Equal(t, "msg-1", res.ReferenceID)
}

func TestReserve_PendingHoldsCount(t *testing.T) {
	manager, _, store := newTestManager(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, store, "acct-1", 50, 0)

	_, err := manager.Reserve(ctx, "acct-1", 50, "", "")
	require.NoError(t, err)

	_, err = manager.Reserve(ctx, "acct-1", 10, "", "")
	require.Error(t, err)
	require.True(t, IsInsufficientQuota(err))

	var iq *InsufficientQuotaError
	require.ErrorAs(t, err, &iq)
	assert.Equal(t, int64(0), iq.Available, "available reflects the pending hold")
}

func TestReserve_ExpiredHoldReleasesQuota(t *testing.T) {
	manager, _, store := newTestManager(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, store, "acct-1", 50, 0)

	insertReservation(t, store, &Reservation{
		Key:       "stale",
		AccountID: "acct-1",
		Amount:    50,
		Status:    ReservationPending,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	})

	// The expired hold no longer counts, even before the sweep runs.
	result, err := manager.Reserve(ctx, "acct-1", 40, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.EffectiveRemaining)

	count, err := manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	res, err := store.GetReservation(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, ReservationExpired, res.Status)
}

func TestReserve_InvalidInput(t *testing.T) {
	manager, _, store := newTestManager(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, store, "acct-1", 100, 0)

	_, err := manager.Reserve(ctx, "acct-1", 0, "", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = manager.Reserve(ctx, "missing", 10, "", "")
	assert.ErrorIs(t, err, ErrNoActiveAccount)
}

func TestConfirm_ConsumesAndFlipsStatus(t *testing.T) {
	manager, _, store := newTestManager(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, store, "acct-1", 30, 0)

	reserved, err := manager.Reserve(ctx, "acct-1", 30, "message", "msg-1")
	require.NoError(t, err)

	confirmed, err := manager.Confirm(ctx, reserved.ReservationKey)
	require.NoError(t, err)
	assert.True(t, confirmed.Applied)
	assert.Equal(t, int64(0), confirmed.RemainingAfter)

	acct, err := store.ReadAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Remaining)
	assert.Equal(t, int64(30), acct.Used)

	res, err := store.GetReservation(ctx, reserved.ReservationKey)
	require.NoError(t, err)
	assert.Equal(t, ReservationConfirmed, res.Status)
	require.NotNil(t, res.ConfirmedAt)

	// Confirm records the consume under the reservation key.
	rec, err := store.LookupLedger(ctx, reserved.ReservationKey, OpConsumed)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(30), rec.Amount)
}

func TestConfirm_IdempotentReplay(t *testing.T) {
	manager, _, store := newTestManager(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, store, "acct-1", 100, 0)

	reserved, err := manager.Reserve(ctx, "acct-1", 40, "", "")
	require.NoError(t, err)

	first, err := manager.Confirm(ctx, reserved.ReservationKey)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := manager.Confirm(ctx, reserved.ReservationKey)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, int64(60), second.RemainingAfter)

	acct, err := store.ReadAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), acct.Remaining, "replayed confirm must not deduct twice")
}

func TestConfirm_ExpiredReservation(t *testing.T) {
	manager, _, store := newTestManager(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, store, "acct-1", 100, 0)

	insertReservation(t, store, &Reservation{
		Key:       "stale",
		AccountID: "acct-1",
		Amount:    20,
		Status:    ReservationPending,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	})

	_, err := manager.Confirm(ctx, "stale")
	assert.ErrorIs(t, err, ErrReservationExpired)

	// Lazy expiry flips the status without waiting for the sweep.
	res, err := store.GetReservation(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, ReservationExpired, res.Status)

	acct, err := store.ReadAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Remaining, "expired confirm must not consume")
}

func TestConfirm_TerminalStates(t *testing.T) {
	manager, _, store := newTestManager(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, store, "acct-1", 100, 0)

	_, err := manager.Confirm(ctx, "missing")
	assert.ErrorIs(t, err, ErrReservationNotFound)

	reserved, err := manager.Reserve(ctx, "acct-1", 10, "", "")
	require.NoError(t, err)
	_, err = manager.Cancel(ctx, reserved.ReservationKey, "caller bailed")
	require.NoError(t, err)

	_, err = manager.Confirm(ctx, reserved.ReservationKey)
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestCancel_ReleasesHold(t *testing.T) {
	manager, engine, store := newTestManager(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, store, "acct-1", 50, 0)

	reserved, err := manager.Reserve(ctx, "acct-1", 50, "", "")
	require.NoError(t, err)

	result, err := manager.Cancel(ctx, reserved.ReservationKey, "changed mind")
	require.NoError(t, err)
	assert.False(t, result.Skipped)

	// Cancel touches neither the account nor the ledger.
	acct, err := store.ReadAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.Remaining)
	assert.Equal(t, int64(0), acct.Used)

	rec, err := store.LookupLedger(ctx, reserved.ReservationKey, OpConsumed)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// The released hold is reservable again.
	snap, err := engine.GetSnapshot(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), snap.EffectiveRemaining)
}

func TestCancel_Idempotent(t *testing.T) {
	manager, _, store := newTestManager(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, store, "acct-1", 50, 0)

	reserved, err := manager.Reserve(ctx, "acct-1", 10, "", "")
	require.NoError(t, err)

	first, err := manager.Cancel(ctx, reserved.ReservationKey, "")
	require.NoError(t, err)
	assert.False(t, first.Skipped)

	second, err := manager.Cancel(ctx, reserved.ReservationKey, "")
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	_, err = manager.Cancel(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestSweepExpired_OnlyPastPending(t *testing.T) {
	manager, _, store := newTestManager(t, time.Hour)
	ctx := context.Background()
	seedAccount(t, store, "acct-1", 100, 0)

	now := time.Now().UTC()
	insertReservation(t, store, &Reservation{
		Key: "past", AccountID: "acct-1", Amount: 10,
		Status: ReservationPending, ExpiresAt: now.Add(-time.Minute),
	})
	insertReservation(t, store, &Reservation{
		Key: "future", AccountID: "acct-1", Amount: 10,
		Status: ReservationPending, ExpiresAt: now.Add(time.Hour),
	})
	insertReservation(t, store, &Reservation{
		Key: "done", AccountID: "acct-1", Amount: 10,
		Status: ReservationConfirmed, ExpiresAt: now.Add(-time.Minute),
	})

	count, err := manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	res, err := store.GetReservation(ctx, "future")
	require.NoError(t, err)
	assert.Equal(t, ReservationPending, res.Status)

	res, err = store.GetReservation(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, ReservationConfirmed, res.Status)
}
