package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quotaline/quotaline/internal/metrics"
)

// Reasons reported by CanConsume.
const (
	ReasonNoActiveAccount   = "no_active_account"
	ReasonAccountExpired    = "account_expired"
	ReasonInsufficientQuota = "insufficient_quota"
)

// Engine is the consumption engine: the only component callers use to
// debit or credit an account directly. Every mutation is guarded twice
// by the idempotency ledger (a cheap lookup outside the transaction
// and an authoritative one inside it) and applied through a single
// conditional statement, so concurrent callers can never drive a
// balance negative or double-charge a retried key.
type Engine struct {
	store Store
	cache *SnapshotCache
	sink  ActivitySink
}

// NewEngine creates a consumption engine. cache and sink may be nil;
// both are best-effort collaborators and never affect correctness.
func NewEngine(store Store, cache *SnapshotCache, sink ActivitySink) *Engine {
	if sink == nil {
		sink = NopSink{}
	}
	return &Engine{store: store, cache: cache, sink: sink}
}

// CanConsume is an advisory pre-check. It does not prevent a
// subsequent race; Consume re-validates atomically.
func (e *Engine) CanConsume(ctx context.Context, accountID string, amount int64) (CanConsumeResult, error) {
	if amount <= 0 {
		return CanConsumeResult{}, ErrInvalidAmount
	}

	acct, err := e.store.ReadAccount(ctx, accountID)
	if errors.Is(err, ErrNoActiveAccount) {
		return CanConsumeResult{Ok: false, Reason: ReasonNoActiveAccount}, nil
	}
	if err != nil {
		return CanConsumeResult{}, fmt.Errorf("reading account: %w", err)
	}

	switch {
	case acct.IsExpired(time.Now().UTC()):
		return CanConsumeResult{Ok: false, Reason: ReasonAccountExpired, Remaining: acct.Remaining}, nil
	case acct.Status != AccountActive:
		return CanConsumeResult{Ok: false, Reason: ReasonNoActiveAccount, Remaining: acct.Remaining}, nil
	case acct.Remaining < amount:
		return CanConsumeResult{Ok: false, Reason: ReasonInsufficientQuota, Remaining: acct.Remaining}, nil
	}
	return CanConsumeResult{Ok: true, Remaining: acct.Remaining}, nil
}

// Consume atomically debits amount from the account, at most once per
// idempotency key. A replayed key returns Skipped=true, which callers
// treat identically to a fresh success.
func (e *Engine) Consume(ctx context.Context, accountID string, amount int64, idempotencyKey string, metadata map[string]any) (ConsumeResult, error) {
	if amount <= 0 {
		return ConsumeResult{}, ErrInvalidAmount
	}
	if idempotencyKey == "" {
		return ConsumeResult{}, fmt.Errorf("idempotency key is required")
	}

	// Fast path: performance only, not authoritative. Lookup or read
	// failures fall through to the transactional check.
	if rec, err := e.store.LookupLedger(ctx, idempotencyKey, OpConsumed); err != nil {
		slog.Warn("quota: fast ledger lookup failed", "key", idempotencyKey, "error", err)
	} else if rec != nil {
		if acct, err := e.store.ReadAccount(ctx, accountID); err == nil {
			metrics.ConsumesTotal.WithLabelValues("skipped").Inc()
			return ConsumeResult{Applied: true, Skipped: true, RemainingAfter: acct.Remaining}, nil
		}
	}

	var result ConsumeResult
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		var txErr error
		result, txErr = e.consumeTx(ctx, tx, accountID, amount, idempotencyKey, metadata, time.Now().UTC())
		return txErr
	})
	if err != nil {
		metrics.ConsumesTotal.WithLabelValues(consumeOutcome(err)).Inc()
		return ConsumeResult{}, err
	}

	if result.Skipped {
		metrics.ConsumesTotal.WithLabelValues("skipped").Inc()
		return result, nil
	}

	metrics.ConsumesTotal.WithLabelValues("applied").Inc()
	e.afterMutation(ctx, accountID)
	e.sink.QuotaConsumed(ctx, ConsumeEvent{
		AccountID:      accountID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		RemainingAfter: result.RemainingAfter,
		OccurredAt:     time.Now().UTC(),
	})
	return result, nil
}

// consumeTx runs steps 2-4 of the consume flow inside an already-open
// transaction. ConfirmReservation reuses it so a confirm and its
// status flip commit together.
func (e *Engine) consumeTx(ctx context.Context, tx Tx, accountID string, amount int64, idempotencyKey string, metadata map[string]any, now time.Time) (ConsumeResult, error) {
	// Authoritative check: closes the window between two callers
	// racing with the same key.
	rec, err := tx.LookupLedger(ctx, idempotencyKey, OpConsumed)
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("ledger lookup: %w", err)
	}
	if rec != nil {
		// A replay reports the balance as it stands, unchanged by this
		// call.
		acct, err := tx.ReadAccount(ctx, accountID)
		if err != nil {
			return ConsumeResult{}, fmt.Errorf("re-reading account on replay: %w", err)
		}
		return ConsumeResult{Applied: true, Skipped: true, RemainingAfter: acct.Remaining}, nil
	}

	dec, err := tx.TryDecrement(ctx, accountID, amount, now)
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("decrementing account: %w", err)
	}
	if !dec.Applied {
		return ConsumeResult{}, e.classifyDecrementFailure(ctx, tx, accountID, amount, now)
	}

	if err := tx.RecordLedger(ctx, &IdempotencyRecord{
		Key:       idempotencyKey,
		AccountID: accountID,
		Amount:    amount,
		Operation: OpConsumed,
		Metadata:  metadata,
		CreatedAt: now,
	}); err != nil {
		return ConsumeResult{}, fmt.Errorf("recording ledger entry: %w", err)
	}

	return ConsumeResult{Applied: true, RemainingAfter: dec.RemainingAfter}, nil
}

// classifyDecrementFailure re-reads the account inside the transaction
// to turn a failed conditional update into the right domain error.
func (e *Engine) classifyDecrementFailure(ctx context.Context, tx Tx, accountID string, amount int64, now time.Time) error {
	acct, err := tx.ReadAccount(ctx, accountID)
	if errors.Is(err, ErrNoActiveAccount) {
		return ErrNoActiveAccount
	}
	if err != nil {
		return fmt.Errorf("re-reading account: %w", err)
	}
	if acct.IsExpired(now) {
		return ErrAccountExpired
	}
	if acct.Status != AccountActive {
		return ErrNoActiveAccount
	}
	return &InsufficientQuotaError{AccountID: accountID, Required: amount, Available: acct.Remaining}
}

// Rollback restores up to amount units previously consumed, at most
// once per idempotency key. Rolling back more than was consumed
// restores only what was consumed; rolling back something that never
// happened is a logged no-op, so replays after partial failure are
// always safe.
func (e *Engine) Rollback(ctx context.Context, accountID string, amount int64, idempotencyKey, reason string) (RollbackResult, error) {
	if amount <= 0 {
		return RollbackResult{}, ErrInvalidAmount
	}
	if idempotencyKey == "" {
		return RollbackResult{}, fmt.Errorf("idempotency key is required")
	}

	if rec, err := e.store.LookupLedger(ctx, idempotencyKey, OpRolledBack); err != nil {
		slog.Warn("quota: fast ledger lookup failed", "key", idempotencyKey, "error", err)
	} else if rec != nil {
		metrics.RollbacksTotal.WithLabelValues("skipped").Inc()
		return RollbackResult{Applied: true, Skipped: true}, nil
	}

	var result RollbackResult
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		now := time.Now().UTC()

		rec, err := tx.LookupLedger(ctx, idempotencyKey, OpRolledBack)
		if err != nil {
			return fmt.Errorf("ledger lookup: %w", err)
		}
		if rec != nil {
			result = RollbackResult{Applied: true, Skipped: true}
			return nil
		}

		inc, err := tx.Increment(ctx, accountID, amount)
		if err != nil {
			return fmt.Errorf("restoring account: %w", err)
		}

		if err := tx.RecordLedger(ctx, &IdempotencyRecord{
			Key:       idempotencyKey,
			AccountID: accountID,
			Amount:    inc.Restored,
			Operation: OpRolledBack,
			Metadata:  map[string]any{"reason": reason},
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("recording ledger entry: %w", err)
		}

		result = RollbackResult{Applied: inc.Restored > 0, Restored: inc.Restored}
		return nil
	})
	if err != nil {
		metrics.RollbacksTotal.WithLabelValues("error").Inc()
		return RollbackResult{}, err
	}

	if result.Skipped {
		metrics.RollbacksTotal.WithLabelValues("skipped").Inc()
		return result, nil
	}

	if result.Restored == 0 {
		// Nothing moved: the account is untouched, so there is no
		// cache to invalidate and no restore to announce.
		slog.Warn("quota: rollback with nothing to restore",
			"account_id", accountID, "amount", amount, "key", idempotencyKey, "reason", reason)
		metrics.RollbacksTotal.WithLabelValues("noop").Inc()
		return result, nil
	}

	metrics.RollbacksTotal.WithLabelValues("applied").Inc()
	e.afterMutation(ctx, accountID)
	e.sink.QuotaRolledBack(ctx, RollbackEvent{
		AccountID:      accountID,
		Amount:         amount,
		Restored:       result.Restored,
		IdempotencyKey: idempotencyKey,
		Reason:         reason,
		OccurredAt:     time.Now().UTC(),
	})
	return result, nil
}

// GetSnapshot returns the cached account snapshot, recomputing it from
// the authoritative tables on a miss.
func (e *Engine) GetSnapshot(ctx context.Context, accountID string) (*Snapshot, error) {
	if e.cache != nil {
		if snap, err := e.cache.Get(ctx, accountID); err != nil {
			slog.Warn("quota: snapshot cache read failed", "account_id", accountID, "error", err)
		} else if snap != nil {
			metrics.SnapshotCacheTotal.WithLabelValues("hit").Inc()
			return snap, nil
		}
		metrics.SnapshotCacheTotal.WithLabelValues("miss").Inc()
	}

	snap, err := e.computeSnapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, snap); err != nil {
			slog.Warn("quota: snapshot cache write failed", "account_id", accountID, "error", err)
		}
	}
	return snap, nil
}

func (e *Engine) computeSnapshot(ctx context.Context, accountID string) (*Snapshot, error) {
	now := time.Now().UTC()

	acct, err := e.store.ReadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	pending, err := e.store.PendingReserved(ctx, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("summing pending reservations: %w", err)
	}

	effective := acct.Remaining - pending
	if effective < 0 {
		effective = 0
	}

	return &Snapshot{
		AccountID:          accountID,
		Initial:            acct.Initial,
		Used:               acct.Used,
		Remaining:          acct.Remaining,
		EffectiveRemaining: effective,
		IsExpired:          acct.IsExpired(now),
		ComputedAt:         now,
	}, nil
}

// afterMutation invalidates the snapshot cache synchronously. Failures
// are logged and swallowed: a write that logically succeeded must not
// appear to fail because a side channel did.
func (e *Engine) afterMutation(ctx context.Context, accountID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, accountID); err != nil {
		slog.Warn("quota: snapshot cache invalidation failed", "account_id", accountID, "error", err)
	}
}

func consumeOutcome(err error) string {
	switch {
	case IsInsufficientQuota(err):
		return "insufficient"
	case errors.Is(err, ErrNoActiveAccount):
		return "no_account"
	case errors.Is(err, ErrAccountExpired):
		return "expired"
	default:
		return "error"
	}
}
