package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quotaline/quotaline/internal/metrics"
)

// DefaultReservationTTL is how long a reservation holds quota before
// the sweep releases it.
const DefaultReservationTTL = 10 * time.Minute

// ReservationManager implements the two-phase "reserve now,
// confirm/cancel later" flow. A reservation is a virtual hold: it
// counts against effective remaining while pending but never touches
// the account row. Only Confirm moves real balance, by delegating to
// the engine's consume with the reservation key as the idempotency
// key.
type ReservationManager struct {
	store  Store
	engine *Engine
	ttl    time.Duration
	sink   ActivitySink
}

// NewReservationManager creates a reservation manager. ttl <= 0 falls
// back to DefaultReservationTTL; sink may be nil.
func NewReservationManager(store Store, engine *Engine, ttl time.Duration, sink ActivitySink) *ReservationManager {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &ReservationManager{store: store, engine: engine, ttl: ttl, sink: sink}
}

// Reserve places a TTL-bound hold of amount against the account's
// effective remaining. The account is read under a row lock so the
// hold accounting cannot interleave with another reserver.
func (m *ReservationManager) Reserve(ctx context.Context, accountID string, amount int64, referenceType, referenceID string) (ReserveResult, error) {
	if amount <= 0 {
		return ReserveResult{}, ErrInvalidAmount
	}

	var result ReserveResult
	err := m.store.WithinTx(ctx, func(tx Tx) error {
		now := time.Now().UTC()

		acct, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.IsExpired(now) {
			return ErrAccountExpired
		}
		if acct.Status != AccountActive {
			return ErrNoActiveAccount
		}

		pending, err := tx.PendingReserved(ctx, accountID, now)
		if err != nil {
			return fmt.Errorf("summing pending reservations: %w", err)
		}

		effective := acct.Remaining - pending
		if effective < amount {
			return &InsufficientQuotaError{AccountID: accountID, Required: amount, Available: effective}
		}

		res := &Reservation{
			Key:           uuid.NewString(),
			AccountID:     accountID,
			Amount:        amount,
			Status:        ReservationPending,
			ReferenceType: referenceType,
			ReferenceID:   referenceID,
			CreatedAt:     now,
			ExpiresAt:     now.Add(m.ttl),
		}
		if err := tx.InsertReservation(ctx, res); err != nil {
			return fmt.Errorf("inserting reservation: %w", err)
		}

		result = ReserveResult{
			ReservationKey:     res.Key,
			ExpiresAt:          res.ExpiresAt,
			EffectiveRemaining: effective - amount,
		}
		return nil
	})
	if err != nil {
		return ReserveResult{}, err
	}

	metrics.ReservationsTotal.WithLabelValues("reserved").Inc()
	m.sink.ReservationChanged(ctx, ReservationEvent{
		ReservationKey: result.ReservationKey,
		AccountID:      accountID,
		Amount:         amount,
		Status:         ReservationPending,
		OccurredAt:     time.Now().UTC(),
	})
	return result, nil
}

// Confirm finalizes a reservation as a real consume. The reservation
// key is the idempotency key, so Confirm is itself idempotent: a
// reservation that is already confirmed returns success with no
// further deduction. An expired-but-unswept reservation is flipped to
// expired here rather than waiting for the sweep.
func (m *ReservationManager) Confirm(ctx context.Context, reservationKey string) (ConfirmResult, error) {
	var (
		result  ConfirmResult
		account string
		amount  int64
	)
	err := m.store.WithinTx(ctx, func(tx Tx) error {
		now := time.Now().UTC()

		res, err := tx.LockReservation(ctx, reservationKey)
		if err != nil {
			return err
		}
		account, amount = res.AccountID, res.Amount

		switch res.Status {
		case ReservationConfirmed:
			// Idempotent replay: the consume already happened.
			acct, err := tx.ReadAccount(ctx, res.AccountID)
			if err != nil {
				return err
			}
			result = ConfirmResult{Applied: false, RemainingAfter: acct.Remaining}
			return nil
		case ReservationCancelled, ReservationExpired:
			return ErrReservationNotFound
		}

		if now.After(res.ExpiresAt) {
			// Lazy expiry: don't rely on the periodic sweep.
			if _, err := tx.TransitionReservation(ctx, reservationKey, ReservationPending, ReservationExpired, now); err != nil {
				return fmt.Errorf("expiring reservation: %w", err)
			}
			return ErrReservationExpired
		}

		consume, err := m.engine.consumeTx(ctx, tx, res.AccountID, res.Amount, res.Key, map[string]any{
			"reference_type": res.ReferenceType,
			"reference_id":   res.ReferenceID,
		}, now)
		if err != nil {
			return err
		}

		ok, err := tx.TransitionReservation(ctx, reservationKey, ReservationPending, ReservationConfirmed, now)
		if err != nil {
			return fmt.Errorf("confirming reservation: %w", err)
		}
		if !ok {
			// The row is locked, so a lost transition means a bug.
			return fmt.Errorf("reservation %s changed state under lock", reservationKey)
		}

		result = ConfirmResult{Applied: !consume.Skipped, RemainingAfter: consume.RemainingAfter}
		return nil
	})
	if err != nil {
		// ErrReservationExpired commits nothing else, but the lazy
		// expiry above must survive the abort, so redo it outside.
		if errors.Is(err, ErrReservationExpired) {
			m.expireLazily(ctx, reservationKey)
		}
		return ConfirmResult{}, err
	}

	if result.Applied {
		metrics.ReservationsTotal.WithLabelValues("confirmed").Inc()
		m.engine.afterMutation(ctx, account)
		m.sink.ReservationChanged(ctx, ReservationEvent{
			ReservationKey: reservationKey,
			AccountID:      account,
			Amount:         amount,
			Status:         ReservationConfirmed,
			OccurredAt:     time.Now().UTC(),
		})
	}
	return result, nil
}

// expireLazily flips a pending reservation to expired in its own
// transaction. Best effort: the sweep will catch it otherwise.
func (m *ReservationManager) expireLazily(ctx context.Context, reservationKey string) {
	err := m.store.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.TransitionReservation(ctx, reservationKey, ReservationPending, ReservationExpired, time.Now().UTC())
		return err
	})
	if err != nil {
		slog.Warn("quota: lazy reservation expiry failed", "reservation_key", reservationKey, "error", err)
		return
	}
	metrics.ReservationsTotal.WithLabelValues("expired").Inc()
}

// Cancel releases a pending hold. It is idempotent: cancelling a
// reservation that is already terminal reports Skipped=true. Cancel
// never touches the account row or the idempotency ledger.
func (m *ReservationManager) Cancel(ctx context.Context, reservationKey, reason string) (CancelResult, error) {
	var (
		result  CancelResult
		account string
		amount  int64
	)
	err := m.store.WithinTx(ctx, func(tx Tx) error {
		now := time.Now().UTC()

		res, err := tx.LockReservation(ctx, reservationKey)
		if err != nil {
			return err
		}
		account, amount = res.AccountID, res.Amount

		if res.Status != ReservationPending {
			result = CancelResult{Skipped: true}
			return nil
		}

		ok, err := tx.TransitionReservation(ctx, reservationKey, ReservationPending, ReservationCancelled, now)
		if err != nil {
			return fmt.Errorf("cancelling reservation: %w", err)
		}
		if !ok {
			return fmt.Errorf("reservation %s changed state under lock", reservationKey)
		}
		result = CancelResult{}
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}

	if !result.Skipped {
		metrics.ReservationsTotal.WithLabelValues("cancelled").Inc()
		m.sink.ReservationChanged(ctx, ReservationEvent{
			ReservationKey: reservationKey,
			AccountID:      account,
			Amount:         amount,
			Status:         ReservationCancelled,
			Reason:         reason,
			OccurredAt:     time.Now().UTC(),
		})
	}
	return result, nil
}

// SweepExpired releases every pending reservation whose TTL has
// passed. Run periodically; expiry is monotonic and idempotent.
func (m *ReservationManager) SweepExpired(ctx context.Context) (int64, error) {
	count, err := m.store.ExpirePending(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expiring pending reservations: %w", err)
	}
	if count > 0 {
		metrics.ReservationsSwept.Add(float64(count))
		slog.Info("quota: swept expired reservations", "count", count)
	}
	return count, nil
}
