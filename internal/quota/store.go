package quota

import (
	"context"
	"time"
)

// DecrementResult is the outcome of the atomic conditional decrement.
// Applied false means the row did not satisfy the condition and was
// left untouched; RemainingAfter is only meaningful when Applied.
type DecrementResult struct {
	Applied        bool
	RemainingAfter int64
}

// IncrementResult is the outcome of the bounded restore. Restored is
// min(used, requested); UsedAfter/RemainingAfter reflect the row after
// the update.
type IncrementResult struct {
	Restored       int64
	UsedAfter      int64
	RemainingAfter int64
}

// Store is the persistence boundary for accounts, reservations and the
// idempotency ledger. Reads outside WithinTx are unlocked snapshots;
// everything that mutates balance state runs inside WithinTx so a
// failure anywhere aborts the whole unit of work.
type Store interface {
	// ReadAccount returns an unlocked snapshot of the account, or
	// ErrNoActiveAccount if it does not exist.
	ReadAccount(ctx context.Context, accountID string) (*Account, error)

	// LookupLedger is the cheap, non-transactional idempotency check.
	// Returns nil when the (key, op) pair has not been recorded.
	LookupLedger(ctx context.Context, key string, op Operation) (*IdempotencyRecord, error)

	// GetReservation returns an unlocked snapshot of a reservation, or
	// ErrReservationNotFound.
	GetReservation(ctx context.Context, key string) (*Reservation, error)

	// PendingReserved sums the amounts of pending, unexpired
	// reservations held against the account.
	PendingReserved(ctx context.Context, accountID string, now time.Time) (int64, error)

	// ExpirePending flips every pending reservation whose expires_at
	// has passed to expired and returns how many rows changed. Expiry
	// is monotonic and idempotent, so no transaction is needed beyond
	// the per-row update.
	ExpirePending(ctx context.Context, now time.Time) (int64, error)

	// WithinTx runs fn inside a single transaction. Any error from fn
	// rolls the transaction back; nil commits it.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// CreateAccount provisions an account row. Accounts are owned by
	// the caller's domain; this exists for operators and tests, the
	// engine never calls it.
	CreateAccount(ctx context.Context, acct *Account) error
}

// Tx is the transactional view of the store handed to WithinTx
// callbacks. All reads through Tx observe the transaction's isolation;
// LockAccount and LockReservation additionally take row locks so a
// read-then-act decision cannot interleave with another writer.
type Tx interface {
	// LookupLedger is the authoritative idempotency check, executed
	// inside the same transaction as the mutation it guards.
	LookupLedger(ctx context.Context, key string, op Operation) (*IdempotencyRecord, error)

	// RecordLedger appends an idempotency record. A (key, operation)
	// pair that already exists surfaces as ErrDuplicateKey.
	RecordLedger(ctx context.Context, rec *IdempotencyRecord) error

	// TryDecrement atomically decrements remaining and increments used
	// iff remaining >= amount, status is active and the account has
	// not expired. The check and the mutation are one indivisible
	// statement; no explicit lock is required.
	TryDecrement(ctx context.Context, accountID string, amount int64, now time.Time) (DecrementResult, error)

	// Increment restores min(used, amount) back to remaining. Used can
	// never go below zero, so a rollback can never inflate remaining
	// beyond what was legitimately consumed.
	Increment(ctx context.Context, accountID string, amount int64) (IncrementResult, error)

	// LockAccount reads the account under an exclusive row lock held
	// for the rest of the transaction.
	LockAccount(ctx context.Context, accountID string) (*Account, error)

	// ReadAccount reads the account without locking it.
	ReadAccount(ctx context.Context, accountID string) (*Account, error)

	// PendingReserved sums pending, unexpired reservation amounts for
	// the account as seen by this transaction.
	PendingReserved(ctx context.Context, accountID string, now time.Time) (int64, error)

	// InsertReservation persists a new pending reservation.
	InsertReservation(ctx context.Context, res *Reservation) error

	// LockReservation reads a reservation under an exclusive row lock,
	// or returns ErrReservationNotFound.
	LockReservation(ctx context.Context, key string) (*Reservation, error)

	// TransitionReservation moves a reservation from one status to
	// another, stamping at into the matching timestamp column.
	// Returns false when the reservation was not in from.
	TransitionReservation(ctx context.Context, key string, from, to ReservationStatus, at time.Time) (bool, error)
}
