package quota

import (
	"time"
)

// AccountStatus is the lifecycle state of a quota account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountExpired   AccountStatus = "expired"
	AccountSuspended AccountStatus = "suspended"
)

// Account matches the quota_accounts table schema. Remaining is stored
// alongside Used so the conditional decrement is a single statement;
// Remaining == Initial - Used holds at all times.
type Account struct {
	AccountID string        `json:"account_id"`
	Initial   int64         `json:"initial"`
	Used      int64         `json:"used"`
	Remaining int64         `json:"remaining"`
	Status    AccountStatus `json:"status"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// IsExpired reports whether the account should be treated as expired,
// either by stored status or because expires_at has passed.
func (a *Account) IsExpired(now time.Time) bool {
	if a.Status == AccountExpired {
		return true
	}
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// ReservationStatus is the lifecycle state of a reservation.
// pending is the only non-terminal state.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a TTL-bound hold against an account's effective
// remaining. Only pending reservations count against the balance;
// the account row itself is never touched until Confirm.
type Reservation struct {
	Key           string            `json:"reservation_key"`
	AccountID     string            `json:"account_id"`
	Amount        int64             `json:"amount"`
	Status        ReservationStatus `json:"status"`
	ReferenceType string            `json:"reference_type"`
	ReferenceID   string            `json:"reference_id"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	ConfirmedAt   *time.Time        `json:"confirmed_at,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
}

// Operation tags an idempotency record with the mutation it proves.
type Operation string

const (
	OpConsumed   Operation = "consumed"
	OpRolledBack Operation = "rolled_back"
)

// IdempotencyRecord is the append-only proof that the operation
// identified by (Key, Operation) has already been applied.
type IdempotencyRecord struct {
	Key       string         `json:"idempotency_key"`
	AccountID string         `json:"account_id"`
	Amount    int64          `json:"amount"`
	Operation Operation      `json:"operation"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ConsumeResult is the outcome of Consume. Skipped means the
// idempotency key had already been applied; callers treat that
// identically to a fresh success.
type ConsumeResult struct {
	Applied        bool  `json:"applied"`
	Skipped        bool  `json:"skipped"`
	RemainingAfter int64 `json:"remaining_after"`
}

// RollbackResult is the outcome of Rollback. Restored may be less than
// the requested amount: a rollback never restores more than Used.
type RollbackResult struct {
	Applied  bool  `json:"applied"`
	Skipped  bool  `json:"skipped"`
	Restored int64 `json:"restored"`
}

// CanConsumeResult is the advisory pre-check outcome. Ok true does not
// guarantee a later Consume succeeds; Consume re-validates atomically.
type CanConsumeResult struct {
	Ok        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	Remaining int64  `json:"remaining"`
}

// ReserveResult is returned by Reserve.
type ReserveResult struct {
	ReservationKey     string    `json:"reservation_key"`
	ExpiresAt          time.Time `json:"expires_at"`
	EffectiveRemaining int64     `json:"effective_remaining"`
}

// ConfirmResult is returned by ConfirmReservation.
type ConfirmResult struct {
	Applied        bool  `json:"applied"`
	RemainingAfter int64 `json:"remaining_after"`
}

// CancelResult is returned by CancelReservation. Skipped means the
// reservation was already in a terminal state.
type CancelResult struct {
	Skipped bool `json:"skipped"`
}

// Snapshot is the cached, derived read-model of an account. It is
// rebuilt from the accounts and reservations tables and is never a
// source of truth.
type Snapshot struct {
	AccountID          string    `json:"account_id"`
	Initial            int64     `json:"initial"`
	Used               int64     `json:"used"`
	Remaining          int64     `json:"remaining"`
	EffectiveRemaining int64     `json:"effective_remaining"`
	IsExpired          bool      `json:"is_expired"`
	ComputedAt         time.Time `json:"computed_at"`
}
