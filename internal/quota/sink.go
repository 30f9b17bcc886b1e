package quota

import (
	"context"
	"time"
)

// ConsumeEvent is emitted after a consume commits.
type ConsumeEvent struct {
	AccountID      string    `json:"account_id"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key"`
	RemainingAfter int64     `json:"remaining_after"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// RollbackEvent is emitted after a rollback commits.
type RollbackEvent struct {
	AccountID      string    `json:"account_id"`
	Amount         int64     `json:"amount"`
	Restored       int64     `json:"restored"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reason         string    `json:"reason"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// ReservationEvent is emitted on reservation state transitions.
type ReservationEvent struct {
	ReservationKey string            `json:"reservation_key"`
	AccountID      string            `json:"account_id"`
	Amount         int64             `json:"amount"`
	Status         ReservationStatus `json:"status"`
	Reason         string            `json:"reason,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// ActivitySink receives activity events after mutations commit. It is
// fire-and-forget: implementations must not block the caller for long
// and their failures are never surfaced to it.
type ActivitySink interface {
	QuotaConsumed(ctx context.Context, e ConsumeEvent)
	QuotaRolledBack(ctx context.Context, e RollbackEvent)
	ReservationChanged(ctx context.Context, e ReservationEvent)
}

// NopSink discards all events. Used when no event broker is wired.
type NopSink struct{}

func (NopSink) QuotaConsumed(context.Context, ConsumeEvent)          {}
func (NopSink) QuotaRolledBack(context.Context, RollbackEvent)       {}
func (NopSink) ReservationChanged(context.Context, ReservationEvent) {}
