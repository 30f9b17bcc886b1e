package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/quotaline/quotaline/internal/quota"
)

// Publisher publishes quota activity events to NATS JetStream. It
// implements quota.ActivitySink: publishing is fire-and-forget, so
// failures are logged and swallowed rather than surfaced to the
// mutation that triggered them.
type Publisher struct {
	js jetstream.JetStream
}

var _ quota.ActivitySink = (*Publisher)(nil)

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

func (p *Publisher) QuotaConsumed(ctx context.Context, e quota.ConsumeEvent) {
	p.publish(ctx, SubjectConsume, e)
}

func (p *Publisher) QuotaRolledBack(ctx context.Context, e quota.RollbackEvent) {
	p.publish(ctx, SubjectRollback, e)
}

func (p *Publisher) ReservationChanged(ctx context.Context, e quota.ReservationEvent) {
	p.publish(ctx, SubjectReservation, e)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Warn("events: marshaling event failed", "subject", subject, "error", err)
		return
	}

	// Bound the publish so a slow broker cannot stall the caller.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if _, err := p.js.Publish(pubCtx, subject, payload); err != nil {
		slog.Warn("events: publishing event failed", "subject", subject, "error", err)
	}
}
