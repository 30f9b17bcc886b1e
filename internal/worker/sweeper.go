package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/quotaline/quotaline/internal/quota"
)

// Sweeper periodically releases expired reservations so their holds
// stop counting against effective remaining. Confirm also expires
// lazily, so the sweep is a backstop, not the only line of defense.
type Sweeper struct {
	manager  *quota.ReservationManager
	interval time.Duration
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(manager *quota.ReservationManager, interval time.Duration) *Sweeper {
	return &Sweeper{manager: manager, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("reservation sweeper started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reservation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.manager.SweepExpired(ctx); err != nil {
				slog.Error("sweeping expired reservations", "error", err)
			}
		}
	}
}
