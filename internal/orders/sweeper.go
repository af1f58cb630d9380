package orders

import (
	"context"
	"log/slog"
	"time"
)

const sweepBatch = 100

// Sweeper periodically removes expired guest orders.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{svc: svc, interval: interval, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep drains full batches so a backlog clears in one tick.
func (s *Sweeper) sweep(ctx context.Context) {
	total := 0
	for ctx.Err() == nil {
		n, err := s.svc.SweepExpired(ctx, sweepBatch)
		if err != nil {
			s.logger.Error("expired order sweep failed", "error", err)
			return
		}
		total += n
		if n < sweepBatch {
			break
		}
	}
	if total > 0 {
		s.logger.Info("expired guest orders swept", "deleted", total)
	}
}
