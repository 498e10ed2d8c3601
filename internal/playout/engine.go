package playout

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Run drives the engine until ctx is cancelled: it sweeps and reconciles
// once, then reconciles on every RequestReconcile and on a safety timer,
// and sweeps periodically. On exit every trigger is cancelled and the
// output is stopped.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("engine starting",
		slog.String("time_zone", s.norm.Location().String()),
		slog.Duration("reconcile_interval", s.reconcileInterval),
		slog.Duration("sweep_interval", s.sweepInterval))

	s.sweep(ctx)
	s.reconcile(ctx, "startup")

	reconcileTicker := time.NewTicker(s.reconcileInterval)
	defer reconcileTicker.Stop()
	sweepTicker := time.NewTicker(s.sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-s.reconcileCh:
			s.reconcile(ctx, "request")
		case <-reconcileTicker.C:
			s.reconcile(ctx, "timer")
		case <-sweepTicker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) reconcile(ctx context.Context, reason string) {
	if err := s.reconciler.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("reconcile failed", slog.String("reason", reason), slog.String("error", err.Error()))
	}
}

func (s *Service) sweep(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("sweep failed", slog.String("error", err.Error()))
	}
}

func (s *Service) shutdown() {
	s.reconciler.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.output.Stop(ctx); err != nil {
		s.log.Error("output not stopped", slog.String("error", err.Error()))
	}
	s.log.Info("engine stopped")
}
