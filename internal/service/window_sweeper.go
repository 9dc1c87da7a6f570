package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type expiryFinalizer interface {
	FinalizeExpired(ctx context.Context) (bool, error)
}

// WindowSweeper periodically records the expiry of windows whose deadline
// passed without an explicit close.
type WindowSweeper struct {
	finalizer expiryFinalizer
	interval  time.Duration
	logger    *zap.Logger
}

// NewWindowSweeper builds a sweeper. A non-positive interval disables it.
func NewWindowSweeper(finalizer expiryFinalizer, interval time.Duration, logger *zap.Logger) *WindowSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WindowSweeper{finalizer: finalizer, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (s *WindowSweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("window sweeper disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("window sweeper started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("window sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *WindowSweeper) sweep(ctx context.Context) {
	expired, err := s.finalizer.FinalizeExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("window sweep failed", zap.Error(err))
		}
		return
	}
	if expired {
		s.logger.Info("window sweep recorded an expiry")
	}
}
