// Package sweeper releases custodial address locks left behind by sagas
// that ended, or never existed, without unlocking.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type Store interface {
	SweepStaleLocks(ctx context.Context, staleBefore time.Time) ([]string, error)
}

type Observer interface {
	AddSweeperUnlocked(n int)
}

type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

type Sweeper struct {
	store    Store
	cfg      Config
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

func New(store Store, cfg Config, observer Observer, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	return &Sweeper{store: store, cfg: cfg, observer: observer, logger: logger, now: time.Now}
}

// Sweep unlocks every address locked longer than StaleAfter whose saga is
// terminal or missing, and returns the released addresses.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	released, err := s.store.SweepStaleLocks(ctx, s.now().Add(-s.cfg.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("sweep stale locks: %w", err)
	}
	if len(released) > 0 {
		if s.observer != nil {
			s.observer.AddSweeperUnlocked(len(released))
		}
		s.logger.Warn("released orphaned address locks", "count", len(released), "addresses", released)
	}
	return released, nil
}

// Run sweeps every Interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("address lock sweep failed", "error", err)
			}
		}
	}
}
