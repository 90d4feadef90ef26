package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/threadline/threadline/internal/store"
)

// Scheduler periodically sweeps chain statuses so chains go dormant and
// closed by idle time even when their source stops producing records.
type Scheduler struct {
	store              *store.SQLiteStore
	interval           time.Duration
	maxGap             time.Duration
	reactivationWindow time.Duration
	log                *slog.Logger
}

// New creates a new scheduler.
func New(s *store.SQLiteStore, interval, maxGap, reactivationWindow time.Duration, log *slog.Logger) *Scheduler {
	if interval == 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:              s,
		interval:           interval,
		maxGap:             maxGap,
		reactivationWindow: reactivationWindow,
		log:                log,
	}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start.
	s.sweep(ctx)

	s.log.Info("scheduler running", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	dormant, closed, err := s.store.SweepStatuses(ctx, time.Now().UTC(), s.maxGap, s.reactivationWindow)
	if err != nil {
		s.log.Error("status sweep failed", "error", err)
		return
	}
	if dormant > 0 || closed > 0 {
		s.log.Info("chain statuses swept", "dormant", dormant, "closed", closed)
	}
}
