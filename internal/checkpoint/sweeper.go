package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper enforces checkpoint retention: snapshots older than the retention
// window are removed, always keeping the newest few per thread so resume
// never loses its lineage head.
type Sweeper struct {
	store     Store
	retention time.Duration
	keep      int
	schedule  string
	logger    *slog.Logger

	cron *cron.Cron
}

// NewSweeper creates a retention sweeper.
func NewSweeper(store Store, retention time.Duration, keepPerThread int, schedule string, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		retention: retention,
		keep:      keepPerThread,
		schedule:  schedule,
		logger:    logger.With("component", "checkpoint_sweeper"),
	}
}

// Start schedules the sweep and returns.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("checkpoint retention sweep scheduled",
		"schedule", s.schedule, "retention", s.retention, "keep_per_thread", s.keep)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	removed, err := s.store.DeleteExpired(ctx, cutoff, s.keep)
	if err != nil {
		s.logger.Error("checkpoint sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("swept expired checkpoints", "removed", removed, "cutoff", cutoff)
	}
}
