package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// PurgeFunc releases a resource tied to a removed thread, such as its
// checkpoints or sandbox session.
type PurgeFunc func(ctx context.Context, threadID string)

// Sweeper periodically removes anonymous threads whose last activity is older
// than the TTL, then purges their dependent resources.
type Sweeper struct {
	threads  ThreadRepository
	messages MessageRepository
	ttl      time.Duration
	schedule string
	purgers  []PurgeFunc
	logger   *slog.Logger

	cron *cron.Cron
}

// NewSweeper creates a sweeper. The schedule uses cron syntax, including
// descriptors like "@daily".
func NewSweeper(threads ThreadRepository, messages MessageRepository, ttl time.Duration, schedule string, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		threads:  threads,
		messages: messages,
		ttl:      ttl,
		schedule: schedule,
		logger:   logger.With("component", "sweeper"),
	}
}

// AddPurger registers a cleanup hook run for each removed thread. Must be
// called before Start.
func (s *Sweeper) AddPurger(fn PurgeFunc) {
	s.purgers = append(s.purgers, fn)
}

// Start schedules the sweep and returns. Stop cancels future runs.
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
	s.logger.Info("anonymous thread sweep scheduled", "schedule", s.schedule, "ttl", s.ttl)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one pass immediately. Exposed for tests and manual triggering.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.ttl)
	removed, err := s.threads.DeleteExpiredAnonymous(ctx, cutoff)
	if err != nil {
		s.logger.Error("anonymous thread sweep failed", "error", err)
		return
	}
	for _, threadID := range removed {
		if err := s.messages.DeleteThread(ctx, threadID); err != nil {
			s.logger.Warn("failed to delete messages for expired thread", "thread_id", threadID, "error", err)
		}
		for _, purge := range s.purgers {
			purge(ctx, threadID)
		}
	}
	if len(removed) > 0 {
		s.logger.Info("swept expired anonymous threads", "count", len(removed), "cutoff", cutoff)
	}
}
