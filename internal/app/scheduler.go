/**
 * @description
 * Cron scheduler for the provisioning sweep.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the lifecycle's periodic jobs.
type Scheduler struct {
	cron     *cron.Cron
	groups   *GroupLifecycle
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(groups *GroupLifecycle, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		groups:   groups,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.ExpireStaleCreations); err != nil {
		s.logger.Error("failed to schedule provisioning sweep", "error", err)
		return err
	}
	s.logger.Info("scheduled provisioning sweep", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// ExpireStaleCreations is the provisioning sweep job.
func (s *Scheduler) ExpireStaleCreations() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	moved, err := s.groups.ExpireStaleCreations(ctx, s.groups.settings.Now().UTC())
	if err != nil {
		s.logger.Error("provisioning sweep failed", "error", err, "moved", moved)
		return
	}
	if moved > 0 {
		s.logger.Info("provisioning sweep finished", "moved", moved)
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
