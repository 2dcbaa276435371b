package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pavelanni/qbank/internal/session"
	"github.com/pavelanni/qbank/internal/store"
)

// startScheduler runs the session sweeper on cfg.SweepSchedule and prunes
// finished AI job records hourly.
func startScheduler(cfg config, db *store.Store, targets map[string]session.Target) (*scheduler, error) {
	s := &scheduler{cron: cron.New()}
	sweeper := &session.Sweeper{TTL: cfg.SessionTTL, Targets: targets, Logger: slog.Default()}

	if _, err := s.cron.AddFunc(cfg.SweepSchedule, func() { sweeper.Sweep() }); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	if cfg.JobRetention > 0 {
		_, err := s.cron.AddFunc("@hourly", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := db.PruneAIJobs(ctx, time.Now().Add(-cfg.JobRetention))
			if err != nil {
				slog.Warn("prune ai jobs", "error", err)
				return
			}
			if n > 0 {
				slog.Info("pruned ai job records", "count", n)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	s.cron.Start()
	return s, nil
}

type scheduler struct {
	cron *cron.Cron
}

// Stop waits for running jobs to finish.
func (s *scheduler) Stop() {
	<-s.cron.Stop().Done()
}
