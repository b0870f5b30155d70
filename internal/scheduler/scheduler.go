package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/veyra/flowcore/internal/dispatch"
	"github.com/veyra/flowcore/internal/store"
	"github.com/veyra/flowcore/pkg/schema"
)

// BatchRunner runs a batch of due scheduled workflows.
// Satisfied by the dispatcher.
type BatchRunner interface {
	Scheduled(ctx context.Context, due dispatch.DueFunc) ([]dispatch.Outcome, error)
}

// Scheduler wakes on a fixed interval and dispatches the scheduled
// workflows whose cron expression fires inside the elapsed window.
type Scheduler struct {
	runner   BatchRunner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	lastTick time.Time
}

// NewScheduler creates a Scheduler. interval <= 0 defaults to one minute,
// matching the five-field cron resolution.
func NewScheduler(runner BatchRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		logger:   logger,
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lastTick = time.Now().UTC()
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches workflows due since the previous tick. Exposed so tests
// and operators can force a pass without waiting for the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	windowStart := s.lastTick
	now := time.Now().UTC()
	s.lastTick = now
	s.mu.Unlock()

	outcomes, err := s.runner.Scheduled(ctx, func(wf *store.Workflow) bool {
		due, err := s.IsDue(wf, windowStart, now)
		if err != nil {
			s.logger.Warn("skipping workflow with bad schedule",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()))
			return false
		}
		return due
	})
	if err != nil {
		s.logger.Error("scheduled dispatch failed", slog.String("error", err.Error()))
		return
	}

	for _, o := range outcomes {
		if o.Error != "" {
			s.logger.Error("scheduled workflow failed",
				slog.String("workflow_id", o.WorkflowID),
				slog.String("error", o.Error))
		}
	}
}

// IsDue reports whether the workflow's cron expression fires in
// (windowStart, now]. Workflows without a parseable cron expression are an
// error, not silently due.
func (s *Scheduler) IsDue(wf *store.Workflow, windowStart, now time.Time) (bool, error) {
	cfg, err := schema.DecodeTriggerConfig(&wf.Definition)
	if err != nil {
		return false, err
	}
	tc, ok := cfg.(*schema.ScheduleTriggerConfig)
	if !ok || tc.Cron == "" {
		return false, fmt.Errorf("workflow %s has no cron expression", wf.ID)
	}

	schedule, err := s.parser.Parse(tc.Cron)
	if err != nil {
		return false, fmt.Errorf("parse cron expression %q: %w", tc.Cron, err)
	}

	next := schedule.Next(windowStart)
	return !next.After(now), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
