// Package scheduler runs steward's background jobs on cron schedules:
// risk enforcement, daily aggregation, and retention GC. Jobs are also
// reachable through the admin endpoints for manual or test invocation;
// the scheduler only adds the clock.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/metrics"
	"github.com/stewardops/steward/internal/obs"
	"github.com/stewardops/steward/internal/retention"
	"github.com/stewardops/steward/internal/risk"
)

// Schedules configures the cron expressions. Empty disables a job.
type Schedules struct {
	Enforcement string
	Aggregation string
	Retention   string

	EnforcementBudgetSeconds int
	RetentionBudgetSeconds   int
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron     *cron.Cron
	worker   *risk.Worker
	obsStore *obs.Store
	gc       *retention.GC
	sched    Schedules
	logger   *zap.Logger
}

// New wires the scheduler. Call Start to begin ticking.
func New(worker *risk.Worker, obsStore *obs.Store, gc *retention.GC, sched Schedules, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:     cron.New(),
		worker:   worker,
		obsStore: obsStore,
		gc:       gc,
		sched:    sched,
		logger:   logger.Named("scheduler"),
	}
}

// Start registers the configured jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.sched.Enforcement != "" {
		if _, err := s.cron.AddFunc(s.sched.Enforcement, func() { s.runEnforcement(ctx) }); err != nil {
			return err
		}
	}
	if s.sched.Aggregation != "" {
		if _, err := s.cron.AddFunc(s.sched.Aggregation, func() { s.runAggregation() }); err != nil {
			return err
		}
	}
	if s.sched.Retention != "" {
		if _, err := s.cron.AddFunc(s.sched.Retention, func() { s.runRetention(ctx) }); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("enforcement", s.sched.Enforcement),
		zap.String("aggregation", s.sched.Aggregation),
		zap.String("retention", s.sched.Retention))
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runEnforcement(ctx context.Context) {
	start := time.Now()
	result := s.worker.RunCycle(ctx, s.sched.EnforcementBudgetSeconds)
	metrics.ObserveEnforcementCycle(time.Since(start))
	s.logger.Info("scheduled enforcement done",
		zap.Int("created", result.EventsCreated),
		zap.Int("executed", result.EventsExecuted))
}

func (s *Scheduler) runAggregation() {
	// Aggregate yesterday: its event stream is complete by now.
	target := time.Now().UTC().AddDate(0, 0, -1)
	rows, err := s.obsStore.AggregateDaily(target)
	if err != nil {
		s.logger.Error("scheduled aggregation failed", zap.Error(err))
		return
	}
	s.logger.Info("daily aggregation done",
		zap.String("date", target.Format("2006-01-02")), zap.Int("rows", rows))
}

func (s *Scheduler) runRetention(ctx context.Context) {
	result, err := s.gc.Run(ctx, s.sched.RetentionBudgetSeconds)
	if err != nil {
		s.logger.Error("scheduled retention failed", zap.Error(err))
		return
	}
	for _, ws := range result.Workspaces {
		metrics.RetentionDeletedTotal.WithLabelValues("events").Add(float64(ws.EventsDeleted))
		metrics.RetentionDeletedTotal.WithLabelValues("runs").Add(float64(ws.RunsDeleted))
	}
}
