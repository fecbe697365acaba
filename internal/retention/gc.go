// Package retention deletes observability data that has aged past each
// workspace's tier retention window.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/obs"
	"github.com/stewardops/steward/internal/tier"
)

// batchSize bounds one delete statement; commits happen per batch so a
// budget exhaustion loses at most one batch of progress.
const batchSize = 500

// graceWindow keeps an extra day of data beyond the tier window so the
// daily aggregator can still see yesterday's tail.
const graceWindow = 24 * time.Hour

// WorkspaceResult counts deletions for one workspace.
type WorkspaceResult struct {
	WorkspaceID   int64 `json:"workspace_id"`
	EventsDeleted int64 `json:"events_deleted"`
	RunsDeleted   int64 `json:"runs_deleted"`
}

// Result summarizes one GC pass.
type Result struct {
	Workspaces []WorkspaceResult `json:"workspaces"`
	Truncated  bool              `json:"truncated"`
	Elapsed    time.Duration     `json:"-"`
}

// GC is the retention collector. Invoked from cron under a time budget.
type GC struct {
	obsStore *obs.Store
	tiers    *tier.Registry
	logger   *zap.Logger
}

// New wires a collector.
func New(obsStore *obs.Store, tiers *tier.Registry, logger *zap.Logger) *GC {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GC{obsStore: obsStore, tiers: tiers, logger: logger.Named("retention")}
}

// Run sweeps every workspace with events. maxSeconds <= 0 defaults
// to 45. Stops early, marking Truncated, when the budget runs out.
func (g *GC) Run(ctx context.Context, maxSeconds int) (*Result, error) {
	if maxSeconds <= 0 {
		maxSeconds = 45
	}
	start := time.Now()
	deadline := start.Add(time.Duration(maxSeconds) * time.Second)
	result := &Result{}

	workspaces, err := g.obsStore.WorkspacesWithEvents()
	if err != nil {
		return nil, err
	}

	for _, wsID := range workspaces {
		if ctx.Err() != nil || time.Now().After(deadline) {
			result.Truncated = true
			break
		}

		cutoff := g.tiers.GetRetentionCutoff(wsID).Add(-graceWindow)
		wsResult := WorkspaceResult{WorkspaceID: wsID}

		truncated := g.deleteBatches(ctx, deadline, func() (int64, error) {
			return g.obsStore.DeleteEventsBefore(wsID, cutoff, batchSize)
		}, &wsResult.EventsDeleted)
		if !truncated {
			truncated = g.deleteBatches(ctx, deadline, func() (int64, error) {
				return g.obsStore.DeleteRunsBefore(wsID, cutoff, batchSize)
			}, &wsResult.RunsDeleted)
		}

		result.Workspaces = append(result.Workspaces, wsResult)
		if truncated {
			result.Truncated = true
			break
		}
	}

	result.Elapsed = time.Since(start)
	g.logger.Info("retention sweep finished",
		zap.Int("workspaces", len(result.Workspaces)),
		zap.Bool("truncated", result.Truncated),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// deleteBatches loops one delete function until it returns a short
// batch or the budget expires. Reports whether it stopped on budget.
func (g *GC) deleteBatches(ctx context.Context, deadline time.Time, del func() (int64, error), total *int64) bool {
	for {
		if ctx.Err() != nil || time.Now().After(deadline) {
			return true
		}
		n, err := del()
		if err != nil {
			g.logger.Warn("retention delete failed", zap.Error(err))
			return false
		}
		*total += n
		if n < batchSize {
			return false
		}
	}
}
