package risk

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// executorReserve is the minimum time that must remain after the
// evaluator phase for the executor phase to start.
const executorReserve = 2 * time.Second

// CycleResult summarizes one enforcement cycle.
type CycleResult struct {
	EventsCreated  int     `json:"events_created"`
	EventsExecuted int     `json:"events_executed"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Truncated      bool    `json:"truncated"`
}

// Worker orchestrates evaluate then execute under a time budget. It is
// triggered from cron or an admin endpoint, never from a request path.
type Worker struct {
	evaluator *Evaluator
	executor  *Executor
	batchSize int
	logger    *zap.Logger
}

// NewWorker wires a worker. batchSize <= 0 uses the default.
func NewWorker(evaluator *Evaluator, executor *Executor, batchSize int, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Worker{
		evaluator: evaluator,
		executor:  executor,
		batchSize: batchSize,
		logger:    logger.Named("risk.worker"),
	}
}

// RunCycle evaluates all workspaces and, if enough budget remains,
// executes pending events. maxSeconds <= 0 defaults to 45.
func (w *Worker) RunCycle(ctx context.Context, maxSeconds int) CycleResult {
	if maxSeconds <= 0 {
		maxSeconds = 45
	}
	start := time.Now()
	deadline := start.Add(time.Duration(maxSeconds) * time.Second)
	result := CycleResult{}

	created, err := w.evaluator.Evaluate(0)
	if err != nil {
		w.logger.Error("evaluator phase failed", zap.Error(err))
	}
	result.EventsCreated = created

	if ctx.Err() == nil && time.Until(deadline) >= executorReserve {
		executed, err := w.executor.ExecuteBatch(w.batchSize)
		if err != nil {
			w.logger.Error("executor phase failed", zap.Error(err))
		}
		result.EventsExecuted = executed
	} else {
		result.Truncated = true
	}

	result.ElapsedSeconds = time.Since(start).Seconds()
	w.logger.Info("enforcement cycle finished",
		zap.Int("events_created", result.EventsCreated),
		zap.Int("events_executed", result.EventsExecuted),
		zap.Float64("elapsed_seconds", result.ElapsedSeconds),
		zap.Bool("truncated", result.Truncated))
	return result
}
