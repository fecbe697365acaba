package risk

import (
	"time"

	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/obs"
)

// Evaluator scans enabled policies and records breaches as pending
// events. It never mutates agents and never writes the audit log;
// interventions belong to the Executor.
type Evaluator struct {
	policies *PolicyStore
	events   *EventStore
	obsStore *obs.Store
	logger   *zap.Logger

	// now is swapped in tests.
	now func() time.Time
}

// NewEvaluator wires an evaluator.
func NewEvaluator(policies *PolicyStore, events *EventStore, obsStore *obs.Store, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		policies: policies,
		events:   events,
		obsStore: obsStore,
		logger:   logger.Named("risk.evaluator"),
		now:      time.Now,
	}
}

// Evaluate runs one pass over enabled policies. workspaceID 0 means all
// workspaces. Returns the number of events created.
func (e *Evaluator) Evaluate(workspaceID int64) (int, error) {
	policies, err := e.policies.ListEnabled(workspaceID)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, p := range policies {
		ok, err := e.evaluatePolicy(p)
		if err != nil {
			e.logger.Warn("policy evaluation failed",
				zap.Int64("policy_id", p.ID), zap.Error(err))
			continue
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (e *Evaluator) evaluatePolicy(p *Policy) (bool, error) {
	now := e.now().UTC()

	// Cooldown: a recent pending or executed event suppresses
	// re-evaluation until cooldown_minutes have elapsed.
	last, err := e.events.LastRelevant(p.ID)
	if err != nil {
		return false, err
	}
	if last != nil {
		cooldownEnds := last.EvaluatedAt.Add(time.Duration(p.CooldownMinutes) * time.Minute)
		if cooldownEnds.After(now) {
			return false, nil
		}
	}

	switch p.PolicyType {
	case TypeDailySpendCap:
		return e.evaluateDailySpend(p, now)
	case TypeErrorRateCap, TypeTokenRateCap:
		// Recognized but not evaluated yet.
		return false, nil
	default:
		return false, nil
	}
}

func (e *Evaluator) evaluateDailySpend(p *Policy, now time.Time) (bool, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	spend, err := e.obsStore.SumCostSince(p.WorkspaceID, p.AgentID, midnight)
	if err != nil {
		return false, err
	}

	// Strictly exceed: equality does not trigger.
	if !spend.GreaterThan(p.Threshold) {
		return false, nil
	}

	key := DedupeKey(p.ID, now)
	exists, err := e.events.HasDedupe(key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	evt, err := e.events.Create(p, spend, key, now)
	if err == ErrDuplicate {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.logger.Info("risk breach recorded",
		zap.Int64("policy_id", p.ID),
		zap.Int64("workspace_id", p.WorkspaceID),
		zap.String("spend", spend.String()),
		zap.String("threshold", p.Threshold.String()),
		zap.Int64("event_id", evt.ID))
	return true, nil
}
