package risk

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/agents"
	"github.com/stewardops/steward/internal/metrics"
)

// downgradeTargets maps an LLM provider to its cheap fallback model.
var downgradeTargets = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-haiku",
	"google":    "gemini-2.0-flash",
}

const downgradeDefault = "gpt-4o-mini"

// DowngradeTarget returns the fallback model for a provider.
func DowngradeTarget(provider string) string {
	if target, ok := downgradeTargets[provider]; ok {
		return target
	}
	return downgradeDefault
}

// Notifier delivers workspace alerts. Delivery is best-effort: the
// executor logs failures and proceeds.
type Notifier interface {
	NotifyWorkspace(workspaceID int64, subject, message string) error
}

// Executor drains pending risk events and applies their actions.
type Executor struct {
	events   *EventStore
	agents   *agents.Store
	notifier Notifier
	logger   *zap.Logger
}

// NewExecutor wires an executor. notifier may be nil.
func NewExecutor(events *EventStore, agentStore *agents.Store, notifier Notifier, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		events:   events,
		agents:   agentStore,
		notifier: notifier,
		logger:   logger.Named("risk.executor"),
	}
}

// ExecuteBatch processes up to batchSize pending events, oldest first.
// Returns the number of events moved out of pending.
func (x *Executor) ExecuteBatch(batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	pending, err := x.events.ListPending(batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, evt := range pending {
		// Re-read the status: another worker may have claimed it.
		current, err := x.events.Get(evt.ID)
		if err != nil || current.Status != EventPending {
			continue
		}
		if err := x.execute(current); err != nil {
			x.logger.Warn("event execution failed",
				zap.Int64("event_id", current.ID), zap.Error(err))
			continue
		}
		processed++
	}
	return processed, nil
}

func (x *Executor) execute(evt *Event) error {
	switch evt.ActionType {
	case ActionAlertOnly:
		return x.executeAlertOnly(evt)
	case ActionPauseAgent:
		return x.executePauseAgent(evt)
	case ActionModelDowngrade:
		return x.executeModelDowngrade(evt)
	case ActionThrottle:
		return x.skip(evt, "not_implemented")
	default:
		x.logger.Warn("unknown action type",
			zap.Int64("event_id", evt.ID), zap.String("action", evt.ActionType))
		return x.skip(evt, fmt.Sprintf("unknown action_type %q", evt.ActionType))
	}
}

func (x *Executor) executeAlertOnly(evt *Event) error {
	if x.notifier != nil {
		msg := fmt.Sprintf("Risk policy %s breached: %s exceeds threshold %s",
			evt.PolicyType, evt.BreachValue.String(), evt.ThresholdValue.String())
		if err := x.notifier.NotifyWorkspace(evt.WorkspaceID, "Risk alert", msg); err != nil {
			x.logger.Warn("notification failed",
				zap.Int64("workspace_id", evt.WorkspaceID), zap.Error(err))
		}
	}
	return x.resolve(evt, EventExecuted,
		map[string]any{"action": ActionAlertOnly, "notified": x.notifier != nil},
		AuditEntry{Result: "success"})
}

func (x *Executor) executePauseAgent(evt *Event) error {
	if evt.AgentID == nil {
		return x.skip(evt, "workspace-wide policy has no agent to pause")
	}
	agent, err := x.agents.GetInWorkspace(*evt.AgentID, evt.WorkspaceID)
	if errors.Is(err, agents.ErrNotFound) {
		return x.fail(evt, fmt.Sprintf("agent %d not found", *evt.AgentID))
	}
	if err != nil {
		return err
	}

	before := map[string]any{"is_active": agent.IsActive, "llm_config": agent.LLMConfig}
	if err := x.agents.SetActive(agent.ID, false); err != nil {
		return x.fail(evt, err.Error())
	}
	after := map[string]any{"is_active": false, "llm_config": agent.LLMConfig}

	return x.resolve(evt, EventExecuted,
		map[string]any{"action": ActionPauseAgent, "agent_id": agent.ID},
		AuditEntry{PreviousState: before, NewState: after, Result: "success"})
}

func (x *Executor) executeModelDowngrade(evt *Event) error {
	if evt.AgentID == nil {
		return x.skip(evt, "workspace-wide policy has no agent to downgrade")
	}
	agent, err := x.agents.GetInWorkspace(*evt.AgentID, evt.WorkspaceID)
	if errors.Is(err, agents.ErrNotFound) {
		return x.fail(evt, fmt.Sprintf("agent %d not found", *evt.AgentID))
	}
	if err != nil {
		return err
	}

	provider, _ := agent.LLMConfig["provider"].(string)
	current, _ := agent.LLMConfig["model"].(string)
	target := DowngradeTarget(provider)
	if current == target {
		return x.skip(evt, "already on downgrade target")
	}

	before := map[string]any{"is_active": agent.IsActive, "llm_config": agent.LLMConfig}

	// Preserve every other llm_config field.
	updated := make(map[string]any, len(agent.LLMConfig)+1)
	for k, v := range agent.LLMConfig {
		updated[k] = v
	}
	updated["model"] = target
	if err := x.agents.UpdateLLMConfig(agent.ID, updated); err != nil {
		return x.fail(evt, err.Error())
	}
	after := map[string]any{"is_active": agent.IsActive, "llm_config": updated}

	return x.resolve(evt, EventExecuted,
		map[string]any{"action": ActionModelDowngrade, "from": current, "to": target},
		AuditEntry{PreviousState: before, NewState: after, Result: "success"})
}

func (x *Executor) skip(evt *Event, reason string) error {
	return x.resolve(evt, EventSkipped,
		map[string]any{"reason": reason},
		AuditEntry{Result: "skipped", ErrorMessage: reason})
}

func (x *Executor) fail(evt *Event, errMsg string) error {
	return x.resolve(evt, EventFailed,
		map[string]any{"error": errMsg},
		AuditEntry{Result: "failed", ErrorMessage: errMsg})
}

// resolve commits the terminal status and counts it.
func (x *Executor) resolve(evt *Event, status string, result map[string]any, entry AuditEntry) error {
	if err := x.events.Resolve(evt.ID, status, result, entry); err != nil {
		return err
	}
	metrics.RiskEventsTotal.WithLabelValues(evt.ActionType, status).Inc()
	return nil
}
