package risk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/stewardops/steward/internal/agents"
	"github.com/stewardops/steward/internal/metrics"
	"github.com/stewardops/steward/internal/obs"
	"github.com/stewardops/steward/internal/store"
)

type riskFixture struct {
	policies *PolicyStore
	events   *EventStore
	obsStore *obs.Store
	agents   *agents.Store
}

func newFixture(t *testing.T) *riskFixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	policies, err := NewPolicyStore(db)
	if err != nil {
		t.Fatalf("policy store: %v", err)
	}
	events, err := NewEventStore(db)
	if err != nil {
		t.Fatalf("event store: %v", err)
	}
	obsStore, err := obs.NewStore(db, nil)
	if err != nil {
		t.Fatalf("obs store: %v", err)
	}
	agentStore, err := agents.NewStore(db)
	if err != nil {
		t.Fatalf("agent store: %v", err)
	}
	return &riskFixture{policies: policies, events: events, obsStore: obsStore, agents: agentStore}
}

func (f *riskFixture) seedSpend(t *testing.T, workspaceID int64, agentID *int64, amounts ...string) {
	t.Helper()
	for _, a := range amounts {
		cost := decimal.RequireFromString(a)
		if _, err := f.obsStore.Emit(obs.EmitParams{
			WorkspaceID: workspaceID,
			AgentID:     agentID,
			EventType:   obs.TypeLLMCall,
			Status:      obs.StatusSuccess,
			CostUSD:     &cost,
		}); err != nil {
			t.Fatalf("seed spend: %v", err)
		}
	}
}

func TestPolicyUpsertDefaults(t *testing.T) {
	f := newFixture(t)

	p, err := f.policies.Upsert(1, nil, TypeDailySpendCap, decimal.RequireFromString("10"), "bogus_action", 0)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if p.ActionType != ActionAlertOnly {
		t.Errorf("invalid action should fall back to alert_only, got %s", p.ActionType)
	}
	if p.CooldownMinutes != DefaultCooldownMinutes {
		t.Errorf("cooldown = %d, want default %d", p.CooldownMinutes, DefaultCooldownMinutes)
	}
	if p.AgentID != nil {
		t.Error("workspace-wide policy should expose nil agent scope")
	}

	// Re-upsert same scope updates in place.
	p2, err := f.policies.Upsert(1, nil, TypeDailySpendCap, decimal.RequireFromString("20"), ActionPauseAgent, 60)
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if p2.ID != p.ID {
		t.Errorf("re-upsert created new row: %d vs %d", p2.ID, p.ID)
	}
	list, err := f.policies.List(1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d policies, want 1", len(list))
	}
}

func TestEvaluatorStrictThreshold(t *testing.T) {
	f := newFixture(t)
	agentID := int64(1)

	if _, err := f.policies.Upsert(1, &agentID, TypeDailySpendCap,
		decimal.RequireFromString("12.00"), ActionPauseAgent, 360); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f.seedSpend(t, 1, &agentID, "4.00", "4.00", "4.00") // exactly 12.00

	ev := NewEvaluator(f.policies, f.events, f.obsStore, nil)
	created, err := ev.Evaluate(1)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if created != 0 {
		t.Fatalf("equality must not trigger, got %d events", created)
	}

	// One more cent tips it over.
	f.seedSpend(t, 1, &agentID, "0.01")
	created, err = ev.Evaluate(1)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if created != 1 {
		t.Fatalf("strict exceed should trigger, got %d events", created)
	}
}

func TestBreachPauseAndIdempotentRerun(t *testing.T) {
	f := newFixture(t)

	agent, err := f.agents.Create(1, "worker-1", map[string]any{"provider": "openai", "model": "gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := f.policies.Upsert(1, &agent.ID, TypeDailySpendCap,
		decimal.RequireFromString("10.0"), ActionPauseAgent, 360); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f.seedSpend(t, 1, &agent.ID, "4.00", "4.00", "4.00")

	ev := NewEvaluator(f.policies, f.events, f.obsStore, nil)
	created, err := ev.Evaluate(1)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}

	pending, err := f.events.ListPending(10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	evt := pending[0]
	if !evt.BreachValue.Equal(decimal.RequireFromString("12.00")) {
		t.Errorf("breach = %s, want 12.00", evt.BreachValue)
	}
	wantKey := DedupeKey(evt.PolicyID, time.Now().UTC())
	if evt.DedupeKey != wantKey {
		t.Errorf("dedupe key = %q, want %q", evt.DedupeKey, wantKey)
	}

	x := NewExecutor(f.events, f.agents, nil, nil)
	processed, err := x.ExecuteBatch(10)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}

	got, err := f.agents.Get(agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.IsActive {
		t.Fatal("agent should be paused")
	}

	entries, err := f.events.AuditForEvent(evt.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Result != "success" {
		t.Fatalf("audit entries = %+v, want one success", entries)
	}
	if before, ok := entries[0].PreviousState["is_active"].(bool); !ok || !before {
		t.Errorf("previous_state.is_active = %v, want true", entries[0].PreviousState["is_active"])
	}
	if after, ok := entries[0].NewState["is_active"].(bool); !ok || after {
		t.Errorf("new_state.is_active = %v, want false", entries[0].NewState["is_active"])
	}

	// Re-running both passes is a no-op: cooldown plus dedupe hold.
	created, err = ev.Evaluate(1)
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	if created != 0 {
		t.Fatalf("re-run created %d events, want 0", created)
	}
	processed, err = x.ExecuteBatch(10)
	if err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if processed != 0 {
		t.Fatalf("re-run processed %d, want 0", processed)
	}
	got, _ = f.agents.Get(agent.ID)
	if got.IsActive {
		t.Fatal("agent should stay paused")
	}
}

func TestCooldownSuppressesNextDay(t *testing.T) {
	f := newFixture(t)
	agentID := int64(1)

	if _, err := f.policies.Upsert(1, &agentID, TypeDailySpendCap,
		decimal.RequireFromString("1"), ActionAlertOnly, 600); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f.seedSpend(t, 1, &agentID, "5.00")

	ev := NewEvaluator(f.policies, f.events, f.obsStore, nil)
	if created, _ := ev.Evaluate(1); created != 1 {
		t.Fatal("first evaluation should breach")
	}

	// Advance the clock 5h, still inside the 10h cooldown: the pending
	// event suppresses even though spend still exceeds.
	ev.now = func() time.Time { return time.Now().UTC().Add(5 * time.Hour) }
	if created, _ := ev.Evaluate(1); created != 0 {
		t.Fatal("cooldown should suppress re-evaluation")
	}
}

func TestExecutorModelDowngrade(t *testing.T) {
	f := newFixture(t)

	agent, err := f.agents.Create(1, "researcher",
		map[string]any{"provider": "anthropic", "model": "claude-opus", "temperature": 0.2}, nil)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := f.policies.Upsert(1, &agent.ID, TypeDailySpendCap,
		decimal.RequireFromString("1"), ActionModelDowngrade, 360); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f.seedSpend(t, 1, &agent.ID, "2.00")

	ev := NewEvaluator(f.policies, f.events, f.obsStore, nil)
	if created, _ := ev.Evaluate(1); created != 1 {
		t.Fatal("expected breach")
	}
	x := NewExecutor(f.events, f.agents, nil, nil)
	if _, err := x.ExecuteBatch(10); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := f.agents.Get(agent.ID)
	if got.LLMConfig["model"] != "claude-haiku" {
		t.Errorf("model = %v, want claude-haiku", got.LLMConfig["model"])
	}
	if _, ok := got.LLMConfig["temperature"]; !ok {
		t.Error("other llm_config fields must survive the downgrade")
	}
	if !got.IsActive {
		t.Error("downgrade must not pause the agent")
	}
}

func TestExecutorWorkspaceWidePauseSkips(t *testing.T) {
	f := newFixture(t)

	if _, err := f.policies.Upsert(1, nil, TypeDailySpendCap,
		decimal.RequireFromString("1"), ActionPauseAgent, 360); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f.seedSpend(t, 1, nil, "2.00")

	ev := NewEvaluator(f.policies, f.events, f.obsStore, nil)
	if created, _ := ev.Evaluate(1); created != 1 {
		t.Fatal("expected breach")
	}
	x := NewExecutor(f.events, f.agents, nil, nil)
	if _, err := x.ExecuteBatch(10); err != nil {
		t.Fatalf("execute: %v", err)
	}

	events, err := f.events.ListWorkspace(1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].Status != EventSkipped {
		t.Fatalf("workspace-wide pause should skip, got %+v", events)
	}
}

func TestResolveIsMonotone(t *testing.T) {
	f := newFixture(t)

	p, err := f.policies.Upsert(1, nil, TypeDailySpendCap,
		decimal.RequireFromString("1"), ActionAlertOnly, 360)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	evt, err := f.events.Create(p, decimal.RequireFromString("2"), DedupeKey(p.ID, time.Now()), time.Now().UTC())
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	if err := f.events.Resolve(evt.ID, EventExecuted, map[string]any{"ok": true}, AuditEntry{Result: "success"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// A second resolution must not overwrite the terminal status.
	if err := f.events.Resolve(evt.ID, EventFailed, map[string]any{}, AuditEntry{Result: "failed"}); err == nil {
		t.Fatal("expected error resolving a non-pending event")
	}

	got, _ := f.events.Get(evt.ID)
	if got.Status != EventExecuted {
		t.Errorf("status = %s, want executed", got.Status)
	}
	if got.ExecutedAt == nil {
		t.Error("executed event must carry executed_at")
	}
}

func TestDuplicateDedupeKeyRejected(t *testing.T) {
	f := newFixture(t)
	p, err := f.policies.Upsert(1, nil, TypeDailySpendCap,
		decimal.RequireFromString("1"), ActionAlertOnly, 360)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	key := DedupeKey(p.ID, time.Now())
	if _, err := f.events.Create(p, decimal.RequireFromString("2"), key, time.Now().UTC()); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := f.events.Create(p, decimal.RequireFromString("3"), key, time.Now().UTC()); err != ErrDuplicate {
		t.Fatalf("second create err = %v, want ErrDuplicate", err)
	}
}

func TestWorkerCycleBudget(t *testing.T) {
	f := newFixture(t)
	agentID := int64(1)

	if _, err := f.policies.Upsert(1, &agentID, TypeDailySpendCap,
		decimal.RequireFromString("1"), ActionAlertOnly, 360); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f.seedSpend(t, 1, &agentID, "5.00")

	ev := NewEvaluator(f.policies, f.events, f.obsStore, nil)
	x := NewExecutor(f.events, f.agents, nil, nil)
	w := NewWorker(ev, x, 0, nil)

	result := w.RunCycle(context.Background(), 45)
	if result.EventsCreated != 1 {
		t.Errorf("created = %d, want 1", result.EventsCreated)
	}
	if result.EventsExecuted != 1 {
		t.Errorf("executed = %d, want 1", result.EventsExecuted)
	}
	if result.Truncated {
		t.Error("45s budget should not truncate")
	}
}

func TestDowngradeTarget(t *testing.T) {
	cases := map[string]string{
		"openai":    "gpt-4o-mini",
		"anthropic": "claude-haiku",
		"google":    "gemini-2.0-flash",
		"mistral":   "gpt-4o-mini",
		"":          "gpt-4o-mini",
	}
	for provider, want := range cases {
		if got := DowngradeTarget(provider); got != want {
			t.Errorf("DowngradeTarget(%q) = %q, want %q", provider, got, want)
		}
	}
}

func TestExecutorCountsTerminalEvents(t *testing.T) {
	f := newFixture(t)

	if _, err := f.policies.Upsert(1, nil, TypeDailySpendCap,
		decimal.RequireFromString("1"), ActionAlertOnly, 360); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f.seedSpend(t, 1, nil, "2.00")

	ev := NewEvaluator(f.policies, f.events, f.obsStore, nil)
	if created, _ := ev.Evaluate(1); created != 1 {
		t.Fatal("expected breach")
	}

	before := testutil.ToFloat64(metrics.RiskEventsTotal.WithLabelValues(ActionAlertOnly, EventExecuted))
	x := NewExecutor(f.events, f.agents, nil, nil)
	if n, err := x.ExecuteBatch(10); err != nil || n != 1 {
		t.Fatalf("execute = %d, %v", n, err)
	}
	if got := testutil.ToFloat64(metrics.RiskEventsTotal.WithLabelValues(ActionAlertOnly, EventExecuted)); got != before+1 {
		t.Errorf("executed counter = %v, want %v", got, before+1)
	}
}
