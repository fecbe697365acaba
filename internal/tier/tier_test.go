package tier

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stewardops/steward/internal/metrics"
	"github.com/stewardops/steward/internal/obs"
	"github.com/stewardops/steward/internal/store"
)

type tierFixture struct {
	registry *Registry
	obsStore *obs.Store
	keyStore *obs.KeyStore
}

func newTierFixture(t *testing.T) *tierFixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	obsStore, err := obs.NewStore(db, nil)
	if err != nil {
		t.Fatalf("obs store: %v", err)
	}
	keyStore, err := obs.NewKeyStore(db)
	if err != nil {
		t.Fatalf("key store: %v", err)
	}
	registry, err := NewRegistry(db, obsStore, obsStore, keyStore, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return &tierFixture{registry: registry, obsStore: obsStore, keyStore: keyStore}
}

func (f *tierFixture) emitFor(t *testing.T, wsID, agentID int64) {
	t.Helper()
	if _, err := f.obsStore.Emit(obs.EmitParams{
		WorkspaceID: wsID,
		AgentID:     &agentID,
		EventType:   obs.TypeHeartbeat,
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func TestGetDefaultsToFree(t *testing.T) {
	f := newTierFixture(t)
	got := f.registry.Get(1)
	want := FreeDefaults(1)
	if got != want {
		t.Errorf("tier = %+v, want free defaults %+v", got, want)
	}
}

func TestUpsertVisibleAfterInvalidate(t *testing.T) {
	f := newTierFixture(t)

	// Prime the cache with the free defaults.
	if f.registry.Get(1).TierName != "free" {
		t.Fatal("expected free tier before upsert")
	}

	if err := f.registry.Upsert(ProductionDefaults(1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Upsert invalidates its own cache entry.
	got := f.registry.Get(1)
	if got.TierName != "production" || got.RetentionDays != 90 {
		t.Errorf("tier = %+v, want production", got)
	}

	if err := f.registry.Upsert(Tier{WorkspaceID: 1}); err == nil {
		t.Fatal("upsert without tier_name should fail")
	}
}

func TestCheckAgentLimitAtThreshold(t *testing.T) {
	f := newTierFixture(t)

	// Free tier allows 2 monitored agents; fill both slots.
	f.emitFor(t, 1, 100)
	f.emitFor(t, 1, 101)

	ok, msg := f.registry.CheckAgentLimit(1)
	if ok {
		t.Fatal("limit reached, expected denial")
	}
	if !strings.Contains(msg, "Agent limit reached (2/2 on the free tier)") {
		t.Errorf("msg = %q", msg)
	}

	// A seen agent is grandfathered past the limit.
	if ok, _ := f.registry.CheckAgentAllowed(1, 100); !ok {
		t.Error("known agent must stay allowed")
	}
	if ok, _ := f.registry.CheckAgentAllowed(1, 999); ok {
		t.Error("new agent must be denied at the limit")
	}
}

func TestCheckAlertRuleLimit(t *testing.T) {
	f := newTierFixture(t)

	// Free tier allows zero alert rules.
	ok, msg := f.registry.CheckAlertRuleLimit(1)
	if ok {
		t.Fatal("free tier must deny alert rules")
	}
	if !strings.Contains(msg, "Alert rule limit reached (0/0 on the free tier)") {
		t.Errorf("msg = %q", msg)
	}

	if err := f.registry.Upsert(ProductionDefaults(1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if ok, _ := f.registry.CheckAlertRuleLimit(1); !ok {
		t.Error("production tier should admit alert rules")
	}
}

func TestCheckAPIKeyLimit(t *testing.T) {
	f := newTierFixture(t)

	if ok, _ := f.registry.CheckAPIKeyLimit(1); !ok {
		t.Fatal("empty workspace should admit a key")
	}
	if _, _, err := f.keyStore.Create(1, "collector"); err != nil {
		t.Fatalf("create key: %v", err)
	}
	// Free tier caps at one key.
	ok, msg := f.registry.CheckAPIKeyLimit(1)
	if ok {
		t.Fatal("expected denial at key limit")
	}
	if !strings.Contains(msg, "API key limit reached (1/1 on the free tier)") {
		t.Errorf("msg = %q", msg)
	}
}

func TestFeatureFlags(t *testing.T) {
	f := newTierFixture(t)
	if f.registry.CheckSlackNotifications(1) || f.registry.CheckAnomalyDetection(1) {
		t.Error("free tier must have both feature flags off")
	}
	if err := f.registry.Upsert(ProductionDefaults(1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !f.registry.CheckSlackNotifications(1) || !f.registry.CheckAnomalyDetection(1) {
		t.Error("production tier must have both feature flags on")
	}
	if f.registry.GetMaxBatchSize(1) != 1000 {
		t.Errorf("batch size = %d, want 1000", f.registry.GetMaxBatchSize(1))
	}
}

func TestClampDateRange(t *testing.T) {
	f := newTierFixture(t)
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -7)

	// A from before the retention window is pulled up to the cutoff.
	from, to := f.registry.ClampDateRange(1, now.AddDate(0, 0, -30), now.Add(time.Hour))
	if from.Before(cutoff.Add(-time.Minute)) {
		t.Errorf("from = %v, want clamped to ~%v", from, cutoff)
	}
	if to.After(now.Add(time.Minute)) {
		t.Errorf("to = %v, want clamped to now", to)
	}

	// Zero times fill with the full retention window.
	from, to = f.registry.ClampDateRange(1, time.Time{}, time.Time{})
	if from.IsZero() || to.IsZero() {
		t.Error("zero inputs must be filled")
	}
	if !to.After(from) {
		t.Errorf("range inverted: %v .. %v", from, to)
	}

	// An inverted range collapses instead of inverting.
	from, to = f.registry.ClampDateRange(1, now.Add(-time.Hour), now.Add(-2*time.Hour))
	if to.Before(from) {
		t.Errorf("collapsed range still inverted: %v .. %v", from, to)
	}
}

func TestGetCountsCacheLookups(t *testing.T) {
	f := newTierFixture(t)
	misses := testutil.ToFloat64(metrics.TierCacheTotal.WithLabelValues("miss"))
	hits := testutil.ToFloat64(metrics.TierCacheTotal.WithLabelValues("hit"))

	f.registry.Get(1)
	if got := testutil.ToFloat64(metrics.TierCacheTotal.WithLabelValues("miss")); got != misses+1 {
		t.Errorf("miss counter = %v, want %v", got, misses+1)
	}

	f.registry.Get(1)
	if got := testutil.ToFloat64(metrics.TierCacheTotal.WithLabelValues("hit")); got != hits+1 {
		t.Errorf("hit counter = %v, want %v", got, hits+1)
	}
}
