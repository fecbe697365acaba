package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stewardops/steward/internal/obs"
	"github.com/stewardops/steward/internal/store"
	"github.com/stewardops/steward/internal/tier"
)

type gcFixture struct {
	db       *store.DB
	obsStore *obs.Store
	tiers    *tier.Registry
	gc       *GC
}

func newGCFixture(t *testing.T) *gcFixture {
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
	tiers, err := tier.NewRegistry(db, obsStore, obsStore, keyStore, nil)
	if err != nil {
		t.Fatalf("tiers: %v", err)
	}
	return &gcFixture{db: db, obsStore: obsStore, tiers: tiers, gc: New(obsStore, tiers, nil)}
}

func (f *gcFixture) emitAt(t *testing.T, wsID int64, age time.Duration) {
	t.Helper()
	if _, err := f.obsStore.Emit(obs.EmitParams{
		WorkspaceID: wsID,
		EventType:   obs.TypeHeartbeat,
		CreatedAt:   time.Now().UTC().Add(-age),
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

// startRunAt opens a run and backdates its start.
func (f *gcFixture) startRunAt(t *testing.T, wsID int64, age time.Duration) string {
	t.Helper()
	run, err := f.obsStore.StartRun(wsID, nil, "")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	startedAt := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	if _, err := f.db.Exec(`UPDATE obs_runs SET started_at = ? WHERE id = ?`, startedAt, run.ID); err != nil {
		t.Fatalf("backdate run: %v", err)
	}
	return run.ID
}

func TestRunSweepsPastRetentionWindow(t *testing.T) {
	f := newGCFixture(t)

	// Free tier keeps 7 days; the sweep cutoff adds a 24h grace, so
	// only data older than 8 days goes.
	f.emitAt(t, 1, 10*24*time.Hour)
	f.emitAt(t, 1, 2*24*time.Hour)
	oldRun := f.startRunAt(t, 1, 10*24*time.Hour)
	keptRun := f.startRunAt(t, 1, 2*24*time.Hour)

	result, err := f.gc.Run(context.Background(), 30)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Workspaces) != 1 {
		t.Fatalf("workspaces = %d, want 1", len(result.Workspaces))
	}
	ws := result.Workspaces[0]
	if ws.EventsDeleted != 1 || ws.RunsDeleted != 1 {
		t.Errorf("deleted events=%d runs=%d, want 1/1", ws.EventsDeleted, ws.RunsDeleted)
	}
	if result.Truncated {
		t.Error("small sweep must not truncate")
	}

	events, err := f.obsStore.ListEvents(obs.EventFilter{WorkspaceID: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events after sweep = %d, want 1", len(events))
	}
	if _, err := f.obsStore.GetRun(oldRun); err == nil {
		t.Error("old run survived the sweep")
	}
	if _, err := f.obsStore.GetRun(keptRun); err != nil {
		t.Errorf("recent run deleted: %v", err)
	}
}

func TestRunBoundaryInsideGrace(t *testing.T) {
	f := newGCFixture(t)

	// 7.5 days old: past the tier window, inside the grace day. Kept.
	f.emitAt(t, 1, 7*24*time.Hour+12*time.Hour)

	result, err := f.gc.Run(context.Background(), 30)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Workspaces[0].EventsDeleted != 0 {
		t.Errorf("deleted %d events, want 0 inside grace", result.Workspaces[0].EventsDeleted)
	}
}

func TestRunSecondPassIsNoOp(t *testing.T) {
	f := newGCFixture(t)
	f.emitAt(t, 1, 10*24*time.Hour)
	f.emitAt(t, 1, 24*time.Hour)

	if _, err := f.gc.Run(context.Background(), 30); err != nil {
		t.Fatalf("first run: %v", err)
	}
	result, err := f.gc.Run(context.Background(), 30)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	ws := result.Workspaces[0]
	if ws.EventsDeleted != 0 || ws.RunsDeleted != 0 {
		t.Errorf("second pass deleted events=%d runs=%d, want 0/0", ws.EventsDeleted, ws.RunsDeleted)
	}
}

func TestRunHonorsTierUpgrade(t *testing.T) {
	f := newGCFixture(t)
	f.emitAt(t, 1, 10*24*time.Hour)

	// Production retention (90 days) keeps the 10-day-old event.
	if err := f.tiers.Upsert(tier.ProductionDefaults(1)); err != nil {
		t.Fatalf("upsert tier: %v", err)
	}

	result, err := f.gc.Run(context.Background(), 30)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Workspaces[0].EventsDeleted != 0 {
		t.Errorf("deleted %d events under pro retention, want 0", result.Workspaces[0].EventsDeleted)
	}
}

func TestRunCancelledContextTruncates(t *testing.T) {
	f := newGCFixture(t)
	f.emitAt(t, 1, 10*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := f.gc.Run(ctx, 30)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Truncated {
		t.Error("cancelled sweep must report truncation")
	}
	if len(result.Workspaces) != 0 {
		t.Errorf("workspaces = %d, want none processed", len(result.Workspaces))
	}
}
