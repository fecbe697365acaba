package blueprint

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stewardops/steward/internal/audit"
	"github.com/stewardops/steward/internal/capability"
	"github.com/stewardops/steward/internal/store"
)

type catalogFixture struct {
	catalog *Catalog
	bundles *capability.Store
	audit   *audit.Log
}

func newCatalog(t *testing.T) *catalogFixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	bundles, err := capability.NewStore(db)
	if err != nil {
		t.Fatalf("bundle store: %v", err)
	}
	auditLog, err := audit.NewLog(db, nil)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	catalog, err := NewCatalog(db, bundles, auditLog, nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return &catalogFixture{catalog: catalog, bundles: bundles, audit: auditLog}
}

func TestCreateRejectsInvalidRole(t *testing.T) {
	f := newCatalog(t)
	if _, err := f.catalog.Create(1, "R1", "overlord", ""); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("err = %v, want ErrInvalidRole", err)
	}
}

func TestCreateStartsAsDraft(t *testing.T) {
	f := newCatalog(t)
	bp, err := f.catalog.Create(1, "R1", RoleResearcher, "research agent")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if bp.Status != StatusDraft {
		t.Errorf("status = %s, want draft", bp.Status)
	}
	if bp.LatestVersion != 0 {
		t.Errorf("latest_version = %d, want 0", bp.LatestVersion)
	}
}

func TestPublishLifecycle(t *testing.T) {
	f := newCatalog(t)
	bp, err := f.catalog.Create(1, "R1", RoleResearcher, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	v, err := f.catalog.Publish(bp.ID, 1, VersionFields{
		AllowedTools:  []string{"web_search"},
		AllowedModels: []string{"openai"},
		Changelog:     "initial",
	}, nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if v.Version != 1 {
		t.Errorf("version = %d, want 1", v.Version)
	}

	got, err := f.catalog.Get(bp.ID, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPublished || got.LatestVersion != 1 {
		t.Errorf("blueprint = %+v, want published v1", got)
	}

	// Publishing again appends an immutable version.
	v2, err := f.catalog.Publish(bp.ID, 1, VersionFields{
		AllowedTools: []string{"web_search", "send_email"},
	}, nil)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("version = %d, want 2", v2.Version)
	}
	first, err := f.catalog.GetVersion(bp.ID, 1, 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if !reflect.DeepEqual(first.AllowedTools, []string{"web_search"}) {
		t.Errorf("v1 mutated: %v", first.AllowedTools)
	}
}

func TestPublishVerifiesCapabilities(t *testing.T) {
	f := newCatalog(t)
	bp, _ := f.catalog.Create(1, "R1", RoleWorker, "")

	if _, err := f.catalog.Publish(bp.ID, 1, VersionFields{}, []int64{999}); err == nil {
		t.Fatal("publish with unknown capability ids should fail")
	}
	// The failed publish must leave the blueprint a draft with no versions.
	got, _ := f.catalog.Get(bp.ID, 1)
	if got.Status != StatusDraft || got.LatestVersion != 0 {
		t.Errorf("failed publish leaked state: %+v", got)
	}

	b, err := f.bundles.Create(1, "readers", "", []string{"read"}, capability.ModelConstraints{}, nil, false)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	v, err := f.catalog.Publish(bp.ID, 1, VersionFields{}, []int64{b.ID})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !reflect.DeepEqual(v.CapabilityIDs, []int64{b.ID}) {
		t.Errorf("capability ids = %v, want [%d]", v.CapabilityIDs, b.ID)
	}
}

func TestUpdateDraftOnly(t *testing.T) {
	f := newCatalog(t)
	bp, _ := f.catalog.Create(1, "R1", RoleWorker, "")
	if _, err := f.catalog.Publish(bp.ID, 1, VersionFields{}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := f.catalog.UpdateDraft(bp.ID, 1, "renamed", RoleWorker, ""); !errors.Is(err, ErrNotDraft) {
		t.Fatalf("err = %v, want ErrNotDraft", err)
	}
}

func TestArchiveRules(t *testing.T) {
	f := newCatalog(t)
	draft, _ := f.catalog.Create(1, "draft", RoleWorker, "")
	if _, err := f.catalog.Archive(draft.ID, 1); !errors.Is(err, ErrDraftArchive) {
		t.Fatalf("draft archive err = %v, want ErrDraftArchive", err)
	}

	bp, _ := f.catalog.Create(1, "live", RoleWorker, "")
	if _, err := f.catalog.Publish(bp.ID, 1, VersionFields{}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := f.catalog.Archive(bp.ID, 1)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if got.Status != StatusArchived {
		t.Errorf("status = %s, want archived", got.Status)
	}
	// Idempotent.
	if _, err := f.catalog.Archive(bp.ID, 1); err != nil {
		t.Fatalf("second archive: %v", err)
	}
	// Archived blueprints accept no new versions.
	if _, err := f.catalog.Publish(bp.ID, 1, VersionFields{}, nil); !errors.Is(err, ErrArchived) {
		t.Fatalf("publish after archive err = %v, want ErrArchived", err)
	}
}

func TestCloneCreatesFreshDraft(t *testing.T) {
	f := newCatalog(t)
	bp, _ := f.catalog.Create(1, "origin", RoleResearcher, "")
	if _, err := f.catalog.Publish(bp.ID, 1, VersionFields{AllowedTools: []string{"read"}}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	clone, err := f.catalog.Clone(bp.ID, 1, 1, "")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone.Status != StatusDraft {
		t.Errorf("clone status = %s, want draft", clone.Status)
	}
	if clone.Name != "origin (copy)" {
		t.Errorf("clone name = %q, want default copy suffix", clone.Name)
	}
	if clone.ID == bp.ID {
		t.Error("clone must get its own id")
	}

	if _, err := f.catalog.Clone(bp.ID, 1, 99, ""); err == nil {
		t.Fatal("cloning a missing version should fail")
	}
}

func TestDeleteDraftOnly(t *testing.T) {
	f := newCatalog(t)
	bp, _ := f.catalog.Create(1, "gone", RoleWorker, "")
	if err := f.catalog.Delete(bp.ID, 1); err != nil {
		t.Fatalf("delete draft: %v", err)
	}

	bp2, _ := f.catalog.Create(1, "kept", RoleWorker, "")
	if _, err := f.catalog.Publish(bp2.ID, 1, VersionFields{}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := f.catalog.Delete(bp2.ID, 1); err == nil {
		t.Fatal("published blueprints must not be deletable")
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	f := newCatalog(t)
	bp, _ := f.catalog.Create(1, "private", RoleWorker, "")
	if _, err := f.catalog.Get(bp.ID, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-workspace get err = %v, want ErrNotFound", err)
	}
	if _, err := f.catalog.Publish(bp.ID, 2, VersionFields{}, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-workspace publish err = %v, want ErrNotFound", err)
	}
}

func TestListFilter(t *testing.T) {
	f := newCatalog(t)
	a, _ := f.catalog.Create(1, "a", RoleWorker, "")
	f.catalog.Create(1, "b", RoleResearcher, "")
	if _, err := f.catalog.Publish(a.ID, 1, VersionFields{}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	published, err := f.catalog.List(1, ListFilter{Status: StatusPublished})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(published) != 1 || published[0].ID != a.ID {
		t.Errorf("published filter = %+v", published)
	}
	workers, err := f.catalog.List(1, ListFilter{RoleType: RoleResearcher})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(workers) != 1 || workers[0].Name != "b" {
		t.Errorf("role filter = %+v", workers)
	}
}
