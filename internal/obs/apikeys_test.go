package obs

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stewardops/steward/internal/store"
)

func newTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ks, err := NewKeyStore(db)
	if err != nil {
		t.Fatalf("new key store: %v", err)
	}
	return ks
}

func TestKeyCreateVerify(t *testing.T) {
	ks := newTestKeyStore(t)

	key, plain, err := ks.Create(1, "collector")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(plain, KeyPrefix) {
		t.Fatalf("token %q missing prefix", plain)
	}
	if key.KeyHash == plain {
		t.Fatal("plaintext must not be stored")
	}

	got, err := ks.Verify(plain)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.WorkspaceID != 1 {
		t.Errorf("workspace = %d, want 1", got.WorkspaceID)
	}
	if got.LastUsedAt == nil {
		t.Error("verify should stamp last_used")
	}
}

func TestKeyVerifyRejectsBadTokens(t *testing.T) {
	ks := newTestKeyStore(t)
	if _, err := ks.Verify("not-a-key"); err == nil {
		t.Fatal("expected error for malformed token")
	}
	if _, err := ks.Verify(KeyPrefix + "00000000deadbeef"); err == nil {
		t.Fatal("expected error for unknown token")
	}
}

func TestKeyRevoke(t *testing.T) {
	ks := newTestKeyStore(t)
	key, plain, err := ks.Create(1, "collector")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ks.Revoke(key.ID, 1); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := ks.Verify(plain); err == nil {
		t.Fatal("revoked key must not verify")
	}
	// Cross-workspace revoke must not find the key.
	key2, _, _ := ks.Create(2, "other")
	if err := ks.Revoke(key2.ID, 1); err == nil {
		t.Fatal("expected not-found for foreign workspace")
	}
}

func TestKeyCountAndList(t *testing.T) {
	ks := newTestKeyStore(t)
	for i := 0; i < 3; i++ {
		if _, _, err := ks.Create(1, "k"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	n, err := ks.CountWorkspace(1)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	keys, err := ks.ListWorkspace(1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("list = %d keys, want 3", len(keys))
	}
}
