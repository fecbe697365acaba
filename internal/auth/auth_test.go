package auth

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stewardops/steward/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newUserStore(t *testing.T) *UserStore {
	t.Helper()
	us, err := NewUserStore(newTestDB(t))
	if err != nil {
		t.Fatalf("user store: %v", err)
	}
	return us
}

func TestCreateAndAuthenticate(t *testing.T) {
	us := newUserStore(t)

	user, err := us.Create(1, "  Alice@Example.COM ", "Alice", "hunter22")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("email = %q, want normalized", user.Email)
	}
	if user.WorkspaceID != 1 || !user.Enabled {
		t.Errorf("user = %+v", user)
	}

	got, err := us.Authenticate("alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("authenticated id = %d, want %d", got.ID, user.ID)
	}
	if got.LastLogin == nil {
		t.Error("authenticate should stamp last_login")
	}

	if _, err := us.Authenticate("alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad password err = %v, want ErrInvalidCredentials", err)
	}
	// Unknown emails get the same error as wrong passwords.
	if _, err := us.Authenticate("nobody@example.com", "hunter22"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email err = %v, want ErrInvalidCredentials", err)
	}
}

func TestCreateDuplicateEmail(t *testing.T) {
	us := newUserStore(t)
	if _, err := us.Create(1, "a@b.c", "A", "password1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := us.Create(2, "A@B.C", "A2", "password2"); !errors.Is(err, ErrEmailAlreadyUsed) {
		t.Fatalf("err = %v, want ErrEmailAlreadyUsed", err)
	}
}

func TestDisabledUserCannotAuthenticate(t *testing.T) {
	us := newUserStore(t)
	user, err := us.Create(1, "a@b.c", "A", "password1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := us.SetEnabled(user.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := us.Authenticate("a@b.c", "password1"); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("err = %v, want ErrUserDisabled", err)
	}
}

func TestWorkspaceOf(t *testing.T) {
	us := newUserStore(t)
	user, _ := us.Create(7, "a@b.c", "A", "password1")
	ws, err := us.WorkspaceOf(user.ID)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	if ws != 7 {
		t.Errorf("workspace = %d, want 7", ws)
	}
	if _, err := us.WorkspaceOf(999); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := newTestDB(t)
	ss, err := NewSessionStore(db, 0)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}

	sess, err := ss.Create(42)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(sess.ID) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(sess.ID))
	}

	got, err := ss.Validate(sess.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.UserID != 42 {
		t.Errorf("user = %d, want 42", got.UserID)
	}

	if err := ss.Delete(sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ss.Validate(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("deleted session err = %v, want ErrSessionNotFound", err)
	}
	if _, err := ss.Validate("bogus"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("bogus token err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	db := newTestDB(t)
	ss, err := NewSessionStore(db, time.Hour)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	sess, err := ss.Create(1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Force-expire the session in place.
	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano)
	if _, err := db.Exec(`UPDATE sessions SET expires_at = ? WHERE id = ?`, past, sess.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if _, err := ss.Validate(sess.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	// Expired sessions are deleted on sight.
	if _, err := ss.Validate(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second validate err = %v, want ErrSessionNotFound", err)
	}
}

func TestPruneExpired(t *testing.T) {
	db := newTestDB(t)
	ss, err := NewSessionStore(db, time.Hour)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	stale, _ := ss.Create(1)
	fresh, _ := ss.Create(2)

	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano)
	if _, err := db.Exec(`UPDATE sessions SET expires_at = ? WHERE id = ?`, past, stale.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	pruned, err := ss.PruneExpired()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if _, err := ss.Validate(fresh.ID); err != nil {
		t.Errorf("fresh session lost: %v", err)
	}
}
