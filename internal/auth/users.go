// Package auth provides workspace-scoped user accounts and cookie
// sessions for the steward API. Users belong to exactly one workspace;
// every authenticated request is scoped to that workspace.
package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/stewardops/steward/internal/store"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserDisabled       = errors.New("user disabled")
	ErrEmailAlreadyUsed   = errors.New("email already exists")
)

// User is a steward account bound to one workspace.
type User struct {
	ID          int64      `json:"id"`
	WorkspaceID int64      `json:"workspace_id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
}

// UserStore manages users persisted in SQLite.
type UserStore struct {
	db *store.DB
}

const createUsersTable = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id  INTEGER NOT NULL,
	email         TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	enabled       INTEGER NOT NULL DEFAULT 1,
	created_at    TEXT NOT NULL,
	last_login    TEXT
)`

// NewUserStore creates the users table if needed.
func NewUserStore(db *store.DB) (*UserStore, error) {
	if _, err := db.Exec(createUsersTable); err != nil {
		return nil, fmt.Errorf("create users table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_users_workspace ON users(workspace_id)`)
	return &UserStore{db: db}, nil
}

// Create registers a user with a bcrypt password hash.
func (s *UserStore) Create(workspaceID int64, email, displayName, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(`INSERT INTO users (workspace_id, email, display_name, password_hash, enabled, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		workspaceID, email, displayName, string(hash), now.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrEmailAlreadyUsed
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, _ := res.LastInsertId()
	return &User{
		ID:          id,
		WorkspaceID: workspaceID,
		Email:       email,
		DisplayName: displayName,
		Enabled:     true,
		CreatedAt:   now,
	}, nil
}

// Authenticate verifies credentials and records the login time.
func (s *UserStore) Authenticate(email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var (
		u    User
		hash string
		created,
		lastLogin sql.NullString
		enabled int
	)
	err := s.db.QueryRow(`SELECT id, workspace_id, email, display_name, password_hash, enabled, created_at, last_login
		FROM users WHERE email = ?`, email).
		Scan(&u.ID, &u.WorkspaceID, &u.Email, &u.DisplayName, &hash, &enabled, &created, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	if enabled == 0 {
		return nil, ErrUserDisabled
	}
	u.Enabled = true
	if created.Valid {
		u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created.String)
	}
	now := time.Now().UTC()
	u.LastLogin = &now
	_, _ = s.db.Exec(`UPDATE users SET last_login = ? WHERE id = ?`, now.Format(time.RFC3339Nano), u.ID)
	return &u, nil
}

// Get fetches a user by id.
func (s *UserStore) Get(id int64) (*User, error) {
	var (
		u       User
		created sql.NullString
		last    sql.NullString
		enabled int
	)
	err := s.db.QueryRow(`SELECT id, workspace_id, email, display_name, enabled, created_at, last_login
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.WorkspaceID, &u.Email, &u.DisplayName, &enabled, &created, &last)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Enabled = enabled != 0
	if created.Valid {
		u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created.String)
	}
	if last.Valid {
		t, _ := time.Parse(time.RFC3339Nano, last.String)
		u.LastLogin = &t
	}
	return &u, nil
}

// WorkspaceOf returns the workspace a user belongs to.
func (s *UserStore) WorkspaceOf(userID int64) (int64, error) {
	var ws int64
	err := s.db.QueryRow(`SELECT workspace_id FROM users WHERE id = ?`, userID).Scan(&ws)
	if err == sql.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("user workspace: %w", err)
	}
	return ws, nil
}

// SetEnabled flips the account flag.
func (s *UserStore) SetEnabled(id int64, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := s.db.Exec(`UPDATE users SET enabled = ? WHERE id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}
