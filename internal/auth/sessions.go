package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/stewardops/steward/internal/store"
)

// DefaultSessionLifetime is used when no lifetime is configured.
const DefaultSessionLifetime = 24 * time.Hour

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Session is an authenticated cookie session.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStore manages sessions in SQLite.
type SessionStore struct {
	db       *store.DB
	lifetime time.Duration
}

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
)`

// NewSessionStore creates the sessions table if needed.
func NewSessionStore(db *store.DB, lifetime time.Duration) (*SessionStore, error) {
	if lifetime <= 0 {
		lifetime = DefaultSessionLifetime
	}
	if _, err := db.Exec(createSessionsTable); err != nil {
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at)`)
	return &SessionStore{db: db, lifetime: lifetime}, nil
}

// Create opens a session for a user.
func (s *SessionStore) Create(userID int64) (*Session, error) {
	token, err := generateToken(32)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess := &Session{
		ID:        token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.lifetime),
	}
	_, err = s.db.Exec(`INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.UserID,
		sess.CreatedAt.Format(time.RFC3339Nano), sess.ExpiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Validate resolves a session token. Expired sessions are deleted on
// sight.
func (s *SessionStore) Validate(token string) (*Session, error) {
	var (
		sess    Session
		created string
		expires string
	)
	err := s.db.QueryRow(`SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = ?`, token).
		Scan(&sess.ID, &sess.UserID, &created, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sess.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	if time.Now().UTC().After(sess.ExpiresAt) {
		_, _ = s.db.Exec(`DELETE FROM sessions WHERE id = ?`, token)
		return nil, ErrSessionExpired
	}
	return &sess, nil
}

// Delete removes a session. Missing sessions are not an error.
func (s *SessionStore) Delete(token string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, token)
	return err
}

// PruneExpired removes all expired sessions and reports the count.
func (s *SessionStore) PruneExpired() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at < ?`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
