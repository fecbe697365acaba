package obs

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/stewardops/steward/internal/store"
)

// KeyPrefix marks ingest bearer tokens.
const KeyPrefix = "obsk_"

var ErrKeyInvalid = errors.New("invalid api key")

// APIKey identifies a workspace on the ingest endpoints. The plaintext
// token is returned exactly once at creation; only the bcrypt hash and
// a lookup prefix are stored.
type APIKey struct {
	ID           string     `json:"id"`
	WorkspaceID  int64      `json:"workspace_id"`
	Name         string     `json:"name"`
	KeyHash      string     `json:"-"`
	LookupPrefix string     `json:"key_prefix"` // "obsk_" + 8 hex chars
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// KeyStore manages ingest API keys.
type KeyStore struct {
	db *store.DB
}

// NewKeyStore ensures the obs_api_keys schema.
func NewKeyStore(db *store.DB) (*KeyStore, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS obs_api_keys (
		id           TEXT PRIMARY KEY,
		workspace_id INTEGER NOT NULL,
		name         TEXT NOT NULL,
		key_hash     TEXT NOT NULL,
		key_prefix   TEXT NOT NULL,
		enabled      INTEGER NOT NULL DEFAULT 1,
		created_at   TEXT NOT NULL,
		last_used    TEXT
	)`); err != nil {
		return nil, fmt.Errorf("create obs_api_keys: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_obs_keys_prefix ON obs_api_keys(key_prefix)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_obs_keys_ws ON obs_api_keys(workspace_id)`)
	return &KeyStore{db: db}, nil
}

// Create generates a key, stores the bcrypt hash, and returns the
// plaintext once.
func (ks *KeyStore) Create(workspaceID int64, name string) (*APIKey, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	plain := KeyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	key := &APIKey{
		ID:           uuid.NewString(),
		WorkspaceID:  workspaceID,
		Name:         name,
		KeyHash:      string(hash),
		LookupPrefix: plain[:len(KeyPrefix)+8],
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = ks.db.Exec(
		`INSERT INTO obs_api_keys (id, workspace_id, name, key_hash, key_prefix, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		key.ID, key.WorkspaceID, key.Name, key.KeyHash, key.LookupPrefix,
		key.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert api key: %w", err)
	}
	return key, plain, nil
}

// Verify checks a bearer token and returns the owning workspace.
// Stamps last_used on success.
func (ks *KeyStore) Verify(token string) (*APIKey, error) {
	if len(token) < len(KeyPrefix)+8 || token[:len(KeyPrefix)] != KeyPrefix {
		return nil, ErrKeyInvalid
	}
	prefix := token[:len(KeyPrefix)+8]

	rows, err := ks.db.Query(
		`SELECT id, workspace_id, name, key_hash, key_prefix, enabled, created_at, last_used
		 FROM obs_api_keys WHERE key_prefix = ? AND enabled = 1`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(token)) == nil {
			now := time.Now().UTC()
			_, _ = ks.db.Exec(`UPDATE obs_api_keys SET last_used = ? WHERE id = ?`,
				now.Format(time.RFC3339Nano), key.ID)
			key.LastUsedAt = &now
			return key, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrKeyInvalid
}

// CountWorkspace returns the number of enabled keys for a workspace.
func (ks *KeyStore) CountWorkspace(workspaceID int64) (int, error) {
	var n int
	err := ks.db.QueryRow(
		`SELECT COUNT(*) FROM obs_api_keys WHERE workspace_id = ? AND enabled = 1`,
		workspaceID).Scan(&n)
	return n, err
}

// ListWorkspace returns a workspace's keys, newest first. Hashes are
// never serialized.
func (ks *KeyStore) ListWorkspace(workspaceID int64) ([]*APIKey, error) {
	rows, err := ks.db.Query(
		`SELECT id, workspace_id, name, key_hash, key_prefix, enabled, created_at, last_used
		 FROM obs_api_keys WHERE workspace_id = ? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Revoke disables a key within a workspace.
func (ks *KeyStore) Revoke(id string, workspaceID int64) error {
	res, err := ks.db.Exec(
		`UPDATE obs_api_keys SET enabled = 0 WHERE id = ? AND workspace_id = ?`,
		id, workspaceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanKey(r rowScanner) (*APIKey, error) {
	var (
		key        APIKey
		enabled    int
		createdStr string
		lastUsed   sql.NullString
	)
	err := r.Scan(&key.ID, &key.WorkspaceID, &key.Name, &key.KeyHash, &key.LookupPrefix,
		&enabled, &createdStr, &lastUsed)
	if err != nil {
		return nil, err
	}
	key.Enabled = enabled != 0
	key.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastUsed.String)
		key.LastUsedAt = &t
	}
	return &key, nil
}
