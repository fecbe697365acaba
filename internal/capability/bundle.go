// Package capability manages named permission sets and resolves them,
// together with a blueprint version, into the policy snapshot frozen
// onto an agent instance.
package capability

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stewardops/steward/internal/store"
)

var (
	ErrNotFound = errors.New("capability bundle not found")
	ErrConflict = errors.New("capability bundle name already in use")
	ErrSystem   = errors.New("system bundles cannot be modified")
)

// ModelConstraints restrict the providers an agent may call.
type ModelConstraints struct {
	AllowedProviders []string `json:"allowed_providers,omitempty"`
}

// Bundle is a workspace-scoped permission set.
type Bundle struct {
	ID               int64            `json:"id"`
	WorkspaceID      int64            `json:"workspace_id"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	ToolSet          []string         `json:"tool_set"`
	ModelConstraints ModelConstraints `json:"model_constraints"`
	RiskConstraints  map[string]any   `json:"risk_constraints,omitempty"`
	IsSystem         bool             `json:"is_system"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Store persists capability bundles.
type Store struct {
	db *store.DB
}

// NewStore ensures the capability_bundles schema.
func NewStore(db *store.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS capability_bundles (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace_id      INTEGER NOT NULL,
		name              TEXT NOT NULL,
		description       TEXT NOT NULL DEFAULT '',
		tool_set          TEXT NOT NULL DEFAULT '[]',
		model_constraints TEXT NOT NULL DEFAULT '{}',
		risk_constraints  TEXT NOT NULL DEFAULT '{}',
		is_system         INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,
		UNIQUE (workspace_id, name)
	)`); err != nil {
		return nil, fmt.Errorf("create capability_bundles: %w", err)
	}
	return &Store{db: db}, nil
}

// Create inserts a bundle. Name must be unique within the workspace.
func (s *Store) Create(workspaceID int64, name, description string, toolSet []string, mc ModelConstraints, rc map[string]any, isSystem bool) (*Bundle, error) {
	if name == "" {
		return nil, fmt.Errorf("bundle name must not be empty")
	}
	now := time.Now().UTC()
	toolsJSON, _ := json.Marshal(orEmptySlice(toolSet))
	mcJSON, _ := json.Marshal(mc)
	rcJSON, _ := json.Marshal(orEmptyMap(rc))

	res, err := s.db.Exec(
		`INSERT INTO capability_bundles
		 (workspace_id, name, description, tool_set, model_constraints, risk_constraints, is_system, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workspaceID, name, description, string(toolsJSON), string(mcJSON), string(rcJSON),
		boolInt(isSystem), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %q", ErrConflict, name)
		}
		return nil, fmt.Errorf("insert bundle: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.Get(id, workspaceID)
}

// Update modifies a non-system bundle. Renaming onto an existing name
// fails with ErrConflict.
func (s *Store) Update(id, workspaceID int64, name, description string, toolSet []string, mc ModelConstraints, rc map[string]any) (*Bundle, error) {
	current, err := s.Get(id, workspaceID)
	if err != nil {
		return nil, err
	}
	if current.IsSystem {
		return nil, ErrSystem
	}
	if name == "" {
		name = current.Name
	}

	toolsJSON, _ := json.Marshal(orEmptySlice(toolSet))
	mcJSON, _ := json.Marshal(mc)
	rcJSON, _ := json.Marshal(orEmptyMap(rc))
	now := time.Now().UTC()

	_, err = s.db.Exec(
		`UPDATE capability_bundles SET name = ?, description = ?, tool_set = ?,
		 model_constraints = ?, risk_constraints = ?, updated_at = ?
		 WHERE id = ? AND workspace_id = ?`,
		name, description, string(toolsJSON), string(mcJSON), string(rcJSON),
		now.Format(time.RFC3339Nano), id, workspaceID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %q", ErrConflict, name)
		}
		return nil, fmt.Errorf("update bundle: %w", err)
	}
	return s.Get(id, workspaceID)
}

// Get returns a bundle scoped to the workspace.
func (s *Store) Get(id, workspaceID int64) (*Bundle, error) {
	row := s.db.QueryRow(
		`SELECT id, workspace_id, name, description, tool_set, model_constraints,
		 risk_constraints, is_system, created_at, updated_at
		 FROM capability_bundles WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	return scanBundle(row)
}

// GetMany returns the named bundles, failing if any is missing or
// foreign to the workspace. Order follows ids.
func (s *Store) GetMany(ids []int64, workspaceID int64) ([]*Bundle, error) {
	out := make([]*Bundle, 0, len(ids))
	for _, id := range ids {
		b, err := s.Get(id, workspaceID)
		if err != nil {
			return nil, fmt.Errorf("bundle %d: %w", id, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// List returns all bundles in a workspace.
func (s *Store) List(workspaceID int64) ([]*Bundle, error) {
	rows, err := s.db.Query(
		`SELECT id, workspace_id, name, description, tool_set, model_constraints,
		 risk_constraints, is_system, created_at, updated_at
		 FROM capability_bundles WHERE workspace_id = ? ORDER BY name`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Delete removes a non-system bundle.
func (s *Store) Delete(id, workspaceID int64) error {
	b, err := s.Get(id, workspaceID)
	if err != nil {
		return err
	}
	if b.IsSystem {
		return ErrSystem
	}
	_, err = s.db.Exec(`DELETE FROM capability_bundles WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	return err
}

func scanBundle(r rowScanner) (*Bundle, error) {
	var (
		b                         Bundle
		toolsJSON, mcJSON, rcJSON string
		system                    int
		createdStr, updatedStr    string
	)
	err := r.Scan(&b.ID, &b.WorkspaceID, &b.Name, &b.Description, &toolsJSON, &mcJSON,
		&rcJSON, &system, &createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(toolsJSON), &b.ToolSet)
	_ = json.Unmarshal([]byte(mcJSON), &b.ModelConstraints)
	_ = json.Unmarshal([]byte(rcJSON), &b.RiskConstraints)
	b.IsSystem = system != 0
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint failures in the message.
	return strings.Contains(err.Error(), "constraint failed")
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
