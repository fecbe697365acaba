// Package agents provides access to the agents table. Agents are created
// by the workspace owner through the outer product surface; steward's
// governance subsystems read them and mutate only is_active and
// llm_config (risk interventions).
package agents

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stewardops/steward/internal/store"
)

var ErrNotFound = errors.New("agent not found")

// Agent is a workspace-scoped autonomous agent.
type Agent struct {
	ID             int64          `json:"id"`
	WorkspaceID    int64          `json:"workspace_id"`
	Name           string         `json:"name"`
	IsActive       bool           `json:"is_active"`
	LLMConfig      map[string]any `json:"llm_config,omitempty"`
	IdentityConfig map[string]any `json:"identity_config,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Store manages the agents table.
type Store struct {
	db *store.DB
}

// NewStore ensures the agents schema and returns a store.
func NewStore(db *store.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS agents (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace_id    INTEGER NOT NULL,
		name            TEXT NOT NULL,
		is_active       INTEGER NOT NULL DEFAULT 1,
		llm_config      TEXT NOT NULL DEFAULT '{}',
		identity_config TEXT NOT NULL DEFAULT '{}',
		created_at      TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create agents table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_agents_workspace ON agents(workspace_id)`)
	return &Store{db: db}, nil
}

// Create inserts an agent and returns it with its assigned id.
func (s *Store) Create(workspaceID int64, name string, llmConfig, identityConfig map[string]any) (*Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("agent name must not be empty")
	}
	llmJSON, _ := json.Marshal(orEmpty(llmConfig))
	idJSON, _ := json.Marshal(orEmpty(identityConfig))
	now := time.Now().UTC()

	res, err := s.db.Exec(
		`INSERT INTO agents (workspace_id, name, is_active, llm_config, identity_config, created_at)
		 VALUES (?, ?, 1, ?, ?, ?)`,
		workspaceID, name, string(llmJSON), string(idJSON), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Agent{
		ID:             id,
		WorkspaceID:    workspaceID,
		Name:           name,
		IsActive:       true,
		LLMConfig:      orEmpty(llmConfig),
		IdentityConfig: orEmpty(identityConfig),
		CreatedAt:      now,
	}, nil
}

// Get returns an agent by id.
func (s *Store) Get(id int64) (*Agent, error) {
	row := s.db.QueryRow(
		`SELECT id, workspace_id, name, is_active, llm_config, identity_config, created_at
		 FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetInWorkspace returns an agent only if it belongs to workspaceID.
// A foreign agent surfaces as ErrNotFound so existence is not disclosed
// across workspaces.
func (s *Store) GetInWorkspace(id, workspaceID int64) (*Agent, error) {
	row := s.db.QueryRow(
		`SELECT id, workspace_id, name, is_active, llm_config, identity_config, created_at
		 FROM agents WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	return scanAgent(row)
}

// ListWorkspace returns all agents in a workspace.
func (s *Store) ListWorkspace(workspaceID int64) ([]*Agent, error) {
	rows, err := s.db.Query(
		`SELECT id, workspace_id, name, is_active, llm_config, identity_config, created_at
		 FROM agents WHERE workspace_id = ? ORDER BY id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountWorkspace returns the number of agents in a workspace.
func (s *Store) CountWorkspace(workspaceID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM agents WHERE workspace_id = ?`, workspaceID).Scan(&n)
	return n, err
}

// SetActive flips the is_active flag.
func (s *Store) SetActive(id int64, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := s.db.Exec(`UPDATE agents SET is_active = ? WHERE id = ?`, v, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLLMConfig replaces the agent's llm_config wholesale. Callers
// that change a single key must read-modify-write so other fields are
// preserved.
func (s *Store) UpdateLLMConfig(id int64, cfg map[string]any) error {
	data, _ := json.Marshal(orEmpty(cfg))
	res, err := s.db.Exec(`UPDATE agents SET llm_config = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(r rowScanner) (*Agent, error) {
	var (
		a               Agent
		active          int
		llmJSON, idJSON string
		createdStr      string
	)
	err := r.Scan(&a.ID, &a.WorkspaceID, &a.Name, &active, &llmJSON, &idJSON, &createdStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.IsActive = active != 0
	_ = json.Unmarshal([]byte(llmJSON), &a.LLMConfig)
	_ = json.Unmarshal([]byte(idJSON), &a.IdentityConfig)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return &a, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
