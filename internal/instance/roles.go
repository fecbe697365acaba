package instance

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stewardops/steward/internal/blueprint"
	"github.com/stewardops/steward/internal/store"
)

// Collaboration roles.
const (
	RoleSupervisor = "supervisor"
	RoleSpecialist = "specialist"
	RoleWorker     = "worker"
)

var ErrRoleNotFound = errors.New("agent role not found")

// roleForBlueprint maps a blueprint role_type to the collaboration role
// seeded when hierarchy_defaults carries no opinion.
var roleForBlueprint = map[string]string{
	blueprint.RoleSupervisor: RoleSupervisor,
	blueprint.RoleResearcher: RoleSpecialist,
	blueprint.RoleExecutor:   RoleWorker,
	blueprint.RoleWorker:     RoleWorker,
	blueprint.RoleAutonomous: RoleWorker,
}

// ValidRole reports whether r is a collaboration role.
func ValidRole(r string) bool {
	switch r {
	case RoleSupervisor, RoleSpecialist, RoleWorker:
		return true
	}
	return false
}

// AgentRole is the collaboration role of an agent within its workspace.
type AgentRole struct {
	WorkspaceID int64     `json:"workspace_id"`
	AgentID     int64     `json:"agent_id"`
	Role        string    `json:"role"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TeamRule is a workspace-level collaboration constraint consumed by
// the outer product surface; steward stores and serves them.
type TeamRule struct {
	ID          int64     `json:"id"`
	WorkspaceID int64     `json:"workspace_id"`
	Name        string    `json:"name"`
	Rule        string    `json:"rule"`
	IsEnabled   bool      `json:"is_enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoleStore persists agent roles and team rules.
type RoleStore struct {
	db *store.DB
}

// NewRoleStore ensures the agent_roles and team_rules schemas.
func NewRoleStore(db *store.DB) (*RoleStore, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS agent_roles (
		workspace_id INTEGER NOT NULL,
		agent_id     INTEGER NOT NULL,
		role         TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (workspace_id, agent_id)
	)`); err != nil {
		return nil, fmt.Errorf("create agent_roles: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS team_rules (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace_id INTEGER NOT NULL,
		name         TEXT NOT NULL,
		rule         TEXT NOT NULL,
		is_enabled   INTEGER NOT NULL DEFAULT 1,
		created_at   TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create team_rules: %w", err)
	}
	return &RoleStore{db: db}, nil
}

// UpsertRole sets the collaboration role for (workspace, agent).
func (s *RoleStore) UpsertRole(workspaceID, agentID int64, role string) error {
	if !ValidRole(role) {
		return fmt.Errorf("invalid role %q", role)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(
		`INSERT INTO agent_roles (workspace_id, agent_id, role, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (workspace_id, agent_id) DO UPDATE SET
		   role = excluded.role, updated_at = excluded.updated_at`,
		workspaceID, agentID, role, now,
	)
	return err
}

// GetRole returns the role for (workspace, agent).
func (s *RoleStore) GetRole(workspaceID, agentID int64) (*AgentRole, error) {
	var (
		role AgentRole
		ts   string
	)
	err := s.db.QueryRow(
		`SELECT workspace_id, agent_id, role, updated_at FROM agent_roles
		 WHERE workspace_id = ? AND agent_id = ?`, workspaceID, agentID).
		Scan(&role.WorkspaceID, &role.AgentID, &role.Role, &ts)
	if err == sql.ErrNoRows {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, err
	}
	role.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	return &role, nil
}

// ListRoles returns all roles in a workspace.
func (s *RoleStore) ListRoles(workspaceID int64) ([]*AgentRole, error) {
	rows, err := s.db.Query(
		`SELECT workspace_id, agent_id, role, updated_at FROM agent_roles
		 WHERE workspace_id = ? ORDER BY agent_id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AgentRole
	for rows.Next() {
		var (
			role AgentRole
			ts   string
		)
		if err := rows.Scan(&role.WorkspaceID, &role.AgentID, &role.Role, &ts); err != nil {
			continue
		}
		role.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, &role)
	}
	return out, rows.Err()
}

// CreateTeamRule adds a workspace collaboration rule.
func (s *RoleStore) CreateTeamRule(workspaceID int64, name, rule string) (*TeamRule, error) {
	if name == "" || rule == "" {
		return nil, fmt.Errorf("team rule name and rule must not be empty")
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO team_rules (workspace_id, name, rule, is_enabled, created_at) VALUES (?, ?, ?, 1, ?)`,
		workspaceID, name, rule, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return &TeamRule{ID: id, WorkspaceID: workspaceID, Name: name, Rule: rule, IsEnabled: true, CreatedAt: now}, nil
}

// ListTeamRules returns the workspace's rules.
func (s *RoleStore) ListTeamRules(workspaceID int64) ([]*TeamRule, error) {
	rows, err := s.db.Query(
		`SELECT id, workspace_id, name, rule, is_enabled, created_at FROM team_rules
		 WHERE workspace_id = ? ORDER BY id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TeamRule
	for rows.Next() {
		var (
			r       TeamRule
			enabled int
			ts      string
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Rule, &enabled, &ts); err != nil {
			continue
		}
		r.IsEnabled = enabled != 0
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteTeamRule removes a rule.
func (s *RoleStore) DeleteTeamRule(id, workspaceID int64) error {
	_, err := s.db.Exec(`DELETE FROM team_rules WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	return err
}
