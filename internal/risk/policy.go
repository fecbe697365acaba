// Package risk implements spend governance: per-workspace risk
// policies, a periodic evaluator that turns metric breaches into
// pending events, and an executor that applies the configured action.
package risk

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stewardops/steward/internal/store"
)

// Policy types.
const (
	TypeDailySpendCap = "daily_spend_cap"
	TypeErrorRateCap  = "error_rate_cap"
	TypeTokenRateCap  = "token_rate_cap"
)

// Actions.
const (
	ActionAlertOnly      = "alert_only"
	ActionThrottle       = "throttle"
	ActionModelDowngrade = "model_downgrade"
	ActionPauseAgent     = "pause_agent"
)

// DefaultCooldownMinutes applies when a policy is seeded or created
// without an explicit cooldown.
const DefaultCooldownMinutes = 360

var ErrPolicyNotFound = errors.New("risk policy not found")

// ValidPolicyType reports whether t is a known policy type.
func ValidPolicyType(t string) bool {
	switch t {
	case TypeDailySpendCap, TypeErrorRateCap, TypeTokenRateCap:
		return true
	}
	return false
}

// ValidAction reports whether a is a known action.
func ValidAction(a string) bool {
	switch a {
	case ActionAlertOnly, ActionThrottle, ActionModelDowngrade, ActionPauseAgent:
		return true
	}
	return false
}

// Policy is one risk rule. AgentID nil means the policy aggregates
// across every agent in the workspace.
type Policy struct {
	ID              int64           `json:"id"`
	WorkspaceID     int64           `json:"workspace_id"`
	AgentID         *int64          `json:"agent_id,omitempty"`
	PolicyType      string          `json:"policy_type"`
	Threshold       decimal.Decimal `json:"threshold"`
	ActionType      string          `json:"action_type"`
	CooldownMinutes int             `json:"cooldown_minutes"`
	IsEnabled       bool            `json:"is_enabled"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PolicyStore persists risk policies. Rows are unique on
// (workspace_id, agent_id, policy_type); the workspace-wide scope is
// stored as agent_id 0 so the constraint holds.
type PolicyStore struct {
	db *store.DB
}

// NewPolicyStore ensures the risk_policies schema.
func NewPolicyStore(db *store.DB) (*PolicyStore, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS risk_policies (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace_id     INTEGER NOT NULL,
		agent_id         INTEGER NOT NULL DEFAULT 0,
		policy_type      TEXT NOT NULL,
		threshold        TEXT NOT NULL,
		action_type      TEXT NOT NULL,
		cooldown_minutes INTEGER NOT NULL DEFAULT 360,
		is_enabled       INTEGER NOT NULL DEFAULT 1,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,
		UNIQUE (workspace_id, agent_id, policy_type)
	)`); err != nil {
		return nil, fmt.Errorf("create risk_policies: %w", err)
	}
	return &PolicyStore{db: db}, nil
}

// Upsert creates or updates the policy for (workspace, agent, type).
// Invalid actions degrade to alert_only; a non-positive cooldown takes
// the default. Upserting re-enables a disabled policy.
func (s *PolicyStore) Upsert(workspaceID int64, agentID *int64, policyType string, threshold decimal.Decimal, actionType string, cooldownMinutes int) (*Policy, error) {
	if !ValidPolicyType(policyType) {
		return nil, fmt.Errorf("invalid policy_type %q", policyType)
	}
	if !ValidAction(actionType) {
		actionType = ActionAlertOnly
	}
	if cooldownMinutes <= 0 {
		cooldownMinutes = DefaultCooldownMinutes
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(
		`INSERT INTO risk_policies
		 (workspace_id, agent_id, policy_type, threshold, action_type, cooldown_minutes, is_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (workspace_id, agent_id, policy_type) DO UPDATE SET
		   threshold = excluded.threshold,
		   action_type = excluded.action_type,
		   cooldown_minutes = excluded.cooldown_minutes,
		   is_enabled = 1,
		   updated_at = excluded.updated_at`,
		workspaceID, agentScope(agentID), policyType, threshold.String(),
		actionType, cooldownMinutes, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert policy: %w", err)
	}
	return s.GetByScope(workspaceID, agentID, policyType)
}

// Get returns a policy by id, workspace-scoped.
func (s *PolicyStore) Get(id, workspaceID int64) (*Policy, error) {
	row := s.db.QueryRow(
		`SELECT id, workspace_id, agent_id, policy_type, threshold, action_type,
		 cooldown_minutes, is_enabled, created_at, updated_at
		 FROM risk_policies WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	return scanPolicy(row)
}

// GetByScope returns the policy for (workspace, agent, type).
func (s *PolicyStore) GetByScope(workspaceID int64, agentID *int64, policyType string) (*Policy, error) {
	row := s.db.QueryRow(
		`SELECT id, workspace_id, agent_id, policy_type, threshold, action_type,
		 cooldown_minutes, is_enabled, created_at, updated_at
		 FROM risk_policies WHERE workspace_id = ? AND agent_id = ? AND policy_type = ?`,
		workspaceID, agentScope(agentID), policyType)
	return scanPolicy(row)
}

// List returns all policies in a workspace.
func (s *PolicyStore) List(workspaceID int64) ([]*Policy, error) {
	return s.query(
		`SELECT id, workspace_id, agent_id, policy_type, threshold, action_type,
		 cooldown_minutes, is_enabled, created_at, updated_at
		 FROM risk_policies WHERE workspace_id = ? ORDER BY id`, workspaceID)
}

// ListEnabled returns enabled policies, optionally filtered by
// workspace (0 means all workspaces).
func (s *PolicyStore) ListEnabled(workspaceID int64) ([]*Policy, error) {
	if workspaceID != 0 {
		return s.query(
			`SELECT id, workspace_id, agent_id, policy_type, threshold, action_type,
			 cooldown_minutes, is_enabled, created_at, updated_at
			 FROM risk_policies WHERE is_enabled = 1 AND workspace_id = ? ORDER BY id`, workspaceID)
	}
	return s.query(
		`SELECT id, workspace_id, agent_id, policy_type, threshold, action_type,
		 cooldown_minutes, is_enabled, created_at, updated_at
		 FROM risk_policies WHERE is_enabled = 1 ORDER BY id`)
}

// SetEnabled toggles a policy.
func (s *PolicyStore) SetEnabled(id, workspaceID int64, enabled bool) error {
	res, err := s.db.Exec(
		`UPDATE risk_policies SET is_enabled = ?, updated_at = ? WHERE id = ? AND workspace_id = ?`,
		boolInt(enabled), time.Now().UTC().Format(time.RFC3339Nano), id, workspaceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// Delete removes a policy.
func (s *PolicyStore) Delete(id, workspaceID int64) error {
	res, err := s.db.Exec(`DELETE FROM risk_policies WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (s *PolicyStore) query(q string, args ...any) ([]*Policy, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPolicy(r rowScanner) (*Policy, error) {
	var (
		p                      Policy
		agentID                int64
		thresholdStr           string
		enabled                int
		createdStr, updatedStr string
	)
	err := r.Scan(&p.ID, &p.WorkspaceID, &agentID, &p.PolicyType, &thresholdStr,
		&p.ActionType, &p.CooldownMinutes, &enabled, &createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	if agentID != 0 {
		p.AgentID = &agentID
	}
	p.Threshold, _ = decimal.NewFromString(thresholdStr)
	p.IsEnabled = enabled != 0
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func agentScope(agentID *int64) int64 {
	if agentID == nil {
		return 0
	}
	return *agentID
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
