// Package instance binds agents to published blueprint versions. The
// binder freezes the resolved policy snapshot onto the agent, seeds
// risk policies and the collaboration role, and records governance
// audit events. An agent without an instance runs in legacy mode with
// no capability restrictions.
package instance

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/agents"
	"github.com/stewardops/steward/internal/audit"
	"github.com/stewardops/steward/internal/blueprint"
	"github.com/stewardops/steward/internal/capability"
	"github.com/stewardops/steward/internal/risk"
	"github.com/stewardops/steward/internal/store"
)

var (
	ErrNotFound     = errors.New("agent instance not found")
	ErrAlreadyBound = errors.New("agent already has an instance")
	ErrNotPublished = errors.New("blueprint is not published")
	ErrForeignAgent = errors.New("agent does not belong to workspace")
	ErrBadOverrides = errors.New("overrides rejected by override policy")
)

// Instance is the 1:1 binding between an agent and a blueprint version.
type Instance struct {
	AgentID        int64               `json:"agent_id"`
	WorkspaceID    int64               `json:"workspace_id"`
	BlueprintID    string              `json:"blueprint_id"`
	Version        int                 `json:"version"`
	Overrides      map[string]any      `json:"overrides,omitempty"`
	PolicySnapshot capability.Snapshot `json:"policy_snapshot"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Binder creates, refreshes, and removes agent instances.
type Binder struct {
	db       *store.DB
	catalog  *blueprint.Catalog
	agents   *agents.Store
	policies *risk.PolicyStore
	roles    *RoleStore
	auditLog *audit.Log
	logger   *zap.Logger
}

// NewBinder ensures the agent_instances schema.
func NewBinder(db *store.DB, catalog *blueprint.Catalog, agentStore *agents.Store, policies *risk.PolicyStore, roles *RoleStore, auditLog *audit.Log, logger *zap.Logger) (*Binder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS agent_instances (
		agent_id        INTEGER PRIMARY KEY,
		workspace_id    INTEGER NOT NULL,
		blueprint_id    TEXT NOT NULL,
		version         INTEGER NOT NULL,
		overrides       TEXT NOT NULL DEFAULT '{}',
		policy_snapshot TEXT NOT NULL DEFAULT '{}',
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create agent_instances: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_instances_ws ON agent_instances(workspace_id)`)
	return &Binder{
		db:       db,
		catalog:  catalog,
		agents:   agentStore,
		policies: policies,
		roles:    roles,
		auditLog: auditLog,
		logger:   logger.Named("instance"),
	}, nil
}

// ValidateOverrides checks overrides against an override policy. Pure:
// no I/O. A nil policy permits no overrides. Denied keys win over
// allowed; "*" in allowed_overrides admits everything not denied.
func ValidateOverrides(overrides map[string]any, policy *blueprint.OverridePolicy) (bool, string) {
	if len(overrides) == 0 {
		return true, ""
	}
	if policy == nil {
		return false, "blueprint permits no overrides"
	}

	denied := make(map[string]struct{}, len(policy.DeniedOverrides))
	for _, k := range policy.DeniedOverrides {
		denied[k] = struct{}{}
	}
	allowAll := false
	allowed := make(map[string]struct{}, len(policy.AllowedOverrides))
	for _, k := range policy.AllowedOverrides {
		if k == capability.Wildcard {
			allowAll = true
			continue
		}
		allowed[k] = struct{}{}
	}

	var rejected []string
	for k := range overrides {
		if _, deny := denied[k]; deny {
			rejected = append(rejected, k)
			continue
		}
		if allowAll {
			continue
		}
		if _, ok := allowed[k]; !ok {
			rejected = append(rejected, k)
		}
	}
	if len(rejected) > 0 {
		return false, fmt.Sprintf("overrides not permitted: %s", strings.Join(rejected, ", "))
	}
	return true, ""
}

// Instantiate binds an agent to a published blueprint version.
func (b *Binder) Instantiate(agentID, workspaceID int64, blueprintID string, version int, overrides map[string]any) (*Instance, error) {
	if _, err := b.agents.GetInWorkspace(agentID, workspaceID); err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			return nil, ErrForeignAgent
		}
		return nil, err
	}
	if _, err := b.Get(agentID); err == nil {
		return nil, ErrAlreadyBound
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	inst, bp, err := b.buildInstance(agentID, workspaceID, blueprintID, version, overrides)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	overridesJSON, _ := json.Marshal(orEmptyMap(inst.Overrides))
	snapshotJSON, _ := json.Marshal(inst.PolicySnapshot)
	if _, err := b.db.Exec(
		`INSERT INTO agent_instances
		 (agent_id, workspace_id, blueprint_id, version, overrides, policy_snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agentID, workspaceID, blueprintID, inst.Version, string(overridesJSON), string(snapshotJSON),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("insert instance: %w", err)
	}

	b.auditLog.Record(audit.Event{
		Type:        audit.InstanceCreated,
		WorkspaceID: workspaceID,
		AgentID:     &agentID,
		Summary:     fmt.Sprintf("bound to %q v%d", bp.Name, inst.Version),
		Detail:      map[string]any{"blueprint_id": blueprintID, "version": inst.Version},
	})
	return inst, nil
}

// Refresh re-resolves the snapshot against a new version or overrides
// and re-seeds derived state. Zero newVersion keeps the current one;
// nil newOverrides keeps the current ones.
func (b *Binder) Refresh(agentID int64, newVersion int, newOverrides map[string]any) (*Instance, error) {
	current, err := b.Get(agentID)
	if err != nil {
		return nil, err
	}
	version := current.Version
	if newVersion > 0 {
		version = newVersion
	}
	overrides := current.Overrides
	if newOverrides != nil {
		overrides = newOverrides
	}

	inst, bp, err := b.buildInstance(agentID, current.WorkspaceID, current.BlueprintID, version, overrides)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	overridesJSON, _ := json.Marshal(orEmptyMap(inst.Overrides))
	snapshotJSON, _ := json.Marshal(inst.PolicySnapshot)
	if _, err := b.db.Exec(
		`UPDATE agent_instances SET version = ?, overrides = ?, policy_snapshot = ?, updated_at = ?
		 WHERE agent_id = ?`,
		inst.Version, string(overridesJSON), string(snapshotJSON),
		now.Format(time.RFC3339Nano), agentID,
	); err != nil {
		return nil, fmt.Errorf("update instance: %w", err)
	}

	b.auditLog.Record(audit.Event{
		Type:        audit.InstanceRefreshed,
		WorkspaceID: current.WorkspaceID,
		AgentID:     &agentID,
		Summary:     fmt.Sprintf("refreshed against %q v%d", bp.Name, inst.Version),
		Detail:      map[string]any{"blueprint_id": current.BlueprintID, "version": inst.Version},
	})
	return b.Get(agentID)
}

// Remove deletes the binding, returning the agent to legacy mode. Risk
// policies and roles stay: they are stateful, not derived.
func (b *Binder) Remove(agentID int64) error {
	inst, err := b.Get(agentID)
	if err != nil {
		return err
	}
	if _, err := b.db.Exec(`DELETE FROM agent_instances WHERE agent_id = ?`, agentID); err != nil {
		return err
	}
	b.auditLog.Record(audit.Event{
		Type:        audit.InstanceRemoved,
		WorkspaceID: inst.WorkspaceID,
		AgentID:     &agentID,
		Summary:     "instance removed, agent reverts to legacy mode",
		Detail:      map[string]any{"blueprint_id": inst.BlueprintID, "version": inst.Version},
	})
	return nil
}

// Get returns the instance for an agent.
func (b *Binder) Get(agentID int64) (*Instance, error) {
	row := b.db.QueryRow(
		`SELECT agent_id, workspace_id, blueprint_id, version, overrides, policy_snapshot, created_at, updated_at
		 FROM agent_instances WHERE agent_id = ?`, agentID)
	return scanInstance(row)
}

// ListWorkspace returns all instances in a workspace.
func (b *Binder) ListWorkspace(workspaceID int64) ([]*Instance, error) {
	rows, err := b.db.Query(
		`SELECT agent_id, workspace_id, blueprint_id, version, overrides, policy_snapshot, created_at, updated_at
		 FROM agent_instances WHERE workspace_id = ? ORDER BY agent_id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			continue
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// buildInstance runs verification, resolution, and seeding (steps
// shared by Instantiate and Refresh) without touching agent_instances.
func (b *Binder) buildInstance(agentID, workspaceID int64, blueprintID string, version int, overrides map[string]any) (*Instance, *blueprint.Blueprint, error) {
	bp, err := b.catalog.Get(blueprintID, workspaceID)
	if err != nil {
		return nil, nil, err
	}
	if bp.Status != blueprint.StatusPublished {
		return nil, nil, fmt.Errorf("%w: status is %s", ErrNotPublished, bp.Status)
	}
	v, err := b.catalog.GetVersion(blueprintID, workspaceID, version)
	if err != nil {
		return nil, nil, err
	}

	if ok, msg := ValidateOverrides(overrides, v.OverridePolicy); !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrBadOverrides, msg)
	}

	in, err := b.catalog.ResolveInput(v, workspaceID)
	if err != nil {
		return nil, nil, err
	}
	snapshot := capability.Resolve(in)

	// Seed from the resolved profile, not the raw blueprint default:
	// resolution already tightened it with the bundles' minimums.
	b.seedRiskPolicies(workspaceID, agentID, snapshot.RiskProfile)
	b.seedRole(workspaceID, agentID, bp.RoleType, v.HierarchyDefaults)

	return &Instance{
		AgentID:        agentID,
		WorkspaceID:    workspaceID,
		BlueprintID:    blueprintID,
		Version:        version,
		Overrides:      overrides,
		PolicySnapshot: snapshot,
	}, bp, nil
}

// seedRiskPolicies upserts one policy per recognized key in the
// resolved risk profile. A plain number is the threshold; a map may
// also carry action and cooldown_minutes. Seeding failures are logged,
// not fatal: the binding itself must not depend on it.
func (b *Binder) seedRiskPolicies(workspaceID, agentID int64, profile map[string]any) {
	for _, policyType := range []string{risk.TypeDailySpendCap, risk.TypeErrorRateCap, risk.TypeTokenRateCap} {
		raw, ok := profile[policyType]
		if !ok {
			continue
		}

		var (
			threshold decimal.Decimal
			action    = risk.ActionAlertOnly
			cooldown  = risk.DefaultCooldownMinutes
		)
		switch val := raw.(type) {
		case map[string]any:
			t, ok := asDecimal(val["threshold"])
			if !ok {
				continue
			}
			threshold = t
			if a, ok := val["action"].(string); ok {
				action = a
			}
			if c, ok := asDecimal(val["cooldown_minutes"]); ok {
				cooldown = int(c.IntPart())
			}
		default:
			t, ok := asDecimal(raw)
			if !ok {
				continue
			}
			threshold = t
		}

		if _, err := b.policies.Upsert(workspaceID, &agentID, policyType, threshold, action, cooldown); err != nil {
			b.logger.Warn("risk policy seed failed",
				zap.Int64("agent_id", agentID),
				zap.String("policy_type", policyType),
				zap.Error(err))
		}
	}
}

// seedRole picks the hierarchy_defaults role when valid, else maps the
// blueprint role_type through the fixed table.
func (b *Binder) seedRole(workspaceID, agentID int64, roleType string, hierarchy map[string]any) {
	role, _ := hierarchy["role"].(string)
	if !ValidRole(role) {
		role = roleForBlueprint[roleType]
	}
	if role == "" {
		role = RoleWorker
	}
	if err := b.roles.UpsertRole(workspaceID, agentID, role); err != nil {
		b.logger.Warn("role seed failed",
			zap.Int64("agent_id", agentID), zap.Error(err))
	}
}

func scanInstance(r rowScanner) (*Instance, error) {
	var (
		inst                    Instance
		overridesJSON, snapJSON string
		createdStr, updatedStr  string
	)
	err := r.Scan(&inst.AgentID, &inst.WorkspaceID, &inst.BlueprintID, &inst.Version,
		&overridesJSON, &snapJSON, &createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(overridesJSON), &inst.Overrides)
	_ = json.Unmarshal([]byte(snapJSON), &inst.PolicySnapshot)
	inst.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	inst.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &inst, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
