package instance

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/audit"
	"github.com/stewardops/steward/internal/blueprint"
	"github.com/stewardops/steward/internal/capability"
)

// ConvertToBlueprint opts a legacy agent into management by generating
// a published wildcard blueprint and binding the agent to it. The
// generated version is fully permissive; existing risk policies and
// roles are preserved (the hierarchy default mirrors the current role,
// so seeding writes back the same value).
func (b *Binder) ConvertToBlueprint(agentID, workspaceID int64, name string) (*Instance, error) {
	if _, err := b.Get(agentID); err == nil {
		return nil, ErrAlreadyBound
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	agent, err := b.agents.GetInWorkspace(agentID, workspaceID)
	if err != nil {
		return nil, ErrForeignAgent
	}
	if name == "" {
		name = fmt.Sprintf("%s (generated)", agent.Name)
	}

	hierarchy := map[string]any{}
	if role, err := b.roles.GetRole(workspaceID, agentID); err == nil {
		hierarchy["role"] = role.Role
	}

	bp, err := b.catalog.Create(workspaceID, name, blueprint.RoleAutonomous, "Generated from legacy agent")
	if err != nil {
		return nil, err
	}
	if _, err := b.catalog.Publish(bp.ID, workspaceID, blueprint.VersionFields{
		AllowedModels:      []string{capability.Wildcard},
		AllowedTools:       []string{capability.Wildcard},
		DefaultRiskProfile: map[string]any{},
		HierarchyDefaults:  hierarchy,
		OverridePolicy:     &blueprint.OverridePolicy{AllowedOverrides: []string{capability.Wildcard}},
		Changelog:          "generated for legacy agent conversion",
	}, nil); err != nil {
		return nil, err
	}
	return b.Instantiate(agentID, workspaceID, bp.ID, 1, nil)
}

// MigrationResult summarizes one workspace migration.
type MigrationResult struct {
	WorkspaceID int64   `json:"workspace_id"`
	Converted   []int64 `json:"converted_agent_ids"`
	Skipped     []int64 `json:"skipped_agent_ids"`
}

// MigrateWorkspace converts every legacy agent in the workspace. Agents
// already bound are skipped; per-agent failures skip that agent and
// continue.
func (b *Binder) MigrateWorkspace(workspaceID int64) (*MigrationResult, error) {
	agentList, err := b.agents.ListWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}

	result := &MigrationResult{WorkspaceID: workspaceID, Converted: []int64{}, Skipped: []int64{}}
	for _, a := range agentList {
		if _, err := b.Get(a.ID); err == nil {
			result.Skipped = append(result.Skipped, a.ID)
			continue
		}
		if _, err := b.ConvertToBlueprint(a.ID, workspaceID, ""); err != nil {
			b.logger.Warn("agent conversion failed during migration",
				zap.Int64("agent_id", a.ID), zap.Error(err))
			result.Skipped = append(result.Skipped, a.ID)
			continue
		}
		result.Converted = append(result.Converted, a.ID)
	}

	b.auditLog.Record(audit.Event{
		Type:        audit.WorkspaceMigrated,
		WorkspaceID: workspaceID,
		Summary:     fmt.Sprintf("migrated %d agents to generated blueprints", len(result.Converted)),
		Detail: map[string]any{
			"converted": result.Converted,
			"skipped":   result.Skipped,
		},
	})
	return result, nil
}
