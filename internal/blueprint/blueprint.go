// Package blueprint implements the blueprint catalog: reusable,
// versioned templates declaring what an agent is permitted to do.
// Blueprints move draft → published → archived; versions are immutable
// once written and never deleted while referenced.
package blueprint

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/audit"
	"github.com/stewardops/steward/internal/capability"
	"github.com/stewardops/steward/internal/store"
)

// Statuses.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusArchived  = "archived"
)

// Role types.
const (
	RoleSupervisor = "supervisor"
	RoleResearcher = "researcher"
	RoleExecutor   = "executor"
	RoleWorker     = "worker"
	RoleAutonomous = "autonomous"
)

var (
	ErrNotFound     = errors.New("blueprint not found")
	ErrInvalidRole  = errors.New("invalid role_type")
	ErrNotDraft     = errors.New("blueprint is not a draft")
	ErrArchived     = errors.New("blueprint is archived")
	ErrDraftArchive = errors.New("draft blueprints cannot be archived; publish or delete instead")
)

// ValidRoleType reports whether rt is one of the allowed role types.
func ValidRoleType(rt string) bool {
	switch rt {
	case RoleSupervisor, RoleResearcher, RoleExecutor, RoleWorker, RoleAutonomous:
		return true
	}
	return false
}

// Blueprint is the catalog entry. Name on published/archived rows is
// informational only; uniqueness is not enforced.
type Blueprint struct {
	ID            string    `json:"id"`
	WorkspaceID   int64     `json:"workspace_id"`
	Name          string    `json:"name"`
	RoleType      string    `json:"role_type"`
	Description   string    `json:"description,omitempty"`
	Status        string    `json:"status"`
	LatestVersion int       `json:"latest_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OverridePolicy governs which snapshot keys an instance may override.
type OverridePolicy struct {
	AllowedOverrides []string `json:"allowed_overrides,omitempty"`
	DeniedOverrides  []string `json:"denied_overrides,omitempty"`
}

// Version is one immutable blueprint version.
type Version struct {
	BlueprintID        string          `json:"blueprint_id"`
	Version            int             `json:"version"`
	AllowedModels      []string        `json:"allowed_models"`
	AllowedTools       []string        `json:"allowed_tools"`
	DefaultRiskProfile map[string]any  `json:"default_risk_profile,omitempty"`
	HierarchyDefaults  map[string]any  `json:"hierarchy_defaults,omitempty"`
	OverridePolicy     *OverridePolicy `json:"override_policy,omitempty"`
	LLMDefaults        map[string]any  `json:"llm_defaults,omitempty"`
	IdentityDefaults   map[string]any  `json:"identity_defaults,omitempty"`
	CapabilityIDs      []int64         `json:"capability_ids"`
	Changelog          string          `json:"changelog,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// VersionFields are the inputs to Publish.
type VersionFields struct {
	AllowedModels      []string
	AllowedTools       []string
	DefaultRiskProfile map[string]any
	HierarchyDefaults  map[string]any
	OverridePolicy     *OverridePolicy
	LLMDefaults        map[string]any
	IdentityDefaults   map[string]any
	Changelog          string
}

// Catalog persists blueprints and versions.
type Catalog struct {
	db       *store.DB
	bundles  *capability.Store
	auditLog *audit.Log
	logger   *zap.Logger
}

// NewCatalog ensures the blueprint schema.
func NewCatalog(db *store.DB, bundles *capability.Store, auditLog *audit.Log, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blueprints (
		id             TEXT PRIMARY KEY,
		workspace_id   INTEGER NOT NULL,
		name           TEXT NOT NULL,
		role_type      TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'draft',
		latest_version INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create blueprints: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blueprint_versions (
		blueprint_id         TEXT NOT NULL,
		version              INTEGER NOT NULL,
		allowed_models       TEXT NOT NULL DEFAULT '[]',
		allowed_tools        TEXT NOT NULL DEFAULT '[]',
		default_risk_profile TEXT NOT NULL DEFAULT '{}',
		hierarchy_defaults   TEXT NOT NULL DEFAULT '{}',
		override_policy      TEXT,
		llm_defaults         TEXT NOT NULL DEFAULT '{}',
		identity_defaults    TEXT NOT NULL DEFAULT '{}',
		changelog            TEXT NOT NULL DEFAULT '',
		created_at           TEXT NOT NULL,
		PRIMARY KEY (blueprint_id, version)
	)`); err != nil {
		return nil, fmt.Errorf("create blueprint_versions: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blueprint_capabilities (
		blueprint_id  TEXT NOT NULL,
		version       INTEGER NOT NULL,
		capability_id INTEGER NOT NULL,
		PRIMARY KEY (blueprint_id, version, capability_id)
	)`); err != nil {
		return nil, fmt.Errorf("create blueprint_capabilities: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_blueprints_ws ON blueprints(workspace_id, status)`)
	return &Catalog{db: db, bundles: bundles, auditLog: auditLog, logger: logger.Named("blueprint")}, nil
}

// Create inserts a new draft blueprint.
func (c *Catalog) Create(workspaceID int64, name, roleType, description string) (*Blueprint, error) {
	if name == "" {
		return nil, fmt.Errorf("blueprint name must not be empty")
	}
	if !ValidRoleType(roleType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, roleType)
	}

	now := time.Now().UTC()
	bp := &Blueprint{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Name:        name,
		RoleType:    roleType,
		Description: description,
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := c.db.Exec(
		`INSERT INTO blueprints (id, workspace_id, name, role_type, description, status, latest_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		bp.ID, bp.WorkspaceID, bp.Name, bp.RoleType, bp.Description, bp.Status,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert blueprint: %w", err)
	}
	return bp, nil
}

// UpdateDraft mutates name/description/role_type while the blueprint is
// still a draft. Empty fields keep their current value.
func (c *Catalog) UpdateDraft(id string, workspaceID int64, name, roleType, description string) (*Blueprint, error) {
	bp, err := c.Get(id, workspaceID)
	if err != nil {
		return nil, err
	}
	if bp.Status != StatusDraft {
		return nil, fmt.Errorf("%w: status is %s", ErrNotDraft, bp.Status)
	}
	if name == "" {
		name = bp.Name
	}
	if roleType == "" {
		roleType = bp.RoleType
	}
	if !ValidRoleType(roleType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, roleType)
	}
	if description == "" {
		description = bp.Description
	}

	now := time.Now().UTC()
	_, err = c.db.Exec(
		`UPDATE blueprints SET name = ?, role_type = ?, description = ?, updated_at = ?
		 WHERE id = ? AND workspace_id = ?`,
		name, roleType, description, now.Format(time.RFC3339Nano), id, workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("update blueprint: %w", err)
	}
	return c.Get(id, workspaceID)
}

// Publish creates the next immutable version with its capability
// attachments in one transaction and moves a draft to published.
// Capability references must belong to the same workspace or the whole
// publish aborts.
func (c *Catalog) Publish(id string, workspaceID int64, fields VersionFields, capabilityIDs []int64) (*Version, error) {
	bp, err := c.Get(id, workspaceID)
	if err != nil {
		return nil, err
	}
	if bp.Status == StatusArchived {
		return nil, fmt.Errorf("%w: cannot publish", ErrArchived)
	}

	// Foreign or missing capability references abort the publish.
	if _, err := c.bundles.GetMany(capabilityIDs, workspaceID); err != nil {
		return nil, fmt.Errorf("capability reference: %w", err)
	}

	now := time.Now().UTC()
	version := bp.LatestVersion + 1
	v := &Version{
		BlueprintID:        id,
		Version:            version,
		AllowedModels:      orEmpty(fields.AllowedModels),
		AllowedTools:       orEmpty(fields.AllowedTools),
		DefaultRiskProfile: fields.DefaultRiskProfile,
		HierarchyDefaults:  fields.HierarchyDefaults,
		OverridePolicy:     fields.OverridePolicy,
		LLMDefaults:        fields.LLMDefaults,
		IdentityDefaults:   fields.IdentityDefaults,
		CapabilityIDs:      capabilityIDs,
		Changelog:          fields.Changelog,
		CreatedAt:          now,
	}

	tx, err := c.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	modelsJSON, _ := json.Marshal(v.AllowedModels)
	toolsJSON, _ := json.Marshal(v.AllowedTools)
	riskJSON, _ := json.Marshal(orEmptyMap(v.DefaultRiskProfile))
	hierJSON, _ := json.Marshal(orEmptyMap(v.HierarchyDefaults))
	llmJSON, _ := json.Marshal(orEmptyMap(v.LLMDefaults))
	identJSON, _ := json.Marshal(orEmptyMap(v.IdentityDefaults))
	var policyJSON any
	if v.OverridePolicy != nil {
		data, _ := json.Marshal(v.OverridePolicy)
		policyJSON = string(data)
	}

	if _, err := tx.Exec(
		`INSERT INTO blueprint_versions
		 (blueprint_id, version, allowed_models, allowed_tools, default_risk_profile,
		  hierarchy_defaults, override_policy, llm_defaults, identity_defaults, changelog, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, version, string(modelsJSON), string(toolsJSON), string(riskJSON),
		string(hierJSON), policyJSON, string(llmJSON), string(identJSON),
		v.Changelog, now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}

	for _, capID := range capabilityIDs {
		if _, err := tx.Exec(
			`INSERT INTO blueprint_capabilities (blueprint_id, version, capability_id) VALUES (?, ?, ?)`,
			id, version, capID,
		); err != nil {
			return nil, fmt.Errorf("attach capability %d: %w", capID, err)
		}
	}

	if _, err := tx.Exec(
		`UPDATE blueprints SET status = ?, latest_version = ?, updated_at = ? WHERE id = ?`,
		StatusPublished, version, now.Format(time.RFC3339Nano), id,
	); err != nil {
		return nil, fmt.Errorf("update blueprint status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	c.auditLog.Record(audit.Event{
		Type:        audit.BlueprintPublished,
		WorkspaceID: workspaceID,
		Summary:     fmt.Sprintf("published %q v%d", bp.Name, version),
		Detail: map[string]any{
			"blueprint_id": id,
			"version":      version,
			"capabilities": capabilityIDs,
		},
	})
	return v, nil
}

// Archive retires a published blueprint. Archiving a draft is refused;
// archiving an archived blueprint is a no-op.
func (c *Catalog) Archive(id string, workspaceID int64) (*Blueprint, error) {
	bp, err := c.Get(id, workspaceID)
	if err != nil {
		return nil, err
	}
	switch bp.Status {
	case StatusDraft:
		return nil, ErrDraftArchive
	case StatusArchived:
		return bp, nil
	}

	now := time.Now().UTC()
	_, err = c.db.Exec(
		`UPDATE blueprints SET status = ?, updated_at = ? WHERE id = ? AND workspace_id = ?`,
		StatusArchived, now.Format(time.RFC3339Nano), id, workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("archive blueprint: %w", err)
	}

	c.auditLog.Record(audit.Event{
		Type:        audit.BlueprintArchived,
		WorkspaceID: workspaceID,
		Summary:     fmt.Sprintf("archived %q", bp.Name),
		Detail:      map[string]any{"blueprint_id": id},
	})
	return c.Get(id, workspaceID)
}

// Clone creates a fresh draft from a source blueprint version. The
// returned draft has no versions; the caller publishes it.
func (c *Catalog) Clone(sourceID string, workspaceID int64, version int, name string) (*Blueprint, error) {
	src, err := c.Get(sourceID, workspaceID)
	if err != nil {
		return nil, err
	}
	if _, err := c.GetVersion(sourceID, workspaceID, version); err != nil {
		return nil, err
	}
	if name == "" {
		name = src.Name + " (copy)"
	}
	return c.Create(workspaceID, name, src.RoleType, src.Description)
}

// Delete removes a draft blueprint. Published and archived blueprints
// are never deleted (versions may be referenced by instances).
func (c *Catalog) Delete(id string, workspaceID int64) error {
	bp, err := c.Get(id, workspaceID)
	if err != nil {
		return err
	}
	if bp.Status != StatusDraft {
		return fmt.Errorf("%w: only drafts can be deleted", ErrNotDraft)
	}
	_, err = c.db.Exec(`DELETE FROM blueprints WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	return err
}

// Get returns a blueprint scoped to the workspace.
func (c *Catalog) Get(id string, workspaceID int64) (*Blueprint, error) {
	row := c.db.QueryRow(
		`SELECT id, workspace_id, name, role_type, description, status, latest_version, created_at, updated_at
		 FROM blueprints WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	return scanBlueprint(row)
}

// ListFilter narrows List.
type ListFilter struct {
	Status   string
	RoleType string
	Limit    int
	Offset   int
}

// List returns workspace blueprints, newest first.
func (c *Catalog) List(workspaceID int64, f ListFilter) ([]*Blueprint, error) {
	query := `SELECT id, workspace_id, name, role_type, description, status, latest_version, created_at, updated_at
		 FROM blueprints WHERE workspace_id = ?`
	args := []any{workspaceID}

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.RoleType != "" {
		query += ` AND role_type = ?`
		args = append(args, f.RoleType)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Blueprint
	for rows.Next() {
		bp, err := scanBlueprint(rows)
		if err != nil {
			continue
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

// Count returns the number of blueprints in a workspace.
func (c *Catalog) Count(workspaceID int64) (int, error) {
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM blueprints WHERE workspace_id = ?`, workspaceID).Scan(&n)
	return n, err
}

// GetVersion returns one immutable version, workspace-scoped.
func (c *Catalog) GetVersion(id string, workspaceID int64, version int) (*Version, error) {
	if _, err := c.Get(id, workspaceID); err != nil {
		return nil, err
	}
	row := c.db.QueryRow(
		`SELECT blueprint_id, version, allowed_models, allowed_tools, default_risk_profile,
		 hierarchy_defaults, override_policy, llm_defaults, identity_defaults, changelog, created_at
		 FROM blueprint_versions WHERE blueprint_id = ? AND version = ?`, id, version)
	v, err := scanVersion(row)
	if err != nil {
		return nil, err
	}
	v.CapabilityIDs, err = c.versionCapabilities(id, version)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListVersions returns versions of a blueprint, newest first.
func (c *Catalog) ListVersions(id string, workspaceID int64, limit int) ([]*Version, error) {
	if _, err := c.Get(id, workspaceID); err != nil {
		return nil, err
	}
	query := `SELECT blueprint_id, version, allowed_models, allowed_tools, default_risk_profile,
		 hierarchy_defaults, override_policy, llm_defaults, identity_defaults, changelog, created_at
		 FROM blueprint_versions WHERE blueprint_id = ? ORDER BY version DESC`
	args := []any{id}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, v := range out {
		v.CapabilityIDs, _ = c.versionCapabilities(id, v.Version)
	}
	return out, nil
}

// ResolveInput assembles the capability resolution input for a version.
func (c *Catalog) ResolveInput(v *Version, workspaceID int64) (capability.ResolveInput, error) {
	bundles, err := c.bundles.GetMany(v.CapabilityIDs, workspaceID)
	if err != nil {
		return capability.ResolveInput{}, err
	}
	return capability.ResolveInput{
		AllowedTools:       v.AllowedTools,
		AllowedModels:      v.AllowedModels,
		DefaultRiskProfile: v.DefaultRiskProfile,
		LLMDefaults:        v.LLMDefaults,
		IdentityDefaults:   v.IdentityDefaults,
		Bundles:            bundles,
	}, nil
}

func (c *Catalog) versionCapabilities(id string, version int) ([]int64, error) {
	rows, err := c.db.Query(
		`SELECT capability_id FROM blueprint_capabilities WHERE blueprint_id = ? AND version = ? ORDER BY capability_id`,
		id, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []int64{}
	for rows.Next() {
		var capID int64
		if err := rows.Scan(&capID); err != nil {
			continue
		}
		out = append(out, capID)
	}
	return out, rows.Err()
}

func scanBlueprint(r rowScanner) (*Blueprint, error) {
	var (
		bp                     Blueprint
		createdStr, updatedStr string
	)
	err := r.Scan(&bp.ID, &bp.WorkspaceID, &bp.Name, &bp.RoleType, &bp.Description,
		&bp.Status, &bp.LatestVersion, &createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	bp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	bp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &bp, nil
}

func scanVersion(r rowScanner) (*Version, error) {
	var (
		v                               Version
		modelsJSON, toolsJSON, riskJSON string
		hierJSON, llmJSON, identJSON    string
		policyJSON                      sql.NullString
		createdStr                      string
	)
	err := r.Scan(&v.BlueprintID, &v.Version, &modelsJSON, &toolsJSON, &riskJSON,
		&hierJSON, &policyJSON, &llmJSON, &identJSON, &v.Changelog, &createdStr)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("version: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(modelsJSON), &v.AllowedModels)
	_ = json.Unmarshal([]byte(toolsJSON), &v.AllowedTools)
	_ = json.Unmarshal([]byte(riskJSON), &v.DefaultRiskProfile)
	_ = json.Unmarshal([]byte(hierJSON), &v.HierarchyDefaults)
	_ = json.Unmarshal([]byte(llmJSON), &v.LLMDefaults)
	_ = json.Unmarshal([]byte(identJSON), &v.IdentityDefaults)
	if policyJSON.Valid {
		var policy OverridePolicy
		if json.Unmarshal([]byte(policyJSON.String), &policy) == nil {
			v.OverridePolicy = &policy
		}
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return &v, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func orEmpty(s []string) []string {
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
