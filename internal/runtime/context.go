// Package runtime hosts agent sessions. A Runtime is scoped to one
// workspace; it builds execution contexts, routes tool calls through
// the gateway, and carries in-process agent-to-agent messages.
package runtime

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stewardops/steward/internal/capability"
)

var (
	ErrPermission     = errors.New("permission denied")
	ErrSessionStopped = errors.New("session is stopped")
)

// Directory resolves ownership. The server wires it to the auth layer;
// tests use a map.
type Directory interface {
	// UserWorkspace returns the workspace a user belongs to.
	UserWorkspace(userID int64) (int64, error)
	// AgentWorkspace returns the workspace an agent belongs to.
	AgentWorkspace(agentID int64) (int64, error)
}

// ExecutionContext is the immutable identity of one agent run. Derived
// contexts are new values; nothing mutates in place.
type ExecutionContext struct {
	WorkspaceID int64
	AgentID     int64
	RunID       string
	CreatedAt   time.Time

	snapshot *capability.Snapshot
}

// NewExecutionContext verifies that the user and the agent share a
// workspace and mints a context with a fresh run id.
func NewExecutionContext(dir Directory, userID, agentID int64) (*ExecutionContext, error) {
	userWS, err := dir.UserWorkspace(userID)
	if err != nil {
		return nil, err
	}
	agentWS, err := dir.AgentWorkspace(agentID)
	if err != nil {
		return nil, err
	}
	if userWS != agentWS {
		return nil, ErrPermission
	}
	return &ExecutionContext{
		WorkspaceID: agentWS,
		AgentID:     agentID,
		RunID:       uuid.New().String(),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// WithRun returns a copy bound to an observability run.
func (c *ExecutionContext) WithRun(runID string) *ExecutionContext {
	next := *c
	next.RunID = runID
	return &next
}

// WithCapabilities returns a copy carrying the policy snapshot.
func (c *ExecutionContext) WithCapabilities(snapshot *capability.Snapshot) *ExecutionContext {
	next := *c
	next.snapshot = snapshot
	return &next
}

// ForAgent derives a same-workspace context for collaborating with
// another agent. Fresh run id; no snapshot carries over.
func (c *ExecutionContext) ForAgent(dir Directory, otherAgentID int64) (*ExecutionContext, error) {
	otherWS, err := dir.AgentWorkspace(otherAgentID)
	if err != nil {
		return nil, err
	}
	if otherWS != c.WorkspaceID {
		return nil, ErrPermission
	}
	return &ExecutionContext{
		WorkspaceID: c.WorkspaceID,
		AgentID:     otherAgentID,
		RunID:       uuid.New().String(),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Snapshot returns the attached policy snapshot, or nil for legacy
// agents.
func (c *ExecutionContext) Snapshot() *capability.Snapshot { return c.snapshot }

// AllowedTools returns the restricted tool set, or nil when the
// snapshot is absent or wildcarded (no restriction).
func (c *ExecutionContext) AllowedTools() map[string]struct{} {
	if c.snapshot == nil || capability.IsWildcard(c.snapshot.AllowedTools) {
		return nil
	}
	return toSet(c.snapshot.AllowedTools)
}

// AllowedModels returns the restricted model set, or nil when the
// snapshot is absent or wildcarded.
func (c *ExecutionContext) AllowedModels() map[string]struct{} {
	if c.snapshot == nil || capability.IsWildcard(c.snapshot.AllowedModels) {
		return nil
	}
	return toSet(c.snapshot.AllowedModels)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}
