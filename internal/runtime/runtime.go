package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/capability"
	"github.com/stewardops/steward/internal/instance"
	"github.com/stewardops/steward/internal/metrics"
	"github.com/stewardops/steward/internal/obs"
	"github.com/stewardops/steward/internal/tier"
)

// InstanceLoader yields the policy binding for an agent, if any.
// Satisfied by *instance.Binder.
type InstanceLoader interface {
	Get(agentID int64) (*instance.Instance, error)
}

// Message is an immutable in-process note between agents. Messaging
// does not persist and does not cross processes.
type Message struct {
	ID          string    `json:"id"`
	FromAgentID int64     `json:"from_agent_id"`
	ToAgentID   int64     `json:"to_agent_id"`
	WorkspaceID int64     `json:"workspace_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// Runtime manages sessions and mailboxes for exactly one workspace.
type Runtime struct {
	workspaceID int64
	dir         Directory
	instances   InstanceLoader
	tools       ToolExecutor
	tiers       *tier.Registry
	obsStore    *obs.Store
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	inboxes  map[int64][]Message
}

// NewRuntime builds a workspace-scoped runtime.
func NewRuntime(workspaceID int64, dir Directory, instances InstanceLoader, tools ToolExecutor, tiers *tier.Registry, obsStore *obs.Store, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		workspaceID: workspaceID,
		dir:         dir,
		instances:   instances,
		tools:       tools,
		tiers:       tiers,
		obsStore:    obsStore,
		logger:      logger.Named("runtime").With(zap.Int64("workspace_id", workspaceID)),
		sessions:    make(map[string]*Session),
		inboxes:     make(map[int64][]Message),
	}
}

// WorkspaceID returns the workspace this runtime serves.
func (r *Runtime) WorkspaceID() int64 { return r.workspaceID }

// StartSession opens a governed session for an agent. Agents without an
// instance run unrestricted (legacy mode); governance limit checks
// still apply.
func (r *Runtime) StartSession(userID, agentID int64) (*Session, error) {
	ec, err := NewExecutionContext(r.dir, userID, agentID)
	if err != nil {
		return nil, err
	}
	if ec.WorkspaceID != r.workspaceID {
		return nil, fmt.Errorf("%w: agent belongs to workspace %d", ErrPermission, ec.WorkspaceID)
	}

	inst, err := r.instances.Get(agentID)
	switch {
	case err == nil:
		snap := inst.PolicySnapshot
		ec = ec.WithCapabilities(&snap)
	case errors.Is(err, instance.ErrNotFound):
		// Legacy agent: no snapshot, gateway skips capability checks.
	default:
		// Governance store unavailable: fail open.
		r.logger.Warn("instance lookup failed, proceeding unrestricted",
			zap.Int64("agent_id", agentID), zap.Error(err))
	}

	if ok, msg := r.tiers.CheckAgentLimit(r.workspaceID); !ok {
		return nil, fmt.Errorf("governance: %s", msg)
	}
	if ok, msg := r.tiers.CheckAgentAllowed(r.workspaceID, agentID); !ok {
		return nil, fmt.Errorf("governance: %s", msg)
	}

	model := ""
	if snap := ec.Snapshot(); snap != nil {
		if m, ok := snap.LLMDefaults["model"].(string); ok {
			model = m
		}
	}
	run, err := r.obsStore.StartRun(r.workspaceID, &agentID, model)
	if err != nil {
		r.logger.Warn("start_run failed", zap.Int64("agent_id", agentID), zap.Error(err))
	} else {
		ec = ec.WithRun(run.ID)
	}

	session := &Session{
		runtime: r,
		ctx:     ec,
		gateway: NewGateway(ec, r.tools, r.tiers, r.obsStore, r.logger),
	}

	r.mu.Lock()
	r.sessions[ec.RunID] = session
	r.mu.Unlock()
	metrics.ActiveSessions.Inc()
	return session, nil
}

// Session returns a registered session by run id.
func (r *Runtime) Session(runID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[runID]
	return s, ok
}

// ActiveSessions returns the number of open sessions.
func (r *Runtime) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Runtime) unregister(runID string) {
	r.mu.Lock()
	delete(r.sessions, runID)
	r.mu.Unlock()
	metrics.ActiveSessions.Dec()
}

func (r *Runtime) deliver(msg Message) {
	r.mu.Lock()
	r.inboxes[msg.ToAgentID] = append(r.inboxes[msg.ToAgentID], msg)
	r.mu.Unlock()
}

func (r *Runtime) drain(agentID int64) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.inboxes[agentID]
	delete(r.inboxes, agentID)
	return msgs
}

// Session is one agent's governed execution handle.
type Session struct {
	runtime *Runtime
	ctx     *ExecutionContext
	gateway *Gateway

	mu      sync.Mutex
	stopped bool
}

// Context returns the session's execution context.
func (s *Session) Context() *ExecutionContext { return s.ctx }

// ExecuteTool routes a tool call through the gateway.
func (s *Session) ExecuteTool(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.gateway.Execute(ctx, toolName, args), nil
}

// ListTools returns the capability-filtered tool catalog.
func (s *Session) ListTools() ([]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.gateway.ListTools(), nil
}

// CheckModelAllowed checks a model id against the snapshot allowlist.
func (s *Session) CheckModelAllowed(modelID string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	return s.gateway.CheckModelAllowed(modelID), nil
}

// SendMessage appends an immutable message to a same-workspace agent's
// inbox and emits a best-effort action_started event.
func (s *Session) SendMessage(toAgentID int64, content string) (*Message, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	targetWS, err := s.runtime.dir.AgentWorkspace(toAgentID)
	if err != nil {
		return nil, err
	}
	if targetWS != s.ctx.WorkspaceID {
		return nil, ErrPermission
	}

	msg := Message{
		ID:          uuid.New().String(),
		FromAgentID: s.ctx.AgentID,
		ToAgentID:   toAgentID,
		WorkspaceID: s.ctx.WorkspaceID,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
	s.runtime.deliver(msg)

	if _, err := s.runtime.obsStore.Emit(obs.EmitParams{
		WorkspaceID: s.ctx.WorkspaceID,
		AgentID:     &s.ctx.AgentID,
		RunID:       s.ctx.RunID,
		EventType:   obs.TypeActionStarted,
		Status:      obs.StatusInfo,
		Payload:     map[string]any{"kind": "agent_message", "to_agent_id": toAgentID},
	}); err != nil {
		s.runtime.logger.Warn("message event emission failed", zap.Error(err))
	}
	return &msg, nil
}

// ReceiveMessages drains this agent's inbox, oldest first.
func (s *Session) ReceiveMessages() ([]Message, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.runtime.drain(s.ctx.AgentID), nil
}

// Stop closes the session and the observability run. Idempotent;
// operations after the first Stop return ErrSessionStopped.
func (s *Session) Stop(status, errMsg string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.runtime.unregister(s.ctx.RunID)
	if _, err := s.runtime.obsStore.FinishRun(s.ctx.RunID, status, errMsg, obs.RunTotals{}); err != nil {
		s.runtime.logger.Warn("finish_run failed",
			zap.String("run_id", s.ctx.RunID), zap.Error(err))
	}
	return nil
}

func (s *Session) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSessionStopped
	}
	return nil
}

// Snapshot re-exported for callers that only see the session.
func (s *Session) Snapshot() *capability.Snapshot { return s.ctx.Snapshot() }
