// Package approval queues agent-proposed externally-facing actions for
// human review. Actions move pending → approved → executed|failed, or
// pending → rejected; no transition ever reverses.
package approval

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/store"
)

// Statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExecuted = "executed"
	StatusFailed   = "failed"
)

var (
	ErrNotFound  = errors.New("action not found or not pending")
	ErrNoHandler = errors.New("no handler registered for action")
)

// Action is one proposed external action awaiting review.
type Action struct {
	ID           int64          `json:"id"`
	WorkspaceID  int64          `json:"workspace_id"`
	AgentID      *int64         `json:"agent_id,omitempty"`
	ActionType   string         `json:"action_type"`
	ServiceType  string         `json:"service_type"`
	ActionData   map[string]any `json:"action_data"`
	Status       string         `json:"status"`
	AIReasoning  string         `json:"ai_reasoning,omitempty"`
	AIConfidence float64        `json:"ai_confidence"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ApprovedAt   *time.Time     `json:"approved_at,omitempty"`
	ExecutedAt   *time.Time     `json:"executed_at,omitempty"`
}

// HandlerKey addresses a handler by action and service.
type HandlerKey struct {
	ActionType  string
	ServiceType string
}

// Handler executes an approved action. It returns a result map or an
// error string; a non-empty error string fails the action.
type Handler func(workspaceID int64, actionData map[string]any) (map[string]any, string)

// Queue is the approval state machine. Handlers are fixed at
// construction.
type Queue struct {
	db       *store.DB
	handlers map[HandlerKey]Handler
	logger   *zap.Logger
}

// NewQueue ensures the agent_actions and service_usage schemas.
func NewQueue(db *store.DB, handlers map[HandlerKey]Handler, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS agent_actions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace_id  INTEGER NOT NULL,
		agent_id      INTEGER,
		action_type   TEXT NOT NULL,
		service_type  TEXT NOT NULL,
		action_data   TEXT NOT NULL DEFAULT '{}',
		status        TEXT NOT NULL DEFAULT 'pending',
		ai_reasoning  TEXT NOT NULL DEFAULT '',
		ai_confidence REAL NOT NULL DEFAULT 0,
		result_data   TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		approved_at   TEXT,
		executed_at   TEXT
	)`); err != nil {
		return nil, fmt.Errorf("create agent_actions: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_actions_ws_status ON agent_actions(workspace_id, status)`)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS service_usage (
		workspace_id INTEGER NOT NULL,
		service_type TEXT NOT NULL,
		used_count   INTEGER NOT NULL DEFAULT 0,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (workspace_id, service_type)
	)`); err != nil {
		return nil, fmt.Errorf("create service_usage: %w", err)
	}

	if handlers == nil {
		handlers = map[HandlerKey]Handler{}
	}
	return &Queue{db: db, handlers: handlers, logger: logger.Named("approval")}, nil
}

// Create enqueues a pending action.
func (q *Queue) Create(workspaceID int64, agentID *int64, actionType, serviceType string, actionData map[string]any, reasoning string, confidence float64) (*Action, error) {
	if actionType == "" || serviceType == "" {
		return nil, fmt.Errorf("action_type and service_type must not be empty")
	}
	dataJSON, _ := json.Marshal(orEmptyMap(actionData))
	now := time.Now().UTC()

	var aID any
	if agentID != nil {
		aID = *agentID
	}
	res, err := q.db.Exec(
		`INSERT INTO agent_actions
		 (workspace_id, agent_id, action_type, service_type, action_data, status, ai_reasoning, ai_confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?)`,
		workspaceID, aID, actionType, serviceType, string(dataJSON),
		reasoning, confidence, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert action: %w", err)
	}
	id, _ := res.LastInsertId()
	return q.Get(id, workspaceID)
}

// ApproveAndExecute claims a pending action, runs its handler, and
// records the terminal status.
func (q *Queue) ApproveAndExecute(id, workspaceID int64) (*Action, error) {
	now := time.Now().UTC()

	// Atomic claim: only one caller wins the pending → approved step.
	res, err := q.db.Exec(
		`UPDATE agent_actions SET status = 'approved', approved_at = ?
		 WHERE id = ? AND workspace_id = ? AND status = 'pending'`,
		now.Format(time.RFC3339Nano), id, workspaceID,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	action, err := q.Get(id, workspaceID)
	if err != nil {
		return nil, err
	}

	handler, ok := q.handlers[HandlerKey{ActionType: action.ActionType, ServiceType: action.ServiceType}]
	if !ok {
		msg := fmt.Sprintf("no handler for (%s, %s)", action.ActionType, action.ServiceType)
		if err := q.finish(action, StatusFailed, nil, msg); err != nil {
			return nil, err
		}
		return q.Get(id, workspaceID)
	}

	result, errStr := q.invoke(handler, action)
	if errStr != "" {
		if err := q.finish(action, StatusFailed, result, errStr); err != nil {
			return nil, err
		}
		return q.Get(id, workspaceID)
	}

	if err := q.finish(action, StatusExecuted, result, ""); err != nil {
		return nil, err
	}
	return q.Get(id, workspaceID)
}

// Reject moves a pending action to rejected.
func (q *Queue) Reject(id, workspaceID int64) (*Action, error) {
	res, err := q.db.Exec(
		`UPDATE agent_actions SET status = 'rejected'
		 WHERE id = ? AND workspace_id = ? AND status = 'pending'`,
		id, workspaceID,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return q.Get(id, workspaceID)
}

// Get returns an action, workspace-scoped.
func (q *Queue) Get(id, workspaceID int64) (*Action, error) {
	row := q.db.QueryRow(
		`SELECT id, workspace_id, agent_id, action_type, service_type, action_data, status,
		 ai_reasoning, ai_confidence, result_data, error_message, created_at, approved_at, executed_at
		 FROM agent_actions WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// List returns workspace actions, newest first, optionally by status.
func (q *Queue) List(workspaceID int64, status string, limit int) ([]*Action, error) {
	query := `SELECT id, workspace_id, agent_id, action_type, service_type, action_data, status,
		 ai_reasoning, ai_confidence, result_data, error_message, created_at, approved_at, executed_at
		 FROM agent_actions WHERE workspace_id = ?`
	args := []any{workspaceID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ServiceUsage returns the executed-action counter for a service.
func (q *Queue) ServiceUsage(workspaceID int64, serviceType string) (int64, error) {
	var n int64
	err := q.db.QueryRow(
		`SELECT used_count FROM service_usage WHERE workspace_id = ? AND service_type = ?`,
		workspaceID, serviceType).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// invoke shields the queue from handler panics; a panic fails the
// action instead of the process.
func (q *Queue) invoke(handler Handler, action *Action) (result map[string]any, errStr string) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			errStr = fmt.Sprintf("handler panic: %v", r)
			q.logger.Error("action handler panicked",
				zap.Int64("action_id", action.ID),
				zap.String("action_type", action.ActionType),
				zap.Any("panic", r))
		}
	}()
	return handler(action.WorkspaceID, action.ActionData)
}

// finish commits the terminal status, the result, and (for executed
// actions) the service usage bump in one transaction. The approved
// claim is a separate statement: a crash between the handler and this
// commit leaves an approved row whose side effect already ran, which
// the pending/approved distinction makes visible to operators.
func (q *Queue) finish(action *Action, status string, result map[string]any, errMsg string) error {
	now := time.Now().UTC()
	var resultJSON any
	if result != nil {
		data, _ := json.Marshal(result)
		resultJSON = string(data)
	}
	var executedAt any
	if status == StatusExecuted {
		executedAt = now.Format(time.RFC3339Nano)
	}

	tx, err := q.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`UPDATE agent_actions SET status = ?, result_data = ?, error_message = ?, executed_at = ?
		 WHERE id = ? AND status = 'approved'`,
		status, resultJSON, errMsg, executedAt, action.ID,
	); err != nil {
		return err
	}
	if status == StatusExecuted {
		if _, err := tx.Exec(
			`INSERT INTO service_usage (workspace_id, service_type, used_count, updated_at)
			 VALUES (?, ?, 1, ?)
			 ON CONFLICT (workspace_id, service_type) DO UPDATE SET
			   used_count = used_count + 1, updated_at = excluded.updated_at`,
			action.WorkspaceID, action.ServiceType, now.Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanAction(r rowScanner) (*Action, error) {
	var (
		a                        Action
		agentID                  sql.NullInt64
		dataJSON                 string
		resultJSON               sql.NullString
		createdStr               string
		approvedStr, executedStr sql.NullString
	)
	err := r.Scan(&a.ID, &a.WorkspaceID, &agentID, &a.ActionType, &a.ServiceType, &dataJSON,
		&a.Status, &a.AIReasoning, &a.AIConfidence, &resultJSON, &a.ErrorMessage,
		&createdStr, &approvedStr, &executedStr)
	if err != nil {
		return nil, err
	}
	if agentID.Valid {
		a.AgentID = &agentID.Int64
	}
	_ = json.Unmarshal([]byte(dataJSON), &a.ActionData)
	if resultJSON.Valid && resultJSON.String != "" {
		_ = json.Unmarshal([]byte(resultJSON.String), &a.ResultData)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if approvedStr.Valid {
		if t, err := time.Parse(time.RFC3339Nano, approvedStr.String); err == nil {
			a.ApprovedAt = &t
		}
	}
	if executedStr.Valid {
		if t, err := time.Parse(time.RFC3339Nano, executedStr.String); err == nil {
			a.ExecutedAt = &t
		}
	}
	return &a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
