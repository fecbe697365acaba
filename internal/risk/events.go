package risk

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stewardops/steward/internal/store"
)

// Event statuses. Transitions are monotone: pending moves to exactly
// one of executed, skipped, or failed and never back.
const (
	EventPending  = "pending"
	EventExecuted = "executed"
	EventSkipped  = "skipped"
	EventFailed   = "failed"
)

// DefaultBatchSize caps how many pending events one executor pass
// processes.
const DefaultBatchSize = 50

var (
	ErrEventNotFound = errors.New("risk event not found")
	ErrDuplicate     = errors.New("risk event already recorded for this period")
)

// Event is one detected breach. ActionType is copied from the policy at
// evaluation time so later policy edits do not retroactively change it.
type Event struct {
	ID              int64           `json:"id"`
	UUID            string          `json:"uuid"`
	PolicyID        int64           `json:"policy_id"`
	WorkspaceID     int64           `json:"workspace_id"`
	AgentID         *int64          `json:"agent_id,omitempty"`
	PolicyType      string          `json:"policy_type"`
	BreachValue     decimal.Decimal `json:"breach_value"`
	ThresholdValue  decimal.Decimal `json:"threshold_value"`
	ActionType      string          `json:"action_type"`
	Status          string          `json:"status"`
	DedupeKey       string          `json:"dedupe_key"`
	EvaluatedAt     time.Time       `json:"evaluated_at"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	ExecutionResult map[string]any  `json:"execution_result,omitempty"`
}

// AuditEntry records one executor action against an event.
type AuditEntry struct {
	ID            int64          `json:"id"`
	EventID       int64          `json:"event_id"`
	Timestamp     time.Time      `json:"timestamp"`
	PreviousState map[string]any `json:"previous_state"`
	NewState      map[string]any `json:"new_state"`
	Result        string         `json:"result"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// EventStore persists risk events and their audit trail.
type EventStore struct {
	db *store.DB
}

// NewEventStore ensures the risk_events and risk_audit_log schemas.
func NewEventStore(db *store.DB) (*EventStore, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS risk_events (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid             TEXT NOT NULL UNIQUE,
		policy_id        INTEGER NOT NULL,
		workspace_id     INTEGER NOT NULL,
		agent_id         INTEGER,
		policy_type      TEXT NOT NULL,
		breach_value     TEXT NOT NULL,
		threshold_value  TEXT NOT NULL,
		action_type      TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending',
		dedupe_key       TEXT NOT NULL UNIQUE,
		evaluated_at     TEXT NOT NULL,
		executed_at      TEXT,
		execution_result TEXT
	)`); err != nil {
		return nil, fmt.Errorf("create risk_events: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_risk_events_status ON risk_events(status, id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_risk_events_policy ON risk_events(policy_id, evaluated_at)`)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS risk_audit_log (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id       INTEGER NOT NULL,
		timestamp      TEXT NOT NULL,
		previous_state TEXT NOT NULL DEFAULT '{}',
		new_state      TEXT NOT NULL DEFAULT '{}',
		result         TEXT NOT NULL,
		error_message  TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		return nil, fmt.Errorf("create risk_audit_log: %w", err)
	}
	return &EventStore{db: db}, nil
}

// DedupeKey builds the per-policy daily key.
func DedupeKey(policyID int64, day time.Time) string {
	return fmt.Sprintf("%d:%s", policyID, day.UTC().Format("2006-01-02"))
}

// Create appends a pending event. A dedupe collision returns
// ErrDuplicate.
func (s *EventStore) Create(p *Policy, breach decimal.Decimal, dedupeKey string, evaluatedAt time.Time) (*Event, error) {
	evt := &Event{
		UUID:           uuid.New().String(),
		PolicyID:       p.ID,
		WorkspaceID:    p.WorkspaceID,
		AgentID:        p.AgentID,
		PolicyType:     p.PolicyType,
		BreachValue:    breach,
		ThresholdValue: p.Threshold,
		ActionType:     p.ActionType,
		Status:         EventPending,
		DedupeKey:      dedupeKey,
		EvaluatedAt:    evaluatedAt.UTC(),
	}

	var agentID any
	if evt.AgentID != nil {
		agentID = *evt.AgentID
	}
	res, err := s.db.Exec(
		`INSERT INTO risk_events
		 (uuid, policy_id, workspace_id, agent_id, policy_type, breach_value, threshold_value,
		  action_type, status, dedupe_key, evaluated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.UUID, evt.PolicyID, evt.WorkspaceID, agentID, evt.PolicyType,
		evt.BreachValue.String(), evt.ThresholdValue.String(), evt.ActionType,
		evt.Status, evt.DedupeKey, evt.EvaluatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "constraint failed") {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert risk event: %w", err)
	}
	evt.ID, _ = res.LastInsertId()
	return evt, nil
}

// HasDedupe reports whether any event with the key exists, in any
// status.
func (s *EventStore) HasDedupe(key string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM risk_events WHERE dedupe_key = ?`, key).Scan(&n)
	return n > 0, err
}

// LastRelevant returns the most recent pending or executed event for a
// policy, or nil when there is none. Skipped and failed events do not
// hold the cooldown.
func (s *EventStore) LastRelevant(policyID int64) (*Event, error) {
	row := s.db.QueryRow(
		`SELECT id, uuid, policy_id, workspace_id, agent_id, policy_type, breach_value,
		 threshold_value, action_type, status, dedupe_key, evaluated_at, executed_at, execution_result
		 FROM risk_events WHERE policy_id = ? AND status IN ('pending', 'executed')
		 ORDER BY evaluated_at DESC, id DESC LIMIT 1`, policyID)
	evt, err := scanEvent(row)
	if errors.Is(err, ErrEventNotFound) {
		return nil, nil
	}
	return evt, err
}

// ListPending returns pending events, oldest first, capped at limit.
func (s *EventStore) ListPending(limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	rows, err := s.db.Query(
		`SELECT id, uuid, policy_id, workspace_id, agent_id, policy_type, breach_value,
		 threshold_value, action_type, status, dedupe_key, evaluated_at, executed_at, execution_result
		 FROM risk_events WHERE status = 'pending' ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Get returns an event by id.
func (s *EventStore) Get(id int64) (*Event, error) {
	row := s.db.QueryRow(
		`SELECT id, uuid, policy_id, workspace_id, agent_id, policy_type, breach_value,
		 threshold_value, action_type, status, dedupe_key, evaluated_at, executed_at, execution_result
		 FROM risk_events WHERE id = ?`, id)
	return scanEvent(row)
}

// ListWorkspace returns a workspace's events, newest first.
func (s *EventStore) ListWorkspace(workspaceID int64, limit int) ([]*Event, error) {
	query := `SELECT id, uuid, policy_id, workspace_id, agent_id, policy_type, breach_value,
		 threshold_value, action_type, status, dedupe_key, evaluated_at, executed_at, execution_result
		 FROM risk_events WHERE workspace_id = ? ORDER BY id DESC`
	args := []any{workspaceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Resolve moves a pending event into its terminal status and writes the
// audit entry in the same transaction. The status guard in the UPDATE
// protects against a second worker racing on the same event.
func (s *EventStore) Resolve(eventID int64, status string, result map[string]any, entry AuditEntry) error {
	switch status {
	case EventExecuted, EventSkipped, EventFailed:
	default:
		return fmt.Errorf("invalid terminal status %q", status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	resultJSON, _ := json.Marshal(result)

	var executedAt any
	if status == EventExecuted {
		executedAt = now.Format(time.RFC3339Nano)
	}

	res, err := tx.Exec(
		`UPDATE risk_events SET status = ?, executed_at = ?, execution_result = ?
		 WHERE id = ? AND status = 'pending'`,
		status, executedAt, string(resultJSON), eventID,
	)
	if err != nil {
		return fmt.Errorf("resolve event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}

	prevJSON, _ := json.Marshal(orEmptyMap(entry.PreviousState))
	newJSON, _ := json.Marshal(orEmptyMap(entry.NewState))
	if _, err := tx.Exec(
		`INSERT INTO risk_audit_log (event_id, timestamp, previous_state, new_state, result, error_message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		eventID, now.Format(time.RFC3339Nano), string(prevJSON), string(newJSON),
		entry.Result, entry.ErrorMessage,
	); err != nil {
		return fmt.Errorf("audit entry: %w", err)
	}
	return tx.Commit()
}

// AuditForEvent returns the audit entries for one event, oldest first.
func (s *EventStore) AuditForEvent(eventID int64) ([]AuditEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, event_id, timestamp, previous_state, new_state, result, error_message
		 FROM risk_audit_log WHERE event_id = ? ORDER BY id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			entry          AuditEntry
			ts, prev, next string
		)
		if err := rows.Scan(&entry.ID, &entry.EventID, &ts, &prev, &next, &entry.Result, &entry.ErrorMessage); err != nil {
			continue
		}
		entry.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		_ = json.Unmarshal([]byte(prev), &entry.PreviousState)
		_ = json.Unmarshal([]byte(next), &entry.NewState)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEvent(r rowScanner) (*Event, error) {
	var (
		evt                    Event
		agentID                sql.NullInt64
		breachStr, threshStr   string
		evaluatedStr           string
		executedStr, resultStr sql.NullString
	)
	err := r.Scan(&evt.ID, &evt.UUID, &evt.PolicyID, &evt.WorkspaceID, &agentID,
		&evt.PolicyType, &breachStr, &threshStr, &evt.ActionType, &evt.Status,
		&evt.DedupeKey, &evaluatedStr, &executedStr, &resultStr)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	if agentID.Valid {
		evt.AgentID = &agentID.Int64
	}
	evt.BreachValue, _ = decimal.NewFromString(breachStr)
	evt.ThresholdValue, _ = decimal.NewFromString(threshStr)
	evt.EvaluatedAt, _ = time.Parse(time.RFC3339Nano, evaluatedStr)
	if executedStr.Valid {
		t, err := time.Parse(time.RFC3339Nano, executedStr.String)
		if err == nil {
			evt.ExecutedAt = &t
		}
	}
	if resultStr.Valid && resultStr.String != "" {
		_ = json.Unmarshal([]byte(resultStr.String), &evt.ExecutionResult)
	}
	return &evt, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
