// Package audit records governance events: blueprint publishes,
// instance lifecycle, workspace migrations. The log is append-only and
// write failures never block the operation being audited — callers
// treat Record as best-effort.
package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/store"
)

// EventType classifies governance audit events.
type EventType string

const (
	BlueprintPublished EventType = "blueprint_published"
	BlueprintArchived  EventType = "blueprint_archived"
	InstanceCreated    EventType = "instance_created"
	InstanceRefreshed  EventType = "instance_refreshed"
	InstanceRemoved    EventType = "instance_removed"
	WorkspaceMigrated  EventType = "workspace_migrated"
)

// Event is one governance audit record.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        EventType      `json:"type"`
	WorkspaceID int64          `json:"workspace_id"`
	AgentID     *int64         `json:"agent_id,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	Summary     string         `json:"summary"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// Filter narrows Query results.
type Filter struct {
	WorkspaceID int64
	Type        EventType
	Since       time.Time
	Limit       int
}

var ErrNotFound = errors.New("audit event not found")

// Log is the SQLite-backed governance audit log.
type Log struct {
	db     *store.DB
	logger *zap.Logger
}

// NewLog ensures the governance_audit_log schema.
func NewLog(db *store.DB, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS governance_audit_log (
		id           TEXT PRIMARY KEY,
		timestamp    TEXT NOT NULL,
		type         TEXT NOT NULL,
		workspace_id INTEGER NOT NULL,
		agent_id     INTEGER,
		actor        TEXT NOT NULL DEFAULT '',
		summary      TEXT NOT NULL DEFAULT '',
		detail       TEXT NOT NULL DEFAULT '{}'
	)`); err != nil {
		return nil, fmt.Errorf("create governance_audit_log: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_gov_audit_ws ON governance_audit_log(workspace_id, timestamp)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_gov_audit_type ON governance_audit_log(type)`)
	return &Log{db: db, logger: logger.Named("audit")}, nil
}

// Record appends an event. Best-effort: failures are logged, not
// returned.
func (l *Log) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	detail, _ := json.Marshal(evt.Detail)

	var agentID any
	if evt.AgentID != nil {
		agentID = *evt.AgentID
	}

	_, err := l.db.Exec(
		`INSERT INTO governance_audit_log (id, timestamp, type, workspace_id, agent_id, actor, summary, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.Timestamp.Format(time.RFC3339Nano), string(evt.Type),
		evt.WorkspaceID, agentID, evt.Actor, evt.Summary, string(detail),
	)
	if err != nil {
		l.logger.Warn("audit record failed",
			zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

// Query returns matching events, newest first.
func (l *Log) Query(f Filter) ([]Event, error) {
	query := `SELECT id, timestamp, type, workspace_id, agent_id, actor, summary, detail
		 FROM governance_audit_log WHERE 1=1`
	var args []any

	if f.WorkspaceID != 0 {
		query += ` AND workspace_id = ?`
		args = append(args, f.WorkspaceID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			evt     Event
			ts      string
			typ     string
			agentID sql.NullInt64
			detail  string
		)
		if err := rows.Scan(&evt.ID, &ts, &typ, &evt.WorkspaceID, &agentID, &evt.Actor, &evt.Summary, &detail); err != nil {
			continue
		}
		evt.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		evt.Type = EventType(typ)
		if agentID.Valid {
			evt.AgentID = &agentID.Int64
		}
		if detail != "" && detail != "null" {
			_ = json.Unmarshal([]byte(detail), &evt.Detail)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Count returns the total number of audit events.
func (l *Log) Count() (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM governance_audit_log`).Scan(&n)
	return n, err
}
