package obs

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/store"
)

// AlertRule is a workspace-scoped notification rule. Rule creation is
// tier-limited; the rules themselves are consumed by the notify router
// when the risk executor dispatches an alert.
type AlertRule struct {
	ID          int64           `json:"id"`
	WorkspaceID int64           `json:"workspace_id"`
	Name        string          `json:"name"`
	Metric      string          `json:"metric"`
	Threshold   decimal.Decimal `json:"threshold"`
	Channel     string          `json:"channel"` // slack, webhook
	IsEnabled   bool            `json:"is_enabled"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AlertEvent records one dispatched alert.
type AlertEvent struct {
	ID          string    `json:"id"`
	WorkspaceID int64     `json:"workspace_id"`
	RuleID      *int64    `json:"rule_id,omitempty"`
	Source      string    `json:"source"` // risk_executor, rule
	Summary     string    `json:"summary"`
	CreatedAt   time.Time `json:"created_at"`
}

func ensureAlertSchema(db *store.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS obs_alert_rules (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace_id INTEGER NOT NULL,
		name         TEXT NOT NULL,
		metric       TEXT NOT NULL,
		threshold    TEXT NOT NULL DEFAULT '0',
		channel      TEXT NOT NULL DEFAULT 'slack',
		is_enabled   INTEGER NOT NULL DEFAULT 1,
		created_at   TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create obs_alert_rules: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS obs_alert_events (
		id           TEXT PRIMARY KEY,
		workspace_id INTEGER NOT NULL,
		rule_id      INTEGER,
		source       TEXT NOT NULL,
		summary      TEXT NOT NULL,
		created_at   TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create obs_alert_events: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_obs_alert_rules_ws ON obs_alert_rules(workspace_id)`)
	return nil
}

// CreateAlertRule inserts a rule. The caller enforces the tier limit
// before calling.
func (s *Store) CreateAlertRule(workspaceID int64, name, metric string, threshold decimal.Decimal, channel string) (*AlertRule, error) {
	if name == "" {
		return nil, fmt.Errorf("rule name must not be empty")
	}
	if channel == "" {
		channel = "slack"
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO obs_alert_rules (workspace_id, name, metric, threshold, channel, is_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		workspaceID, name, metric, threshold.String(), channel, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert alert rule: %w", err)
	}
	id, _ := res.LastInsertId()
	return &AlertRule{
		ID: id, WorkspaceID: workspaceID, Name: name, Metric: metric,
		Threshold: threshold, Channel: channel, IsEnabled: true, CreatedAt: now,
	}, nil
}

// CountAlertRules returns the number of enabled rules in a workspace.
func (s *Store) CountAlertRules(workspaceID int64) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM obs_alert_rules WHERE workspace_id = ? AND is_enabled = 1`,
		workspaceID).Scan(&n)
	return n, err
}

// ListAlertRules returns all rules in a workspace.
func (s *Store) ListAlertRules(workspaceID int64) ([]*AlertRule, error) {
	rows, err := s.db.Query(
		`SELECT id, workspace_id, name, metric, threshold, channel, is_enabled, created_at
		 FROM obs_alert_rules WHERE workspace_id = ? ORDER BY id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AlertRule
	for rows.Next() {
		var (
			r            AlertRule
			thresholdStr string
			enabled      int
			createdStr   string
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Metric, &thresholdStr,
			&r.Channel, &enabled, &createdStr); err != nil {
			continue
		}
		r.Threshold, _ = decimal.NewFromString(thresholdStr)
		r.IsEnabled = enabled != 0
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteAlertRule removes a rule within a workspace.
func (s *Store) DeleteAlertRule(id, workspaceID int64) error {
	res, err := s.db.Exec(
		`DELETE FROM obs_alert_rules WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAlertEvent appends a dispatched-alert record. Best-effort.
func (s *Store) RecordAlertEvent(workspaceID int64, ruleID *int64, source, summary string) {
	var rid any
	if ruleID != nil {
		rid = *ruleID
	}
	_, err := s.db.Exec(
		`INSERT INTO obs_alert_events (id, workspace_id, rule_id, source, summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), workspaceID, rid, source, summary,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		s.logger.Warn("record alert event failed", zap.Error(err))
	}
}

// ListAlertEvents returns recent alert events, newest first.
func (s *Store) ListAlertEvents(workspaceID int64, limit int) ([]*AlertEvent, error) {
	query := `SELECT id, workspace_id, rule_id, source, summary, created_at
		 FROM obs_alert_events WHERE workspace_id = ? ORDER BY created_at DESC`
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

	var out []*AlertEvent
	for rows.Next() {
		var (
			e          AlertEvent
			ruleID     sql.NullInt64
			createdStr string
		)
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &ruleID, &e.Source, &e.Summary, &createdStr); err != nil {
			continue
		}
		if ruleID.Valid {
			e.RuleID = &ruleID.Int64
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, &e)
	}
	return out, rows.Err()
}
