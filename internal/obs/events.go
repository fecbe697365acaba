// Package obs is the observability store: an append-only event log, a
// run index, daily rollups, the LLM pricing table, alert rules, and
// ingest API keys. Every governance subsystem reads from or writes to
// this package.
//
// Event emission is best-effort by contract: callers on the hot path
// (the tool gateway, the runtime) ignore emission errors. State-changing
// reads (evaluator sums, retention deletes) surface errors normally.
package obs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/store"
)

var ErrNotFound = errors.New("not found")

// Event statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusInfo    = "info"
)

// Well-known event types emitted by the core.
const (
	TypeToolCall      = "tool_call"
	TypeToolResult    = "tool_result"
	TypeLLMCall       = "llm_call"
	TypeActionStarted = "action_started"
	TypeHeartbeat     = "agent_heartbeat"
)

// Event is one immutable observability record.
type Event struct {
	ID          string          `json:"id"`
	WorkspaceID int64           `json:"workspace_id"`
	AgentID     *int64          `json:"agent_id,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
	EventType   string          `json:"event_type"`
	Status      string          `json:"status"`
	Provider    string          `json:"provider,omitempty"`
	Model       string          `json:"model,omitempty"`
	TokensIn    int64           `json:"tokens_in"`
	TokensOut   int64           `json:"tokens_out"`
	CostUSD     decimal.Decimal `json:"cost_usd"`
	LatencyMS   int64           `json:"latency_ms"`
	Payload     map[string]any  `json:"payload,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// EmitParams are the inputs to Emit. CostUSD nil means "compute from
// the pricing table if provider+model+tokens are present".
type EmitParams struct {
	WorkspaceID int64
	AgentID     *int64
	RunID       string
	EventType   string
	Status      string
	Provider    string
	Model       string
	TokensIn    int64
	TokensOut   int64
	CostUSD     *decimal.Decimal
	LatencyMS   int64
	Payload     map[string]any
	DedupeKey   string
	CreatedAt   time.Time // zero means now
}

// Store is the observability store.
type Store struct {
	db      *store.DB
	pricing *PricingTable
	logger  *zap.Logger
}

// NewStore ensures the observability schema and returns a store.
func NewStore(db *store.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS obs_events (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL UNIQUE,
		workspace_id INTEGER NOT NULL,
		agent_id     INTEGER,
		run_id       TEXT,
		event_type   TEXT NOT NULL,
		status       TEXT NOT NULL,
		provider     TEXT NOT NULL DEFAULT '',
		model        TEXT NOT NULL DEFAULT '',
		tokens_in    INTEGER NOT NULL DEFAULT 0,
		tokens_out   INTEGER NOT NULL DEFAULT 0,
		cost_usd     TEXT NOT NULL DEFAULT '0',
		latency_ms   INTEGER NOT NULL DEFAULT 0,
		payload      TEXT NOT NULL DEFAULT '{}',
		dedupe_key   TEXT,
		created_at   TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create obs_events: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_obs_events_ws_created ON obs_events(workspace_id, created_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_obs_events_run ON obs_events(run_id)`)
	_, _ = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_obs_events_dedupe ON obs_events(dedupe_key) WHERE dedupe_key IS NOT NULL`)

	if err := ensureRunsSchema(db); err != nil {
		return nil, err
	}
	if err := ensureDailySchema(db); err != nil {
		return nil, err
	}
	if err := ensureAlertSchema(db); err != nil {
		return nil, err
	}

	pricing, err := NewPricingTable(db)
	if err != nil {
		return nil, err
	}

	return &Store{db: db, pricing: pricing, logger: logger.Named("obs")}, nil
}

// Pricing exposes the pricing table (for seeding and admin updates).
func (s *Store) Pricing() *PricingTable { return s.pricing }

// Emit appends an event. When p.DedupeKey is already present the call
// is a no-op and returns (nil, nil) — the second write does not append.
// Cost is filled from the pricing table when absent.
func (s *Store) Emit(p EmitParams) (*Event, error) {
	if p.EventType == "" {
		return nil, fmt.Errorf("event_type must not be empty")
	}
	if p.Status == "" {
		p.Status = StatusInfo
	}
	if p.TokensIn < 0 || p.TokensOut < 0 {
		return nil, fmt.Errorf("token counts must be non-negative")
	}

	evt := &Event{
		ID:          uuid.New().String(),
		WorkspaceID: p.WorkspaceID,
		AgentID:     p.AgentID,
		RunID:       p.RunID,
		EventType:   p.EventType,
		Status:      p.Status,
		Provider:    p.Provider,
		Model:       p.Model,
		TokensIn:    p.TokensIn,
		TokensOut:   p.TokensOut,
		LatencyMS:   p.LatencyMS,
		Payload:     p.Payload,
		DedupeKey:   p.DedupeKey,
		CreatedAt:   p.CreatedAt,
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	switch {
	case p.CostUSD != nil:
		evt.CostUSD = *p.CostUSD
	case p.Provider != "" && p.Model != "" && (p.TokensIn > 0 || p.TokensOut > 0):
		cost, err := s.pricing.CostFor(p.Provider, p.Model, p.TokensIn, p.TokensOut, evt.CreatedAt)
		if err == nil {
			evt.CostUSD = cost
		}
	}

	payload, _ := json.Marshal(orEmptyMap(evt.Payload))

	var dedupe any
	if evt.DedupeKey != "" {
		dedupe = evt.DedupeKey
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO obs_events
		 (id, workspace_id, agent_id, run_id, event_type, status, provider, model,
		  tokens_in, tokens_out, cost_usd, latency_ms, payload, dedupe_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.WorkspaceID, evt.AgentID, nullString(evt.RunID), evt.EventType, evt.Status,
		evt.Provider, evt.Model, evt.TokensIn, evt.TokensOut, evt.CostUSD.String(),
		evt.LatencyMS, string(payload), dedupe, evt.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate dedupe_key — the earlier event wins.
		return nil, nil
	}
	return evt, nil
}

// GetEvent returns an event by id.
func (s *Store) GetEvent(id string) (*Event, error) {
	row := s.db.QueryRow(selectEventCols+` WHERE id = ?`, id)
	return scanEvent(row)
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	WorkspaceID int64
	AgentID     *int64
	RunID       string
	EventType   string
	Since       time.Time
	Until       time.Time
	Limit       int
}

const selectEventCols = `SELECT id, workspace_id, agent_id, run_id, event_type, status, provider, model,
	tokens_in, tokens_out, cost_usd, latency_ms, payload, dedupe_key, created_at FROM obs_events`

// ListEvents returns events matching f, submission order (oldest first).
func (s *Store) ListEvents(f EventFilter) ([]*Event, error) {
	query := selectEventCols + ` WHERE workspace_id = ?`
	args := []any{f.WorkspaceID}

	if f.AgentID != nil {
		query += ` AND agent_id = ?`
		args = append(args, *f.AgentID)
	}
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
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

// SumCostSince returns the decimal sum of cost_usd over events created
// at or after since, scoped to the workspace and, when agentID is
// non-nil, to that agent. Used by the risk evaluator; all arithmetic is
// fixed-point.
func (s *Store) SumCostSince(workspaceID int64, agentID *int64, since time.Time) (decimal.Decimal, error) {
	query := `SELECT cost_usd FROM obs_events WHERE workspace_id = ? AND created_at >= ?`
	args := []any{workspaceID, since.UTC().Format(time.RFC3339Nano)}
	if agentID != nil {
		query += ` AND agent_id = ?`
		args = append(args, *agentID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

// HasAgentEvents reports whether the agent has any recorded event.
// Tier enforcement treats such agents as grandfathered.
func (s *Store) HasAgentEvents(workspaceID, agentID int64) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM obs_events WHERE workspace_id = ? AND agent_id = ? LIMIT 1`,
		workspaceID, agentID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MonitoredAgentCount returns the number of distinct agents with at
// least one event in the workspace.
func (s *Store) MonitoredAgentCount(workspaceID int64) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(DISTINCT agent_id) FROM obs_events WHERE workspace_id = ? AND agent_id IS NOT NULL`,
		workspaceID,
	).Scan(&n)
	return n, err
}

// WorkspacesWithEvents returns every workspace id that has at least one
// event. Retention GC iterates over this.
func (s *Store) WorkspacesWithEvents() ([]int64, error) {
	rows, err := s.db.Query(`SELECT DISTINCT workspace_id FROM obs_events ORDER BY workspace_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteEventsBefore hard-deletes up to limit events older than cutoff
// in one workspace. Returns the number deleted.
func (s *Store) DeleteEventsBefore(workspaceID int64, cutoff time.Time, limit int) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM obs_events WHERE seq IN (
			SELECT seq FROM obs_events WHERE workspace_id = ? AND created_at < ? LIMIT ?
		)`,
		workspaceID, cutoff.UTC().Format(time.RFC3339Nano), limit,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEvent(r rowScanner) (*Event, error) {
	var (
		evt        Event
		agentID    sql.NullInt64
		runID      sql.NullString
		costStr    string
		payload    string
		dedupe     sql.NullString
		createdStr string
	)
	err := r.Scan(&evt.ID, &evt.WorkspaceID, &agentID, &runID, &evt.EventType, &evt.Status,
		&evt.Provider, &evt.Model, &evt.TokensIn, &evt.TokensOut, &costStr,
		&evt.LatencyMS, &payload, &dedupe, &createdStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if agentID.Valid {
		evt.AgentID = &agentID.Int64
	}
	evt.RunID = runID.String
	evt.CostUSD, _ = decimal.NewFromString(costStr)
	evt.DedupeKey = dedupe.String
	_ = json.Unmarshal([]byte(payload), &evt.Payload)
	evt.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return &evt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
