package obs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/store"
)

// DailyMetrics is the rollup row for one (workspace, agent, date).
// AgentID 0 groups events with no agent attribution.
type DailyMetrics struct {
	WorkspaceID   int64            `json:"workspace_id"`
	AgentID       int64            `json:"agent_id"`
	Date          string           `json:"date"` // YYYY-MM-DD
	RunsTotal     int64            `json:"runs_total"`
	RunsSuccess   int64            `json:"runs_success"`
	RunsFailed    int64            `json:"runs_failed"`
	TokensIn      int64            `json:"tokens_in"`
	TokensOut     int64            `json:"tokens_out"`
	CostUSD       decimal.Decimal  `json:"cost_usd"`
	ToolCalls     int64            `json:"tool_calls"`
	LatencyP50    int64            `json:"latency_p50_ms"`
	LatencyP95    int64            `json:"latency_p95_ms"`
	LatencyAvg    int64            `json:"latency_avg_ms"`
	LastHeartbeat *time.Time       `json:"last_heartbeat,omitempty"`
	ModelsUsed    map[string]int64 `json:"models_used,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func ensureDailySchema(db *store.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS obs_daily_metrics (
		workspace_id   INTEGER NOT NULL,
		agent_id       INTEGER NOT NULL DEFAULT 0,
		date           TEXT NOT NULL,
		runs_total     INTEGER NOT NULL DEFAULT 0,
		runs_success   INTEGER NOT NULL DEFAULT 0,
		runs_failed    INTEGER NOT NULL DEFAULT 0,
		tokens_in      INTEGER NOT NULL DEFAULT 0,
		tokens_out     INTEGER NOT NULL DEFAULT 0,
		cost_usd       TEXT NOT NULL DEFAULT '0',
		tool_calls     INTEGER NOT NULL DEFAULT 0,
		latency_p50    INTEGER NOT NULL DEFAULT 0,
		latency_p95    INTEGER NOT NULL DEFAULT 0,
		latency_avg    INTEGER NOT NULL DEFAULT 0,
		last_heartbeat TEXT,
		models_used    TEXT NOT NULL DEFAULT '{}',
		updated_at     TEXT NOT NULL,
		PRIMARY KEY (workspace_id, agent_id, date)
	)`); err != nil {
		return fmt.Errorf("create obs_daily_metrics: %w", err)
	}
	return nil
}

// AggregateDaily upserts a rollup row for every distinct
// (workspace, agent) pair with events on the target UTC day.
// Idempotent: re-running for the same day rewrites identical rows.
// Returns the number of rows upserted.
func (s *Store) AggregateDaily(targetDate time.Time) (int, error) {
	dayStart := time.Date(targetDate.UTC().Year(), targetDate.UTC().Month(), targetDate.UTC().Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	day := dayStart.Format("2006-01-02")

	pairs, err := s.dailyPairs(dayStart, dayEnd)
	if err != nil {
		return 0, err
	}

	upserted := 0
	for _, p := range pairs {
		m, err := s.computeDaily(p.workspace, p.agent, dayStart, dayEnd)
		if err != nil {
			s.logger.Warn("daily rollup failed for pair",
				zap.Int64("workspace", p.workspace), zap.Int64("agent", p.agent), zap.Error(err))
			continue
		}
		m.Date = day
		if err := s.upsertDaily(m); err != nil {
			return upserted, err
		}
		upserted++
	}
	return upserted, nil
}

// GetDailyMetrics returns the rollup row for one key, or ErrNotFound.
func (s *Store) GetDailyMetrics(workspaceID, agentID int64, date string) (*DailyMetrics, error) {
	row := s.db.QueryRow(
		`SELECT workspace_id, agent_id, date, runs_total, runs_success, runs_failed,
		 tokens_in, tokens_out, cost_usd, tool_calls, latency_p50, latency_p95, latency_avg,
		 last_heartbeat, models_used, updated_at
		 FROM obs_daily_metrics WHERE workspace_id = ? AND agent_id = ? AND date = ?`,
		workspaceID, agentID, date)

	var (
		m          DailyMetrics
		costStr    string
		hbStr      sql.NullString
		modelsJSON string
		updatedStr string
	)
	err := row.Scan(&m.WorkspaceID, &m.AgentID, &m.Date, &m.RunsTotal, &m.RunsSuccess, &m.RunsFailed,
		&m.TokensIn, &m.TokensOut, &costStr, &m.ToolCalls, &m.LatencyP50, &m.LatencyP95, &m.LatencyAvg,
		&hbStr, &modelsJSON, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.CostUSD, _ = decimal.NewFromString(costStr)
	if hbStr.Valid {
		t, _ := time.Parse(time.RFC3339Nano, hbStr.String)
		m.LastHeartbeat = &t
	}
	_ = json.Unmarshal([]byte(modelsJSON), &m.ModelsUsed)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &m, nil
}

// CountDailyRows returns the number of rollup rows for a date (tests).
func (s *Store) CountDailyRows(date string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM obs_daily_metrics WHERE date = ?`, date).Scan(&n)
	return n, err
}

type wsAgentPair struct {
	workspace int64
	agent     int64
}

func (s *Store) dailyPairs(from, to time.Time) ([]wsAgentPair, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT workspace_id, COALESCE(agent_id, 0) FROM obs_events
		 WHERE created_at >= ? AND created_at < ?`,
		from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wsAgentPair
	for rows.Next() {
		var p wsAgentPair
		if err := rows.Scan(&p.workspace, &p.agent); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) computeDaily(workspaceID, agentID int64, from, to time.Time) (*DailyMetrics, error) {
	m := &DailyMetrics{
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		CostUSD:     decimal.Zero,
		ModelsUsed:  map[string]int64{},
		UpdatedAt:   time.Now().UTC(),
	}

	agentCond := `agent_id = ?`
	agentArg := any(agentID)
	if agentID == 0 {
		agentCond = `agent_id IS NULL`
		agentArg = nil
	}

	// Events scan: tokens, cost, tool calls, llm latencies, heartbeat, models.
	query := `SELECT event_type, tokens_in, tokens_out, cost_usd, latency_ms, model, created_at
		 FROM obs_events WHERE workspace_id = ? AND ` + agentCond + ` AND created_at >= ? AND created_at < ? ORDER BY seq`
	args := []any{workspaceID}
	if agentArg != nil {
		args = append(args, agentArg)
	}
	args = append(args, from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var llmLatencies []int64
	var latencySum int64
	for rows.Next() {
		var (
			typ, costStr, model, createdStr string
			tin, tout, lat                  int64
		)
		if err := rows.Scan(&typ, &tin, &tout, &costStr, &lat, &model, &createdStr); err != nil {
			continue
		}
		m.TokensIn += tin
		m.TokensOut += tout
		if d, err := decimal.NewFromString(costStr); err == nil {
			m.CostUSD = m.CostUSD.Add(d)
		}
		switch typ {
		case TypeToolCall:
			m.ToolCalls++
		case TypeLLMCall:
			llmLatencies = append(llmLatencies, lat)
			latencySum += lat
			if model != "" {
				m.ModelsUsed[model]++
			}
		case TypeHeartbeat:
			if t, err := time.Parse(time.RFC3339Nano, createdStr); err == nil {
				if m.LastHeartbeat == nil || t.After(*m.LastHeartbeat) {
					m.LastHeartbeat = &t
				}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Latency percentiles cover llm_call events only.
	if len(llmLatencies) > 0 {
		sort.Slice(llmLatencies, func(i, j int) bool { return llmLatencies[i] < llmLatencies[j] })
		m.LatencyP50 = percentile(llmLatencies, 50)
		m.LatencyP95 = percentile(llmLatencies, 95)
		m.LatencyAvg = latencySum / int64(len(llmLatencies))
	}

	// Run counts from the run index.
	runQuery := `SELECT status, COUNT(*) FROM obs_runs
		 WHERE workspace_id = ? AND ` + agentCond + ` AND started_at >= ? AND started_at < ? GROUP BY status`
	runArgs := []any{workspaceID}
	if agentArg != nil {
		runArgs = append(runArgs, agentArg)
	}
	runArgs = append(runArgs, from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))

	runRows, err := s.db.Query(runQuery, runArgs...)
	if err != nil {
		return nil, err
	}
	defer runRows.Close()

	for runRows.Next() {
		var status string
		var count int64
		if err := runRows.Scan(&status, &count); err != nil {
			continue
		}
		m.RunsTotal += count
		switch status {
		case RunStatusSuccess:
			m.RunsSuccess += count
		case RunStatusError:
			m.RunsFailed += count
		}
	}
	return m, runRows.Err()
}

func (s *Store) upsertDaily(m *DailyMetrics) error {
	modelsJSON, _ := json.Marshal(m.ModelsUsed)
	var hb any
	if m.LastHeartbeat != nil {
		hb = m.LastHeartbeat.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.Exec(
		`INSERT INTO obs_daily_metrics
		 (workspace_id, agent_id, date, runs_total, runs_success, runs_failed,
		  tokens_in, tokens_out, cost_usd, tool_calls, latency_p50, latency_p95, latency_avg,
		  last_heartbeat, models_used, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_id, agent_id, date) DO UPDATE SET
			runs_total = excluded.runs_total,
			runs_success = excluded.runs_success,
			runs_failed = excluded.runs_failed,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			cost_usd = excluded.cost_usd,
			tool_calls = excluded.tool_calls,
			latency_p50 = excluded.latency_p50,
			latency_p95 = excluded.latency_p95,
			latency_avg = excluded.latency_avg,
			last_heartbeat = excluded.last_heartbeat,
			models_used = excluded.models_used,
			updated_at = excluded.updated_at`,
		m.WorkspaceID, m.AgentID, m.Date, m.RunsTotal, m.RunsSuccess, m.RunsFailed,
		m.TokensIn, m.TokensOut, m.CostUSD.String(), m.ToolCalls,
		m.LatencyP50, m.LatencyP95, m.LatencyAvg, hb, string(modelsJSON),
		m.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// percentile returns the nearest-rank percentile of a sorted slice.
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
