package obs

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stewardops/steward/internal/store"
)

// Run statuses.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusError   = "error"
	RunStatusStopped = "stopped"
)

// Run is one logical unit of agent work; the root of an event tree.
type Run struct {
	ID          string          `json:"id"`
	WorkspaceID int64           `json:"workspace_id"`
	AgentID     *int64          `json:"agent_id,omitempty"`
	Model       string          `json:"model,omitempty"`
	Status      string          `json:"status"`
	TokensIn    int64           `json:"tokens_in"`
	TokensOut   int64           `json:"tokens_out"`
	CostUSD     decimal.Decimal `json:"cost_usd"`
	ToolCalls   int64           `json:"tool_calls"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

func ensureRunsSchema(db *store.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS obs_runs (
		id           TEXT PRIMARY KEY,
		workspace_id INTEGER NOT NULL,
		agent_id     INTEGER,
		model        TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		tokens_in    INTEGER NOT NULL DEFAULT 0,
		tokens_out   INTEGER NOT NULL DEFAULT 0,
		cost_usd     TEXT NOT NULL DEFAULT '0',
		tool_calls   INTEGER NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT '',
		started_at   TEXT NOT NULL,
		finished_at  TEXT
	)`); err != nil {
		return fmt.Errorf("create obs_runs: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_obs_runs_ws_started ON obs_runs(workspace_id, started_at)`)
	return nil
}

// StartRun opens a run and returns it.
func (s *Store) StartRun(workspaceID int64, agentID *int64, model string) (*Run, error) {
	run := &Run{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		Model:       model,
		Status:      RunStatusRunning,
		CostUSD:     decimal.Zero,
		StartedAt:   time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO obs_runs (id, workspace_id, agent_id, model, status, cost_usd, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkspaceID, run.AgentID, run.Model, run.Status,
		run.CostUSD.String(), run.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// RunTotals are the additive deltas applied on finish.
type RunTotals struct {
	TokensIn  int64
	TokensOut int64
	CostUSD   decimal.Decimal
	ToolCalls int64
}

// FinishRun closes a run. Totals are added to the stored values, never
// replaced, so repeated partial flushes stay monotone.
func (s *Store) FinishRun(runID, status, errMsg string, totals RunTotals) (*Run, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	newCost := run.CostUSD.Add(totals.CostUSD)
	_, err = s.db.Exec(
		`UPDATE obs_runs SET status = ?, error = ?,
		 tokens_in = tokens_in + ?, tokens_out = tokens_out + ?,
		 cost_usd = ?, tool_calls = tool_calls + ?, finished_at = ?
		 WHERE id = ?`,
		status, errMsg, totals.TokensIn, totals.TokensOut,
		newCost.String(), totals.ToolCalls, now.Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return nil, fmt.Errorf("finish run: %w", err)
	}
	return s.GetRun(runID)
}

// GetRun returns a run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, workspace_id, agent_id, model, status, tokens_in, tokens_out,
		 cost_usd, tool_calls, error, started_at, finished_at FROM obs_runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns runs for a workspace, newest first.
func (s *Store) ListRuns(workspaceID int64, limit int) ([]*Run, error) {
	query := `SELECT id, workspace_id, agent_id, model, status, tokens_in, tokens_out,
		 cost_usd, tool_calls, error, started_at, finished_at
		 FROM obs_runs WHERE workspace_id = ? ORDER BY started_at DESC`
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

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			continue
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// DeleteRunsBefore hard-deletes up to limit runs started before cutoff
// in one workspace.
func (s *Store) DeleteRunsBefore(workspaceID int64, cutoff time.Time, limit int) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM obs_runs WHERE id IN (
			SELECT id FROM obs_runs WHERE workspace_id = ? AND started_at < ? LIMIT ?
		)`,
		workspaceID, cutoff.UTC().Format(time.RFC3339Nano), limit,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRun(r rowScanner) (*Run, error) {
	var (
		run         Run
		agentID     sql.NullInt64
		costStr     string
		startedStr  string
		finishedStr sql.NullString
	)
	err := r.Scan(&run.ID, &run.WorkspaceID, &agentID, &run.Model, &run.Status,
		&run.TokensIn, &run.TokensOut, &costStr, &run.ToolCalls, &run.Error,
		&startedStr, &finishedStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if agentID.Valid {
		run.AgentID = &agentID.Int64
	}
	run.CostUSD, _ = decimal.NewFromString(costStr)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	if finishedStr.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedStr.String)
		run.FinishedAt = &t
	}
	return &run, nil
}
