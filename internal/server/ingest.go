package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stewardops/steward/internal/metrics"
	"github.com/stewardops/steward/internal/obs"
)

// ingestEvent is the wire shape of one ingested event. workspace_id is
// taken from the API key, never from the body.
type ingestEvent struct {
	AgentID   *int64           `json:"agent_id"`
	RunID     string           `json:"run_id"`
	EventType string           `json:"event_type"`
	Status    string           `json:"status"`
	Provider  string           `json:"provider"`
	Model     string           `json:"model"`
	TokensIn  int64            `json:"tokens_in"`
	TokensOut int64            `json:"tokens_out"`
	CostUSD   *decimal.Decimal `json:"cost_usd"`
	LatencyMS int64            `json:"latency_ms"`
	Payload   map[string]any   `json:"payload"`
	DedupeKey string           `json:"dedupe_key"`
	CreatedAt time.Time        `json:"created_at"`
}

func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	key := s.requireIngestKey(w, r)
	if key == nil {
		return
	}
	var req struct {
		Events []ingestEvent `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if len(req.Events) == 0 {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "events must not be empty")
		return
	}
	maxBatch := s.deps.Tiers.GetMaxBatchSize(key.WorkspaceID)
	if len(req.Events) > maxBatch {
		writeJSONError(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("batch size %d exceeds tier limit %d", len(req.Events), maxBatch))
		return
	}

	accepted, deduped := 0, 0
	for _, e := range req.Events {
		evt, err := s.deps.Obs.Emit(obs.EmitParams{
			WorkspaceID: key.WorkspaceID,
			AgentID:     e.AgentID,
			RunID:       e.RunID,
			EventType:   e.EventType,
			Status:      e.Status,
			Provider:    e.Provider,
			Model:       e.Model,
			TokensIn:    e.TokensIn,
			TokensOut:   e.TokensOut,
			CostUSD:     e.CostUSD,
			LatencyMS:   e.LatencyMS,
			Payload:     e.Payload,
			DedupeKey:   e.DedupeKey,
			CreatedAt:   e.CreatedAt,
		})
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		if evt == nil {
			deduped++
			continue
		}
		accepted++
		metrics.EventsIngestedTotal.WithLabelValues(evt.EventType, evt.Status).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"accepted": accepted,
		"deduped":  deduped,
	})
}

func (s *Server) handleIngestHeartbeat(w http.ResponseWriter, r *http.Request) {
	key := s.requireIngestKey(w, r)
	if key == nil {
		return
	}
	var req struct {
		AgentID *int64         `json:"agent_id"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	evt, err := s.deps.Obs.Emit(obs.EmitParams{
		WorkspaceID: key.WorkspaceID,
		AgentID:     req.AgentID,
		EventType:   obs.TypeHeartbeat,
		Status:      obs.StatusInfo,
		Payload:     req.Payload,
	})
	if err != nil {
		s.internalError(w, "ingest heartbeat", err)
		return
	}
	metrics.EventsIngestedTotal.WithLabelValues(evt.EventType, evt.Status).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event_id": evt.ID})
}

func (s *Server) handleListObsEvents(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	f := obs.EventFilter{
		WorkspaceID: u.WorkspaceID,
		RunID:       r.URL.Query().Get("run_id"),
		EventType:   r.URL.Query().Get("event_type"),
		Limit:       queryInt(r, "limit", 100),
	}
	if from, to, ok := dateRange(r); ok {
		f.Since, f.Until = s.deps.Tiers.ClampDateRange(u.WorkspaceID, from, to)
	}
	events, err := s.deps.Obs.ListEvents(f)
	if err != nil {
		s.internalError(w, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": events})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	runs, err := s.deps.Obs.ListRuns(u.WorkspaceID, queryInt(r, "limit", 50))
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "runs": runs})
}

// dateRange parses optional from/to query params (RFC 3339).
func dateRange(r *http.Request) (time.Time, time.Time, bool) {
	fromStr, toStr := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if fromStr == "" && toStr == "" {
		return time.Time{}, time.Time{}, false
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		from = time.Now().UTC().AddDate(0, 0, -7)
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		to = time.Now().UTC()
	}
	return from, to, true
}
