package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/stewardops/steward/internal/audit"
	"github.com/stewardops/steward/internal/metrics"
	"github.com/stewardops/steward/internal/tier"
)

func (s *Server) handleEnforceRisk(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req struct {
		MaxSeconds int `json:"max_seconds"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.MaxSeconds <= 0 {
		req.MaxSeconds = s.cfg.EnforcementBudgetSeconds
	}

	start := time.Now()
	result := s.deps.Worker.RunCycle(r.Context(), req.MaxSeconds)
	metrics.ObserveEnforcementCycle(time.Since(start))

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"events_created":  result.EventsCreated,
		"events_executed": result.EventsExecuted,
		"elapsed_seconds": result.ElapsedSeconds,
		"truncated":       result.Truncated,
	})
}

func (s *Server) handleRetentionCleanup(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req struct {
		MaxSeconds int `json:"max_seconds"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.MaxSeconds <= 0 {
		req.MaxSeconds = s.cfg.RetentionBudgetSeconds
	}

	result, err := s.deps.GC.Run(r.Context(), req.MaxSeconds)
	if err != nil {
		s.internalError(w, "retention cleanup", err)
		return
	}
	for _, ws := range result.Workspaces {
		metrics.RetentionDeletedTotal.WithLabelValues("events").Add(float64(ws.EventsDeleted))
		metrics.RetentionDeletedTotal.WithLabelValues("runs").Add(float64(ws.RunsDeleted))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (s *Server) handleAggregateDaily(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req struct {
		Date string `json:"date"` // YYYY-MM-DD; empty means yesterday
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	target := time.Now().UTC().AddDate(0, 0, -1)
	if req.Date != "" {
		t, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "date must be YYYY-MM-DD")
			return
		}
		target = t
	}
	rows, err := s.deps.Obs.AggregateDaily(target)
	if err != nil {
		s.internalError(w, "aggregate daily", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"date":    target.Format("2006-01-02"),
		"rows":    rows,
	})
}

func (s *Server) handleUpsertTier(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var t tier.Tier
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if t.WorkspaceID <= 0 {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "workspace_id is required")
		return
	}
	if err := s.deps.Tiers.Upsert(t); err != nil {
		s.internalError(w, "upsert tier", err)
		return
	}
	// Upsert invalidates the cache; the next check sees the new limits.
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tier": s.deps.Tiers.Get(t.WorkspaceID)})
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	f := audit.Filter{
		WorkspaceID: u.WorkspaceID,
		Type:        audit.EventType(r.URL.Query().Get("type")),
		Limit:       queryInt(r, "limit", 100),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		}
	}
	events, err := s.deps.AuditLog.Query(f)
	if err != nil {
		s.internalError(w, "audit query", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": events})
}
