package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/stewardops/steward/internal/risk"
)

func (s *Server) handleListRiskPolicies(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	policies, err := s.deps.Policies.List(u.WorkspaceID)
	if err != nil {
		s.internalError(w, "list risk policies", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "policies": policies})
}

func (s *Server) handleUpsertRiskPolicy(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	var req struct {
		AgentID         *int64          `json:"agent_id"`
		PolicyType      string          `json:"policy_type"`
		Threshold       decimal.Decimal `json:"threshold"`
		ActionType      string          `json:"action_type"`
		CooldownMinutes int             `json:"cooldown_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if !risk.ValidPolicyType(req.PolicyType) {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid policy_type")
		return
	}
	p, err := s.deps.Policies.Upsert(u.WorkspaceID, req.AgentID, req.PolicyType,
		req.Threshold, req.ActionType, req.CooldownMinutes)
	if err != nil {
		s.internalError(w, "upsert risk policy", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "policy": p})
}

func (s *Server) handleDeleteRiskPolicy(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	if err := s.deps.Policies.Delete(id, u.WorkspaceID); err != nil {
		if errors.Is(err, risk.ErrPolicyNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.internalError(w, "delete risk policy", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListRiskEvents(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	events, err := s.deps.RiskEvents.ListWorkspace(u.WorkspaceID, queryInt(r, "limit", 50))
	if err != nil {
		s.internalError(w, "list risk events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": events})
}

func (s *Server) handleRiskEventAudit(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	evt, err := s.deps.RiskEvents.Get(id)
	if err != nil {
		if errors.Is(err, risk.ErrEventNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.internalError(w, "get risk event", err)
		return
	}
	if evt.WorkspaceID != u.WorkspaceID {
		writeJSONError(w, http.StatusNotFound, "not_found", risk.ErrEventNotFound.Error())
		return
	}
	entries, err := s.deps.RiskEvents.AuditForEvent(id)
	if err != nil {
		s.internalError(w, "risk event audit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": evt, "audit": entries})
}
