package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/stewardops/steward/internal/obs"
)

func (s *Server) handleListAlertRules(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	rules, err := s.deps.Obs.ListAlertRules(u.WorkspaceID)
	if err != nil {
		s.internalError(w, "list alert rules", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "rules": rules})
}

func (s *Server) handleCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	if ok, msg := s.deps.Tiers.CheckAlertRuleLimit(u.WorkspaceID); !ok {
		writeJSONError(w, http.StatusBadRequest, "tier_limit", msg)
		return
	}
	var req struct {
		Name      string          `json:"name"`
		Metric    string          `json:"metric"`
		Threshold decimal.Decimal `json:"threshold"`
		Channel   string          `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	rule, err := s.deps.Obs.CreateAlertRule(u.WorkspaceID, req.Name, req.Metric, req.Threshold, req.Channel)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "rule": rule})
}

func (s *Server) handleDeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	if err := s.deps.Obs.DeleteAlertRule(id, u.WorkspaceID); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	keys, err := s.deps.Keys.ListWorkspace(u.WorkspaceID)
	if err != nil {
		s.internalError(w, "list api keys", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "keys": keys})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	if ok, msg := s.deps.Tiers.CheckAPIKeyLimit(u.WorkspaceID); !ok {
		writeJSONError(w, http.StatusBadRequest, "tier_limit", msg)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	key, plain, err := s.deps.Keys.Create(u.WorkspaceID, req.Name)
	if err != nil {
		s.internalError(w, "create api key", err)
		return
	}
	// The plaintext token is returned exactly once.
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "key": key, "token": plain})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Keys.Revoke(id, u.WorkspaceID); err != nil {
		if errors.Is(err, obs.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.internalError(w, "revoke api key", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
