package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/stewardops/steward/internal/capability"
)

type capabilityRequest struct {
	Name             string                      `json:"name"`
	Description      string                      `json:"description"`
	ToolSet          []string                    `json:"tool_set"`
	ModelConstraints capability.ModelConstraints `json:"model_constraints"`
	RiskConstraints  map[string]any              `json:"risk_constraints"`
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	list, err := s.deps.Bundles.List(u.WorkspaceID)
	if err != nil {
		s.internalError(w, "list capabilities", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "capabilities": list})
}

func (s *Server) handleCreateCapability(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	var req capabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	b, err := s.deps.Bundles.Create(u.WorkspaceID, req.Name, req.Description,
		req.ToolSet, req.ModelConstraints, req.RiskConstraints, false)
	if err != nil {
		s.capabilityError(w, "create capability", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "capability": b})
}

func (s *Server) handleGetCapability(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	b, err := s.deps.Bundles.Get(id, u.WorkspaceID)
	if err != nil {
		s.capabilityError(w, "get capability", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "capability": b})
}

func (s *Server) handleUpdateCapability(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	var req capabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	b, err := s.deps.Bundles.Update(id, u.WorkspaceID, req.Name, req.Description,
		req.ToolSet, req.ModelConstraints, req.RiskConstraints)
	if err != nil {
		s.capabilityError(w, "update capability", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "capability": b})
}

func (s *Server) handleDeleteCapability(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	if err := s.deps.Bundles.Delete(id, u.WorkspaceID); err != nil {
		s.capabilityError(w, "delete capability", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) capabilityError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, capability.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, capability.ErrConflict), errors.Is(err, capability.ErrSystem):
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.internalError(w, op, err)
	}
}

func pathInt64(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(key), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "bad_request", key+" must be a positive integer")
		return 0, false
	}
	return id, true
}
