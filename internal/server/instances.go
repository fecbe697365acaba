package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stewardops/steward/internal/blueprint"
	"github.com/stewardops/steward/internal/instance"
)

func (s *Server) handleInstantiate(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	agentID, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		BlueprintID string         `json:"blueprint_id"`
		Version     int            `json:"version"`
		Overrides   map[string]any `json:"overrides"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.BlueprintID == "" || req.Version < 1 {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "blueprint_id and version are required")
		return
	}
	inst, err := s.deps.Binder.Instantiate(agentID, u.WorkspaceID, req.BlueprintID, req.Version, req.Overrides)
	if err != nil {
		s.instanceError(w, "instantiate agent", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "instance": inst})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	agentID, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	inst, err := s.deps.Binder.Get(agentID)
	if err != nil {
		s.instanceError(w, "get instance", err)
		return
	}
	// An instance id is guessable; never disclose across workspaces.
	if inst.WorkspaceID != u.WorkspaceID {
		writeJSONError(w, http.StatusNotFound, "not_found", instance.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "instance": inst})
}

func (s *Server) handleRefreshInstance(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	agentID, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	if ok := s.ownInstance(w, u.WorkspaceID, agentID); !ok {
		return
	}
	var req struct {
		Version   int            `json:"version"`
		Overrides map[string]any `json:"overrides"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	inst, err := s.deps.Binder.Refresh(agentID, req.Version, req.Overrides)
	if err != nil {
		s.instanceError(w, "refresh instance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "instance": inst})
}

func (s *Server) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	agentID, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	if ok := s.ownInstance(w, u.WorkspaceID, agentID); !ok {
		return
	}
	if err := s.deps.Binder.Remove(agentID); err != nil {
		s.instanceError(w, "remove instance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleConvertToBlueprint(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	agentID, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	// Body is optional for this endpoint.
	_ = json.NewDecoder(r.Body).Decode(&req)

	inst, err := s.deps.Binder.ConvertToBlueprint(agentID, u.WorkspaceID, req.Name)
	if err != nil {
		s.instanceError(w, "convert agent", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "instance": inst})
}

// ownInstance verifies the instance exists in the caller's workspace.
func (s *Server) ownInstance(w http.ResponseWriter, workspaceID, agentID int64) bool {
	inst, err := s.deps.Binder.Get(agentID)
	if err != nil {
		s.instanceError(w, "get instance", err)
		return false
	}
	if inst.WorkspaceID != workspaceID {
		writeJSONError(w, http.StatusNotFound, "not_found", instance.ErrNotFound.Error())
		return false
	}
	return true
}

func (s *Server) instanceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, instance.ErrNotFound), errors.Is(err, instance.ErrForeignAgent),
		errors.Is(err, blueprint.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, instance.ErrAlreadyBound), errors.Is(err, instance.ErrNotPublished),
		errors.Is(err, instance.ErrBadOverrides):
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.internalError(w, op, err)
	}
}
