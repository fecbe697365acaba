package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/stewardops/steward/internal/blueprint"
)

func (s *Server) handleListBlueprints(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	f := blueprint.ListFilter{
		Status:   r.URL.Query().Get("status"),
		RoleType: r.URL.Query().Get("role_type"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	list, err := s.deps.Catalog.List(u.WorkspaceID, f)
	if err != nil {
		s.internalError(w, "list blueprints", err)
		return
	}
	total, err := s.deps.Catalog.Count(u.WorkspaceID)
	if err != nil {
		s.internalError(w, "count blueprints", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "blueprints": list, "total": total})
}

type blueprintRequest struct {
	Name        string `json:"name"`
	RoleType    string `json:"role_type"`
	Description string `json:"description"`
}

func (s *Server) handleCreateBlueprint(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	var req blueprintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	bp, err := s.deps.Catalog.Create(u.WorkspaceID, req.Name, req.RoleType, req.Description)
	if err != nil {
		s.blueprintError(w, "create blueprint", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "blueprint": bp})
}

func (s *Server) handleGetBlueprint(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	bp, err := s.deps.Catalog.Get(r.PathValue("id"), u.WorkspaceID)
	if err != nil {
		s.blueprintError(w, "get blueprint", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "blueprint": bp})
}

func (s *Server) handleUpdateBlueprint(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	var req blueprintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	bp, err := s.deps.Catalog.UpdateDraft(r.PathValue("id"), u.WorkspaceID, req.Name, req.RoleType, req.Description)
	if err != nil {
		s.blueprintError(w, "update blueprint", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "blueprint": bp})
}

func (s *Server) handleDeleteBlueprint(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	if err := s.deps.Catalog.Delete(r.PathValue("id"), u.WorkspaceID); err != nil {
		s.blueprintError(w, "delete blueprint", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type publishRequest struct {
	AllowedModels      []string                  `json:"allowed_models"`
	AllowedTools       []string                  `json:"allowed_tools"`
	DefaultRiskProfile map[string]any            `json:"default_risk_profile"`
	HierarchyDefaults  map[string]any            `json:"hierarchy_defaults"`
	OverridePolicy     *blueprint.OverridePolicy `json:"override_policy"`
	LLMDefaults        map[string]any            `json:"llm_defaults"`
	IdentityDefaults   map[string]any            `json:"identity_defaults"`
	CapabilityIDs      []int64                   `json:"capability_ids"`
	Changelog          string                    `json:"changelog"`
}

func (s *Server) handlePublishBlueprint(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	v, err := s.deps.Catalog.Publish(r.PathValue("id"), u.WorkspaceID, blueprint.VersionFields{
		AllowedModels:      req.AllowedModels,
		AllowedTools:       req.AllowedTools,
		DefaultRiskProfile: req.DefaultRiskProfile,
		HierarchyDefaults:  req.HierarchyDefaults,
		OverridePolicy:     req.OverridePolicy,
		LLMDefaults:        req.LLMDefaults,
		IdentityDefaults:   req.IdentityDefaults,
		Changelog:          req.Changelog,
	}, req.CapabilityIDs)
	if err != nil {
		s.blueprintError(w, "publish blueprint", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "version": v})
}

func (s *Server) handleArchiveBlueprint(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	bp, err := s.deps.Catalog.Archive(r.PathValue("id"), u.WorkspaceID)
	if err != nil {
		s.blueprintError(w, "archive blueprint", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "blueprint": bp})
}

func (s *Server) handleCloneBlueprint(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	var req struct {
		Version int    `json:"version"`
		Name    string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	bp, err := s.deps.Catalog.Clone(r.PathValue("id"), u.WorkspaceID, req.Version, req.Name)
	if err != nil {
		s.blueprintError(w, "clone blueprint", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "blueprint": bp})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	versions, err := s.deps.Catalog.ListVersions(r.PathValue("id"), u.WorkspaceID, queryInt(r, "limit", 20))
	if err != nil {
		s.blueprintError(w, "list versions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "versions": versions})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "version must be a positive integer")
		return
	}
	v, err := s.deps.Catalog.GetVersion(r.PathValue("id"), u.WorkspaceID, n)
	if err != nil {
		s.blueprintError(w, "get version", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "version": v})
}

func (s *Server) handleMigrateWorkspace(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	result, err := s.deps.Binder.MigrateWorkspace(u.WorkspaceID)
	if err != nil {
		s.internalError(w, "migrate workspace", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

// blueprintError maps catalog errors onto status codes.
func (s *Server) blueprintError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, blueprint.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, blueprint.ErrInvalidRole),
		errors.Is(err, blueprint.ErrNotDraft),
		errors.Is(err, blueprint.ErrArchived),
		errors.Is(err, blueprint.ErrDraftArchive):
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.internalError(w, op, err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
