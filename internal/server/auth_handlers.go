package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stewardops/steward/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	u, err := s.deps.Users.Authenticate(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUserDisabled) {
			writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "invalid credentials")
			return
		}
		s.internalError(w, "login", err)
		return
	}
	sess, err := s.deps.Sessions.Create(u.ID)
	if err != nil {
		s.internalError(w, "login", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": u})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		_ = s.deps.Sessions.Delete(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": u})
}

// handleCreateUser is admin-only bootstrap: workspaces get their first
// user through this endpoint.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req struct {
		WorkspaceID int64  `json:"workspace_id"`
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.WorkspaceID <= 0 || req.Email == "" || req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "workspace_id, email and password are required")
		return
	}
	u, err := s.deps.Users.Create(req.WorkspaceID, req.Email, req.DisplayName, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrEmailAlreadyUsed) {
			writeJSONError(w, http.StatusBadRequest, "conflict", err.Error())
			return
		}
		s.internalError(w, "create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "user": u})
}
