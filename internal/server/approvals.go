package server

import (
	"errors"
	"net/http"

	"github.com/stewardops/steward/internal/approval"
	"github.com/stewardops/steward/internal/metrics"
)

func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	actions, err := s.deps.Queue.List(u.WorkspaceID, approval.StatusPending, queryInt(r, "limit", 50))
	if err != nil {
		s.internalError(w, "list pending actions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"actions":       actions,
		"pending_count": len(actions),
	})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	a, err := s.deps.Queue.Get(id, u.WorkspaceID)
	if err != nil {
		s.actionError(w, "get action", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "action": a})
}

func (s *Server) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	a, err := s.deps.Queue.ApproveAndExecute(id, u.WorkspaceID)
	if err != nil {
		s.actionError(w, "approve action", err)
		return
	}
	metrics.ApprovalActionsTotal.WithLabelValues(a.Status).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "action": a})
}

func (s *Server) handleRejectAction(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	a, err := s.deps.Queue.Reject(id, u.WorkspaceID)
	if err != nil {
		s.actionError(w, "reject action", err)
		return
	}
	metrics.ApprovalActionsTotal.WithLabelValues(a.Status).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "action": a})
}

func (s *Server) actionError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, approval.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	s.internalError(w, op, err)
}
