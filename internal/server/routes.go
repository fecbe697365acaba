package server

import (
	"net/http"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", s.metricsHandler())

	// Login/session
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /me", s.handleMe)

	// Blueprints
	mux.HandleFunc("GET /blueprints", s.handleListBlueprints)
	mux.HandleFunc("POST /blueprints", s.handleCreateBlueprint)
	mux.HandleFunc("GET /blueprints/{id}", s.handleGetBlueprint)
	mux.HandleFunc("POST /blueprints/{id}", s.handleUpdateBlueprint)
	mux.HandleFunc("DELETE /blueprints/{id}", s.handleDeleteBlueprint)
	mux.HandleFunc("POST /blueprints/{id}/publish", s.handlePublishBlueprint)
	mux.HandleFunc("POST /blueprints/{id}/archive", s.handleArchiveBlueprint)
	mux.HandleFunc("POST /blueprints/{id}/clone", s.handleCloneBlueprint)
	mux.HandleFunc("GET /blueprints/{id}/versions", s.handleListVersions)
	mux.HandleFunc("GET /blueprints/{id}/versions/{n}", s.handleGetVersion)
	mux.HandleFunc("POST /blueprints/migrate-workspace", s.handleMigrateWorkspace)

	// Capability bundles
	mux.HandleFunc("GET /capabilities", s.handleListCapabilities)
	mux.HandleFunc("POST /capabilities", s.handleCreateCapability)
	mux.HandleFunc("GET /capabilities/{id}", s.handleGetCapability)
	mux.HandleFunc("POST /capabilities/{id}", s.handleUpdateCapability)
	mux.HandleFunc("DELETE /capabilities/{id}", s.handleDeleteCapability)

	// Agent binding
	mux.HandleFunc("POST /agents/{id}/instantiate", s.handleInstantiate)
	mux.HandleFunc("GET /agents/{id}/instance", s.handleGetInstance)
	mux.HandleFunc("POST /agents/{id}/instance/refresh", s.handleRefreshInstance)
	mux.HandleFunc("DELETE /agents/{id}/instance", s.handleRemoveInstance)
	mux.HandleFunc("POST /agents/{id}/convert-to-blueprint", s.handleConvertToBlueprint)

	// Risk policies + events
	mux.HandleFunc("GET /risk/policies", s.handleListRiskPolicies)
	mux.HandleFunc("POST /risk/policies", s.handleUpsertRiskPolicy)
	mux.HandleFunc("DELETE /risk/policies/{id}", s.handleDeleteRiskPolicy)
	mux.HandleFunc("GET /risk/events", s.handleListRiskEvents)
	mux.HandleFunc("GET /risk/events/{id}/audit", s.handleRiskEventAudit)

	// Approvals
	mux.HandleFunc("GET /agent-actions/pending", s.handlePendingActions)
	mux.HandleFunc("GET /agent-actions/{id}", s.handleGetAction)
	mux.HandleFunc("POST /agent-actions/{id}/approve", s.handleApproveAction)
	mux.HandleFunc("POST /agent-actions/{id}/reject", s.handleRejectAction)

	// Observability ingest (API-key auth, not cookie)
	mux.HandleFunc("POST /obs/ingest/events", s.handleIngestEvents)
	mux.HandleFunc("POST /obs/ingest/heartbeat", s.handleIngestHeartbeat)

	// Observability queries + alert rules + keys
	mux.HandleFunc("GET /obs/events", s.handleListObsEvents)
	mux.HandleFunc("GET /obs/runs", s.handleListRuns)
	mux.HandleFunc("GET /obs/alerts/rules", s.handleListAlertRules)
	mux.HandleFunc("POST /obs/alerts/rules", s.handleCreateAlertRule)
	mux.HandleFunc("DELETE /obs/alerts/rules/{id}", s.handleDeleteAlertRule)
	mux.HandleFunc("GET /obs/keys", s.handleListKeys)
	mux.HandleFunc("POST /obs/keys", s.handleCreateKey)
	mux.HandleFunc("DELETE /obs/keys/{id}", s.handleRevokeKey)

	// Audit
	mux.HandleFunc("GET /audit", s.handleAuditQuery)

	// Cron/admin (shared secret or admin password)
	mux.HandleFunc("POST /obs/internal/enforce-risk", s.handleEnforceRisk)
	mux.HandleFunc("POST /obs/internal/retention-cleanup", s.handleRetentionCleanup)
	mux.HandleFunc("POST /obs/internal/aggregate-daily", s.handleAggregateDaily)
	mux.HandleFunc("POST /admin/tiers", s.handleUpsertTier)
	mux.HandleFunc("POST /admin/users", s.handleCreateUser)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	})
}
