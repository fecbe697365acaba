// Package server assembles the steward subsystems behind one HTTP
// surface. main() builds a Server, calls ListenAndServe, done.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/stewardops/steward/internal/agents"
	"github.com/stewardops/steward/internal/approval"
	"github.com/stewardops/steward/internal/audit"
	"github.com/stewardops/steward/internal/auth"
	"github.com/stewardops/steward/internal/blueprint"
	"github.com/stewardops/steward/internal/capability"
	"github.com/stewardops/steward/internal/config"
	"github.com/stewardops/steward/internal/instance"
	"github.com/stewardops/steward/internal/obs"
	"github.com/stewardops/steward/internal/retention"
	"github.com/stewardops/steward/internal/risk"
	"github.com/stewardops/steward/internal/tier"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const sessionCookie = "steward_session"

// Deps are the assembled subsystems the server fronts. Every field is
// required unless noted.
type Deps struct {
	Users    *auth.UserStore
	Sessions *auth.SessionStore

	Agents  *agents.Store
	Bundles *capability.Store
	Catalog *blueprint.Catalog
	Binder  *instance.Binder
	Roles   *instance.RoleStore

	Policies   *risk.PolicyStore
	RiskEvents *risk.EventStore
	Worker     *risk.Worker

	Queue *approval.Queue

	Obs  *obs.Store
	Keys *obs.KeyStore

	Tiers    *tier.Registry
	AuditLog *audit.Log
	GC       *retention.GC

	// Registry backs /metrics. Optional; nil disables the endpoint.
	Registry *prometheus.Registry
}

// Server is the assembled steward API.
type Server struct {
	cfg    config.Config
	logger *zap.Logger
	deps   Deps

	httpSrv *http.Server
}

// New builds the server and its route table.
func New(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.Named("server"),
		deps:   deps,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks until the server exits.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", zap.String("addr", s.cfg.ListenAddr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// requireUser authenticates the session cookie and returns the user.
// Writes a 401 and returns nil when unauthenticated.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) *auth.User {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return nil
	}
	sess, err := s.deps.Sessions.Validate(c.Value)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "session invalid or expired")
		return nil
	}
	u, err := s.deps.Users.Get(sess.UserID)
	if err != nil || !u.Enabled {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "session invalid or expired")
		return nil
	}
	return u
}

// requireAdmin authorizes the cron/internal endpoints: either the
// shared secret as a bearer token, or the admin password checked
// against the configured bcrypt hash.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AdminSecret == "" && s.cfg.AdminPasswordHash == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "admin access not configured")
		return false
	}
	if tok, ok := bearerToken(r); ok {
		if s.cfg.AdminSecret != "" && subtleEqual(tok, s.cfg.AdminSecret) {
			return true
		}
	}
	if pw := r.Header.Get("X-Admin-Password"); pw != "" && s.cfg.AdminPasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPasswordHash), []byte(pw)) == nil {
			return true
		}
	}
	writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "admin authorization required")
	return false
}

// requireIngestKey authenticates the obsk_ bearer token and resolves
// its workspace.
func (s *Server) requireIngestKey(w http.ResponseWriter, r *http.Request) *obs.APIKey {
	tok, ok := bearerToken(r)
	if !ok || !strings.HasPrefix(tok, obs.KeyPrefix) {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "ingest API key required")
		return nil
	}
	key, err := s.deps.Keys.Verify(tok)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "ingest API key invalid")
		return nil
	}
	return key
}

func (s *Server) metricsHandler() http.Handler {
	if s.deps.Registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func subtleEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
