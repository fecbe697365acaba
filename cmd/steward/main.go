// Steward control plane — governed multi-agent runtime and
// observability backend.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stewardops/steward/internal/agents"
	"github.com/stewardops/steward/internal/approval"
	"github.com/stewardops/steward/internal/audit"
	"github.com/stewardops/steward/internal/auth"
	"github.com/stewardops/steward/internal/blueprint"
	"github.com/stewardops/steward/internal/capability"
	"github.com/stewardops/steward/internal/config"
	"github.com/stewardops/steward/internal/instance"
	"github.com/stewardops/steward/internal/mcp"
	"github.com/stewardops/steward/internal/metrics"
	"github.com/stewardops/steward/internal/notify"
	"github.com/stewardops/steward/internal/obs"
	"github.com/stewardops/steward/internal/retention"
	"github.com/stewardops/steward/internal/risk"
	"github.com/stewardops/steward/internal/scheduler"
	"github.com/stewardops/steward/internal/server"
	"github.com/stewardops/steward/internal/store"
	"github.com/stewardops/steward/internal/telemetry"
	"github.com/stewardops/steward/internal/tier"
	"github.com/stewardops/steward/internal/tools"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("STEWARD_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger yet; fall back to a bare one for the fatal.
		l, _ := zap.NewProduction()
		l.Fatal("failed to load config", zap.Error(err))
	}

	logger := buildLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	server.Version, server.Commit, server.Date = version, commit, date

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Tracing (noop when no endpoint configured)
	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = shutdownTracing(shutdownCtx)
	}()

	// Shared database
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
		logger.Fatal("cannot create data dir", zap.Error(err))
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	// Stores
	obsStore, err := obs.NewStore(db, logger)
	if err != nil {
		logger.Fatal("obs store", zap.Error(err))
	}
	keyStore, err := obs.NewKeyStore(db)
	if err != nil {
		logger.Fatal("key store", zap.Error(err))
	}
	agentStore, err := agents.NewStore(db)
	if err != nil {
		logger.Fatal("agent store", zap.Error(err))
	}
	auditLog, err := audit.NewLog(db, logger)
	if err != nil {
		logger.Fatal("audit log", zap.Error(err))
	}
	bundles, err := capability.NewStore(db)
	if err != nil {
		logger.Fatal("capability store", zap.Error(err))
	}
	catalog, err := blueprint.NewCatalog(db, bundles, auditLog, logger)
	if err != nil {
		logger.Fatal("blueprint catalog", zap.Error(err))
	}
	policies, err := risk.NewPolicyStore(db)
	if err != nil {
		logger.Fatal("risk policy store", zap.Error(err))
	}
	riskEvents, err := risk.NewEventStore(db)
	if err != nil {
		logger.Fatal("risk event store", zap.Error(err))
	}
	roles, err := instance.NewRoleStore(db)
	if err != nil {
		logger.Fatal("role store", zap.Error(err))
	}
	tiers, err := tier.NewRegistry(db, obsStore, obsStore, keyStore, logger)
	if err != nil {
		logger.Fatal("tier registry", zap.Error(err))
	}
	binder, err := instance.NewBinder(db, catalog, agentStore, policies, roles, auditLog, logger)
	if err != nil {
		logger.Fatal("instance binder", zap.Error(err))
	}
	userStore, err := auth.NewUserStore(db)
	if err != nil {
		logger.Fatal("user store", zap.Error(err))
	}
	sessionStore, err := auth.NewSessionStore(db, auth.DefaultSessionLifetime)
	if err != nil {
		logger.Fatal("session store", zap.Error(err))
	}

	// Notifications
	logrLogger := zapr.NewLogger(logger)
	var warning []notify.Channel
	if cfg.SlackWebhookURL != "" {
		warning = append(warning, notify.NewSlackChannel(cfg.SlackWebhookURL, ""))
	}
	if cfg.AlertWebhookURL != "" {
		warning = append(warning, notify.NewWebhookChannel(cfg.AlertWebhookURL, nil))
	}
	router := notify.NewRouter(notify.SeverityRoute{
		Warning:  warning,
		Critical: warning,
	}, notify.NewRateLimiter(30), tiers, logrLogger)

	// Tool registry: builtins plus MCP servers
	registry := tools.NewRegistry()
	registry.Register(tools.NewHTTPGetTool())
	registry.Register(tools.NewHTTPPostTool())
	if len(cfg.SQLDatabases) > 0 {
		dbs := make(map[string]*tools.SQLDatabase, len(cfg.SQLDatabases))
		for name, d := range cfg.SQLDatabases {
			dbs[name] = &tools.SQLDatabase{Driver: d.Driver, DSN: d.DSN, MaxRows: d.MaxRows}
		}
		registry.Register(tools.NewSQLTool(dbs))
	}

	mcpMgr := mcp.NewManager(logrLogger)
	if len(cfg.MCPServers) > 0 {
		if err := mcpMgr.ConnectAll(ctx, cfg.MCPServers); err != nil {
			logger.Warn("some MCP servers failed to connect", zap.Error(err))
		}
		n := mcpMgr.RegisterTools(registry)
		logger.Info("MCP tools registered", zap.Int("count", n))
	}
	defer mcpMgr.Close()

	// Approval handlers: external actions agents may propose. The
	// generic tool_call handler routes through the same registry the
	// gateway uses.
	handlers := map[approval.HandlerKey]approval.Handler{
		{ActionType: "tool_call", ServiceType: "registry"}: func(workspaceID int64, data map[string]any) (map[string]any, string) {
			name, _ := data["tool"].(string)
			args, _ := data["args"].(map[string]any)
			result, err := registry.ExecuteTool(context.Background(), name, workspaceID, args)
			if err != nil {
				return nil, err.Error()
			}
			return result, ""
		},
		{ActionType: "send_notification", ServiceType: "slack"}: func(workspaceID int64, data map[string]any) (map[string]any, string) {
			subject, _ := data["subject"].(string)
			body, _ := data["body"].(string)
			if err := router.NotifyWorkspace(workspaceID, subject, body); err != nil {
				return nil, err.Error()
			}
			return map[string]any{"delivered": true}, ""
		},
	}
	queue, err := approval.NewQueue(db, handlers, logger)
	if err != nil {
		logger.Fatal("approval queue", zap.Error(err))
	}

	// Risk enforcement + retention
	evaluator := risk.NewEvaluator(policies, riskEvents, obsStore, logger)
	executor := risk.NewExecutor(riskEvents, agentStore, router, logger)
	worker := risk.NewWorker(evaluator, executor, 0, logger)
	gc := retention.New(obsStore, tiers, logger)

	// Metrics
	registryProm := prometheus.NewRegistry()
	registryProm.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(registryProm)

	// Background jobs
	sched := scheduler.New(worker, obsStore, gc, scheduler.Schedules{
		Enforcement:              cfg.EnforcementSchedule,
		Aggregation:              cfg.AggregationSchedule,
		Retention:                cfg.RetentionSchedule,
		EnforcementBudgetSeconds: cfg.EnforcementBudgetSeconds,
		RetentionBudgetSeconds:   cfg.RetentionBudgetSeconds,
	}, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}
	defer sched.Stop()

	srv := server.New(cfg, server.Deps{
		Users:      userStore,
		Sessions:   sessionStore,
		Agents:     agentStore,
		Bundles:    bundles,
		Catalog:    catalog,
		Binder:     binder,
		Roles:      roles,
		Policies:   policies,
		RiskEvents: riskEvents,
		Worker:     worker,
		Queue:      queue,
		Obs:        obsStore,
		Keys:       keyStore,
		Tiers:      tiers,
		AuditLog:   auditLog,
		GC:         gc,
		Registry:   registryProm,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

func buildLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}
