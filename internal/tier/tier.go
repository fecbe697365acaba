// Package tier enforces per-workspace billing tiers: quantitative
// limits (agents, alert rules, API keys), feature flags, and retention
// windows. Lookups go through a process-local cache with a 60 second
// TTL; any tier mutation must call Invalidate. Cross-process cache
// invalidation is out of scope — in a multi-instance deployment the
// TTL bounds staleness.
package tier

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/metrics"
	"github.com/stewardops/steward/internal/store"
)

// CacheTTL bounds staleness of cached tier records.
const CacheTTL = 60 * time.Second

// Tier is the effective tier record for a workspace.
type Tier struct {
	WorkspaceID        int64     `json:"workspace_id"`
	TierName           string    `json:"tier_name"`
	AgentLimit         int       `json:"agent_limit"`
	RetentionDays      int       `json:"retention_days"`
	AlertRuleLimit     int       `json:"alert_rule_limit"`
	APIKeyLimit        int       `json:"api_key_limit"`
	HealthHistoryDays  int       `json:"health_history_days"`
	MaxBatchSize       int       `json:"max_batch_size"`
	AnomalyDetection   bool      `json:"anomaly_detection"`
	SlackNotifications bool      `json:"slack_notifications"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// FreeDefaults is the tier applied when a workspace has no tier row.
func FreeDefaults(workspaceID int64) Tier {
	return Tier{
		WorkspaceID:       workspaceID,
		TierName:          "free",
		AgentLimit:        2,
		RetentionDays:     7,
		AlertRuleLimit:    0,
		APIKeyLimit:       1,
		HealthHistoryDays: 1,
		MaxBatchSize:      100,
	}
}

// ProductionDefaults is the preset written by billing for paid
// workspaces.
func ProductionDefaults(workspaceID int64) Tier {
	return Tier{
		WorkspaceID:        workspaceID,
		TierName:           "production",
		AgentLimit:         25,
		RetentionDays:      90,
		AlertRuleLimit:     3,
		APIKeyLimit:        10,
		HealthHistoryDays:  30,
		MaxBatchSize:       1000,
		AnomalyDetection:   true,
		SlackNotifications: true,
	}
}

// MonitorCounter is the slice of the observability store the registry
// needs: how many distinct agents already have events, and whether a
// given agent does.
type MonitorCounter interface {
	MonitoredAgentCount(workspaceID int64) (int, error)
	HasAgentEvents(workspaceID, agentID int64) (bool, error)
}

// AlertRuleCounter counts enabled alert rules per workspace.
type AlertRuleCounter interface {
	CountAlertRules(workspaceID int64) (int, error)
}

// KeyCounter counts enabled API keys per workspace.
type KeyCounter interface {
	CountWorkspace(workspaceID int64) (int, error)
}

type cacheEntry struct {
	tier      Tier
	fetchedAt time.Time
}

// Registry serves effective tier records and limit predicates.
type Registry struct {
	db       *store.DB
	monitors MonitorCounter
	rules    AlertRuleCounter
	keys     KeyCounter
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[int64]cacheEntry
}

// NewRegistry ensures the workspace_tiers schema and returns a registry.
func NewRegistry(db *store.DB, monitors MonitorCounter, rules AlertRuleCounter, keys KeyCounter, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS workspace_tiers (
		workspace_id        INTEGER PRIMARY KEY,
		tier_name           TEXT NOT NULL,
		agent_limit         INTEGER NOT NULL,
		retention_days      INTEGER NOT NULL,
		alert_rule_limit    INTEGER NOT NULL,
		api_key_limit       INTEGER NOT NULL,
		health_history_days INTEGER NOT NULL,
		max_batch_size      INTEGER NOT NULL,
		anomaly_detection   INTEGER NOT NULL DEFAULT 0,
		slack_notifications INTEGER NOT NULL DEFAULT 0,
		updated_at          TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create workspace_tiers: %w", err)
	}
	return &Registry{
		db:       db,
		monitors: monitors,
		rules:    rules,
		keys:     keys,
		logger:   logger.Named("tier"),
		cache:    make(map[int64]cacheEntry),
	}, nil
}

// Get returns the effective tier for a workspace: the persisted record,
// or the free defaults when none exists. Served from cache within the
// TTL.
func (r *Registry) Get(workspaceID int64) Tier {
	r.mu.RLock()
	if e, ok := r.cache[workspaceID]; ok && time.Since(e.fetchedAt) < CacheTTL {
		r.mu.RUnlock()
		metrics.TierCacheTotal.WithLabelValues("hit").Inc()
		return e.tier
	}
	r.mu.RUnlock()
	metrics.TierCacheTotal.WithLabelValues("miss").Inc()

	t, err := r.load(workspaceID)
	if err != nil {
		// Read-only governance lookups fail open to the free tier.
		r.logger.Warn("tier load failed, using free defaults",
			zap.Int64("workspace", workspaceID), zap.Error(err))
		t = FreeDefaults(workspaceID)
	}

	r.mu.Lock()
	r.cache[workspaceID] = cacheEntry{tier: t, fetchedAt: time.Now()}
	r.mu.Unlock()
	return t
}

// Invalidate drops the cache entry; the next Get observes mutations.
func (r *Registry) Invalidate(workspaceID int64) {
	r.mu.Lock()
	delete(r.cache, workspaceID)
	r.mu.Unlock()
}

// Upsert writes the tier record for a workspace and invalidates the
// cache entry.
func (r *Registry) Upsert(t Tier) error {
	if t.TierName == "" {
		return fmt.Errorf("tier_name must not be empty")
	}
	now := time.Now().UTC()
	_, err := r.db.Exec(
		`INSERT INTO workspace_tiers
		 (workspace_id, tier_name, agent_limit, retention_days, alert_rule_limit,
		  api_key_limit, health_history_days, max_batch_size, anomaly_detection,
		  slack_notifications, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_id) DO UPDATE SET
			tier_name = excluded.tier_name,
			agent_limit = excluded.agent_limit,
			retention_days = excluded.retention_days,
			alert_rule_limit = excluded.alert_rule_limit,
			api_key_limit = excluded.api_key_limit,
			health_history_days = excluded.health_history_days,
			max_batch_size = excluded.max_batch_size,
			anomaly_detection = excluded.anomaly_detection,
			slack_notifications = excluded.slack_notifications,
			updated_at = excluded.updated_at`,
		t.WorkspaceID, t.TierName, t.AgentLimit, t.RetentionDays, t.AlertRuleLimit,
		t.APIKeyLimit, t.HealthHistoryDays, t.MaxBatchSize,
		boolInt(t.AnomalyDetection), boolInt(t.SlackNotifications),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert tier: %w", err)
	}
	r.Invalidate(t.WorkspaceID)
	return nil
}

// CheckAgentLimit reports whether the workspace may bring one more
// agent under monitoring. Limits deny at or above the threshold.
func (r *Registry) CheckAgentLimit(workspaceID int64) (bool, string) {
	t := r.Get(workspaceID)
	count, err := r.monitors.MonitoredAgentCount(workspaceID)
	if err != nil {
		// Fail open: governance reads never block the caller on
		// infrastructure trouble.
		return true, ""
	}
	if count >= t.AgentLimit {
		return false, fmt.Sprintf(
			"Agent limit reached (%d/%d on the %s tier). Upgrade tier to monitor more agents.",
			count, t.AgentLimit, t.TierName)
	}
	return true, ""
}

// CheckAgentAllowed reports whether this specific agent may operate.
// Agents that already have events are grandfathered past the limit.
func (r *Registry) CheckAgentAllowed(workspaceID, agentID int64) (bool, string) {
	seen, err := r.monitors.HasAgentEvents(workspaceID, agentID)
	if err != nil {
		return true, ""
	}
	if seen {
		return true, ""
	}
	return r.CheckAgentLimit(workspaceID)
}

// CheckAlertRuleLimit reports whether one more alert rule may be
// created.
func (r *Registry) CheckAlertRuleLimit(workspaceID int64) (bool, string) {
	t := r.Get(workspaceID)
	count, err := r.rules.CountAlertRules(workspaceID)
	if err != nil {
		return true, ""
	}
	if count >= t.AlertRuleLimit {
		return false, fmt.Sprintf(
			"Alert rule limit reached (%d/%d on the %s tier). Upgrade tier to add more rules.",
			count, t.AlertRuleLimit, t.TierName)
	}
	return true, ""
}

// CheckAPIKeyLimit reports whether one more ingest key may be created.
func (r *Registry) CheckAPIKeyLimit(workspaceID int64) (bool, string) {
	t := r.Get(workspaceID)
	count, err := r.keys.CountWorkspace(workspaceID)
	if err != nil {
		return true, ""
	}
	if count >= t.APIKeyLimit {
		return false, fmt.Sprintf(
			"API key limit reached (%d/%d on the %s tier). Upgrade tier to add more keys.",
			count, t.APIKeyLimit, t.TierName)
	}
	return true, ""
}

// CheckAnomalyDetection reports the anomaly-detection feature flag.
func (r *Registry) CheckAnomalyDetection(workspaceID int64) bool {
	return r.Get(workspaceID).AnomalyDetection
}

// CheckSlackNotifications reports the Slack-notification feature flag.
func (r *Registry) CheckSlackNotifications(workspaceID int64) bool {
	return r.Get(workspaceID).SlackNotifications
}

// GetMaxBatchSize returns the ingest batch cap.
func (r *Registry) GetMaxBatchSize(workspaceID int64) int {
	return r.Get(workspaceID).MaxBatchSize
}

// GetRetentionCutoff returns the oldest timestamp the tier retains.
// The retention GC applies an additional 24h grace on top of this.
func (r *Registry) GetRetentionCutoff(workspaceID int64) time.Time {
	t := r.Get(workspaceID)
	return time.Now().UTC().AddDate(0, 0, -t.RetentionDays)
}

// GetHealthHistoryCutoff returns the oldest timestamp visible in
// health-history queries.
func (r *Registry) GetHealthHistoryCutoff(workspaceID int64) time.Time {
	t := r.Get(workspaceID)
	return time.Now().UTC().AddDate(0, 0, -t.HealthHistoryDays)
}

// ClampDateRange clamps a query range to the retention window. Zero
// times are filled with the cutoff and now respectively.
func (r *Registry) ClampDateRange(workspaceID int64, from, to time.Time) (time.Time, time.Time) {
	cutoff := r.GetRetentionCutoff(workspaceID)
	now := time.Now().UTC()

	if from.IsZero() || from.Before(cutoff) {
		from = cutoff
	}
	if to.IsZero() || to.After(now) {
		to = now
	}
	if to.Before(from) {
		to = from
	}
	return from, to
}

func (r *Registry) load(workspaceID int64) (Tier, error) {
	row := r.db.QueryRow(
		`SELECT workspace_id, tier_name, agent_limit, retention_days, alert_rule_limit,
		 api_key_limit, health_history_days, max_batch_size, anomaly_detection,
		 slack_notifications, updated_at
		 FROM workspace_tiers WHERE workspace_id = ?`, workspaceID)

	var (
		t              Tier
		anomaly, slack int
		updatedStr     string
	)
	err := row.Scan(&t.WorkspaceID, &t.TierName, &t.AgentLimit, &t.RetentionDays,
		&t.AlertRuleLimit, &t.APIKeyLimit, &t.HealthHistoryDays, &t.MaxBatchSize,
		&anomaly, &slack, &updatedStr)
	if err == sql.ErrNoRows {
		return FreeDefaults(workspaceID), nil
	}
	if err != nil {
		return Tier{}, err
	}
	t.AnomalyDetection = anomaly != 0
	t.SlackNotifications = slack != 0
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
