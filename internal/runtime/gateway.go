package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stewardops/steward/internal/metrics"
	"github.com/stewardops/steward/internal/obs"
	"github.com/stewardops/steward/internal/tier"
)

// argPreviewLimit caps the serialized argument preview stored on
// tool_call events.
const argPreviewLimit = 500

// ToolExecutor is the adapter boundary to the workspace tool catalog.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, toolName string, workspaceID int64, args map[string]any) (map[string]any, error)
	ListTools(workspaceID int64) []string
}

// Gateway mediates every tool call of one execution context: capability
// check, governance re-check, dispatch, and observability emission.
// Emission is best-effort; a broken observability store never fails the
// call.
type Gateway struct {
	ctx      *ExecutionContext
	tools    ToolExecutor
	tiers    *tier.Registry
	obsStore *obs.Store
	logger   *zap.Logger
}

// NewGateway scopes a gateway to an execution context.
func NewGateway(ec *ExecutionContext, tools ToolExecutor, tiers *tier.Registry, obsStore *obs.Store, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		ctx:      ec,
		tools:    tools,
		tiers:    tiers,
		obsStore: obsStore,
		logger:   logger.Named("gateway"),
	}
}

// Execute runs one governed tool call and always returns a result map.
// Denials and failures come back as {"error": ...} dicts, never as Go
// errors: the agent loop consumes them as tool output.
func (g *Gateway) Execute(ctx context.Context, toolName string, args map[string]any) map[string]any {
	if allowed := g.ctx.AllowedTools(); allowed != nil {
		if _, ok := allowed[toolName]; !ok {
			msg := fmt.Sprintf("Tool '%s' is not in agent capabilities. Allowed tools: %s",
				toolName, formatToolList(allowed))
			result := map[string]any{"error": msg, "governance": true, "capability_denied": true}
			metrics.CapabilityDenialsTotal.WithLabelValues(toolName).Inc()
			metrics.ToolCallsTotal.WithLabelValues("capability_denied").Inc()
			g.emitResult(toolName, obs.StatusError, 0, result)
			return result
		}
	}

	if ok, msg := g.tiers.CheckAgentAllowed(g.ctx.WorkspaceID, g.ctx.AgentID); !ok {
		result := map[string]any{"error": msg, "governance": true}
		metrics.ToolCallsTotal.WithLabelValues("governance_denied").Inc()
		g.emitResult(toolName, obs.StatusError, 0, result)
		return result
	}

	g.emitCall(toolName, args)

	start := time.Now()
	result, err := g.tools.ExecuteTool(ctx, toolName, g.ctx.WorkspaceID, args)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		result = map[string]any{"error": err.Error()}
	}
	if result == nil {
		result = map[string]any{}
	}

	status := obs.StatusSuccess
	if _, hasErr := result["error"]; hasErr {
		status = obs.StatusError
	}
	metrics.ToolCallsTotal.WithLabelValues(status).Inc()
	g.emitResult(toolName, status, latency, result)
	return result
}

// CheckModelAllowed permits a model by exact or prefix match against
// the snapshot allowlist. Absent or wildcarded snapshot allows all.
func (g *Gateway) CheckModelAllowed(modelID string) bool {
	allowed := g.ctx.AllowedModels()
	if allowed == nil {
		return true
	}
	for entry := range allowed {
		if modelID == entry || strings.HasPrefix(modelID, entry) {
			return true
		}
	}
	return false
}

// ListTools returns the workspace tool catalog filtered by capability.
func (g *Gateway) ListTools() []string {
	catalog := g.tools.ListTools(g.ctx.WorkspaceID)
	allowed := g.ctx.AllowedTools()
	if allowed == nil {
		sort.Strings(catalog)
		return catalog
	}
	out := make([]string, 0, len(catalog))
	for _, name := range catalog {
		if _, ok := allowed[name]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (g *Gateway) emitCall(toolName string, args map[string]any) {
	preview, _ := json.Marshal(args)
	if len(preview) > argPreviewLimit {
		preview = preview[:argPreviewLimit]
	}
	g.emit(obs.EmitParams{
		WorkspaceID: g.ctx.WorkspaceID,
		AgentID:     &g.ctx.AgentID,
		RunID:       g.ctx.RunID,
		EventType:   obs.TypeToolCall,
		Status:      obs.StatusInfo,
		Payload:     map[string]any{"tool": toolName, "args_preview": string(preview)},
	})
}

func (g *Gateway) emitResult(toolName, status string, latencyMS int64, result map[string]any) {
	payload := map[string]any{"tool": toolName}
	if errMsg, ok := result["error"].(string); ok {
		payload["error"] = errMsg
	}
	g.emit(obs.EmitParams{
		WorkspaceID: g.ctx.WorkspaceID,
		AgentID:     &g.ctx.AgentID,
		RunID:       g.ctx.RunID,
		EventType:   obs.TypeToolResult,
		Status:      status,
		LatencyMS:   latencyMS,
		Payload:     payload,
	})
}

func (g *Gateway) emit(p obs.EmitParams) {
	if g.obsStore == nil {
		return
	}
	if _, err := g.obsStore.Emit(p); err != nil {
		g.logger.Warn("event emission failed",
			zap.String("event_type", p.EventType), zap.Error(err))
	}
}

func formatToolList(set map[string]struct{}) string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, "'"+name+"'")
	}
	sort.Strings(names)
	return "[" + strings.Join(names, ", ") + "]"
}
