/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package mcp provides the MCP (Model Context Protocol) client
// integration for steward. It connects to external MCP tool servers,
// discovers their tools, and bridges them into the tool registry so the
// gateway can dispatch to them like any built-in tool.
//
// Transport modes supported:
//   - Streamable HTTP (primary) — connects to servers running HTTP endpoints
//   - Stdio (planned) — for sidecar/subprocess MCP servers
//
// Tool names are namespaced: "mcp.<server>.<tool>" to avoid collisions
// with built-in tools (http.*, sql.*).
package mcp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stewardops/steward/internal/tools"
)

// ServerConnection represents a live connection to an MCP server.
type ServerConnection struct {
	// Name is the configured name for this server.
	Name string

	// Endpoint is the URL of the MCP server.
	Endpoint string

	// Session is the active MCP client session.
	Session *mcpsdk.ClientSession

	// Tools are the tools discovered from this server.
	Tools []*mcpsdk.Tool

	// Healthy indicates whether the server passed health check.
	Healthy bool

	// Error holds the last connection error (if any).
	Error error
}

// Manager manages connections to multiple MCP servers. It connects to
// each configured endpoint, discovers tools, and registers them with
// the tool registry.
type Manager struct {
	log         logr.Logger
	client      *mcpsdk.Client
	connections map[string]*ServerConnection
	mu          sync.RWMutex

	httpTimeout time.Duration
}

// NewManager creates a new MCP Manager.
func NewManager(log logr.Logger) *Manager {
	return &Manager{
		log: log.WithName("mcp"),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{
				Name:    "steward",
				Version: "0.1.0",
			},
			nil,
		),
		connections: make(map[string]*ServerConnection),
		httpTimeout: 30 * time.Second,
	}
}

// ConnectAll connects to all configured MCP servers (name -> endpoint).
// It logs warnings for servers that fail to connect but does not fail —
// agents should degrade gracefully when optional MCP servers are
// unavailable.
func (m *Manager) ConnectAll(ctx context.Context, servers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, endpoint := range servers {
		conn := &ServerConnection{
			Name:     name,
			Endpoint: endpoint,
		}

		if err := m.connectOne(ctx, conn); err != nil {
			conn.Error = err
			conn.Healthy = false
			m.log.Error(err, "Failed to connect to MCP server (degrading gracefully)",
				"server", name,
				"endpoint", endpoint,
			)
		}

		m.connections[name] = conn
	}

	return nil
}

// connectOne establishes a connection to a single MCP server.
func (m *Manager) connectOne(ctx context.Context, conn *ServerConnection) error {
	transport := &mcpsdk.StreamableClientTransport{
		Endpoint: conn.Endpoint,
		HTTPClient: &http.Client{
			Timeout: m.httpTimeout,
		},
		DisableStandaloneSSE: true, // We don't need server-initiated notifications
	}

	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", conn.Endpoint, err)
	}
	conn.Session = session

	result, err := session.ListTools(ctx, &mcpsdk.ListToolsParams{})
	if err != nil {
		conn.Healthy = true // Connected but tool listing failed — still partially useful
		conn.Error = fmt.Errorf("list tools: %w", err)
		m.log.Error(err, "Connected but failed to list tools", "server", conn.Name)
		return nil
	}

	conn.Tools = result.Tools
	conn.Healthy = true
	conn.Error = nil

	m.log.Info("Connected to MCP server",
		"server", conn.Name,
		"endpoint", conn.Endpoint,
		"tools", len(conn.Tools),
	)

	return nil
}

// RegisterTools registers all discovered MCP tools with the given tool
// registry. Tool names are namespaced as "mcp.<server>.<tool>".
func (m *Manager) RegisterTools(registry *tools.Registry) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	registered := 0
	for _, conn := range m.connections {
		if !conn.Healthy || conn.Session == nil {
			continue
		}

		for _, tool := range conn.Tools {
			registry.Register(NewMCPTool(conn.Name, conn.Session, tool))
			registered++
		}
	}

	return registered
}

// HealthCheck pings all connected servers and updates their health status.
func (m *Manager) HealthCheck(ctx context.Context) map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]bool, len(m.connections))
	for name, conn := range m.connections {
		if conn.Session == nil {
			results[name] = false
			continue
		}

		err := conn.Session.Ping(ctx, &mcpsdk.PingParams{})
		healthy := err == nil
		conn.Healthy = healthy
		if err != nil {
			conn.Error = err
		}
		results[name] = healthy
	}

	return results
}

// Close closes all MCP server connections.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, conn := range m.connections {
		if conn.Session != nil {
			if err := conn.Session.Close(); err != nil {
				m.log.Error(err, "Failed to close MCP session", "server", name)
			}
		}
	}
	m.connections = make(map[string]*ServerConnection)
}

// Connections returns a snapshot of all server connections (for status
// reporting).
func (m *Manager) Connections() map[string]*ServerConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*ServerConnection, len(m.connections))
	for k, v := range m.connections {
		result[k] = v
	}
	return result
}

// ServerNames returns the names of all registered servers.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	return names
}

// --- MCP Tool Bridge ---

// MCPTool bridges an MCP server tool into the steward tool registry.
// It implements the tools.Tool interface.
type MCPTool struct {
	serverName string
	session    *mcpsdk.ClientSession
	tool       *mcpsdk.Tool
}

// NewMCPTool creates a tool bridge for a single MCP tool.
func NewMCPTool(serverName string, session *mcpsdk.ClientSession, tool *mcpsdk.Tool) *MCPTool {
	return &MCPTool{
		serverName: serverName,
		session:    session,
		tool:       tool,
	}
}

// Name returns the namespaced tool name: "mcp.<server>.<tool>".
func (t *MCPTool) Name() string {
	return fmt.Sprintf("mcp.%s.%s", t.serverName, t.tool.Name)
}

// Description returns the tool's description from the MCP server.
func (t *MCPTool) Description() string {
	desc := t.tool.Description
	if desc == "" {
		desc = fmt.Sprintf("MCP tool %s from server %s", t.tool.Name, t.serverName)
	}
	return desc
}

// Parameters returns the JSON Schema for the tool's parameters.
func (t *MCPTool) Parameters() map[string]any {
	if t.tool.InputSchema == nil {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}

	// InputSchema is typically already a map from the SDK
	if m, ok := t.tool.InputSchema.(map[string]any); ok {
		return m
	}

	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

// Execute calls the MCP tool and returns its text result.
func (t *MCPTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	result, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.tool.Name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("MCP call %s/%s: %w", t.serverName, t.tool.Name, err)
	}

	text := extractTextContent(result)
	if result.IsError {
		return map[string]any{"error": text}, nil
	}
	return map[string]any{"result": text}, nil
}

// extractTextContent extracts text from MCP Content items.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}

	return strings.Join(parts, "\n")
}
