/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package tools provides the built-in tool implementations for steward.
// Tools are the adapter layer behind the gateway: by the time Execute
// runs, the capability and governance checks have already passed.
//
// Each tool registers itself with a Registry; the registry satisfies
// the gateway's ToolExecutor contract.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is the interface for executable tools.
type Tool interface {
	// Name returns the tool's identifier (e.g. "http.get", "sql.query").
	Name() string

	// Description returns a human-readable description for the LLM.
	Description() string

	// Parameters returns the JSON Schema for the tool's parameters.
	Parameters() map[string]any

	// Execute runs the tool. The result map is handed back to the agent
	// verbatim; an "error" key marks failure.
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Registry holds the tool catalog. Built-in tools are global; per-work-
// space MCP tools are merged in under a source tag.
type Registry struct {
	mu     sync.RWMutex
	global map[string]Tool
	scoped map[int64]map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		global: make(map[string]Tool),
		scoped: make(map[int64]map[string]Tool),
	}
}

// Register adds a tool available to every workspace.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global[tool.Name()] = tool
}

// RegisterScoped adds a tool visible to one workspace only.
func (r *Registry) RegisterScoped(workspaceID int64, tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scoped[workspaceID] == nil {
		r.scoped[workspaceID] = make(map[string]Tool)
	}
	r.scoped[workspaceID][tool.Name()] = tool
}

// Get looks up a tool for a workspace. Scoped tools shadow global ones.
func (r *Registry) Get(workspaceID int64, name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.scoped[workspaceID][name]; ok {
		return t, true
	}
	t, ok := r.global[name]
	return t, ok
}

// ListTools returns the workspace's tool catalog, sorted.
func (r *Registry) ListTools(workspaceID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.global)+len(r.scoped[workspaceID]))
	for name := range r.global {
		names = append(names, name)
	}
	for name := range r.scoped[workspaceID] {
		if _, shadows := r.global[name]; !shadows {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ExecuteTool dispatches a tool call. Satisfies the gateway contract.
func (r *Registry) ExecuteTool(ctx context.Context, name string, workspaceID int64, args map[string]any) (map[string]any, error) {
	tool, ok := r.Get(workspaceID, name)
	if !ok {
		return nil, fmt.Errorf("tool %q not found in registry", name)
	}
	return tool.Execute(ctx, args)
}
