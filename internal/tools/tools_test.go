/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package tools

import (
	"context"
	"reflect"
	"testing"
)

type fakeTool struct {
	name   string
	result map[string]any
}

func (f *fakeTool) Name() string               { return f.name }
func (f *fakeTool) Description() string        { return "fake" }
func (f *fakeTool) Parameters() map[string]any { return map[string]any{} }
func (f *fakeTool) Execute(context.Context, map[string]any) (map[string]any, error) {
	return f.result, nil
}

func TestRegistryScopedShadowing(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "echo", result: map[string]any{"src": "global"}})
	r.RegisterScoped(1, &fakeTool{name: "echo", result: map[string]any{"src": "scoped"}})

	got, err := r.ExecuteTool(context.Background(), "echo", 1, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got["src"] != "scoped" {
		t.Errorf("workspace 1 result = %v, want scoped shadow", got)
	}

	got, err = r.ExecuteTool(context.Background(), "echo", 2, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got["src"] != "global" {
		t.Errorf("workspace 2 result = %v, want global", got)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()
	if _, err := r.ExecuteTool(context.Background(), "missing", 1, nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestListToolsSortedAndMerged(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "zeta"})
	r.Register(&fakeTool{name: "alpha"})
	r.RegisterScoped(1, &fakeTool{name: "mcp.custom"})
	r.RegisterScoped(1, &fakeTool{name: "alpha"}) // shadow, not a duplicate

	got := r.ListTools(1)
	want := []string{"alpha", "mcp.custom", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tools = %v, want %v", got, want)
	}

	other := r.ListTools(2)
	if !reflect.DeepEqual(other, []string{"alpha", "zeta"}) {
		t.Errorf("workspace 2 tools = %v", other)
	}
}

func TestIsReadOnlyQuery(t *testing.T) {
	cases := map[string]bool{
		"SELECT * FROM users":      true,
		"  select 1":               true,
		"EXPLAIN SELECT 1":         true,
		"SHOW TABLES":              true,
		"INSERT INTO t VALUES (1)": false,
		"DELETE FROM t":            false,
		"UPDATE t SET a = 1":       false,
		"DROP TABLE t":             false,
	}
	for query, want := range cases {
		if got := isReadOnlyQuery(query); got != want {
			t.Errorf("isReadOnlyQuery(%q) = %v, want %v", query, got, want)
		}
	}
}

func TestContainsSQLInjection(t *testing.T) {
	cases := map[string]bool{
		"SELECT 1":                   false,
		"SELECT 1;":                  false,
		"SELECT 1; DROP TABLE users": true,
		"SELECT 1 -- comment":        true,
		"SELECT /* hidden */ 1":      true,
	}
	for query, want := range cases {
		if got := containsSQLInjection(query); got != want {
			t.Errorf("containsSQLInjection(%q) = %v, want %v", query, got, want)
		}
	}
}
