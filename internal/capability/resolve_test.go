package capability

import (
	"reflect"
	"testing"
)

func TestResolveUnionAndIntersection(t *testing.T) {
	bundleA := &Bundle{
		ToolSet:          []string{"read", "write"},
		ModelConstraints: ModelConstraints{AllowedProviders: []string{"openai", "anthropic"}},
		RiskConstraints:  map[string]any{"daily_spend_cap": float64(5)},
	}
	bundleB := &Bundle{
		ToolSet:          []string{"read", "delete"},
		ModelConstraints: ModelConstraints{AllowedProviders: []string{"openai"}},
		RiskConstraints:  map[string]any{"daily_spend_cap": float64(10)},
	}

	snap := Resolve(ResolveInput{
		AllowedTools:       []string{Wildcard},
		DefaultRiskProfile: map[string]any{"daily_spend_cap": float64(25)},
		Bundles:            []*Bundle{bundleA, bundleB},
	})

	wantTools := []string{"delete", "read", "write"}
	if !reflect.DeepEqual(snap.AllowedTools, wantTools) {
		t.Errorf("allowed_tools = %v, want %v", snap.AllowedTools, wantTools)
	}
	if !reflect.DeepEqual(snap.AllowedModels, []string{"openai"}) {
		t.Errorf("allowed_models = %v, want [openai]", snap.AllowedModels)
	}
	got, ok := snap.RiskProfile["daily_spend_cap"].(float64)
	if !ok || got != 5 {
		t.Errorf("daily_spend_cap = %v, want 5 (minimum across bundles)", snap.RiskProfile["daily_spend_cap"])
	}
}

func TestResolveBlueprintCeiling(t *testing.T) {
	bundle := &Bundle{ToolSet: []string{"read", "write", "delete"}}
	snap := Resolve(ResolveInput{
		AllowedTools: []string{"read", "write"},
		Bundles:      []*Bundle{bundle},
	})
	want := []string{"read", "write"}
	if !reflect.DeepEqual(snap.AllowedTools, want) {
		t.Errorf("allowed_tools = %v, want %v", snap.AllowedTools, want)
	}
}

func TestResolveNoBundles(t *testing.T) {
	snap := Resolve(ResolveInput{AllowedTools: []string{"b", "a"}})
	if !reflect.DeepEqual(snap.AllowedTools, []string{"a", "b"}) {
		t.Errorf("allowed_tools = %v, want sorted blueprint list", snap.AllowedTools)
	}

	empty := Resolve(ResolveInput{})
	if !reflect.DeepEqual(empty.AllowedTools, []string{Wildcard}) {
		t.Errorf("empty input tools = %v, want wildcard", empty.AllowedTools)
	}
	if !reflect.DeepEqual(empty.AllowedModels, []string{Wildcard}) {
		t.Errorf("empty input models = %v, want wildcard", empty.AllowedModels)
	}
}

func TestResolveEmptyIntersectionStaysEmpty(t *testing.T) {
	bundleA := &Bundle{ModelConstraints: ModelConstraints{AllowedProviders: []string{"openai"}}}
	bundleB := &Bundle{ModelConstraints: ModelConstraints{AllowedProviders: []string{"google"}}}
	snap := Resolve(ResolveInput{Bundles: []*Bundle{bundleA, bundleB}})
	if len(snap.AllowedModels) != 0 {
		t.Errorf("allowed_models = %v, want empty intersection", snap.AllowedModels)
	}
	if IsWildcard(snap.AllowedModels) {
		t.Error("empty resolved set must not read as wildcard")
	}
}

func TestResolveDeterministic(t *testing.T) {
	in := ResolveInput{
		AllowedTools: []string{"*"},
		Bundles: []*Bundle{
			{ToolSet: []string{"z", "a", "m"}},
			{ToolSet: []string{"m", "z"}},
		},
	}
	first := Resolve(in)
	second := Resolve(in)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("resolve is not deterministic: %v vs %v", first, second)
	}
}

func TestIsWildcard(t *testing.T) {
	if !IsWildcard(nil) {
		t.Error("nil list should be unrestricted")
	}
	if !IsWildcard([]string{"a", "*"}) {
		t.Error("list containing * should be unrestricted")
	}
	if IsWildcard([]string{"a"}) {
		t.Error("concrete list should be restricted")
	}
	if IsWildcard([]string{}) {
		t.Error("empty non-nil list is a real empty set")
	}
}
