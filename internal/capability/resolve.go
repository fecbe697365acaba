package capability

import (
	"encoding/json"
	"sort"
)

// Wildcard marks an unrestricted allowlist. Consumers must skip the
// allowlist check entirely when they see it.
const Wildcard = "*"

// Snapshot is the resolved, denormalized policy frozen onto an agent
// instance. It is the authoritative runtime reference: the gateway and
// runtime consult it, never the blueprint.
type Snapshot struct {
	AllowedTools     []string       `json:"allowed_tools"`
	AllowedModels    []string       `json:"allowed_models"`
	RiskProfile      map[string]any `json:"risk_profile"`
	LLMDefaults      map[string]any `json:"llm_defaults,omitempty"`
	IdentityDefaults map[string]any `json:"identity_defaults,omitempty"`
}

// ResolveInput carries the blueprint-version fields that participate in
// resolution, plus the attached bundles.
type ResolveInput struct {
	AllowedTools       []string
	AllowedModels      []string
	DefaultRiskProfile map[string]any
	LLMDefaults        map[string]any
	IdentityDefaults   map[string]any
	Bundles            []*Bundle
}

// Resolve deterministically computes the policy snapshot:
//
//   - allowed_tools: union of bundle tool sets, intersected with the
//     blueprint-level list when that list is a real ceiling (non-empty,
//     no wildcard). With no bundles the blueprint list stands alone, or
//     degrades to the wildcard.
//   - allowed_models: intersection of the bundles' provider lists
//     (restrictive), further intersected with a non-wildcard blueprint
//     list. No bundle opinion falls back to the blueprint list or the
//     wildcard.
//   - risk_profile: blueprint defaults, with every numeric key across
//     bundles lowered to the minimum observed value.
//
// Output lists are sorted so equal inputs produce byte-equal snapshots.
func Resolve(in ResolveInput) Snapshot {
	return Snapshot{
		AllowedTools:     resolveTools(in),
		AllowedModels:    resolveModels(in),
		RiskProfile:      resolveRisk(in),
		LLMDefaults:      in.LLMDefaults,
		IdentityDefaults: in.IdentityDefaults,
	}
}

// IsWildcard reports whether a snapshot list means "unrestricted".
// A nil list is unrestricted too (no snapshot opinion).
func IsWildcard(list []string) bool {
	if list == nil {
		return true
	}
	for _, v := range list {
		if v == Wildcard {
			return true
		}
	}
	return false
}

func resolveTools(in ResolveInput) []string {
	if len(in.Bundles) == 0 {
		if len(in.AllowedTools) > 0 {
			return sortedUnique(in.AllowedTools)
		}
		return []string{Wildcard}
	}

	union := map[string]struct{}{}
	for _, b := range in.Bundles {
		for _, t := range b.ToolSet {
			union[t] = struct{}{}
		}
	}

	// Blueprint acts as a ceiling when it names concrete tools.
	if len(in.AllowedTools) > 0 && !IsWildcard(in.AllowedTools) {
		ceiling := toSet(in.AllowedTools)
		for t := range union {
			if _, ok := ceiling[t]; !ok {
				delete(union, t)
			}
		}
	}

	// An empty intersection is a real (empty) resolved set, not a
	// wildcard: the bundles had opinions and nothing survived.
	return setToSorted(union)
}

func resolveModels(in ResolveInput) []string {
	var result map[string]struct{}
	opinionated := false
	for _, b := range in.Bundles {
		providers := b.ModelConstraints.AllowedProviders
		if len(providers) == 0 {
			continue
		}
		if !opinionated {
			result = toSet(providers)
			opinionated = true
			continue
		}
		next := toSet(providers)
		for p := range result {
			if _, ok := next[p]; !ok {
				delete(result, p)
			}
		}
	}

	if !opinionated {
		if len(in.AllowedModels) > 0 {
			return sortedUnique(in.AllowedModels)
		}
		return []string{Wildcard}
	}

	if len(in.AllowedModels) > 0 && !IsWildcard(in.AllowedModels) {
		ceiling := toSet(in.AllowedModels)
		for p := range result {
			if _, ok := ceiling[p]; !ok {
				delete(result, p)
			}
		}
	}
	return setToSorted(result)
}

func resolveRisk(in ResolveInput) map[string]any {
	profile := map[string]any{}
	for k, v := range in.DefaultRiskProfile {
		profile[k] = v
	}

	for _, b := range in.Bundles {
		for k, v := range b.RiskConstraints {
			num, ok := asNumber(v)
			if !ok {
				// Non-numeric bundle entries never overwrite the
				// blueprint value.
				if _, exists := profile[k]; !exists {
					profile[k] = v
				}
				continue
			}
			if current, exists := profile[k]; exists {
				if currentNum, ok := asNumber(current); ok && currentNum <= num {
					continue
				}
			}
			profile[k] = num
		}
	}
	return profile
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sortedUnique(items []string) []string {
	return setToSorted(toSet(items))
}
