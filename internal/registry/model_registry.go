package registry

import "strings"

// aliasTargets is the exact-name mapping derived from AliasModels.
var aliasTargets = func() map[string]string {
	m := make(map[string]string)
	for _, info := range AliasModels() {
		m[info.ID] = info.AliasFor
	}
	return m
}()

var nativeIDs = func() map[string]bool {
	m := make(map[string]bool)
	for _, info := range NativeModels() {
		m[info.ID] = true
	}
	return m
}()

// Resolve maps a requested model name to the upstream model ID.
//
// Native names and "auto" pass through verbatim. Exact aliases map to their
// target. Otherwise the name is classified by family substring: sonnet,
// haiku, or opus. Anything else falls back to Claude Sonnet 4 with
// known=false so callers can surface a warning.
func Resolve(requested string) (upstream string, known bool) {
	name := strings.TrimSpace(requested)
	if name == "" {
		return ModelSonnet4, false
	}
	if nativeIDs[name] {
		return name, true
	}
	if target, ok := aliasTargets[name]; ok {
		return target, true
	}
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "sonnet"):
		return ModelSonnet4, true
	case strings.Contains(lower, "haiku"):
		return ModelHaiku45, true
	case strings.Contains(lower, "opus"):
		return ModelOpus45, true
	}
	return ModelSonnet4, false
}

// Lookup finds a catalog card by ID.
func Lookup(id string) (*ModelInfo, bool) {
	for _, info := range AllModels() {
		if info.ID == id {
			return info, true
		}
	}
	return nil, false
}

// IsNative reports whether the ID is served by the upstream verbatim.
func IsNative(id string) bool {
	return nativeIDs[id]
}
