package permission

import (
	"strings"
)

// Policy configures an Engine's allow/deny layer, on top of the fixed
// threat-pattern table and the selected Mode.
type Policy struct {
	Mode Mode

	// Allowlist/Denylist support exact names, "prefix*", "*suffix", "*",
	// and the "mcp:*"-style namespace-wide wildcard, matched against the
	// tool's "<extension>__<tool>" name.
	Allowlist []string
	Denylist  []string

	// SafeReadTools are always-allowed regardless of Mode (except
	// ModeParanoid, which still asks for everything).
	SafeReadTools []string
}

// DefaultPolicy mirrors a cautious default: safe mode, no tools
// preapproved besides a conservative read-only set.
func DefaultPolicy() *Policy {
	return &Policy{
		Mode:          ModeSafe,
		SafeReadTools: []string{"developer__view_file", "developer__list_files", "computercontroller__read_file"},
	}
}

func matchesAny(patterns []string, name string) bool {
	normalized := normalizeToolName(name)
	for _, raw := range patterns {
		pattern := normalizeToolName(raw)
		if pattern == "" {
			continue
		}
		switch {
		case pattern == "*":
			return true
		case pattern == normalized:
			return true
		case pattern == "mcp:*" && strings.Contains(normalized, "__"):
			return true
		case strings.HasSuffix(pattern, "*") && len(pattern) > 1:
			if strings.HasPrefix(normalized, pattern[:len(pattern)-1]) {
				return true
			}
		case strings.HasPrefix(pattern, "*") && len(pattern) > 1:
			if strings.HasSuffix(normalized, pattern[1:]) {
				return true
			}
		}
	}
	return false
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
