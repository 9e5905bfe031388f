// Package routing provides the boundary-aware path-prefix matching shared by
// the request logger and the listener's probe bypass.
package routing

import "strings"

// MatchesPrefix reports whether path sits under prefix on a segment
// boundary: "/health" matches "/health" and "/health/live" but not
// "/healthz". A prefix ending in "/" matches anything beneath it.
func MatchesPrefix(path, prefix string) bool {
	rest, ok := strings.CutPrefix(path, prefix)
	switch {
	case !ok || prefix == "":
		return false
	case rest == "", strings.HasSuffix(prefix, "/"):
		return true
	default:
		return rest[0] == '/'
	}
}

// MatchesAny reports whether path matches any of prefixes.
func MatchesAny(path string, prefixes ...string) bool {
	for _, p := range prefixes {
		if MatchesPrefix(path, p) {
			return true
		}
	}
	return false
}
