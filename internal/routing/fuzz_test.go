package routing

import (
	"strings"
	"testing"
)

func FuzzMatchesPrefix(f *testing.F) {
	for _, seed := range [][2]string{
		{"/ready", "/ready"},
		{"/readyz", "/ready"},
		{"/v1/rest/items/9", "/v1/rest/"},
		{"/admin/metrics/export", "/admin/metrics"},
		{"", ""},
	} {
		f.Add(seed[0], seed[1])
	}

	f.Fuzz(func(t *testing.T, path, prefix string) {
		got := MatchesPrefix(path, prefix)
		if got && !strings.HasPrefix(path, prefix) {
			t.Fatalf("MatchesPrefix(%q, %q) matched without a shared prefix", path, prefix)
		}
		if got != MatchesAny(path, "", prefix) {
			t.Fatalf("MatchesAny disagrees with MatchesPrefix for %q, %q", path, prefix)
		}
		// Extending a matched path by a new segment keeps it matched.
		if got && !MatchesPrefix(path+"/x", prefix) {
			t.Fatalf("%q matched %q but %q did not", path, prefix, path+"/x")
		}
	})
}
