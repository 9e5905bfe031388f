package routing

import "testing"

func TestMatchesPrefix(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   bool
	}{
		{"/health", "/health", true},
		{"/health/live", "/health", true},
		{"/healthz", "/health", false},
		{"/ready", "/ready", true},
		{"/readyish", "/ready", false},
		{"/admin/metrics/aggregate", "/admin/metrics", true},
		{"/admin/metrics-export", "/admin/metrics", false},
		{"/v1/rest/", "/v1/rest/", true},
		{"/v1/rest/items", "/v1/rest/", true},
		{"/v1/search", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path+"_vs_"+tt.prefix, func(t *testing.T) {
			got := MatchesPrefix(tt.path, tt.prefix)
			if got != tt.want {
				t.Errorf("MatchesPrefix(%q, %q) = %v, want %v", tt.path, tt.prefix, got, tt.want)
			}
		})
	}
}

func TestMatchesAny(t *testing.T) {
	if !MatchesAny("/ready", "/health", "/ready") {
		t.Error("expected /ready to match")
	}
	if MatchesAny("/metricsx", "/health", "/metrics") {
		t.Error("expected /metricsx not to match")
	}
	if MatchesAny("/health") {
		t.Error("expected no match without prefixes")
	}
}
