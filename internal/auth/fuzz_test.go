package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/upstream-guard/internal/config"
)

func FuzzExtractBearerToken(f *testing.F) {
	for _, seed := range []string{"", "Bearer", "Bearer ", "bearer abc", "Basic dXNlcjpwYXNz", "Bearer  a.b.c ", "Token x y"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, header string) {
		r := httptest.NewRequest(http.MethodPost, "/admin/jobs/cache-sweep/run", nil)
		r.Header.Set("Authorization", header)
		token, ok := extractBearerToken(r)
		if ok && (token == "" || token != strings.TrimSpace(token)) {
			t.Fatalf("header %q yielded unusable token %q", header, token)
		}
		if !ok && token != "" {
			t.Fatalf("rejected header %q still returned %q", header, token)
		}
	})
}

func FuzzMiddleware_NeverAdmitsForgedTokens(f *testing.F) {
	cfg := config.AuthConfig{
		Enabled:   true,
		JWTSecret: "fuzz-secret-with-enough-entropy-0123",
		Issuer:    "guard",
		Audience:  "operators",
		Scopes:    []string{"admin:write"},
	}
	valid, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   cfg.Issuer,
		"aud":   cfg.Audience,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "admin:write",
	}).SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		f.Fatal(err)
	}
	f.Add(valid[:len(valid)-2] + "xx")
	f.Add(strings.Replace(valid, ".", "..", 1))
	f.Add("eyJhbGciOiJub25lIn0.eyJpc3MiOiJndWFyZCJ9.")
	f.Add("not-a-token")

	signedPart := valid[:strings.LastIndex(valid, ".")]
	admitted := 0
	h := Middleware(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { admitted++ }),
	)

	f.Fuzz(func(t *testing.T, token string) {
		if token == valid {
			t.Skip()
		}
		admitted = 0
		r := httptest.NewRequest(http.MethodPost, "/admin/breakers/vectors/reset", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)

		// Non-canonical base64 in the signature can still verify; anything
		// else admitted is forged.
		if admitted != 0 && !strings.HasPrefix(strings.TrimSpace(token), signedPart+".") {
			t.Fatalf("token %q was admitted", token)
		}
		if rec.Code != http.StatusOK && rec.Code != http.StatusUnauthorized && rec.Code != http.StatusForbidden {
			t.Fatalf("unexpected status %d", rec.Code)
		}
	})
}
