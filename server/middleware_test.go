package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/lurkerwatch/store"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestAdminAuthDisabledPassesThrough(t *testing.T) {
	cfg := &authConfig{enabled: false}
	h := adminAuth(okHandler(), cfg)

	req := httptest.NewRequest(http.MethodPost, "/sweeps", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAdminAuthToken(t *testing.T) {
	cfg := &authConfig{adminToken: "s3cret", enabled: true}
	h := adminAuth(okHandler(), cfg)

	req := httptest.NewRequest(http.MethodPost, "/sweeps", nil)
	req.Header.Set("X-Admin-Token", "s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/sweeps", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 should carry WWW-Authenticate")
	}
}

func TestAdminAuthBasic(t *testing.T) {
	cfg := &authConfig{adminUsername: "admin", adminPassword: "hunter2", enabled: true}
	h := adminAuth(okHandler(), cfg)

	req := httptest.NewRequest(http.MethodPost, "/sweeps", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid basic auth: status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/sweeps", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad basic auth: status = %d, want 401", rec.Code)
	}
}

func TestAdminAuthMarksContext(t *testing.T) {
	cfg := &authConfig{adminToken: "s3cret", enabled: true}
	var sawAuth bool
	h := adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = isAuthenticated(r.Context())
	}), cfg)

	req := httptest.NewRequest(http.MethodPost, "/sweeps", nil)
	req.Header.Set("X-Admin-Token", "s3cret")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !sawAuth {
		t.Error("authenticated request should mark context")
	}
}

func TestRateLimiterBlocksOverLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 3, window: time.Minute}
	limiter := newIPRateLimiter(ctx, cfg)
	h := rateLimitMiddleware(okHandler(), limiter)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/sweeps", nil)
		req.RemoteAddr = "10.0.0.1:4567"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/sweeps", nil)
	req.RemoteAddr = "10.0.0.1:4567"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}

	// A different IP is not affected.
	req = httptest.NewRequest(http.MethodPost, "/sweeps", nil)
	req.RemoteAddr = "10.0.0.2:4567"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other ip: status = %d, want 200", rec.Code)
	}
}

func TestRateLimiterHonorsForwardedFor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Minute}
	limiter := newIPRateLimiter(ctx, cfg)
	h := rateLimitMiddleware(okHandler(), limiter)

	req := httptest.NewRequest(http.MethodPost, "/sweeps", nil)
	req.RemoteAddr = "192.168.0.1:1"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 192.168.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first: status = %d, want 200", rec.Code)
	}

	// Same client IP via a different proxy hop is still limited.
	req = httptest.NewRequest(http.MethodPost, "/sweeps", nil)
	req.RemoteAddr = "192.168.0.2:1"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second: status = %d, want 429", rec.Code)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Minute}
	limiter := newIPRateLimiter(ctx, cfg)
	h := rateLimitMiddleware(okHandler(), limiter)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/sweeps", nil)
		req.RemoteAddr = "10.0.0.1:4567"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}
}

func TestCORSPermissive(t *testing.T) {
	cfg := &corsConfig{permissive: true}
	h := withCORSConfig(okHandler(), cfg)

	req := httptest.NewRequest(http.MethodGet, "/sweeps", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q, want *", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSRestricted(t *testing.T) {
	cfg := &corsConfig{permissive: false, allowedOrigins: []string{"https://app.example.com", "*.trusted.org"}}
	h := withCORSConfig(okHandler(), cfg)

	tests := []struct {
		origin string
		want   string
	}{
		{"https://app.example.com", "https://app.example.com"},
		{"https://sub.trusted.org", "https://sub.trusted.org"},
		{"https://evil.example.net", ""},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/sweeps", nil)
		req.Header.Set("Origin", tc.origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
			t.Errorf("origin %s: allow-origin = %q, want %q", tc.origin, got, tc.want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := &corsConfig{permissive: true}
	h := withCORSConfig(okHandler(), cfg)

	req := httptest.NewRequest(http.MethodOptions, "/sweeps", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
}

func TestMutatingPredicate(t *testing.T) {
	tests := []struct {
		method, path string
		want         bool
	}{
		{http.MethodPost, "/sweeps", true},
		{http.MethodGet, "/sweeps", false},
		{http.MethodPost, "/sweeps/0b259ba6-0000-0000-0000-000000000000/abort", true},
		{http.MethodGet, "/sweeps/0b259ba6-0000-0000-0000-000000000000", false},
		{http.MethodPost, "/classify/run", true},
		{http.MethodGet, "/suspects", false},
		{http.MethodGet, "/healthz", false},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if got := mutating(req); got != tc.want {
			t.Errorf("mutating(%s %s) = %v, want %v", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestMuxRequiresAuthOnMutatingOnly(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "s3cret")
	t.Setenv("HTTP_RATE_LIMIT_ENABLED", "0")

	st := store.NewMemory()
	mux := newTestMux(t, st, &fakeConductor{st: st}, &fakeClassifier{})

	// Mutating call without the token is rejected.
	req := httptest.NewRequest(http.MethodPost, "/classify/run", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated mutating: status = %d, want 401", rec.Code)
	}

	// Reads stay open.
	req = httptest.NewRequest(http.MethodGet, "/sweeps", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("read: status = %d, want 200", rec.Code)
	}

	// With the token the mutating call goes through.
	req = httptest.NewRequest(http.MethodPost, "/classify/run", nil)
	req.Header.Set("X-Admin-Token", "s3cret")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated mutating: status = %d, want 200", rec.Code)
	}
}
