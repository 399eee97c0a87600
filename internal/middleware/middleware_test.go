package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/wa-scheduler/internal/identity"
)

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCreds   bool
		method      string
		wantHandler bool
	}{
		{"explicit origin", []string{"https://app.example.com"}, "https://app.example.com", "https://app.example.com", true, http.MethodGet, true},
		{"wildcard", []string{"*"}, "https://x.example.com", "https://x.example.com", false, http.MethodGet, true},
		{"unknown origin", []string{"https://app.example.com"}, "https://evil.example.com", "", false, http.MethodGet, true},
		{"preflight", []string{"*"}, "https://x.example.com", "https://x.example.com", false, http.MethodOptions, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := CORS(tt.allowed)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
			req := httptest.NewRequest(tt.method, "/api/health", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()

			h.ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rr.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %v, want %v", got, tt.wantCreds)
			}
			if called != tt.wantHandler {
				t.Errorf("handler called = %v, want %v", called, tt.wantHandler)
			}
			if tt.wantOrigin != "" && rr.Header().Get("Access-Control-Expose-Headers") == "" {
				t.Error("rate limit headers not exposed")
			}
			if rr.Header().Get("Vary") != "Origin" {
				t.Errorf("Vary = %q, want Origin", rr.Header().Get("Vary"))
			}
		})
	}
}

func TestRateLimiterAllowsLimitPerWindow(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(10, 24*time.Hour)
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		ok, remaining, _ := l.Allow("u1")
		if !ok {
			t.Fatalf("request %d refused", i+1)
		}
		if remaining != 9-i {
			t.Errorf("request %d remaining = %d, want %d", i+1, remaining, 9-i)
		}
	}
	ok, _, retry := l.Allow("u1")
	if ok {
		t.Fatal("11th request allowed")
	}
	if retry <= 0 || retry > 24*time.Hour/10+time.Second {
		t.Errorf("retryAfter = %v", retry)
	}

	if ok, _, _ := l.Allow("u2"); !ok {
		t.Error("other users have their own bucket")
	}

	now = now.Add(24*time.Hour/10 + time.Minute)
	if ok, _, _ := l.Allow("u1"); !ok {
		t.Error("a token should refill after window/limit")
	}
}

func TestRateLimiterPrunesFullBuckets(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(2, time.Hour)
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(2 * time.Hour)
	l.Allow("b")

	l.mu.Lock()
	_, hasA := l.limiters["a"]
	l.mu.Unlock()
	if hasA {
		t.Error("refilled bucket should be pruned")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	l := NewRateLimiter(1, 24*time.Hour)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/send-message", nil)
		req = req.WithContext(identity.WithUserID(req.Context(), user))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	if rr := send("u1"); rr.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", rr.Code)
	}
	rr := send("u1")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if rr := send("u2"); rr.Code != http.StatusNoContent {
		t.Errorf("other user status = %d", rr.Code)
	}
}
