package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/joyledger/internal/auth"
	"github.com/dukerupert/joyledger/internal/ledger"
)

var testSecret = []byte("middleware-test-secret-0123456789")

func okHandler(t *testing.T, got *ledger.Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			p, ok := auth.FromContext(r.Context())
			if !ok {
				t.Fatal("expected principal in request context")
			}
			*got = p
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticateBearer(t *testing.T) {
	token, err := auth.Issue(testSecret, ledger.MemberPrincipal(12), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var got ledger.Principal
	handler := Authenticate(testSecret, "")(RequireAuth(okHandler(t, &got)))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got.MemberID != 12 || got.Role != ledger.RoleMember {
		t.Errorf("principal = %+v", got)
	}
}

func TestAuthenticateQueryToken(t *testing.T) {
	token, _ := auth.Issue(testSecret, ledger.MemberPrincipal(5), time.Hour)
	var got ledger.Principal
	handler := Authenticate(testSecret, "")(okHandler(t, &got))

	req := httptest.NewRequest("GET", "/ws?access_token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || got.MemberID != 5 {
		t.Errorf("status = %d, principal = %+v", rec.Code, got)
	}
}

func TestAuthenticateAdminKey(t *testing.T) {
	hash, _ := auth.HashAdminKey("ops-key")
	var got ledger.Principal
	handler := Authenticate(testSecret, hash)(RequireAdmin(okHandler(t, &got)))

	req := httptest.NewRequest("POST", "/api/admin/sweep", nil)
	req.Header.Set("X-Admin-Key", "ops-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got.Role != ledger.RoleAdmin {
		t.Errorf("status = %d, principal = %+v", rec.Code, got)
	}

	req = httptest.NewRequest("POST", "/api/admin/sweep", nil)
	req.Header.Set("X-Admin-Key", "guess")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad key status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	handler := Authenticate(testSecret, "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(rec.Body.String(), `"code":"UNAUTHENTICATED"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestRequireAuthAnonymous(t *testing.T) {
	handler := Authenticate(testSecret, "")(RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	})))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRequireAdminForbidden(t *testing.T) {
	token, _ := auth.Issue(testSecret, ledger.StaffPrincipal(3, 1), time.Hour)
	handler := Authenticate(testSecret, "")(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	})))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestRequestLoggerRecordsPrincipal(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	token, _ := auth.Issue(testSecret, ledger.MemberPrincipal(77), time.Hour)

	handler := RequestLogger(logger)(Authenticate(testSecret, "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	req := httptest.NewRequest("GET", "/api/members/77/balance", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
	out := buf.String()
	for _, want := range []string{`"status":418`, `"member_id":77`, `"level":"WARN"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log %s missing %s", out, want)
		}
	}
}

func TestRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := RealIP(req); got != "10.0.0.1" {
		t.Errorf("RealIP = %q, want 10.0.0.1", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := RealIP(req); got != "203.0.113.9" {
		t.Errorf("RealIP = %q, want 203.0.113.9", got)
	}
	req.Header.Set("CF-Connecting-IP", "198.51.100.4")
	if got := RealIP(req); got != "198.51.100.4" {
		t.Errorf("RealIP = %q, want 198.51.100.4", got)
	}
}

func TestRateLimiterBurstThenRefill(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.Allow("key") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("key") {
		t.Error("4th request should be denied")
	}
	if !rl.Allow("other") {
		t.Error("other key should have its own bucket")
	}

	now = now.Add(time.Second)
	if !rl.Allow("key") {
		t.Error("should be allowed after refill")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(10 * time.Minute)
	rl.Allow("fresh")
	rl.Cleanup(5 * time.Minute)

	if got := rl.size(); got != 1 {
		t.Errorf("visitors = %d, want 1", got)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	handler := RateLimit(rl, RealIP)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("3rd request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}
