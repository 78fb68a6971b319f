package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinicdesk/booking/internal/platform/auth"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func limitedRequest(e *echo.Echo, h echo.HandlerFunc, ip, user string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":1234"
	if user != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), user, nil))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		rec, err := limitedRequest(e, handler, "10.0.0.1", "")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		if _, err := limitedRequest(e, handler, "10.0.0.1", ""); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec, err := limitedRequest(e, handler, "10.0.0.1", "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected X-RateLimit-Remaining 0")
	}
}

func TestRateLimit_KeysByCaller(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	if _, err := limitedRequest(e, handler, "10.0.0.1", ""); err != nil {
		t.Fatalf("first ip: %v", err)
	}
	if _, err := limitedRequest(e, handler, "10.0.0.2", ""); err != nil {
		t.Errorf("a different ip must have its own budget: %v", err)
	}
	// same address, but authenticated callers are keyed by user id
	if _, err := limitedRequest(e, handler, "10.0.0.1", "7"); err != nil {
		t.Errorf("patient 7 must have its own budget: %v", err)
	}
	if _, err := limitedRequest(e, handler, "10.0.0.3", "7"); err == nil {
		t.Error("expected patient 7 to be limited across addresses")
	}
}

func TestLimiterStore_ForgetsIdleCallers(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Now()
	store.now = func() time.Time { return now }
	store.lastGC = now

	store.get("a")
	store.get("b")
	if store.size() != 2 {
		t.Fatalf("expected 2 limiters, got %d", store.size())
	}

	now = now.Add(2 * time.Minute)
	store.get("c")
	if store.size() != 1 {
		t.Errorf("expected idle limiters to be dropped, %d left", store.size())
	}
}
