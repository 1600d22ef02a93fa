package debugserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clayding/memstrack/internal/engine"
	"github.com/golang-jwt/jwt/v5"
)

func validBearerToken(t *testing.T, secret []byte) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Subject:   "test",
	}
	return "Bearer " + signToken(t, secret, claims)
}

func testServer() *Server {
	return NewServer(newTestGraph(), func() engine.Stats { return engine.Stats{} })
}

// TestRouter_HealthzNoAuth verifies /healthz is accessible without a token.
func TestRouter_HealthzNoAuth(t *testing.T) {
	h := NewRouter(testServer(), testSecret)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

// TestRouter_APIRoutesRequireToken verifies every /api/v1/* route returns 401
// with no Authorization header.
func TestRouter_APIRoutesRequireToken(t *testing.T) {
	h := NewRouter(testServer(), testSecret)

	routes := []string{
		"/api/v1/tasks",
		"/api/v1/modules",
		"/api/v1/tracenodes/task-100",
		"/api/v1/stats",
		"/api/v1/backtrack-mode",
	}

	for _, route := range routes {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("route %s: expected 401 without token, got %d", route, rec.Code)
		}
	}
}

// TestRouter_APIRoutesAccessibleWithToken verifies a valid token passes the
// middleware and the handler runs.
func TestRouter_APIRoutesAccessibleWithToken(t *testing.T) {
	h := NewRouter(testServer(), testSecret)
	bearer := validBearerToken(t, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", bearer)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d; body: %s", rec.Code, rec.Body)
	}
}

// TestRouter_PutBacktrackModeRequiresToken verifies the mutating route is
// gated by the same bearer-token middleware as the read-only ones.
func TestRouter_PutBacktrackModeRequiresToken(t *testing.T) {
	h := NewRouter(testServer(), testSecret)
	bearer := validBearerToken(t, testSecret)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/backtrack-mode", strings.NewReader(`{"always_backtrack": true}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/v1/backtrack-mode", strings.NewReader(`{"always_backtrack": true}`))
	req.Header.Set("Authorization", bearer)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d; body: %s", rec.Code, rec.Body)
	}
}

// TestRouter_NilSecretDisablesAuth mirrors the teacher's "pass nil to skip
// JWT validation" escape hatch for tests that only exercise handlers.
func TestRouter_NilSecretDisablesAuth(t *testing.T) {
	h := NewRouter(testServer(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with nil secret, got %d", rec.Code)
	}
}
