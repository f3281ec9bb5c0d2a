package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gargmanash/approval-mainnc/internal/auth"
	"github.com/gargmanash/approval-mainnc/internal/authpw"
	"github.com/gargmanash/approval-mainnc/internal/config"
)

func newAuthTestServer() *HTTPServer {
	svc := &Service{
		cfg:       config.Config{JWTSecret: "test-secret", AccessTTL: time.Minute},
		passwords: authpw.NewService(nil),
	}
	return NewHTTPServer(svc, "*")
}

func TestHealthEndpoint(t *testing.T) {
	server := newAuthTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["ok"] != true {
		t.Fatalf("expected ok=true, got %v", response["ok"])
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	server := newAuthTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/pendings", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestInvalidTokenIsUnauthorized(t *testing.T) {
	server := newAuthTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/pendings", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestValidTokenUnknownRouteIsNotFound(t *testing.T) {
	server := newAuthTestServer()
	token, err := auth.IssueToken([]byte("test-secret"), "user-1", "Avery", "user", "jti-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestKpisRequireAdminRole(t *testing.T) {
	server := newAuthTestServer()
	token, err := auth.IssueToken([]byte("test-secret"), "user-1", "Avery", "user", "jti-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/kpis", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rr.Code)
	}
}

func TestSignInRejectsEmptyCredentials(t *testing.T) {
	server := newAuthTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signin", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	server := newAuthTestServer()

	req := httptest.NewRequest(http.MethodOptions, "/api/pendings", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("missing CORS origin header, got %q", origin)
	}
}
