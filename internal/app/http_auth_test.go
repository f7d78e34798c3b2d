package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"docvault/api/internal/auth"
)

func newTestServer() (*HTTPServer, *memStore, *memBlob) {
	ms := newMemStore()
	blobs := newMemBlob()
	return NewHTTPServer(newTestService(ms, blobs), "*"), ms, blobs
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewBuffer(raw)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func parseJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func registerAndLogin(t *testing.T, server *HTTPServer, login string) (token, refreshToken string) {
	t.Helper()
	rr := doJSON(t, server, http.MethodPost, "/api/auth/register", "", map[string]any{
		"login": login, "password": "password123",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body=%s", login, rr.Code, rr.Body.String())
	}
	rr = doJSON(t, server, http.MethodPost, "/api/auth/login", "", map[string]any{
		"login": login, "password": "password123",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body=%s", login, rr.Code, rr.Body.String())
	}
	payload := parseJSON(t, rr)
	return payload["token"].(string), payload["refreshToken"].(string)
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
	if payload := parseJSON(t, rr); payload["code"] != code {
		t.Fatalf("expected code %s, got %v", code, payload["code"])
	}
}

func TestRegisterLoginContract(t *testing.T) {
	server, _, _ := newTestServer()

	rr := doJSON(t, server, http.MethodPost, "/api/auth/register", "", map[string]any{
		"login": "avery", "password": "password123",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	registered := parseJSON(t, rr)
	if registered["login"] != "avery" || registered["id"] == "" {
		t.Fatalf("unexpected register payload: %v", registered)
	}

	rr = doJSON(t, server, http.MethodPost, "/api/auth/login", "", map[string]any{
		"login": "avery", "password": "password123",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	session := parseJSON(t, rr)
	if session["token"] == "" || session["refreshToken"] == "" {
		t.Fatalf("expected token pair, got %v", session)
	}
	if session["login"] != "avery" {
		t.Fatalf("expected login avery, got %v", session["login"])
	}
}

func TestRegisterDuplicateLoginIsConflict(t *testing.T) {
	server, _, _ := newTestServer()
	registerAndLogin(t, server, "avery")

	rr := doJSON(t, server, http.MethodPost, "/api/auth/register", "", map[string]any{
		"login": "avery", "password": "password123",
	})
	assertErrorCode(t, rr, http.StatusConflict, "CONFLICT")
}

func TestRegisterShortPasswordIsRejected(t *testing.T) {
	server, _, _ := newTestServer()

	rr := doJSON(t, server, http.MethodPost, "/api/auth/register", "", map[string]any{
		"login": "avery", "password": "short",
	})
	assertErrorCode(t, rr, http.StatusBadRequest, "BAD_REQUEST")
}

func TestLoginWrongPasswordIsUnauthorized(t *testing.T) {
	server, _, _ := newTestServer()
	registerAndLogin(t, server, "avery")

	rr := doJSON(t, server, http.MethodPost, "/api/auth/login", "", map[string]any{
		"login": "avery", "password": "wrong-password",
	})
	assertErrorCode(t, rr, http.StatusUnauthorized, "INVALID_CREDENTIALS")
}

func TestProtectedRouteWithoutBearerIsUnauthorized(t *testing.T) {
	server, _, _ := newTestServer()
	rr := doJSON(t, server, http.MethodGet, "/api/projects", "", nil)
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestProtectedRouteWithGarbageBearerIsUnauthorized(t *testing.T) {
	server, _, _ := newTestServer()
	rr := doJSON(t, server, http.MethodGet, "/api/projects", "definitely-not-a-token", nil)
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestProtectedRouteWithExpiredBearerIsUnauthorized(t *testing.T) {
	server, _, _ := newTestServer()

	token, _, _, err := auth.IssueToken([]byte("test-secret"), "user-1", "avery", -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rr := doJSON(t, server, http.MethodGet, "/api/projects", token, nil)
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestMeReturnsCurrentUser(t *testing.T) {
	server, _, _ := newTestServer()
	token, _ := registerAndLogin(t, server, "avery")

	rr := doJSON(t, server, http.MethodGet, "/api/me", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseJSON(t, rr); payload["login"] != "avery" {
		t.Fatalf("expected login avery, got %v", payload["login"])
	}
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	server, _, _ := newTestServer()
	_, refreshToken := registerAndLogin(t, server, "avery")

	rr := doJSON(t, server, http.MethodPost, "/api/session/refresh", "", map[string]any{
		"refreshToken": refreshToken,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rotated := parseJSON(t, rr)
	if rotated["refreshToken"] == refreshToken {
		t.Fatalf("expected a new refresh token")
	}

	rr = doJSON(t, server, http.MethodPost, "/api/session/refresh", "", map[string]any{
		"refreshToken": refreshToken,
	})
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestLogoutKillsAccessToken(t *testing.T) {
	server, _, _ := newTestServer()
	token, refreshToken := registerAndLogin(t, server, "avery")

	rr := doJSON(t, server, http.MethodPost, "/api/session/logout", token, map[string]any{
		"refreshToken": refreshToken,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: status %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodGet, "/api/projects", token, nil)
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer()
	rr := doJSON(t, server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload := parseJSON(t, rr); payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload)
	}
}

func TestReadyEndpoint(t *testing.T) {
	server, _, _ := newTestServer()
	rr := doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseJSON(t, rr); payload["status"] != "ready" {
		t.Fatalf("expected status ready, got %v", payload)
	}
}

func TestRequestIDHeaderIsEchoed(t *testing.T) {
	server, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server, _, _ := newTestServer()
	token, _ := registerAndLogin(t, server, "avery")
	rr := doJSON(t, server, http.MethodGet, "/api/nope", token, nil)
	assertErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestOptionsPreflight(t *testing.T) {
	server, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodOptions, "/api/projects", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected CORS origin *, got %q", origin)
	}
}
