package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:           "8000",
		Env:            "test",
		CORSOrigins:    []string{"http://localhost:3000"},
		RequestTimeout: time.Second,
	}
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRootCommands(t *testing.T) {
	root := rootCmd()
	want := map[string]bool{"serve": false, "worker": false, "migrate": false, "sessions": false, "files": false, "queue": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing command %q", name)
		}
	}

	serveCmd, _, err := root.Find([]string{"serve"})
	if err != nil || serveCmd.Flags().Lookup("no-worker") == nil {
		t.Errorf("serve should accept --no-worker")
	}
	for _, path := range [][]string{{"migrate", "up"}, {"migrate", "status"}, {"migrate", "down"}, {"sessions", "prune"}, {"files", "purge"}, {"queue", "stats"}, {"queue", "retry"}} {
		if c, _, err := root.Find(path); err != nil || c.Name() != path[1] {
			t.Errorf("missing command %v", path)
		}
	}
}

func TestHealth(t *testing.T) {
	e := newEcho(testConfig(), zerolog.Nop())
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" || body["success"] != true {
		t.Errorf("unexpected body %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	e := newEcho(testConfig(), zerolog.Nop())
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Success || body.Message == "" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	e := newEcho(testConfig(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/claims", nil)
	req.Header.Set(echo.HeaderOrigin, "http://localhost:3000")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec := serve(e, req)
	if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "http://localhost:3000" {
		t.Errorf("expected allowed origin, got %q", got)
	}
	if rec.Header().Get(echo.HeaderAccessControlAllowCredentials) != "true" {
		t.Error("expected credentials to be allowed")
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/claims", nil)
	req.Header.Set(echo.HeaderOrigin, "http://evil.example")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec = serve(e, req)
	if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "" {
		t.Errorf("unexpected allowed origin %q", got)
	}
}

func TestBodyLimit(t *testing.T) {
	e := newEcho(testConfig(), zerolog.Nop())
	e.POST("/api/v1/echo", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/echo", bytes.NewReader(bytes.Repeat([]byte("x"), 2<<20)))
	if rec := serve(e, req); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestSanitizeRejectsTraversal(t *testing.T) {
	e := newEcho(testConfig(), zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/..%2f..%2fetc", nil)
	if rec := serve(e, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEcho(testConfig(), zerolog.Nop())
	serve(e, httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Error("expected request metrics to be exported")
	}
}

func TestNewLogger(t *testing.T) {
	if l := newLogger(&config.Config{Env: "production"}); l.GetLevel() != zerolog.InfoLevel {
		t.Errorf("expected info level in production, got %s", l.GetLevel())
	}
	if l := newLogger(&config.Config{Env: "development"}); l.GetLevel() != zerolog.DebugLevel {
		t.Errorf("expected debug level in development, got %s", l.GetLevel())
	}
}
