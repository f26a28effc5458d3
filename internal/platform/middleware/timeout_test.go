package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	err := RequestTimeout(5*time.Second)(func(c echo.Context) error {
		called = true
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected context to have a deadline")
		}
		return c.String(http.StatusOK, "ok")
	})(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestRequestTimeout_ReturnsTimeoutOnExpiry(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return c.String(http.StatusOK, "ok")
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	if err := RequestTimeout(50 * time.Millisecond)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected status 504, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body["success"] != false || body["message"] == "" {
		t.Errorf("expected error envelope, got %v", body)
	}
}

func TestRequestTimeout_LateHandlerOwnsResponse(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	// The handler ignores its context and answers after the deadline. The
	// middleware must wait for it instead of writing a 504 alongside.
	err := RequestTimeout(20 * time.Millisecond)(func(c echo.Context) error {
		time.Sleep(80 * time.Millisecond)
		c.Response().Header().Set("X-Late", "1")
		return c.String(http.StatusOK, "late")
	})(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "late" || rec.Header().Get("X-Late") != "1" {
		t.Errorf("expected the handler's response only, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRequestTimeout_SilentHandlerAfterDeadline(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil), rec)

	err := RequestTimeout(20 * time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return nil
	})(c)

	if err != nil || rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d %v", rec.Code, err)
	}
}

func TestRequestTimeout_SkipsWebsocket(t *testing.T) {
	for _, path := range []string{"/ws", "/ws/notifications"} {
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, path, nil), httptest.NewRecorder())

		called := false
		err := RequestTimeout(50*time.Millisecond)(func(c echo.Context) error {
			called = true
			if _, ok := c.Request().Context().Deadline(); ok {
				t.Errorf("%s: expected no deadline", path)
			}
			return nil
		})(c)

		if err != nil || !called {
			t.Errorf("%s: expected handler to run, err=%v", path, err)
		}
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/claims/1", nil), httptest.NewRecorder())

	err := RequestTimeout(5*time.Second)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
}
