package files

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/apperr"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/validate"
)

type testServer struct {
	*fixture
	e       *echo.Echo
	uploads int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{fixture: newFixture(t), e: echo.New()}
	s.e.Validator = validate.New()
	s.e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop(), false)

	authn := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("X-Test-User") == "" {
				return apperr.Unauthorized("Authentication required")
			}
			c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), s.caller)))
			return next(c)
		}
	}
	uploadLimit := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s.uploads++
			return next(c)
		}
	}
	NewHandler(s.svc).RegisterRoutes(s.e.Group("/api/v1"), authn, uploadLimit)
	return s
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-Test-User", "1")
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Errors  map[string]string `json:"errors"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return env
}

const uploadBody = `{"fileType":"eob","originalFilename":"march.pdf","mimeType":"application/pdf","sizeBytes":5000}`

func (s *testServer) upload(t *testing.T) Upload {
	t.Helper()
	rec := s.do(http.MethodPost, "/api/v1/files/upload", uploadBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var out Upload
	if err := json.Unmarshal(decode(t, rec).Data, &out); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	return out
}

func TestHandler_Upload(t *testing.T) {
	s := newTestServer(t)
	out := s.upload(t)
	if out.File == nil || out.UploadURL == "" || out.ExpiresAt.IsZero() {
		t.Fatalf("unexpected upload %+v", out)
	}
	if s.uploads != 1 {
		t.Errorf("expected the upload limiter to run once, ran %d", s.uploads)
	}

	s.do(http.MethodGet, "/api/v1/files/"+out.File.ID.String(), "")
	if s.uploads != 1 {
		t.Error("upload limiter must only guard uploads")
	}
}

func TestHandler_UploadValidation(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing fields", `{"sizeBytes":10}`, "fileType"},
		{"oversize", `{"fileType":"eob","originalFilename":"a.pdf","mimeType":"application/pdf","sizeBytes":104857601}`, "sizeBytes"},
		{"mime type", `{"fileType":"eob","originalFilename":"a.exe","mimeType":"application/x-msdownload","sizeBytes":10}`, "mimeType"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/v1/files/upload", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if _, ok := decode(t, rec).Errors[tt.field]; !ok {
				t.Errorf("expected error for %s: %s", tt.field, rec.Body.String())
			}
		})
	}
}

func TestHandler_UploadUnknownClaim(t *testing.T) {
	s := newTestServer(t)
	body := `{"fileType":"eob","originalFilename":"a.pdf","mimeType":"application/pdf","sizeBytes":10,"relatedClaimId":"` + uuid.NewString() + `"}`
	if rec := s.do(http.MethodPost, "/api/v1/files/upload", body); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetDownloadDelete(t *testing.T) {
	s := newTestServer(t)
	out := s.upload(t)
	base := "/api/v1/files/" + out.File.ID.String()

	rec := s.do(http.MethodGet, base, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var f File
	_ = json.Unmarshal(decode(t, rec).Data, &f)
	if f.OriginalFilename != "march.pdf" {
		t.Errorf("unexpected file %+v", f)
	}

	rec = s.do(http.MethodGet, base+"/download", "")
	var d Download
	_ = json.Unmarshal(decode(t, rec).Data, &d)
	if rec.Code != http.StatusOK || d.URL == "" {
		t.Fatalf("expected download url, got %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(http.MethodDelete, base, "")
	if rec.Code != http.StatusOK || decode(t, rec).Message != "File deleted successfully" {
		t.Fatalf("unexpected delete response %d %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(http.MethodGet, base, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestHandler_List(t *testing.T) {
	s := newTestServer(t)
	s.upload(t)
	s.upload(t)

	rec := s.do(http.MethodGet, "/api/v1/files?fileType=EOB&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list List
	_ = json.Unmarshal(decode(t, rec).Data, &list)
	if list.Meta.Total != 2 || len(list.Files) != 1 {
		t.Errorf("unexpected list %+v", list.Meta)
	}

	if rec := s.do(http.MethodGet, "/api/v1/files?relatedClaimId=bad", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad claim filter, got %d", rec.Code)
	}
}

func TestHandler_BadID(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(http.MethodGet, "/api/v1/files/nope", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
