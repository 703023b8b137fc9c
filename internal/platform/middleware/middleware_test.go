package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinlogic/internal/platform/auth"
	"github.com/ehr/clinlogic/internal/platform/logic"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	RequestID()(handler)(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", maxRequestIDLen+1))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	RequestID()(func(c echo.Context) error { return nil })(c)

	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("expected a generated UUID, got %q", got)
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/logic/tokens", nil)
	req = req.WithContext(auth.WithUser(req.Context(), "clinician-1"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-1")

	err := Logger(logger)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q", buf.String())
	}
	if line["user_id"] != "clinician-1" || line["request_id"] != "req-1" || line["level"] != "info" {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestLogger_HealthAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())

	Logger(logger)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)

	if buf.Len() != 0 {
		t.Errorf("health checks should log below info, got %q", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	logger := zerolog.Nop()
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())

	err := Recovery(logger)(func(c echo.Context) error {
		panic("test panic")
	})(c)

	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
	body, _ := httpErr.Message.(map[string]string)
	if body["code"] != "internal" {
		t.Errorf("expected code internal, got %v", httpErr.Message)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())

	err := Recovery(zerolog.Nop())(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/logic/eval", nil), rec)

	err := RequestTimeout(20*time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"code":"timeout"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestRequestTimeout_FastHandler(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	err := RequestTimeout(time.Second)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected a deadline on the request context")
		}
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil || rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d (%v)", rec.Code, err)
	}
}

func TestBodyLimit(t *testing.T) {
	mw := BodyLimit("16", "1K")
	read := func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}

	tests := []struct {
		name, path string
		body       string
		want       int
	}{
		{"small default", "/api/v1/logic/parse", `{"query":"CD4"}`, http.StatusNoContent},
		{"large default", "/api/v1/logic/parse", strings.Repeat("x", 64), http.StatusRequestEntityTooLarge},
		{"large cohort", "/api/v1/logic/eval", strings.Repeat("x", 512), http.StatusNoContent},
		{"huge cohort", "/api/v1/logic/eval", strings.Repeat("x", 2048), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Use(mw)
			e.POST("/*", read)
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestBodyLimit_MissingContentLength(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/x", io.NopCloser(strings.NewReader(strings.Repeat("x", 64))))
	req.ContentLength = -1
	c := e.NewContext(req, httptest.NewRecorder())

	err := BodyLimit("16", "16")(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %v", err)
	}
}

func TestParseLimit(t *testing.T) {
	tests := map[string]int64{
		"":      1 << 20,
		"512":   512,
		"4K":    4 << 10,
		"4kb":   4 << 10,
		"2M":    2 << 20,
		"1G":    1 << 30,
		"lots":  1 << 20,
		"-5M":   1 << 20,
		" 8MB ": 8 << 20,
	}
	for in, want := range tests {
		if got := parseLimit(in); got != want {
			t.Errorf("parseLimit(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestAudit(t *testing.T) {
	var entries []AuditEntry
	rec := AuditRecorderFunc(func(e AuditEntry) error {
		entries = append(entries, e)
		return nil
	})
	mw := Audit(zerolog.Nop(), "/api/v1/logic", rec)

	tests := []struct {
		method, path string
		action       string
		patient      string
		token        string
	}{
		{http.MethodPost, "/api/v1/logic/eval", "evaluate", "", ""},
		{http.MethodGet, "/api/v1/logic/patients/6f1c2a4e-8a3b-4c1d-9e2f-0a1b2c3d4e5f/eval", "evaluate", "6f1c2a4e-8a3b-4c1d-9e2f-0a1b2c3d4e5f", ""},
		{http.MethodPost, "/api/v1/logic/patients/not-a-uuid/eval-many", "evaluate", "", ""},
		{http.MethodPost, "/api/v1/logic/parse", "read", "", ""},
		{http.MethodGet, "/api/v1/logic/tokens/CD4", "read", "", "CD4"},
		{http.MethodPost, "/api/v1/logic/tokens", "register", "", ""},
		{http.MethodDelete, "/api/v1/logic/tokens/CD4", "unregister", "", "CD4"},
		{http.MethodGet, "/health", "", "", ""},
	}
	// POST /tokens carries the token in its body.
	created := map[string]bool{"/api/v1/logic/tokens": true}
	for _, tt := range tests {
		entries = nil
		e := echo.New()
		req := httptest.NewRequest(tt.method, tt.path, nil)
		req = req.WithContext(auth.WithUser(context.Background(), "u1", "clinician"))
		c := e.NewContext(req, httptest.NewRecorder())
		c.Set("request_id", "req-123")
		if tt.path == "/api/v1/logic/eval" {
			c.Set(logic.CohortSizeKey, 42)
		}
		if created[tt.path] {
			c.Set(logic.TokenKey, "VIRAL LOAD")
			tt.token = "VIRAL LOAD"
		}

		if err := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c); err != nil {
			t.Fatalf("%s %s: unexpected error: %v", tt.method, tt.path, err)
		}

		if tt.action == "" {
			if len(entries) != 0 {
				t.Errorf("%s should not be audited", tt.path)
			}
			continue
		}
		if len(entries) != 1 {
			t.Fatalf("%s %s: expected 1 entry, got %d", tt.method, tt.path, len(entries))
		}
		got := entries[0]
		if got.Action != tt.action || got.PatientID != tt.patient || got.Token != tt.token {
			t.Errorf("%s %s: got action=%q patient=%q token=%q", tt.method, tt.path, got.Action, got.PatientID, got.Token)
		}
		if got.UserID != "u1" || got.RequestID != "req-123" || got.StatusCode != http.StatusOK {
			t.Errorf("%s %s: unexpected entry %+v", tt.method, tt.path, got)
		}
		if tt.path == "/api/v1/logic/eval" && got.CohortSize != 42 {
			t.Errorf("expected cohort size 42, got %d", got.CohortSize)
		}
	}
}

func TestAudit_ErrorStatus(t *testing.T) {
	var got AuditEntry
	mw := Audit(zerolog.Nop(), "/api/v1/logic", AuditRecorderFunc(func(e AuditEntry) error {
		got = e
		return nil
	}))

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/api/v1/logic/tokens/AGE", nil), httptest.NewRecorder())
	err := mw(func(c echo.Context) error { return echo.NewHTTPError(http.StatusForbidden, "no") })(c)
	if err == nil {
		t.Fatal("expected the handler error to propagate")
	}
	if got.StatusCode != http.StatusForbidden || got.Action != "unregister" {
		t.Errorf("unexpected entry %+v", got)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/logic/eval", nil), httptest.NewRecorder())
	mw(func(c echo.Context) error { return errors.New("boom") })(c)
	if got.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 for a plain error, got %d", got.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mw := rateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}, clock)
	h := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	call := func(user string) (*httptest.ResponseRecorder, error) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/logic/eval", nil)
		if user != "" {
			req = req.WithContext(auth.WithUser(req.Context(), user))
		}
		rec := httptest.NewRecorder()
		return rec, h(e.NewContext(req, rec))
	}

	for i := 0; i < 2; i++ {
		if _, err := call("alice"); err != nil {
			t.Fatalf("request %d should pass: %v", i, err)
		}
	}
	rec, err := call("alice")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}

	if _, err := call("bob"); err != nil {
		t.Errorf("other users have their own bucket: %v", err)
	}

	now = now.Add(time.Second)
	if _, err := call("alice"); err != nil {
		t.Errorf("bucket should refill after a second: %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	SecurityHeaders()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s: expected %q, got %q", header, want, got)
		}
	}
}
