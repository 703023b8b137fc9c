package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"matching role", []string{"logic-reader", "logic-admin"}, http.StatusOK},
		{"super role", []string{"admin"}, http.StatusOK},
		{"other role", []string{"billing"}, http.StatusForbidden},
		{"no roles", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req = req.WithContext(WithUser(req.Context(), "user-1", tt.roles...))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole("logic-admin")(okHandler)(c)
			if tt.want == http.StatusOK {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				if rec.Code != http.StatusOK {
					t.Errorf("expected 200, got %d", rec.Code)
				}
				return
			}
			expectStatus(t, err, tt.want)
		})
	}
}

func TestHasRole(t *testing.T) {
	ctx := WithUser(context.Background(), "user-1", "logic-reader")
	if !HasRole(ctx, "logic-admin", "logic-reader") {
		t.Error("expected logic-reader to match")
	}
	if HasRole(ctx, "logic-admin") {
		t.Error("expected logic-admin to be missing")
	}
	if HasRole(context.Background(), "logic-reader") {
		t.Error("expected no roles on a bare context")
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}
