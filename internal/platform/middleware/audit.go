package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinlogic/internal/platform/auth"
	"github.com/ehr/clinlogic/internal/platform/logic"
)

// AuditEntry records who evaluated or changed what, and when.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Action     string // evaluate, read, register, unregister
	PatientID  string
	CohortSize int
	Token      string
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries. Without one the middleware only
// logs.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request under prefix. Evaluations read patient data,
// so they are recorded with the patient or cohort size they touched.
func Audit(logger zerolog.Logger, prefix string, recorders ...AuditRecorder) echo.MiddlewareFunc {
	prefix = strings.TrimRight(prefix, "/") + "/"
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, prefix) {
				return next(c)
			}

			err := next(c)

			rest := strings.Split(strings.TrimPrefix(path, prefix), "/")
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: ResponseStatus(c, err),
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				Action:     auditAction(req.Method, rest),
				PatientID:  patientFromPath(rest),
				Token:      tokenFromPath(rest),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			if n, ok := c.Get(logic.CohortSizeKey).(int); ok {
				entry.CohortSize = n
			}
			if tok, ok := c.Get(logic.TokenKey).(string); ok && entry.Token == "" {
				entry.Token = tok
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "logic_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("action", entry.Action).
				Str("patient_id", entry.PatientID).
				Int("cohort_size", entry.CohortSize).
				Str("token", entry.Token).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("logic_access")

			return err
		}
	}
}

// auditAction classifies a request by the path segments after the prefix.
func auditAction(method string, segs []string) string {
	last := segs[len(segs)-1]
	switch {
	case strings.HasPrefix(last, "eval"):
		return "evaluate"
	case last == "parse":
		return "read"
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return "register"
	case http.MethodDelete:
		return "unregister"
	default:
		return "read"
	}
}

// patientFromPath finds the UUID in patients/<id>/...
func patientFromPath(segs []string) string {
	if len(segs) >= 2 && segs[0] == "patients" {
		if _, err := uuid.Parse(segs[1]); err == nil {
			return segs[1]
		}
	}
	return ""
}

// ResponseStatus is the status the client will see. An error that has not
// been written yet is rendered later by echo's error handler.
func ResponseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func tokenFromPath(segs []string) string {
	if len(segs) >= 2 && segs[0] == "tokens" {
		return segs[1]
	}
	return ""
}
