package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hospital/his/internal/platform/auth"
	"github.com/hospital/his/internal/platform/db"
)

// AuditEntry records who touched which pharmacy resource and how.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	Hospital     string
	ResourceType string
	ResourceID   string
	Action       string // read, create, update, delete, or the trailing verb (review, dispense, ...)
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// AuditRecorder persists audit entries in addition to the log line.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit emits one pharmacy_audit event for every /api/v1 call after the
// handler ran, so the entry carries the final status.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			ctx := c.Request().Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Hospital:   db.HospitalFromContext(ctx),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: status,
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.ResourceType, entry.ResourceID, entry.Action = classify(req.Method, path)

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
				Str("type", "pharmacy_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("hospital", entry.Hospital).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("pharmacy_access")

			return err
		}
	}
}

func methodAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// classify splits an /api/v1 path into resource type, resource id and
// action.
//
//	/api/v1/prescriptions                 -> prescriptions, "", create|read
//	/api/v1/prescriptions/<id>/dispense   -> prescriptions, <id>, dispense
//	/api/v1/inventory/records/<id>/freeze -> inventory/records, <id>, freeze
//	/api/v1/prescriptions/number/RX...    -> prescriptions, RX..., read
func classify(method, path string) (resource, id, action string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	action = methodAction(method)
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", "", action
	}

	resource = segments[0]
	rest := segments[1:]
	if len(rest) > 0 && !isUUIDLike(rest[0]) && rest[0] != "number" {
		resource += "/" + rest[0]
		rest = rest[1:]
	}
	if len(rest) > 0 && rest[0] == "number" {
		rest = rest[1:]
	}
	if len(rest) > 0 {
		id = rest[0]
		rest = rest[1:]
	}
	if len(rest) > 0 && method != http.MethodGet {
		action = rest[len(rest)-1]
	}
	return resource, id, action
}

func isUUIDLike(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
