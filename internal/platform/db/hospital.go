package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	HospitalIDKey contextKey = "hospital_id"
	DBConnKey     contextKey = "db_conn"
	DBTxKey       contextKey = "db_tx"
)

var hospitalIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidateHospitalID rejects identifiers that cannot be spliced into a
// schema name.
func ValidateHospitalID(hospitalID string) error {
	if !hospitalIDPattern.MatchString(hospitalID) {
		return fmt.Errorf("invalid hospital identifier: %q", hospitalID)
	}
	return nil
}

// SchemaName returns the schema holding a hospital's pharmacy data.
func SchemaName(hospitalID string) string {
	return "hospital_" + hospitalID
}

// HospitalMiddleware pins every request to one pooled connection whose
// search_path points at the hospital's schema. Repositories and the
// transaction manager pick the connection up from the request context.
func HospitalMiddleware(pool *pgxpool.Pool, defaultHospital string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			hospitalID := extractHospitalID(c, defaultHospital)

			if ValidateHospitalID(hospitalID) != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital identifier")
			}

			ctx, release, err := AcquireHospitalConn(c.Request().Context(), pool, hospitalID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("hospital_id", hospitalID)

			return next(c)
		}
	}
}

// AcquireHospitalConn acquires a connection, points its search_path at the
// hospital schema and stores both in the returned context. The caller must
// invoke release when done.
func AcquireHospitalConn(ctx context.Context, pool *pgxpool.Pool, hospitalID string) (context.Context, func(), error) {
	if err := ValidateHospitalID(hospitalID); err != nil {
		return ctx, func() {}, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, func() {}, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(hospitalID))); err != nil {
		conn.Release()
		return ctx, func() {}, fmt.Errorf("set search_path: %w", err)
	}
	ctx = context.WithValue(ctx, HospitalIDKey, hospitalID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, conn.Release, nil
}

func extractHospitalID(c echo.Context, defaultHospital string) string {
	if hid, ok := c.Get("jwt_hospital_id").(string); ok && hid != "" {
		return hid
	}
	if hid := c.Request().Header.Get("X-Hospital-ID"); hid != "" {
		return hid
	}
	if hid := c.QueryParam("hospital_id"); hid != "" {
		return hid
	}
	return defaultHospital
}

// ConnFromContext retrieves the hospital-scoped connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// HospitalFromContext retrieves the hospital ID from context.
func HospitalFromContext(ctx context.Context) string {
	hid, _ := ctx.Value(HospitalIDKey).(string)
	return hid
}

// CreateHospitalSchema creates the schema for a hospital and applies every
// migration in migrations to it. A nil migrations FS only creates the schema.
func CreateHospitalSchema(ctx context.Context, pool *pgxpool.Pool, hospitalID string, migrations fs.FS) error {
	if err := ValidateHospitalID(hospitalID); err != nil {
		return err
	}

	schema := SchemaName(hospitalID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations != nil {
		if _, err := NewMigrator(pool, migrations).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
