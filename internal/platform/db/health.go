package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the pool snapshot reported by the health endpoint.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthReport is the body of GET /health/db.
type HealthReport struct {
	Status            string    `json:"status"`
	Error             string    `json:"error,omitempty"`
	Schema            string    `json:"schema,omitempty"`
	PendingMigrations int       `json:"pending_migrations"`
	Pool              PoolStats `json:"pool"`
}

// HealthHandler pings the database and reports how many migrations are still
// pending for the default hospital schema. Pending migrations degrade the
// status without failing the probe.
func HealthHandler(pool *pgxpool.Pool, migrator *Migrator, defaultHospital string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report := HealthReport{Status: "healthy", Pool: GetPoolStats(pool)}
		if err := pool.Ping(ctx); err != nil {
			report.Status = "unhealthy"
			report.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}

		if migrator != nil && defaultHospital != "" {
			report.Schema = SchemaName(defaultHospital)
			statuses, err := migrator.Status(ctx, report.Schema)
			if err != nil {
				report.Status = "unhealthy"
				report.Error = err.Error()
				return c.JSON(http.StatusServiceUnavailable, report)
			}
			report.PendingMigrations = countPending(statuses)
			if report.PendingMigrations > 0 {
				report.Status = "degraded"
			}
		}

		return c.JSON(http.StatusOK, report)
	}
}

func countPending(statuses []MigrationStatus) int {
	n := 0
	for _, s := range statuses {
		if !s.Applied {
			n++
		}
	}
	return n
}
