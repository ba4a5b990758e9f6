package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hospital/his/internal/config"
	"github.com/hospital/his/internal/domain/catalog"
	"github.com/hospital/his/internal/domain/inventory"
	"github.com/hospital/his/internal/domain/prescription"
	"github.com/hospital/his/internal/platform/auth"
	"github.com/hospital/his/internal/platform/db"
	"github.com/hospital/his/internal/platform/metrics"
	"github.com/hospital/his/internal/platform/middleware"
	"github.com/hospital/his/internal/platform/validate"
	"github.com/hospital/his/internal/platform/webhook"
	"github.com/hospital/his/internal/platform/websocket"
	"github.com/hospital/his/migrations"
)

const appName = "his-server"

func main() {
	rootCmd := &cobra.Command{
		Use:          appName,
		Short:        "Hospital pharmacy inventory and prescription server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(hospitalCmd())
	rootCmd.AddCommand(ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Str("service", appName).Logger()
}

// openPool loads the configuration and connects to the database. Used by
// every CLI command; the server validates the configuration on top.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: appName,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pharmacy API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations against a hospital schema",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			hospital, _ := cmd.Flags().GetString("hospital")
			target, _ := cmd.Flags().GetInt("to")
			if err := db.ValidateHospitalID(hospital); err != nil {
				return err
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			// migrations are applied below so --to is honoured
			if err := db.CreateHospitalSchema(ctx, pool, hospital, nil); err != nil {
				return err
			}
			schema := db.SchemaName(hospital)

			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			var count int
			if target > 0 {
				count, err = migrator.UpTo(ctx, schema, target)
			} else {
				count, err = migrator.Up(ctx, schema)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("hospital", "default", "Hospital identifier")
	upCmd.Flags().Int("to", 0, "Stop after this migration version (0 applies all)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			hospital, _ := cmd.Flags().GetString("hospital")
			if err := db.ValidateHospitalID(hospital); err != nil {
				return err
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaName(hospital)
			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			printMigrationStatus(os.Stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("hospital", "default", "Hospital identifier")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is not supported. The transaction ledger is append-only;")
			fmt.Println("restore the hospital schema from a backup instead.")
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func hospitalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hospital",
		Short: "Manage hospital schemas",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a hospital schema and apply all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if err := db.ValidateHospitalID(name); err != nil {
				return err
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating hospital schema: %s\n", db.SchemaName(name))
			if err := db.CreateHospitalSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Println("Hospital created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Hospital identifier (alphanumeric and underscore)")

	cmd.AddCommand(createCmd)
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the stock transaction ledger",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that every stock record of a pharmacy matches its ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			hospital, _ := cmd.Flags().GetString("hospital")
			if err := db.ValidateHospitalID(hospital); err != nil {
				return err
			}
			raw, _ := cmd.Flags().GetString("pharmacy")
			pharmacyID, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--pharmacy must be a UUID: %w", err)
			}

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx, release, err := db.AcquireHospitalConn(ctx, pool, hospital)
			if err != nil {
				return err
			}
			defer release()

			logger := newLogger(cfg.Env, os.Stderr)
			svc := inventory.NewService(
				inventory.NewRecordRepoPG(pool),
				inventory.NewTransactionRepoPG(pool),
				db.NewTxManager(pool, cfg.DBLockTimeout),
				logger,
			)
			rows, err := svc.ReconcilePharmacy(ctx, pharmacyID)
			if err != nil {
				return err
			}
			if bad := printReconciliation(os.Stdout, rows); bad > 0 {
				return fmt.Errorf("%d stock record(s) do not match the ledger", bad)
			}
			return nil
		},
	}
	verifyCmd.Flags().String("hospital", "default", "Hospital identifier")
	verifyCmd.Flags().String("pharmacy", "", "Pharmacy UUID")
	_ = verifyCmd.MarkFlagRequired("pharmacy")

	cmd.AddCommand(verifyCmd)
	return cmd
}

// printReconciliation writes one row per stock record and returns how many
// are out of balance.
func printReconciliation(w io.Writer, rows []*inventory.Reconciliation) int {
	fmt.Fprintf(w, "%-36s %-20s %10s %10s %s\n", "RECORD", "BATCH", "QUANTITY", "LEDGER", "STATUS")
	bad := 0
	for _, r := range rows {
		status := "ok"
		if !r.Balanced {
			status = "MISMATCH"
			bad++
		}
		fmt.Fprintf(w, "%-36s %-20s %10d %10d %s\n", r.RecordID, r.BatchNumber, r.Quantity, r.LedgerSum, status)
	}
	fmt.Fprintf(w, "%d record(s) checked, %d mismatched\n", len(rows), bad)
	return bad
}

func webhookEndpoints(cfg *config.Config) []webhook.Endpoint {
	eps := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
	for _, u := range cfg.WebhookURLs {
		eps = append(eps, webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret, Events: cfg.WebhookEvents})
	}
	return eps
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: appName,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Hospital-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	if m != nil {
		e.Use(m.Middleware())
	}

	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		logger.Warn().Msg("development auth enabled: X-Dev-User and X-Dev-Roles are trusted")
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	hospitalMW := db.HospitalMiddleware(pool, cfg.DefaultHospital)

	apiV1 := e.Group("/api/v1", authMW, hospitalMW, middleware.Audit(logger))

	uow := db.NewTxManager(pool, cfg.DBLockTimeout)
	hub := websocket.NewHub(logger)
	store := catalog.NewStorePG(pool)

	events := websocket.Publishers{hub}
	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var dispatcher *webhook.Dispatcher
	if len(cfg.WebhookURLs) > 0 {
		dispatcher, err = webhook.NewDispatcher(webhookEndpoints(cfg), logger, webhook.WithMetrics(m))
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid webhook configuration")
		}
		dispatcher.Run(runCtx, cfg.WebhookWorkers)
		events = append(events, dispatcher)
		logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Strs("events", cfg.WebhookEvents).Msg("webhook delivery enabled")
	}

	invSvc := inventory.NewService(
		inventory.NewRecordRepoPG(pool),
		inventory.NewTransactionRepoPG(pool),
		uow,
		logger,
	)
	invSvc.SetEventPublisher(events)
	invSvc.SetMetrics(m)
	inventory.NewHandler(invSvc, cfg.ExpiryWarningDays).RegisterRoutes(apiV1)

	rxSvc := prescription.NewService(prescription.NewRepoPG(pool), store, invSvc, uow, logger)
	rxSvc.SetScreening(prescription.NewScreener(store, store), prescription.ScreeningMode(cfg.PrescriptionScreening))
	rxSvc.SetSplitBatches(cfg.DispenseSplitBatches)
	rxSvc.SetEventPublisher(events)
	rxSvc.SetMetrics(m)
	prescription.NewHandler(rxSvc).RegisterRoutes(apiV1)

	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""), authMW, hospitalMW)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, db.NewMigrator(pool, migrations.FS), cfg.DefaultHospital))
	if m != nil {
		e.GET("/metrics", m.Handler())
	}

	logger.Info().
		Str("screening", cfg.PrescriptionScreening).
		Bool("split_batches", cfg.DispenseSplitBatches).
		Str("default_hospital", cfg.DefaultHospital).
		Msg("pharmacy services ready")

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	stopWorkers()
	if dispatcher != nil {
		dispatcher.Wait()
	}
	logger.Info().Msg("server stopped")
	return nil
}
