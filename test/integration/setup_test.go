package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hospital/his/internal/domain/catalog"
	"github.com/hospital/his/internal/domain/inventory"
	"github.com/hospital/his/internal/domain/prescription"
	"github.com/hospital/his/internal/platform/db"
	"github.com/hospital/his/migrations"
)

// testPostgres is started when TEST_DATABASE_URL is unset.
// TEST_POSTGRES_IMAGE overrides the image.
var testPostgres = postgresContainer{
	Image:    "postgres:16-alpine",
	User:     "his",
	Password: "his",
	Database: "his_test",
	Ready:    30 * time.Second,
}

// globalPool is the shared database, initialized once in TestMain. It is nil
// when neither TEST_DATABASE_URL nor a docker binary is available.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr, cleanup, err := databaseURL(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skipping integration tests: %v\n", err)
		os.Exit(0)
	}
	if connStr == "" {
		fmt.Fprintln(os.Stderr, "skipping integration tests: set TEST_DATABASE_URL or install docker")
		os.Exit(0)
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: connStr, MaxConns: 40, ApplicationName: "his-integration"})
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

func databaseURL(ctx context.Context) (string, func(), error) {
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url, func() {}, nil
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return "", func() {}, nil
	}
	if image := os.Getenv("TEST_POSTGRES_IMAGE"); image != "" {
		testPostgres.Image = image
	}
	return testPostgres.start(ctx)
}

// createHospital creates a fresh hospital schema with all migrations applied
// and drops it when the test ends.
func createHospital(t *testing.T, ctx context.Context, prefix string) string {
	t.Helper()
	id := fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.New().String()[:8], "-", ""))
	if err := db.CreateHospitalSchema(ctx, globalPool, id, migrations.FS); err != nil {
		t.Fatalf("create hospital schema %s: %v", id, err)
	}
	t.Cleanup(func() {
		if _, err := globalPool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+db.SchemaName(id)+" CASCADE"); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", id, err)
		}
	})
	return id
}

// withHospital runs fn on a connection scoped to the hospital schema, the
// same way the hospital middleware scopes a request.
func withHospital(t *testing.T, ctx context.Context, hospital string, fn func(ctx context.Context) error) error {
	t.Helper()
	ctx, release, err := db.AcquireHospitalConn(ctx, globalPool, hospital)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

type fixture struct {
	hospital   string
	pharmacyID uuid.UUID
	drugID     uuid.UUID
	inventory  *inventory.Service
	rx         *prescription.Service
}

func newFixture(t *testing.T, ctx context.Context, prefix string) *fixture {
	t.Helper()
	f := &fixture{
		hospital:   createHospital(t, ctx, prefix),
		pharmacyID: uuid.New(),
		drugID:     uuid.New(),
	}

	err := withHospital(t, ctx, f.hospital, func(ctx context.Context) error {
		conn := db.ConnFromContext(ctx)
		if _, err := conn.Exec(ctx,
			`INSERT INTO pharmacies (id, code, name) VALUES ($1, $2, $3)`,
			f.pharmacyID, "MAIN", "Main Pharmacy"); err != nil {
			return fmt.Errorf("insert pharmacy: %w", err)
		}
		if _, err := conn.Exec(ctx,
			`INSERT INTO drugs (id, code, name, unit, retail_price) VALUES ($1, $2, $3, $4, $5)`,
			f.drugID, "AMOX500", "Amoxicillin 500mg", "capsule", decimal.RequireFromString("1.25")); err != nil {
			return fmt.Errorf("insert drug: %w", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed master data: %v", err)
	}

	uow := db.NewTxManager(globalPool, 0)
	store := catalog.NewStorePG(globalPool)
	f.inventory = inventory.NewService(
		inventory.NewRecordRepoPG(globalPool),
		inventory.NewTransactionRepoPG(globalPool),
		uow,
		zerolog.Nop(),
	)
	f.rx = prescription.NewService(prescription.NewRepoPG(globalPool), store, f.inventory, uow, zerolog.Nop())
	f.rx.SetScreening(prescription.NewScreener(store, store), prescription.ScreeningWarn)
	return f
}

func (f *fixture) receive(t *testing.T, ctx context.Context, batch string, qty int) *inventory.Record {
	t.Helper()
	var rec *inventory.Record
	err := withHospital(t, ctx, f.hospital, func(ctx context.Context) error {
		res, err := f.inventory.ReceiveStock(ctx, inventory.Receipt{
			DrugID:           f.drugID,
			PharmacyID:       f.pharmacyID,
			BatchNumber:      batch,
			Quantity:         qty,
			MinimumThreshold: 2,
			UnitPrice:        decimal.RequireFromString("1.25"),
			Reason:           "initial receipt",
			Actor:            "integration",
		})
		if err != nil {
			return err
		}
		rec = res.Record
		return nil
	})
	if err != nil {
		t.Fatalf("receive stock: %v", err)
	}
	return rec
}
