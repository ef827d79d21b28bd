package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	testDB      *gorm.DB
	pgContainer *postgres.PostgresContainer
)

// TestMain sets up the test database before running tests.
// PostgreSQL tests are skipped when neither TEST_DB_HOST nor a container runtime is available.
func TestMain(m *testing.M) {
	ctx := context.Background()

	dsn, err := testDSN(ctx)
	if err != nil {
		fmt.Printf("PostgreSQL tests disabled: %v\n", err)
	} else if err := connectTestDB(ctx, dsn); err != nil {
		fmt.Printf("PostgreSQL tests disabled: %v\n", err)
		testDB = nil
	}

	code := m.Run()

	if pgContainer != nil {
		if err := pgContainer.Terminate(ctx); err != nil {
			fmt.Printf("Failed to terminate PostgreSQL container: %v\n", err)
		}
	}

	os.Exit(code)
}

// testDSN returns the DSN of an external database (for CI or local development) or of a fresh container
func testDSN(ctx context.Context) (string, error) {
	if dbHost := os.Getenv("TEST_DB_HOST"); dbHost != "" {
		dbPort := envOr("TEST_DB_PORT", "5432")
		dbUser := envOr("TEST_DB_USER", "postgres")
		dbPassword := envOr("TEST_DB_PASSWORD", "postgres")
		dbName := envOr("TEST_DB_NAME", "test_db")

		fmt.Printf("Using external database: %s:%s/%s\n", dbHost, dbPort, dbName)
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			dbHost, dbPort, dbUser, dbPassword, dbName), nil
	}

	// testcontainers panics when no Docker host can be found
	err := recoverPanic(func() error {
		var err error
		pgContainer, err = postgres.Run(ctx,
			"postgres:18-alpine",
			postgres.WithDatabase("test_db"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		return err
	})
	if err != nil {
		pgContainer = nil
		return "", fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	fmt.Printf("Started PostgreSQL container\n")
	return pgContainer.ConnectionString(ctx, "sslmode=disable")
}

// recoverPanic runs fn and turns a panic into an error
func recoverPanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("container runtime unavailable: %v", r)
		}
	}()
	return fn()
}

func connectTestDB(ctx context.Context, dsn string) error {
	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		return err
	}
	testDB = db
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// initPGTestDB creates a store bound to a transaction that is rolled back after the test
func initPGTestDB(t *testing.T) Store {
	tx := testDB.Begin()
	require.NotNil(t, tx)
	require.NoError(t, tx.Error)

	t.Cleanup(func() {
		tx.Rollback()
	})

	return NewPGStore(tx)
}

func TestRecoverPanic(t *testing.T) {
	err := recoverPanic(func() error { panic("rootless Docker not found") })
	require.ErrorContains(t, err, "rootless Docker not found")

	require.NoError(t, recoverPanic(func() error { return nil }))
	require.EqualError(t, recoverPanic(func() error { return fmt.Errorf("boom") }), "boom")
}

// TestPostgreSQLStore runs all store tests against PostgreSQL
func TestPostgreSQLStore(t *testing.T) {
	if testDB == nil {
		t.Skip("test database not available")
	}

	RunStoreTests(t, initPGTestDB)
}
