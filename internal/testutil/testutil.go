// Package testutil provides shared test infrastructure: throwaway SQLite
// stores for unit tests and a Postgres container for integration tests.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    db := testutil.NewSQLiteStore(t)
//	    ...
//	}
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), logger)
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/hyoka/internal/storage"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a PostgreSQL container.
func StartPostgres(ctx context.Context) (*TestContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "hyoka",
			"POSTGRES_PASSWORD": "hyoka",
			"POSTGRES_DB":       "hyoka",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: get container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://hyoka:hyoka@%s:%s/hyoka?sslmode=disable", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}, nil
}

// MustStartPostgres starts a PostgreSQL container. Calls os.Exit(1) on
// failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	tc, err := StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	return tc
}

// NewTestDB creates a storage.DB connected to this container, with its own
// table prefix, and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, prefix string, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.Open(ctx, storage.Options{
		Backend:   storage.BackendPostgres,
		DSN:       tc.DSN,
		NotifyDSN: tc.DSN,
		Prefix:    prefix,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// NewSQLiteStore opens a migrated SQLite store in a temporary directory. The
// store is closed when the test ends.
func NewSQLiteStore(t testing.TB) *storage.DB {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Options{
		Backend: storage.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "hyoka.sqlite"),
		Prefix:  storage.DefaultPrefix,
	}, TestLogger())
	if err != nil {
		t.Fatalf("testutil: open sqlite: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close(ctx)
		t.Fatalf("testutil: migrate sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close(context.Background()) })
	return db
}

// TestLogger returns a logger that discards its output unless HYOKA_TEST_LOG
// is set, in which case everything is written to stderr.
func TestLogger() *slog.Logger {
	if os.Getenv("HYOKA_TEST_LOG") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
