// Package testutil starts a throwaway Postgres for integration tests.
//
// Packages that need a database call StartPostgres from TestMain and exit 0
// when it fails, so the suite still passes on hosts without Docker:
//
//	func TestMain(m *testing.M) {
//	    tc, err := testutil.StartPostgres()
//	    if err != nil {
//	        fmt.Fprintln(os.Stderr, "skipping integration tests:", err)
//	        os.Exit(0)
//	    }
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger(), false)
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/symbolicai/demoflow/internal/storage"
	"github.com/symbolicai/demoflow/migrations"
)

const (
	defaultImage = "postgres:17-alpine"
	pgUser       = "demoflow"
	pgPassword   = "demoflow"
	pgDatabase   = "demoflow"
	startTimeout = 90 * time.Second
)

// TestContainer is a running Postgres container and the DSN that reaches it.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres runs Postgres in Docker. DEMOFLOW_TEST_PG_IMAGE overrides the
// image, which CI uses to test against the production major version.
func StartPostgres() (*TestContainer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	image := os.Getenv("DEMOFLOW_TEST_PG_IMAGE")
	if image == "" {
		image = defaultImage
	}

	// The entrypoint starts Postgres twice: once for init scripts, then for real.
	ready := wait.ForAll(
		wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		wait.ForListeningPort("5432/tcp"),
	).WithDeadline(startTimeout)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			},
			WaitingFor: ready,
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start %s: %w", image, err)
	}

	dsn, err := containerDSN(ctx, container)
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, err
	}
	return &TestContainer{Container: container, DSN: dsn}, nil
}

func containerDSN(ctx context.Context, c testcontainers.Container) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("testutil: container host: %w", err)
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return "", fmt.Errorf("testutil: container port: %w", err)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(pgUser, pgPassword),
		Host:     net.JoinHostPort(host, port.Port()),
		Path:     "/" + pgDatabase,
		RawQuery: "sslmode=disable",
	}
	return u.String(), nil
}

// NewTestDB connects a storage.DB to the container and applies migrations.
// withNotify also opens the LISTEN/NOTIFY connection.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger, withNotify bool) (*storage.DB, error) {
	var notifyDSN string
	if withNotify {
		notifyDSN = tc.DSN
	}
	db, err := storage.New(ctx, tc.DSN, notifyDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: connect: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("testutil: migrate: %w", err)
	}
	return db, nil
}

// Terminate removes the container. Errors are ignored; the reaper cleans up.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger logs warnings and above to stderr. DEMOFLOW_TEST_LOG=debug
// turns on everything.
func TestLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("DEMOFLOW_TEST_LOG") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
