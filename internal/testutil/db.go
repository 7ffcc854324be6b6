// Package testutil provides shared helpers for integration tests. Postgres
// comes from TEST_DATABASE_URL when set, otherwise from a throwaway container
// started once per test binary; tests skip when neither is reachable.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver for database/sql
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/ridepool/migrations"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// NewMigratedDB opens a *sql.DB, applies every pending migration and
// truncates the ride tables so each test starts clean. The connection is
// closed when the test finishes.
func NewMigratedDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		var err error
		if dsn, err = sharedContainerDSN(); err != nil {
			t.Skipf("postgres unavailable (set TEST_DATABASE_URL or start Docker): %v", err)
		}
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("testutil.NewMigratedDB: open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("testutil.NewMigratedDB: ping: %v", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		t.Fatalf("testutil.NewMigratedDB: goose provider: %v", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		t.Fatalf("testutil.NewMigratedDB: migrate: %v", err)
	}

	if _, err := db.ExecContext(ctx, `TRUNCATE outbox, notifications, bookings, ride_offers, ride_requests RESTART IDENTITY`); err != nil {
		t.Fatalf("testutil.NewMigratedDB: truncate: %v", err)
	}
	return db
}

// sharedContainerDSN starts postgres on first use. The container lives until
// the test binary exits, when the testcontainers reaper removes it.
func sharedContainerDSN() (string, error) {
	containerOnce.Do(func() {
		containerDSN, containerErr = startPostgres(context.Background())
	})
	return containerDSN, containerErr
}

func startPostgres(ctx context.Context) (dsn string, err error) {
	// testcontainers panics when it cannot find a Docker host.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker: %v", r)
		}
	}()
	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("ridepool"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return "", err
	}
	return pg.ConnectionString(ctx, "sslmode=disable")
}
