// Package testutil provides shared infrastructure for Postgres-backed tests.
package testutil

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/viralloop/internal/idgen"
	"github.com/mbd888/viralloop/migrations"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// PGTest returns a database whose search_path points at a fresh schema with
// all migrations applied. The schema is dropped when the test ends, so tests
// in different packages can share one server.
//
// POSTGRES_URL (URL form) is used when set. Otherwise one Postgres container
// is started per test binary, and the test is skipped without Docker.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	base := os.Getenv("POSTGRES_URL")
	if base == "" {
		base = sharedContainer(t)
	}

	admin, err := sql.Open("postgres", base)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	if err := admin.PingContext(ctx); err != nil {
		_ = admin.Close()
		t.Fatalf("pgtest: connect: %v", err)
	}

	schema := "test_" + strings.ToLower(idgen.Hex(6))
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		_ = admin.Close()
		t.Fatalf("pgtest: create schema: %v", err)
	}

	dsn, err := withSearchPath(base, schema)
	if err != nil {
		t.Fatalf("pgtest: %v", err)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open schema: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		_, _ = admin.ExecContext(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close()
	})

	if err := migrations.Up(ctx, db); err != nil {
		t.Fatalf("pgtest: migrate: %v", err)
	}
	return db
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sharedContainer starts Postgres once per test binary. Ryuk removes the
// container when the binary exits.
func sharedContainer(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("viralloop"),
			postgres.WithUsername("viralloop"),
			postgres.WithPassword("viralloop"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			containerErr = err
			return
		}
		containerDSN, containerErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Skipf("pgtest: postgres container unavailable: %v", containerErr)
	}
	return containerDSN
}
