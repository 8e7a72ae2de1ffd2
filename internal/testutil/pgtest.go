// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/rfqhub/walletd/internal/db"
)

// PostgresImage is the image started when POSTGRES_URL is not set.
const PostgresImage = "postgres:16-alpine"

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// PGTest returns a migrated database and a cleanup function that truncates
// every application table.
//
//	conn, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL points at an existing database. Otherwise a throwaway
// container is started once per test binary when WALLETD_TESTCONTAINERS=1;
// without either the test is skipped.
func PGTest(t *testing.T) (*sqlx.DB, func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		if os.Getenv("WALLETD_TESTCONTAINERS") != "1" {
			t.Skip("POSTGRES_URL not set, skipping integration test")
		}
		dbURL = startContainer(ctx, t)
	}

	conn, err := db.Connect(ctx, dbURL)
	if err != nil {
		t.Fatalf("pgtest: %v", err)
	}
	if err := db.Migrate(ctx, conn.DB); err != nil {
		_ = conn.Close()
		t.Fatalf("pgtest: %v", err)
	}

	cleanup := func() {
		truncateAll(context.Background(), conn)
		_ = conn.Close()
	}
	truncateAll(ctx, conn)
	return conn, cleanup
}

// startContainer is shared by every test in the binary; the container is
// reaped by testcontainers' ryuk sidecar when the process exits.
func startContainer(ctx context.Context, t *testing.T) string {
	t.Helper()
	containerOnce.Do(func() {
		var ctr *postgres.PostgresContainer
		ctr, containerErr = postgres.Run(context.Background(), PostgresImage,
			postgres.WithDatabase("walletd"),
			postgres.WithUsername("walletd"),
			postgres.WithPassword("walletd"),
			postgres.BasicWaitStrategies(),
		)
		if containerErr != nil {
			_ = testcontainers.TerminateContainer(ctr)
			return
		}
		containerURL, containerErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Fatalf("pgtest: start postgres container: %v", containerErr)
	}
	return containerURL
}

// truncateAll empties every application table. Table names come from the
// pg_tables catalog; goose's own bookkeeping table is kept.
func truncateAll(ctx context.Context, conn *sqlx.DB) {
	var tables []string
	err := conn.SelectContext(ctx, &tables, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil || len(tables) == 0 {
		return
	}
	_, _ = conn.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE") // #nosec G202 -- catalog names
}
