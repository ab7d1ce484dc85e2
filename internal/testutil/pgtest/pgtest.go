// Package pgtest connects tests to the PostgreSQL instance named by the
// TEST_DATABASE environment variable. Tests are skipped when it is unset.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

const EnvDatabase = "TEST_DATABASE"

// ConnString returns TEST_DATABASE or skips the test.
func ConnString(t testing.TB) string {
	t.Helper()
	connString := os.Getenv(EnvDatabase)
	if connString == "" {
		t.Skipf("%s not set", EnvDatabase)
	}
	return connString
}

// Connect opens a single connection that is closed when the test ends.
// Server notices are written to the test log.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	t.Helper()
	config, err := pgx.ParseConfig(ConnString(t))
	require.NoError(t, err)
	config.OnNotice = logNotice(t)

	conn, err := pgx.ConnectConfig(ctx, config)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(ctx)
	})
	return conn
}

// Pool opens a pool that is closed when the test ends.
func Pool(ctx context.Context, t testing.TB) *pgxpool.Pool {
	t.Helper()
	config, err := pgxpool.ParseConfig(ConnString(t))
	require.NoError(t, err)
	config.ConnConfig.OnNotice = logNotice(t)

	pool, err := pgxpool.NewWithConfig(ctx, config)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	t.Cleanup(pool.Close)
	return pool
}

// Exec runs statements in order, failing the test on the first error.
func Exec(ctx context.Context, t testing.TB, db interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}, statements ...string) {
	t.Helper()
	for _, stmt := range statements {
		_, err := db.Exec(ctx, stmt)
		require.NoError(t, err, stmt)
	}
}

func logNotice(t testing.TB) func(*pgconn.PgConn, *pgconn.Notice) {
	return func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}
}
