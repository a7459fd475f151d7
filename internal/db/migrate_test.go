package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMigrateAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres schema test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := ConnectPostgres(ctx, PoolConfig{DSN: dsn, MaxConns: 2, AppName: "db-test"})
	require.NoError(t, err)
	defer pool.Close()

	// the schema is applied on every start, so a second run must be a no-op
	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool))

	var n int
	err = pool.QueryRow(ctx, `
		SELECT count(*) FROM pg_constraint WHERE conname = 'appointments_no_overlap'
	`).Scan(&n)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
