package database

import (
	"context"
	"errors"
	"io/fs"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "postgres://u:p@db:5432/sessions?sslmode=disable", want: "pgx5://u:p@db:5432/sessions?sslmode=disable"},
		{in: "postgresql://u@db/sessions", want: "pgx5://u@db/sessions"},
		{in: "pgx5://u@db/sessions", want: "pgx5://u@db/sessions"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, migrateURL(tt.in))
		})
	}
}

func TestMigrationFilesArePaired(t *testing.T) {
	t.Parallel()

	ups, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrationsFS, "migrations/*.down.sql")
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}

func TestMigrations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	connString, cleanupFunc := SetupTestDBContainer(t, ctx)
	t.Cleanup(cleanupFunc)

	m, err := NewFromConnectionString(connString)
	require.NoError(t, err)
	defer m.Close()

	fnames, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)

	for i := 1; i <= len(fnames); i++ {
		// step up
		require.NoError(t, m.Steps(i))

		// step down
		require.NoError(t, m.Steps(-i))

		// step up again
		require.NoError(t, m.Steps(i))

		// and reset for the next round
		require.NoError(t, m.Down())
	}

	require.NoError(t, m.Up())
	if err := m.Up(); !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("expected no change, got %v", err)
	}
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	connString, cleanupFunc := SetupTestDBContainer(t, ctx)
	t.Cleanup(cleanupFunc)

	conn, err := pgx.Connect(ctx, connString)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(ctx) })

	// Applying twice is fine
	require.NoError(t, EnsureSchema(ctx, conn))
	require.NoError(t, EnsureSchema(ctx, conn))

	var count int
	require.NoError(t, conn.QueryRow(ctx, `SELECT count(*) FROM group_session`).Scan(&count))
	assert.Zero(t, count)
}
