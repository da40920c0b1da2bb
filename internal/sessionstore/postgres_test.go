package sessionstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhub/groupchannel/database"
)

func TestNewPostgresStore_InvalidConnString(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresStore(context.Background(), "postgres://%zz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse database connection string")
}

func TestNewPostgresStore_Unreachable(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresStore(context.Background(),
		"postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1",
		WithConnectTimeout(200*time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to database")
}

func TestPostgresStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	connString, cleanupFunc := database.SetupTestDBContainer(t, ctx)
	t.Cleanup(cleanupFunc)

	store, err := NewPostgresStore(ctx, connString, WithMaxConns(4))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	_, err = store.Load(ctx, "g1")
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	require.NoError(t, store.Save(ctx, "g1", Snapshot{Version: 2, Data: json.RawMessage(`{"step":2}`)}))
	got, err := store.Load(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.JSONEq(t, `{"step":2}`, string(got.Data))
	assert.False(t, got.Finished)

	// Older versions do not overwrite newer ones
	require.NoError(t, store.Save(ctx, "g1", Snapshot{Version: 1, Data: json.RawMessage(`{"step":1}`)}))
	got, err = store.Load(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	// Same version saves, to record the finished flag
	require.NoError(t, store.Save(ctx, "g1", Snapshot{Version: 2, Data: json.RawMessage(`{"step":2}`), Finished: true}))
	got, err = store.Load(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, got.Finished)

	// Empty data is stored as an empty object
	require.NoError(t, store.Save(ctx, "g2", Snapshot{Version: 0}))
	got, err = store.Load(ctx, "g2")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got.Data))

	require.NoError(t, store.Delete(ctx, "g1"))
	require.NoError(t, store.Delete(ctx, "missing"))
	_, err = store.Load(ctx, "g1")
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	// A second store on the same database reuses the schema
	again, err := NewPostgresStore(ctx, connString)
	require.NoError(t, err)
	again.Close()
}
