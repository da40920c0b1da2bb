package sessionstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("load of unknown group", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		_, err := store.Load(ctx, "missing")
		require.ErrorIs(t, err, ErrSnapshotNotFound)
	})

	t.Run("save then load", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		require.NoError(t, store.Save(ctx, "g1", Snapshot{Version: 2, Data: json.RawMessage(`{"a":1}`)}))

		got, err := store.Load(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.JSONEq(t, `{"a":1}`, string(got.Data))
	})

	t.Run("older snapshots are ignored", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		require.NoError(t, store.Save(ctx, "g1", Snapshot{Version: 5, Data: json.RawMessage(`{"v":5}`)}))
		require.NoError(t, store.Save(ctx, "g1", Snapshot{Version: 3, Data: json.RawMessage(`{"v":3}`)}))

		got, err := store.Load(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.Version)
	})

	t.Run("loaded data is a copy", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		require.NoError(t, store.Save(ctx, "g1", Snapshot{Version: 1, Data: json.RawMessage(`{"a":1}`)}))

		got, err := store.Load(ctx, "g1")
		require.NoError(t, err)
		got.Data[2] = 'b'

		again, err := store.Load(ctx, "g1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(again.Data))
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		require.NoError(t, store.Save(ctx, "g1", Snapshot{Version: 1}))
		require.NoError(t, store.Delete(ctx, "g1"))
		require.NoError(t, store.Delete(ctx, "g1"))

		_, err := store.Load(ctx, "g1")
		require.ErrorIs(t, err, ErrSnapshotNotFound)
	})
}
