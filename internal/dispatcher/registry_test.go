package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhub/groupchannel/internal/sessionstore"
)

// slowStore delays every save
type slowStore struct {
	sessionstore.Store
	delay time.Duration
}

func (s *slowStore) Save(ctx context.Context, groupID string, snapshot sessionstore.Snapshot) error {
	time.Sleep(s.delay)
	return s.Store.Save(ctx, groupID, snapshot)
}

func startRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(opts...)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Start(context.Background()) }()
	t.Cleanup(func() {
		require.NoError(t, r.Stop())
		require.NoError(t, <-errCh)
	})
	return r
}

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Parallel()

	t.Run("concurrent callers get the same dispatcher", func(t *testing.T) {
		t.Parallel()

		for _, n := range []int{8, 64} {
			t.Run(fmt.Sprintf("%d callers", n), func(t *testing.T) {
				t.Parallel()

				r := startRegistry(t)
				results := make([]*Dispatcher, n)
				var wg sync.WaitGroup
				for i := range n {
					wg.Add(1)
					go func() {
						defer wg.Done()
						d, err := r.GetOrCreate(askCtx(t), "group-1")
						assert.NoError(t, err)
						results[i] = d
					}()
				}
				wg.Wait()

				require.NotNil(t, results[0])
				for _, d := range results {
					assert.Same(t, results[0], d)
				}

				groups, err := r.Groups(askCtx(t))
				require.NoError(t, err)
				assert.Equal(t, []string{"group-1"}, groups)
			})
		}
	})

	t.Run("created dispatcher is running", func(t *testing.T) {
		t.Parallel()

		r := startRegistry(t)
		d, err := r.GetOrCreate(askCtx(t), "group-1")
		require.NoError(t, err)

		info, err := d.Snapshot(askCtx(t))
		require.NoError(t, err)
		assert.Equal(t, "group-1", info.GroupID)
		assert.Equal(t, StateActive, info.State)
	})
}

func TestRegistry_Get(t *testing.T) {
	t.Parallel()

	r := startRegistry(t)

	_, err := r.Get(askCtx(t), "missing")
	assert.ErrorIs(t, err, ErrGroupNotFound)

	created, err := r.GetOrCreate(askCtx(t), "group-1")
	require.NoError(t, err)

	got, err := r.Get(askCtx(t), "group-1")
	require.NoError(t, err)
	assert.Same(t, created, got)
}

func TestRegistry_Unregister(t *testing.T) {
	t.Parallel()

	t.Run("unknown group is a no-op", func(t *testing.T) {
		t.Parallel()

		r := startRegistry(t)
		removed, err := r.Unregister(askCtx(t), "missing")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("removes and stops the dispatcher", func(t *testing.T) {
		t.Parallel()

		r := startRegistry(t)
		d, err := r.GetOrCreate(askCtx(t), "group-1")
		require.NoError(t, err)

		removed, err := r.Unregister(askCtx(t), "group-1")
		require.NoError(t, err)
		assert.True(t, removed)

		select {
		case <-d.Done():
		case <-time.After(frameTimeout):
			t.Fatal("dispatcher did not stop")
		}

		_, err = r.Get(askCtx(t), "group-1")
		assert.ErrorIs(t, err, ErrGroupNotFound)

		fresh, err := r.GetOrCreate(askCtx(t), "group-1")
		require.NoError(t, err)
		assert.NotSame(t, d, fresh)
	})
}

func TestRegistry_UnregisterKeepsFinishedState(t *testing.T) {
	t.Parallel()

	store := &slowStore{Store: sessionstore.NewMemoryStore(), delay: 50 * time.Millisecond}
	r := startRegistry(t, WithSessionStore(store))

	d, err := r.GetOrCreate(askCtx(t), "group-1")
	require.NoError(t, err)
	_, err = d.UpdateSession(askCtx(t), "", dataUpdate(0, `{"step":1}`))
	require.NoError(t, err)
	require.NoError(t, d.Finish(askCtx(t)))

	removed, err := r.Unregister(askCtx(t), "group-1")
	require.NoError(t, err)
	require.True(t, removed)

	snapshot, err := store.Load(askCtx(t), "group-1")
	require.NoError(t, err)
	assert.True(t, snapshot.Finished)

	fresh, err := r.GetOrCreate(askCtx(t), "group-1")
	require.NoError(t, err)
	require.NotSame(t, d, fresh)

	_, err = fresh.UpdateSession(askCtx(t), "", dataUpdate(1, `{"step":2}`))
	assert.ErrorIs(t, err, ErrGroupFinished)

	info, err := fresh.Snapshot(askCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StateFinished, info.State)
	assert.Equal(t, int64(1), info.Version)
}

func TestRegistry_GetOrCreateWaitsForStoppingDispatcher(t *testing.T) {
	t.Parallel()

	store := &slowStore{Store: sessionstore.NewMemoryStore(), delay: 50 * time.Millisecond}
	r := startRegistry(t, WithSessionStore(store))

	d, err := r.GetOrCreate(askCtx(t), "group-1")
	require.NoError(t, err)
	_, err = d.UpdateSession(askCtx(t), "", dataUpdate(0, `{"step":1}`))
	require.NoError(t, err)

	unregistered := make(chan error, 1)
	go func() {
		_, err := r.Unregister(askCtx(t), "group-1")
		unregistered <- err
	}()

	// Whichever request wins, the dispatcher handed out has the persisted session
	fresh, err := r.GetOrCreate(askCtx(t), "group-1")
	require.NoError(t, err)
	require.NoError(t, <-unregistered)

	if fresh != d {
		info, err := fresh.Snapshot(askCtx(t))
		require.NoError(t, err)
		assert.Equal(t, int64(1), info.Version)
		assert.JSONEq(t, `{"step":1}`, string(info.Data))
	}
}

func TestRegistry_Groups(t *testing.T) {
	t.Parallel()

	r := startRegistry(t)
	for _, id := range []string{"c", "a", "b"} {
		_, err := r.GetOrCreate(askCtx(t), id)
		require.NoError(t, err)
	}

	groups, err := r.Groups(askCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, groups)
}

func TestRegistry_Lifecycle(t *testing.T) {
	t.Parallel()

	t.Run("requests time out before start", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := r.GetOrCreate(ctx, "group-1")
		assert.ErrorIs(t, err, ErrTimeout)
		assert.NoError(t, r.Stop())
	})

	t.Run("stop stops every dispatcher", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		errCh := make(chan error, 1)
		go func() { errCh <- r.Start(context.Background()) }()

		d, err := r.GetOrCreate(askCtx(t), "group-1")
		require.NoError(t, err)
		a := newFakeMember("a", 16)
		joinAndDrain(t, d, a)

		require.NoError(t, r.Stop())
		require.NoError(t, <-errCh)

		<-d.Done()
		a.waitClosed(t)

		_, err = r.GetOrCreate(askCtx(t), "group-2")
		assert.ErrorIs(t, err, ErrStopped)
	})
}
