package document_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/koopa0/system-design/14-like-counter/internal/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// increment 重讀後重試的 CAS 迴圈，模擬客戶端交易
func increment(ctx context.Context, store document.Store, path string, delta int64) (document.Snapshot, error) {
	for {
		current, err := store.Get(ctx, path)
		if err != nil {
			return document.Snapshot{}, err
		}
		next := max(current.Likes+delta, 0)
		snap, err := store.CompareAndSet(ctx, path, current.Version, next)
		if errors.Is(err, document.ErrConflict) {
			continue
		}
		return snap, err
	}
}

// runStoreContract 所有 Store 實作共用的行為測試
func runStoreContract(t *testing.T, newStore func(t *testing.T) document.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing document", func(t *testing.T) {
		store := newStore(t)

		snap, err := store.Get(ctx, document.LikesCounterPath)
		require.NoError(t, err)
		assert.False(t, snap.Exists)
		assert.Equal(t, int64(0), snap.Version)
		assert.Equal(t, int64(0), snap.Likes)
	})

	t.Run("initialize is idempotent", func(t *testing.T) {
		store := newStore(t)

		first, created, err := store.InitializeIfMissing(ctx, document.LikesCounterPath)
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, first.Exists)
		assert.Equal(t, int64(0), first.Likes)
		assert.Equal(t, int64(1), first.Version)

		_, err = store.CompareAndSet(ctx, document.LikesCounterPath, first.Version, 7)
		require.NoError(t, err)

		second, created, err := store.InitializeIfMissing(ctx, document.LikesCounterPath)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, int64(7), second.Likes, "existing value must not be reset")
	})

	t.Run("compare and set bumps version", func(t *testing.T) {
		store := newStore(t)

		init, _, err := store.InitializeIfMissing(ctx, document.LikesCounterPath)
		require.NoError(t, err)

		next, err := store.CompareAndSet(ctx, document.LikesCounterPath, init.Version, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), next.Likes)
		assert.Equal(t, init.Version+1, next.Version)

		got, err := store.Get(ctx, document.LikesCounterPath)
		require.NoError(t, err)
		assert.Equal(t, next.Likes, got.Likes)
		assert.Equal(t, next.Version, got.Version)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		store := newStore(t)

		init, _, err := store.InitializeIfMissing(ctx, document.LikesCounterPath)
		require.NoError(t, err)
		_, err = store.CompareAndSet(ctx, document.LikesCounterPath, init.Version, 1)
		require.NoError(t, err)

		_, err = store.CompareAndSet(ctx, document.LikesCounterPath, init.Version, 2)
		assert.ErrorIs(t, err, document.ErrConflict)

		got, err := store.Get(ctx, document.LikesCounterPath)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Likes)
	})

	t.Run("create with version zero", func(t *testing.T) {
		store := newStore(t)

		snap, err := store.CompareAndSet(ctx, "likes/other", 0, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), snap.Version)

		_, err = store.CompareAndSet(ctx, "likes/other", 0, 2)
		assert.ErrorIs(t, err, document.ErrConflict)
	})

	t.Run("update of missing document conflicts", func(t *testing.T) {
		store := newStore(t)

		_, err := store.CompareAndSet(ctx, "likes/absent", 3, 1)
		assert.ErrorIs(t, err, document.ErrConflict)
	})

	t.Run("negative value rejected", func(t *testing.T) {
		store := newStore(t)

		init, _, err := store.InitializeIfMissing(ctx, document.LikesCounterPath)
		require.NoError(t, err)

		_, err = store.CompareAndSet(ctx, document.LikesCounterPath, init.Version, -1)
		assert.ErrorIs(t, err, document.ErrNegativeValue)
	})

	t.Run("invalid path rejected", func(t *testing.T) {
		store := newStore(t)

		for _, path := range []string{"", "likes", "/counter", "likes/", "a/b/c"} {
			_, err := store.Get(ctx, path)
			assert.ErrorIs(t, err, document.ErrInvalidPath, path)
		}
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		store := newStore(t)

		_, _, err := store.InitializeIfMissing(ctx, document.LikesCounterPath)
		require.NoError(t, err)

		const workers = 20
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := increment(ctx, store, document.LikesCounterPath, 1)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := store.Get(ctx, document.LikesCounterPath)
		require.NoError(t, err)
		assert.Equal(t, int64(workers), got.Likes)
		assert.Equal(t, int64(workers+1), got.Version)
	})

	t.Run("like and unlike race from five", func(t *testing.T) {
		store := newStore(t)

		init, _, err := store.InitializeIfMissing(ctx, document.LikesCounterPath)
		require.NoError(t, err)
		_, err = store.CompareAndSet(ctx, document.LikesCounterPath, init.Version, 5)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, delta := range []int64{1, -1} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := increment(ctx, store, document.LikesCounterPath, delta)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := store.Get(ctx, document.LikesCounterPath)
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.Likes)
	})

	t.Run("unlike at zero clamps", func(t *testing.T) {
		store := newStore(t)

		_, _, err := store.InitializeIfMissing(ctx, document.LikesCounterPath)
		require.NoError(t, err)

		snap, err := increment(ctx, store, document.LikesCounterPath, -1)
		require.NoError(t, err)
		assert.Equal(t, int64(0), snap.Likes)
	})
}
