package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/dataops-go/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *cache.BadgerStore {
	t.Helper()
	store, err := cache.OpenBadger(cache.BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerGetSetDelete(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Hour))

	val, ok, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", string(val))

	exists, err := store.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)

	deleted, err := store.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, deleted, "second delete finds nothing")
}

func TestBadgerKeysByPrefixAndMGet(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	for _, k := range []string{"job:b", "job:a", "lock:x"} {
		require.NoError(t, store.Set(ctx, k, []byte(k), time.Hour))
	}

	keys, err := store.KeysByPrefix(ctx, "job:")
	require.NoError(t, err)
	assert.Equal(t, []string{"job:a", "job:b"}, keys)

	vals, err := store.MGet(ctx, []string{"job:a", "nope", "lock:x"})
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.Equal(t, "job:a", string(vals[0]))
	assert.Nil(t, vals[1])
	assert.Equal(t, "lock:x", string(vals[2]))
}

func TestBadgerTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	// badger TTL has one-second granularity.
	require.NoError(t, store.Set(ctx, "short", []byte("v"), time.Second))
	require.Eventually(t, func() bool {
		ok, err := store.Exists(ctx, "short")
		return err == nil && !ok
	}, 5*time.Second, 100*time.Millisecond)

	keys, err := store.KeysByPrefix(ctx, "short")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBadgerCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	tests := []struct {
		name    string
		prev    []byte
		next    []byte
		want    bool
		wantVal string
		gone    bool
	}{
		{name: "create when absent", prev: nil, next: []byte("1,0"), want: true, wantVal: "1,0"},
		{name: "create when present fails", prev: nil, next: []byte("0,1"), want: false, wantVal: "1,0"},
		{name: "update with stale value fails", prev: []byte("9,9"), next: []byte("2,0"), want: false, wantVal: "1,0"},
		{name: "update with current value", prev: []byte("1,0"), next: []byte("2,0"), want: true, wantVal: "2,0"},
		{name: "delete with current value", prev: []byte("2,0"), next: nil, want: true, gone: true},
		{name: "delete when absent fails", prev: []byte("2,0"), next: nil, want: false, gone: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			swapped, err := store.CompareAndSwap(ctx, "k", tt.prev, tt.next, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, tt.want, swapped)

			val, ok, err := store.Get(ctx, "k")
			require.NoError(t, err)
			if tt.gone {
				assert.False(t, ok)
				return
			}
			assert.Equal(t, tt.wantVal, string(val))
		})
	}
}

func TestBadgerCompareAndSwapSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CompareAndSwap(ctx, "contended", nil, []byte("0,1"), time.Hour)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one creator may win")
}

func TestBadgerClosed(t *testing.T) {
	store, err := cache.OpenBadger(cache.BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "close is idempotent")

	_, _, err = store.Get(context.Background(), "a")
	assert.ErrorIs(t, err, cache.ErrClosed)
}

func TestOpenBadgerRequiresDir(t *testing.T) {
	_, err := cache.OpenBadger(cache.BadgerConfig{}, nil)
	assert.Error(t, err)
}
