package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrInsertSingleFlight(t *testing.T) {
	c, err := New(Config{MaxWeightBytes: 1 << 20})
	require.NoError(t, err)
	defer c.Close()

	key := TileKey("world_cities", CoordKey{Z: 2, X: 3, Y: 1})

	var calls int32
	const n = 20
	var wg sync.WaitGroup
	results := make([]Value, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrInsert(context.Background(), key, 4, func(ctx context.Context) (Value, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return Value{Tile: []byte("payload")}, nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "compute must run exactly once while a result is in flight")
	for _, v := range results {
		assert.Equal(t, []byte("payload"), v.Tile)
	}
}

func TestGetOrInsertErrorsNotCached(t *testing.T) {
	c, err := New(Config{MaxWeightBytes: 1 << 20})
	require.NoError(t, err)
	defer c.Close()

	key := TileKey("broken", CoordKey{Z: 0, X: 0, Y: 0})
	boom := errors.New("backend unavailable")

	_, err = c.GetOrInsert(context.Background(), key, 4, func(ctx context.Context) (Value, error) {
		return Value{}, boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := c.Get(key)
	assert.False(t, ok, "a failed compute must not populate the cache")
}

func TestNilCacheIsPassThrough(t *testing.T) {
	var c *Cache

	_, ok := c.Get(TileKey("x", CoordKey{}))
	assert.False(t, ok)

	var calls int
	v, err := c.GetOrInsert(context.Background(), TileKey("x", CoordKey{}), 1, func(ctx context.Context) (Value, error) {
		calls++
		return Value{Tile: []byte("a")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v.Tile)

	_, err = c.GetOrInsert(context.Background(), TileKey("x", CoordKey{}), 1, func(ctx context.Context) (Value, error) {
		calls++
		return Value{Tile: []byte("a")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "a nil cache never coalesces or memoizes")

	assert.Equal(t, uint64(0), c.EntryCount())
	c.InvalidateAll()
	c.Close()
}

func TestInvalidateIf(t *testing.T) {
	c, err := New(Config{MaxWeightBytes: 1 << 20})
	require.NoError(t, err)
	defer c.Close()

	keyA := TileKey("source-a", CoordKey{Z: 1, X: 0, Y: 0})
	keyB := TileKey("source-b", CoordKey{Z: 1, X: 0, Y: 0})
	c.Insert(keyA, Value{Tile: []byte("a")}, 1)
	c.Insert(keyB, Value{Tile: []byte("b")}, 1)
	c.Wait()

	c.InvalidateIf(func(k Key) bool { return k.SourceID == "source-a" })

	_, ok := c.Get(keyA)
	assert.False(t, ok)
	_, ok = c.Get(keyB)
	assert.True(t, ok)
}
