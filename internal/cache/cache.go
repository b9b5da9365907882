// Package cache implements a bounded, weight-based, TTL, single-flight
// cache. It is shared by the tile request pipeline (keyed by source id +
// coordinate) and the PMTiles source (keyed by directory instance + byte
// offset).
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

// Key is the cache key sum type. Exactly one group of the fields below is
// meaningful for a given Kind.
type Key struct {
	Kind      Kind
	SourceID  string
	Coord     CoordKey
	Query     string
	PmtID     int
	PmtOffset int
}

// Kind discriminates the CacheKey variants.
type Kind int

const (
	KindTile Kind = iota
	KindTileWithQuery
	KindPmtDirectory
)

// CoordKey is a cache-friendly, comparable mirror of tile.TileCoord (kept
// independent of the tile package to avoid an import cycle: tile sources
// import cache, not the other way around).
type CoordKey struct {
	Z uint8
	X uint32
	Y uint32
}

// TileKey builds the CacheKey for a plain tile fetch.
func TileKey(sourceID string, coord CoordKey) Key {
	return Key{Kind: KindTile, SourceID: sourceID, Coord: coord}
}

// TileWithQueryKey builds the CacheKey for a source that supports URL query
// parameters. The caller is responsible for sorting
// query parameters before serializing them into query, for cache-key
// stability.
func TileWithQueryKey(sourceID string, coord CoordKey, query string) Key {
	return Key{Kind: KindTileWithQuery, SourceID: sourceID, Coord: coord, Query: query}
}

// PmtDirectoryKey builds the CacheKey for a PMTiles directory page.
func PmtDirectoryKey(instanceID, offset int) Key {
	return Key{Kind: KindPmtDirectory, PmtID: instanceID, PmtOffset: offset}
}

func (k Key) String() string {
	switch k.Kind {
	case KindTile:
		return fmt.Sprintf("tile:%s:%d/%d/%d", k.SourceID, k.Coord.Z, k.Coord.X, k.Coord.Y)
	case KindTileWithQuery:
		return fmt.Sprintf("tileq:%s:%d/%d/%d:%s", k.SourceID, k.Coord.Z, k.Coord.X, k.Coord.Y, k.Query)
	case KindPmtDirectory:
		return fmt.Sprintf("pmtdir:%d:%d", k.PmtID, k.PmtOffset)
	default:
		return "invalid-key"
	}
}

// Value is the sum type pairing 1:1 with Key's Kind. Retrieving a value under
// the wrong variant for its key is a programming error, not a recoverable
// one: typed wrapper helpers panic on a mismatch rather than surface it to
// callers.
type Value struct {
	Tile         []byte
	PmtDirectory any // pmtiles directory payload; typed by the pmtiles package
}

// Config configures a new Cache.
type Config struct {
	// MaxWeightBytes bounds the total weight of stored entries.
	MaxWeightBytes int64
	// TTL is the time-to-live from insertion. Zero disables TTL eviction.
	TTL time.Duration
	// Name is used only for logging/metrics labeling.
	Name string
}

// Cache is an async-safe mapping from Key to Value enforcing a total weight
// ceiling, optional TTL eviction, and single-flight get-or-insert semantics.
// A nil *Cache is a valid "pass-through" cache: caching is optional, and a
// nil cache means every lookup misses and nothing is stored.
type Cache struct {
	store *ristretto.Cache[string, Value]
	group singleflight.Group
	ttl   time.Duration
	name  string

	keysMu sync.Mutex
	keys   map[string]Key // best-effort index for InvalidateIf, see below
}

// New builds a Cache. Passing a zero MaxWeightBytes still builds a working
// (if minimally-capacious) cache; callers that want "no cache" should use a
// nil *Cache instead of calling New.
func New(cfg Config) (*Cache, error) {
	maxCost := cfg.MaxWeightBytes
	if maxCost <= 0 {
		maxCost = 1 << 20 // 1 MiB floor so ristretto's admission sketch is usable
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, Value]{
		NumCounters: maxCost / 100 * 10, // ~10 counters per expected 100-byte entry
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: build ristretto store: %w", err)
	}
	return &Cache{store: store, ttl: cfg.TTL, name: cfg.Name, keys: make(map[string]Key)}, nil
}

// Get returns the cached value for key, if present. A nil Cache always
// misses, implementing the "pass-through" contract.
func (c *Cache) Get(key Key) (Value, bool) {
	if c == nil {
		return Value{}, false
	}
	return c.store.Get(key.String())
}

// Insert stores value under key with the caller-supplied weight. A nil
// Cache silently does nothing (pass-through).
func (c *Cache) Insert(key Key, value Value, weight int64) {
	if c == nil {
		return
	}
	k := key.String()
	if c.ttl > 0 {
		c.store.SetWithTTL(k, value, weight, c.ttl)
	} else {
		c.store.Set(k, value, weight)
	}
	c.keysMu.Lock()
	c.keys[k] = key
	c.keysMu.Unlock()
}

// GetOrInsert is the single-flight lookup: concurrent calls with the same key
// execute compute at most once; other callers await the same result. Error
// results are never cached. A nil Cache
// calls compute directly on every invocation (no coalescing, no storage),
// which is still a correct pass-through: it never serves stale or wrong
// data, it just loses the single-flight and memoization benefits.
func (c *Cache) GetOrInsert(ctx context.Context, key Key, weight int64, compute func(context.Context) (Value, error)) (Value, error) {
	if c == nil {
		return compute(ctx)
	}
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	k := key.String()
	v, err, _ := c.group.Do(k, func() (any, error) {
		// Re-check: another goroutine may have populated the cache while we
		// were waiting to enter singleflight.Do.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return Value{}, err
		}
		c.Insert(key, v, weight)
		// Apply the buffered write before returning, so a later Get for the
		// same key hits instead of running compute again.
		c.store.Wait()
		return v, nil
	})
	if err != nil {
		return Value{}, err
	}
	return v.(Value), nil
}

// Remove deletes a single entry immediately. Used by callers that must
// retract a just-inserted value once they fetch its payload for the first
// time, e.g. discovering it was the encoded empty-tile for a "no tile at
// this address" response (which must not remain cached).
func (c *Cache) Remove(key Key) {
	if c == nil {
		return
	}
	k := key.String()
	c.store.Del(k)
	c.keysMu.Lock()
	delete(c.keys, k)
	c.keysMu.Unlock()
}

// InvalidateAll drops every cache entry. Used on source removal/reload.
func (c *Cache) InvalidateAll() {
	if c == nil {
		return
	}
	c.store.Clear()
	c.keysMu.Lock()
	c.keys = make(map[string]Key)
	c.keysMu.Unlock()
}

// InvalidateIf removes entries whose key satisfies predicate. Ristretto has
// no native predicate-scan API, so this walks a best-effort side index of
// keys populated on Insert; entries that were admission-rejected by
// ristretto (never actually stored), or that ristretto later evicted, stay
// in the index until Remove, InvalidateIf or InvalidateAll drops them, which
// is harmless since Del on a missing key is a no-op.
func (c *Cache) InvalidateIf(predicate func(Key) bool) {
	if c == nil {
		return
	}
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	for k, key := range c.keys {
		if predicate(key) {
			c.store.Del(k)
			delete(c.keys, k)
		}
	}
}

// EntryCount returns the approximate number of entries. Eventually
// consistent, "observational".
func (c *Cache) EntryCount() uint64 {
	if c == nil {
		return 0
	}
	return c.store.Metrics.KeysAdded() - c.store.Metrics.KeysEvicted()
}

// WeightedSize returns the approximate total weight of cached entries.
func (c *Cache) WeightedSize() uint64 {
	if c == nil {
		return 0
	}
	return c.store.Metrics.CostAdded() - c.store.Metrics.CostEvicted()
}

// Wait blocks until all buffered Insert calls have been applied. Intended
// for tests that assert on EntryCount/WeightedSize or an immediate Get right
// after Insert; request-path code never needs it.
func (c *Cache) Wait() {
	if c == nil {
		return
	}
	c.store.Wait()
}

// Close releases background resources held by the cache.
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.store.Close()
}
