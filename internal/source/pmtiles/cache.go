package pmtiles

import (
	"context"
	"sync/atomic"

	"github.com/MeKo-Tech/martin-go/internal/cache"
)

// nextInstanceID assigns a process-wide unique id to every opened PMTiles
// archive so that directory pages from different archives never collide in
// the shared cache.
var nextInstanceID atomic.Int64

// DirCache is a directory-page cache shared across all PmtilesSource
// instances, keyed by (archive instance id, byte offset). A single
// underlying cache is shared by every instance, with per-archive keys
// preventing collisions.
type DirCache struct {
	shared     *cache.Cache
	instanceID int
}

// NewDirCache creates a fresh per-archive handle onto a shared directory
// cache. shared may be nil, in which case directory lookups always miss and
// are fetched fresh, per the Cache package's pass-through contract.
func NewDirCache(shared *cache.Cache) *DirCache {
	return &DirCache{shared: shared, instanceID: int(nextInstanceID.Add(1))}
}

// GetOrFetch returns the directory at byte offset off, fetching and caching
// it via fetch on a miss. Concurrent requests for the same offset are
// coalesced by the underlying cache's single-flight semantics.
func (d *DirCache) GetOrFetch(ctx context.Context, off uint64, fetch func(context.Context) (Directory, error)) (Directory, error) {
	// The generic cache's GetOrInsert needs the weight before compute runs,
	// so the entry is first charged a fixed placeholder and, once this call
	// has fetched it, re-inserted at the directory's ApproxByteSize.
	const placeholderWeight = 4096
	key := cache.PmtDirectoryKey(d.instanceID, int(off))
	var fetched bool
	v, err := d.shared.GetOrInsert(ctx, key, placeholderWeight, func(ctx context.Context) (cache.Value, error) {
		dir, err := fetch(ctx)
		if err != nil {
			return cache.Value{}, err
		}
		fetched = true
		return cache.Value{PmtDirectory: dir}, nil
	})
	if err != nil {
		return Directory{}, err
	}
	dir, ok := v.PmtDirectory.(Directory)
	if !ok {
		// Programming error: a cache value was inserted under a PMTiles
		// directory key without carrying a Directory payload.
		panic("pmtiles: cache value for directory key did not hold a Directory")
	}
	if fetched {
		d.shared.Insert(key, v, int64(dir.ApproxByteSize()))
	}
	return dir, nil
}
