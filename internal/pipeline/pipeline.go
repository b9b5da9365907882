// Package pipeline implements the tile request pipeline: resolve -> validate zoom -> cache probe -> fetch ->
// cache insert -> etag short-circuit -> encoding negotiation -> respond.
package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MeKo-Tech/martin-go/internal/cache"
	"github.com/MeKo-Tech/martin-go/internal/catalog"
	"github.com/MeKo-Tech/martin-go/internal/source"
	"github.com/MeKo-Tech/martin-go/internal/tile"
	"github.com/paulmach/orb/encoding/mvt"
	"golang.org/x/sync/errgroup"
)

// Error kinds returned by Serve. The HTTP layer maps these to status codes.
var (
	ErrSourceNotFound  = errors.New("pipeline: source not found")
	ErrZoomOutOfRange  = errors.New("pipeline: zoom out of range for all sources")
	ErrInvalidCoord    = errors.New("pipeline: invalid tile coordinate")
	ErrIncompatibleMix = errors.New("pipeline: composite sources have incompatible tile info")
)

// Request describes one incoming tile request, already parsed out of the
// HTTP route by the caller.
type Request struct {
	SourceIDs       []string
	Coord           tile.TileCoord
	Query           source.UrlQuery
	AcceptEncodings []tile.Encoding // ordered by client preference, already parsed from Accept-Encoding
	IfNoneMatch     string
}

// Response is the result of running a Request through the pipeline.
// NotModified is set when the ETag matched If-None-Match: only Etag is
// meaningful in that case.
type Response struct {
	Tile        tile.Tile
	NotModified bool
}

// Pipeline binds a Catalog and a tile Cache together to implement the
// tile request algorithm: resolve, validate zoom, probe the cache, fetch on
// a miss, insert, short-circuit on a matching ETag, negotiate encoding.
type Pipeline struct {
	Catalog           *catalog.Catalog
	Cache             *cache.Cache
	PreferredEncoding tile.Encoding // default server preference for MVT, e.g. brotli
}

// New builds a Pipeline.
func New(cat *catalog.Catalog, c *cache.Cache, preferredEncoding tile.Encoding) *Pipeline {
	return &Pipeline{Catalog: cat, Cache: c, PreferredEncoding: preferredEncoding}
}

// Serve runs the full pipeline algorithm for req.
func (p *Pipeline) Serve(ctx context.Context, req Request) (Response, error) {
	if err := req.Coord.Validate(); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidCoord, err)
	}

	srcs, err := p.resolve(req.SourceIDs)
	if err != nil {
		return Response{}, err
	}

	if !anyValidZoom(srcs, req.Coord.Z) {
		return Response{}, ErrZoomOutOfRange
	}

	if len(srcs) > 1 {
		if err := checkComposable(srcs); err != nil {
			return Response{}, err
		}
	}

	key := p.cacheKey(srcs[0], req)

	// GetOrInsert gives the fetch single-flight semantics: concurrent
	// requests for the same not-yet-cached key coalesce onto one backend
	// fetch instead of each triggering its own (decisive for expensive
	// composite PostGIS tiles, per design notes). GetOrInsert needs a
	// weight before compute runs, so the entry is first charged a fixed
	// placeholder and, once this call has fetched it, re-inserted at the
	// stored payload's length.
	const placeholderWeight = 1 << 16
	var fetched, fetchedEmpty bool
	value, err := p.Cache.GetOrInsert(ctx, key, placeholderWeight, func(ctx context.Context) (cache.Value, error) {
		t, ferr := p.fetch(ctx, srcs, req)
		if ferr != nil {
			return cache.Value{}, ferr
		}
		fetched = true
		fetchedEmpty = len(t.Data) == 0
		return cache.Value{Tile: encodeCacheValue(t)}, nil
	})
	if err != nil {
		return Response{}, err
	}
	result := decodeCacheValue(value.Tile, srcs[0].TileInfo())
	if fetchedEmpty {
		// Only non-empty tiles stay cached. GetOrInsert always stores its
		// compute result first to give single-flight coalescing to racing
		// callers; the entry is removed right after so an empty tile never
		// lingers, while concurrent misses still collapse onto one fetch.
		p.Cache.Remove(key)
	} else if fetched {
		p.Cache.Insert(key, value, int64(len(value.Tile)))
	}

	if req.IfNoneMatch != "" && req.IfNoneMatch == result.Etag {
		return Response{Tile: tile.Tile{Etag: result.Etag, Info: result.Info}, NotModified: true}, nil
	}

	negotiated, err := p.negotiateEncoding(result, req.AcceptEncodings)
	if err != nil {
		return Response{}, err
	}

	return Response{Tile: negotiated}, nil
}

func (p *Pipeline) resolve(ids []string) ([]source.Source, error) {
	srcs := make([]source.Source, 0, len(ids))
	for _, id := range ids {
		s, ok := p.Catalog.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrSourceNotFound, id)
		}
		srcs = append(srcs, s)
	}
	if len(srcs) == 0 {
		return nil, ErrSourceNotFound
	}
	return srcs, nil
}

// anyValidZoom implements step 2: reject only when z is outside
// *every* source's range.
func anyValidZoom(srcs []source.Source, z uint8) bool {
	for _, s := range srcs {
		if source.IsValidZoom(s, z) {
			return true
		}
	}
	return false
}

// checkComposable implements: composite requests across
// sources with incompatible TileInfo (anything but MVT + uncompressed) are
// rejected with a 400-class error rather than silently mixed.
func checkComposable(srcs []source.Source) error {
	for _, s := range srcs {
		info := s.TileInfo()
		if info.Format != tile.FormatMVT {
			return fmt.Errorf("%w: %q is not MVT", ErrIncompatibleMix, s.ID())
		}
		if info.Encoding != tile.EncodingUncompressed {
			return fmt.Errorf("%w: %q is not uncompressed", ErrIncompatibleMix, s.ID())
		}
	}
	return nil
}

func (p *Pipeline) cacheKey(first source.Source, req Request) cache.Key {
	coord := cache.CoordKey{Z: req.Coord.Z, X: req.Coord.X, Y: req.Coord.Y}
	if first.SupportsURLQuery() && len(req.Query) > 0 {
		return cache.TileWithQueryKey(first.ID(), coord, sortedQueryString(req.Query))
	}
	return cache.TileKey(first.ID(), coord)
}

// sortedQueryString serializes query params in sorted key order, so cache
// keys built from the same parameters are stable regardless of request
// ordering.
func sortedQueryString(q source.UrlQuery) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(q[k])
	}
	return b.String()
}

// fetch calls GetTileWithEtag on every source, concatenating MVT layers for
// composite requests. Sources that benefit from concurrent scraping are
// fetched in parallel; the rest are fetched one at a time, in source order,
// inside the same loop while the parallel fetches are already running.
func (p *Pipeline) fetch(ctx context.Context, srcs []source.Source, req Request) (tile.Tile, error) {
	if len(srcs) == 1 {
		return source.GetTileWithEtag(ctx, srcs[0], req.Coord, req.Query)
	}

	tiles := make([]tile.Tile, len(srcs))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range srcs {
		fetchOne := func() error {
			t, err := source.GetTileWithEtag(gctx, s, req.Coord, req.Query)
			if err != nil {
				return fmt.Errorf("composite fetch from %q: %w", s.ID(), err)
			}
			tiles[i] = t
			return nil
		}
		if s.BenefitsFromConcurrentScraping() {
			g.Go(fetchOne)
		} else if err := fetchOne(); err != nil {
			return tile.Tile{}, err
		}
	}
	if err := g.Wait(); err != nil {
		return tile.Tile{}, err
	}
	return concatenateLayers(srcs, tiles)
}

// concatenateLayers merges the MVT layers of multiple source tiles into one
// composite MVT payload, preserving source order; layer name collisions
// follow first-wins with a warning.
// ETag of the result is the hash of the combined payload.
func concatenateLayers(srcs []source.Source, tiles []tile.Tile) (tile.Tile, error) {
	seen := make(map[string]bool)
	var layers mvt.Layers
	for i, t := range tiles {
		if len(t.Data) == 0 {
			continue
		}
		ls, err := mvt.Unmarshal(t.Data)
		if err != nil {
			return tile.Tile{}, fmt.Errorf("decode mvt layers from %q: %w", srcs[i].ID(), err)
		}
		for _, l := range ls {
			if seen[l.Name] {
				continue // first-wins on layer name collision
			}
			seen[l.Name] = true
			layers = append(layers, l)
		}
	}
	info := tile.NewTileInfo(tile.FormatMVT, tile.EncodingUncompressed)
	if len(layers) == 0 {
		return tile.Tile{Data: nil, Info: info, Etag: tile.EtagForData(nil)}, nil
	}
	// Marshal uncompressed: composability already requires every member to be
	// MVT/uncompressed, and the cached payload must match the first source's
	// TileInfo, which is what a cache hit is decoded with. The encoding
	// negotiation step compresses for the wire afterwards.
	out, err := mvt.Marshal(layers)
	if err != nil {
		return tile.Tile{}, fmt.Errorf("encode composite mvt: %w", err)
	}
	return tile.NewHashTile(out, info), nil
}

// encodeCacheValue/decodeCacheValue attach the etag to the cached payload so
// that a cache hit doesn't need to re-hash the tile to recover its etag.
// Format: 8-byte big-endian etag length, etag bytes, tile bytes.
func encodeCacheValue(t tile.Tile) []byte {
	out := make([]byte, 8, 8+len(t.Etag)+len(t.Data))
	binary.BigEndian.PutUint64(out, uint64(len(t.Etag)))
	out = append(out, t.Etag...)
	out = append(out, t.Data...)
	return out
}

func decodeCacheValue(raw []byte, info tile.TileInfo) tile.Tile {
	if len(raw) < 8 {
		return tile.Tile{Info: info}
	}
	n := binary.BigEndian.Uint64(raw)
	if 8+int(n) > len(raw) {
		return tile.Tile{Info: info}
	}
	etag := string(raw[8 : 8+n])
	data := raw[8+n:]
	return tile.Tile{Data: tile.TileData(data), Info: info, Etag: etag}
}
