// Package source defines the polymorphic Source capability set implemented by every tile backend, plus the supporting
// CatalogSourceEntry and UrlQuery types.
package source

import (
	"context"

	"github.com/MeKo-Tech/martin-go/internal/tile"
)

// UrlQuery carries URL query parameters for sources that support dynamic
// tile generation (e.g. PostGIS function sources with a query_json
// parameter).
type UrlQuery map[string]string

// Source is the capability set every backend implements. The package-level
// helpers GetTileWithEtag, IsValidZoom and CatalogEntry build on it; of
// these, only GetTileWithEtag can be replaced by a backend, by implementing
// EtagSource.
type Source interface {
	// ID returns the unique identifier used in URLs.
	ID() string
	// TileJSON returns the metadata served at GET /{id}.
	TileJSON() TileJSON
	// TileInfo returns the technical tile information (format, encoding).
	TileInfo() tile.TileInfo
	// Clone returns a cheap handle sharing the same underlying connection
	// or file, for use by one request.
	Clone() Source
	// Version returns an optional cache-busting version string appended to
	// tile URLs, or "" if the backend has none.
	Version() string
	// SupportsURLQuery reports whether this source accepts URL query
	// parameters for dynamic tile generation.
	SupportsURLQuery() bool
	// BenefitsFromConcurrentScraping hints whether parallel requests to
	// this backend are worth issuing concurrently rather than serially.
	BenefitsFromConcurrentScraping() bool
	// GetTile retrieves tile data for the given coordinates. An empty,
	// nil-error result means "no tile at this address".
	GetTile(ctx context.Context, coord tile.TileCoord, query UrlQuery) (tile.TileData, error)
}

// EtagSource is implemented by backends that can compute a tile + etag more
// cheaply than the generic hash-the-bytes default (e.g. MbtSource reading a
// stored hash column). GetTileWithEtag falls back to xxh3-128 over the
// result of GetTile when a Source does not implement this interface.
type EtagSource interface {
	Source
	GetTileWithEtag(ctx context.Context, coord tile.TileCoord, query UrlQuery) (tile.Tile, error)
}

// GetTileWithEtag retrieves a tile and its etag, using the backend's own
// implementation when available and falling back to hashing the payload
// with xxh3-128 otherwise.
func GetTileWithEtag(ctx context.Context, s Source, coord tile.TileCoord, query UrlQuery) (tile.Tile, error) {
	if es, ok := s.(EtagSource); ok {
		return es.GetTileWithEtag(ctx, coord, query)
	}
	data, err := s.GetTile(ctx, coord, query)
	if err != nil {
		return tile.Tile{}, err
	}
	return tile.NewHashTile(data, s.TileInfo()), nil
}

// IsValidZoom validates a zoom level against the source's TileJSON
// minzoom/maxzoom bounds.
func IsValidZoom(s Source, z uint8) bool {
	tj := s.TileJSON()
	if tj.MinZoom != nil && z < *tj.MinZoom {
		return false
	}
	if tj.MaxZoom != nil && z > *tj.MaxZoom {
		return false
	}
	return true
}

// CatalogEntry derives the CatalogSourceEntry for s's current state; the
// display name is elided when it equals the source id.
func CatalogEntry(s Source) CatalogSourceEntry {
	tj := s.TileJSON()
	info := s.TileInfo()
	entry := CatalogSourceEntry{
		ContentType:     info.Format.ContentType(),
		ContentEncoding: info.Encoding.ContentEncoding(),
		Description:     tj.Description,
		Attribution:     tj.Attribution,
	}
	if tj.Name != "" && tj.Name != s.ID() {
		entry.Name = tj.Name
	}
	return entry
}

// CatalogSourceEntry is the metadata for one source in the catalog response.
type CatalogSourceEntry struct {
	ContentType     string `json:"content_type"`
	ContentEncoding string `json:"content_encoding,omitempty"`
	Name            string `json:"name,omitempty"`
	Description     string `json:"description,omitempty"`
	Attribution     string `json:"attribution,omitempty"`
}
