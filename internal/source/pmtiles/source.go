package pmtiles

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/MeKo-Tech/martin-go/internal/cache"
	"github.com/MeKo-Tech/martin-go/internal/source"
	"github.com/MeKo-Tech/martin-go/internal/tile"
	"gocloud.dev/blob"
)

// Source reads tiles from a PMTiles v3 single-file archive behind a
// gocloud.dev/blob bucket, so the same code path serves local files and
// object-store-backed archives.
type Source struct {
	id       string
	bucket   *blob.Bucket
	key      string
	header   Header
	tilejson source.TileJSON
	info     tile.TileInfo
	dirCache *DirCache
}

// Open opens a PMTiles archive at key inside bucket, validates its header,
// and returns a ready-to-serve Source. bucket is retained and NOT closed by
// Close (callers that own the bucket's lifecycle close it themselves);
// Open never closes a bucket it didn't open.
func Open(ctx context.Context, id string, bucket *blob.Bucket, key string, shared *cache.Cache) (*Source, error) {
	raw, err := readRange(ctx, bucket, key, 0, headerV3Size)
	if err != nil {
		return nil, fmt.Errorf("pmtiles: read header of %s: %w", key, err)
	}
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("pmtiles: parse header of %s: %w", key, err)
	}

	format, err := h.format()
	if err != nil {
		return nil, fmt.Errorf("pmtiles: %s: %w", key, err)
	}
	enc, ok := h.contentEncoding()
	if !ok {
		return nil, fmt.Errorf("pmtiles: %s: unknown tile compression %d", key, h.TileCompression)
	}
	if format != tile.FormatMVT && enc != tile.EncodingUncompressed {
		return nil, fmt.Errorf("pmtiles: %s: non-vector tile type %v must not carry a tile compression", key, format)
	}

	tj := source.NewTileJSON(id)
	minZ, maxZ := h.MinZoom, h.MaxZoom
	tj.MinZoom = &minZ
	tj.MaxZoom = &maxZ
	if err := readJSONMetadata(ctx, bucket, key, h, &tj); err != nil {
		return nil, fmt.Errorf("pmtiles: read metadata of %s: %w", key, err)
	}

	return &Source{
		id:       id,
		bucket:   bucket,
		key:      key,
		header:   h,
		tilejson: tj,
		info:     tile.NewTileInfo(format, enc),
		dirCache: NewDirCache(shared),
	}, nil
}

func (s *Source) ID() string                { return s.id }
func (s *Source) TileJSON() source.TileJSON { return s.tilejson }
func (s *Source) TileInfo() tile.TileInfo   { return s.info }
// Clone shares the bucket handle and directory-cache instance: directory
// pages cached by one request handle must stay visible to every other handle
// of the same archive.
func (s *Source) Clone() source.Source {
	cp := *s
	return &cp
}
func (s *Source) Version() string       { return "" }
func (s *Source) SupportsURLQuery() bool { return false }

// BenefitsFromConcurrentScraping reports true: PMTiles archives live on an
// object store, so many in-flight range requests overlap network latency
// instead of contending for a local disk.
func (s *Source) BenefitsFromConcurrentScraping() bool { return true }

// GetTile implements source.Source: locate coord's tile-id in the directory
// tree (root, then at most one leaf page), then fetch its byte range.
func (s *Source) GetTile(ctx context.Context, coord tile.TileCoord, _ source.UrlQuery) (tile.TileData, error) {
	id := ZxyToID(coord.Z, coord.X, coord.Y)

	root, err := s.directoryAt(ctx, s.header.RootDirOffset, s.header.RootDirLength)
	if err != nil {
		return nil, err
	}

	entry, found := root.FindTileID(id)
	if !found {
		return nil, nil // missing tile is empty bytes, not an error
	}

	if entry.RunLength == 0 {
		// A run length of zero marks a directory-page entry, pointing into the
		// leaf directory section rather than at tile data.
		leaf, err := s.directoryAt(ctx, s.header.LeafDirOffset+entry.Offset, uint64(entry.Length))
		if err != nil {
			return nil, err
		}
		entry, found = leaf.FindTileID(id)
		if !found {
			return nil, nil
		}
	}

	data, err := readRange(ctx, s.bucket, s.key, s.header.TileDataOffset+entry.Offset, int(entry.Length))
	if err != nil {
		return nil, fmt.Errorf("pmtiles: read tile %s: %w", coord, err)
	}
	return tile.TileData(data), nil
}

func (s *Source) directoryAt(ctx context.Context, offset, length uint64) (Directory, error) {
	return s.dirCache.GetOrFetch(ctx, offset, func(ctx context.Context) (Directory, error) {
		raw, err := readRange(ctx, s.bucket, s.key, offset, int(length))
		if err != nil {
			return Directory{}, fmt.Errorf("pmtiles: read directory page: %w", err)
		}
		return ParseDirectory(raw)
	})
}

// Close does nothing and always returns nil: the directory cache is shared,
// and the backing bucket is owned by the caller of Open and is not closed here.
func (s *Source) Close() error { return nil }

// readJSONMetadata merges the archive's embedded JSON metadata blob
// (inflated per the header's InternalCompression) into tj. Archives without
// a metadata section are valid.
func readJSONMetadata(ctx context.Context, bucket *blob.Bucket, key string, h Header, tj *source.TileJSON) error {
	if h.JSONMetaLength == 0 {
		return nil
	}
	raw, err := readRange(ctx, bucket, key, h.JSONMetaOffset, int(h.JSONMetaLength))
	if err != nil {
		return err
	}
	if h.InternalCompression == compressGzip {
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("ungzip metadata: %w", err)
		}
		defer r.Close()
		if raw, err = io.ReadAll(r); err != nil {
			return fmt.Errorf("read metadata: %w", err)
		}
	}

	var meta struct {
		Name         string               `json:"name"`
		Description  string               `json:"description"`
		Attribution  string               `json:"attribution"`
		Version      string               `json:"version"`
		VectorLayers []source.VectorLayer `json:"vector_layers"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("parse metadata: %w", err)
	}
	if meta.Name != "" {
		tj.Name = meta.Name
	}
	tj.Description = meta.Description
	tj.Attribution = meta.Attribution
	tj.Version = meta.Version
	tj.VectorLayers = meta.VectorLayers
	return nil
}

func readRange(ctx context.Context, bucket *blob.Bucket, key string, offset uint64, length int) ([]byte, error) {
	r, err := bucket.NewRangeReader(ctx, key, int64(offset), int64(length), nil)
	if err != nil {
		return nil, fmt.Errorf("range read %s [%d:%d]: %w", key, offset, offset+uint64(length), err)
	}
	defer r.Close()
	return io.ReadAll(r)
}
