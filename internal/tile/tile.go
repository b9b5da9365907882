// Package tile defines the core tile addressing and payload types shared by
// every source backend and the request pipeline: TileCoord (z/x/y address),
// TileInfo (format/encoding pair), TileData (raw bytes), and Tile (payload +
// metadata + etag).
package tile

import "fmt"

// MaxZoom is the highest zoom level a TileCoord may address.
const MaxZoom = 22

// Format identifies the on-wire tile payload format.
type Format int

const (
	FormatUnknown Format = iota
	FormatMVT
	FormatPNG
	FormatJPEG
	FormatWebP
	FormatJSON
	FormatGeoJSON
)

// ContentType returns the HTTP Content-Type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatMVT:
		return "application/x-protobuf"
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	case FormatJSON:
		return "application/json"
	case FormatGeoJSON:
		return "application/geo+json"
	default:
		return "application/octet-stream"
	}
}

func (f Format) String() string {
	switch f {
	case FormatMVT:
		return "mvt"
	case FormatPNG:
		return "png"
	case FormatJPEG:
		return "jpeg"
	case FormatWebP:
		return "webp"
	case FormatJSON:
		return "json"
	case FormatGeoJSON:
		return "geojson"
	default:
		return "unknown"
	}
}

// IsRaster reports whether the format is an already-compressed raster image,
// which is never gzip/brotli/zstd re-encoded on the wire.
func (f Format) IsRaster() bool {
	switch f {
	case FormatPNG, FormatJPEG, FormatWebP:
		return true
	default:
		return false
	}
}

// Encoding identifies the Content-Encoding (if any) applied to TileData.
type Encoding int

const (
	EncodingUncompressed Encoding = iota
	EncodingGzip
	EncodingBrotli
	EncodingZstd
	// EncodingInternal marks backend-specific compression that the pipeline
	// must not attempt to re-negotiate (e.g. an already-gzip MVT blob whose
	// bytes are passed through untouched).
	EncodingInternal
)

// ContentEncoding returns the HTTP Content-Encoding header value, or "" when
// no header should be set.
func (e Encoding) ContentEncoding() string {
	switch e {
	case EncodingGzip:
		return "gzip"
	case EncodingBrotli:
		return "br"
	case EncodingZstd:
		return "zstd"
	default:
		return ""
	}
}

// TileInfo pairs a tile's format with its on-wire encoding. It determines the
// Content-Type and Content-Encoding response headers.
type TileInfo struct {
	Format   Format
	Encoding Encoding
}

// NewTileInfo builds a TileInfo, defaulting raster formats to uncompressed
// since they are already internally compressed image formats.
func NewTileInfo(format Format, encoding Encoding) TileInfo {
	if format.IsRaster() {
		encoding = EncodingUncompressed
	}
	return TileInfo{Format: format, Encoding: encoding}
}

// TileData is an immutable byte sequence. An empty slice denotes "no tile at
// this address", distinct from an error.
type TileData []byte

// Tile is a tile payload plus its format/encoding metadata and an optional
// etag. The etag is either backend-provided (e.g. an MBTiles hash column) or
// computed by hashing the bytes (xxh3-128, see EtagForData).
type Tile struct {
	Data TileData
	Info TileInfo
	Etag string
}

// NewTile constructs a Tile with an explicit, backend-provided etag.
func NewTile(data TileData, info TileInfo, etag string) Tile {
	return Tile{Data: data, Info: info, Etag: etag}
}

// NewHashTile constructs a Tile whose etag is computed by hashing data.
func NewHashTile(data TileData, info TileInfo) Tile {
	return Tile{Data: data, Info: info, Etag: EtagForData(data)}
}

// TileCoord addresses a single tile in the XYZ (Google) convention used by
// Martin's HTTP surface. Invariant: X, Y < 2^Z.
type TileCoord struct {
	Z uint8
	X uint32
	Y uint32
}

// NewTileCoord constructs a TileCoord without validating it; use Validate to
// check the invariant before trusting client input.
func NewTileCoord(z uint8, x, y uint32) TileCoord {
	return TileCoord{Z: z, X: x, Y: y}
}

// Validate checks the z/x/y invariant: z must not exceed MaxZoom, and x, y
// must be strictly less than 2^z.
func (c TileCoord) Validate() error {
	if c.Z > MaxZoom {
		return fmt.Errorf("zoom %d exceeds max zoom %d", c.Z, MaxZoom)
	}
	dim := uint32(1) << c.Z
	if c.X >= dim || c.Y >= dim {
		return fmt.Errorf("tile coordinate %d/%d/%d out of range for zoom %d", c.Z, c.X, c.Y, c.Z)
	}
	return nil
}

func (c TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// TMSRow converts the XYZ (Google) row into the TMS (bottom-origin) row used
// by MBTiles storage: tile_row = 2^z - 1 - y. The inversion is symmetric, so
// the same formula converts in either direction.
func (c TileCoord) TMSRow() uint32 {
	return (uint32(1) << c.Z) - 1 - c.Y
}
