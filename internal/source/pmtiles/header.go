// Package pmtiles implements PmtilesSource: a tile source
// reading the PMTiles v3 single-file archive format from an object-store
// backend, handling header/directory parsing, tile-id encoding, tile-type
// and compression validation, and directory-cache instance id assignment.
package pmtiles

import (
	"encoding/binary"
	"fmt"

	"github.com/MeKo-Tech/martin-go/internal/tile"
)

const (
	headerMagic    = "PMTiles"
	headerV3Size   = 127
	tileTypeMVT    = 1
	tileTypePNG    = 2
	tileTypeJPEG   = 3
	tileTypeWebP   = 4
	compressNone   = 1
	compressGzip   = 2
	compressBrotli = 3
	compressZstd   = 4
)

// Header is the fixed 127-byte PMTiles v3 header. It carries two distinct
// compression bytes: InternalCompression governs the embedded JSON metadata
// blob and directory pages, while TileCompression governs the tile payloads
// themselves. The two are frequently different (metadata is almost always
// gzip; tiles may be stored uncompressed for raster formats).
type Header struct {
	RootDirOffset       uint64
	RootDirLength       uint64
	JSONMetaOffset      uint64
	JSONMetaLength      uint64
	LeafDirOffset       uint64
	LeafDirLength       uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	NumAddressed        uint64
	NumTiles            uint64
	NumLeaves           uint64
	Clustered           bool
	InternalCompression byte
	TileCompression     byte
	TileType            byte
	MinZoom             byte
	MaxZoom             byte
}

// ParseHeader decodes the fixed PMTiles v3 header from its raw bytes.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < headerV3Size {
		return Header{}, fmt.Errorf("pmtiles: header too short (%d bytes)", len(raw))
	}
	if string(raw[0:7]) != headerMagic {
		return Header{}, fmt.Errorf("pmtiles: bad magic %q", raw[0:7])
	}

	h := Header{
		RootDirOffset:       binary.LittleEndian.Uint64(raw[8:16]),
		RootDirLength:       binary.LittleEndian.Uint64(raw[16:24]),
		JSONMetaOffset:      binary.LittleEndian.Uint64(raw[24:32]),
		JSONMetaLength:      binary.LittleEndian.Uint64(raw[32:40]),
		LeafDirOffset:       binary.LittleEndian.Uint64(raw[40:48]),
		LeafDirLength:       binary.LittleEndian.Uint64(raw[48:56]),
		TileDataOffset:      binary.LittleEndian.Uint64(raw[56:64]),
		TileDataLength:      binary.LittleEndian.Uint64(raw[64:72]),
		NumAddressed:        binary.LittleEndian.Uint64(raw[72:80]),
		NumTiles:            binary.LittleEndian.Uint64(raw[80:88]),
		NumLeaves:           binary.LittleEndian.Uint64(raw[88:96]),
		Clustered:           raw[96] == 1,
		InternalCompression: raw[97],
		TileCompression:     raw[98],
		TileType:            raw[99],
		MinZoom:             raw[100],
		MaxZoom:             raw[101],
	}
	return h, nil
}

// contentEncoding maps a PMTiles tile-compression byte to the HTTP
// Content-Encoding value the pipeline should negotiate from.
func (h Header) contentEncoding() (tile.Encoding, bool) {
	switch h.TileCompression {
	case compressGzip:
		return tile.EncodingGzip, true
	case compressBrotli:
		return tile.EncodingBrotli, true
	case compressZstd:
		return tile.EncodingZstd, true
	case compressNone:
		return tile.EncodingUncompressed, true
	default:
		return tile.EncodingUncompressed, false
	}
}

// format maps the PMTiles tile-type byte to the tile package's Format.
func (h Header) format() (tile.Format, error) {
	switch h.TileType {
	case tileTypeMVT:
		return tile.FormatMVT, nil
	case tileTypePNG:
		return tile.FormatPNG, nil
	case tileTypeJPEG:
		return tile.FormatJPEG, nil
	case tileTypeWebP:
		return tile.FormatWebP, nil
	default:
		return tile.FormatUnknown, fmt.Errorf("pmtiles: unknown tile type %d", h.TileType)
	}
}
