// Package cog implements CogSource: a tile source backed by
// a Cloud-Optimized GeoTIFF, where each IFD in the TIFF's pyramid maps
// one-to-one to a zoom level and tiles are served by fetching and
// decompressing the IFD's tiled chunks directly. Neither hhrutter/tiff nor
// the stdlib-derived image/tiff package it forks from exposes per-tile,
// per-IFD access (both only decode a whole image), so the IFD walk is
// hand-rolled here while chunk decompression reuses github.com/hhrutter/lzw
// directly (see DESIGN.md).
package cog

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"

	"github.com/MeKo-Tech/martin-go/internal/source"
	"github.com/MeKo-Tech/martin-go/internal/tile"
	"github.com/hhrutter/lzw"
)

// Source serves tiles from a Cloud-Optimized GeoTIFF's resolution pyramid.
// levels[0] is the highest-resolution IFD (max zoom); each subsequent level
// is one zoom level lower.
type Source struct {
	id       string
	path     string
	file     *os.File
	levels   []ifd
	minZoom  uint8
	maxZoom  uint8
	tilejson source.TileJSON
}

// Open parses a COG's TIFF structure and builds a Source serving id at path.
func Open(id, path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cog: open %q: %w", path, err)
	}

	levels, _, err := readIFDs(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cog: parse %q: %w", path, err)
	}

	for _, lvl := range levels {
		if lvl.planarConfiguration != 1 {
			f.Close()
			return nil, fmt.Errorf("cog: %q: planar configuration %d is not supported (only chunky/contiguous)", path, lvl.planarConfiguration)
		}
		if !supportedColorModel(lvl) {
			f.Close()
			return nil, fmt.Errorf("cog: %q: unsupported sample layout (bits=%v samples=%d photometric=%d)",
				path, lvl.bitsPerSample, lvl.samplesPerPixel, lvl.photometric)
		}
	}

	maxZoom := uint8(len(levels) - 1)
	tj := source.NewTileJSON(id)
	tj.MaxZoom = &maxZoom
	minZoom := uint8(0)
	tj.MinZoom = &minZoom

	return &Source{
		id:       id,
		path:     path,
		file:     f,
		levels:   levels,
		minZoom:  minZoom,
		maxZoom:  maxZoom,
		tilejson: tj,
	}, nil
}

func supportedColorModel(f ifd) bool {
	allEight := true
	for _, b := range f.bitsPerSample {
		if b != 8 {
			allEight = false
			break
		}
	}
	if !allEight {
		return false
	}
	switch f.photometric {
	case photometricBlackIsZero, photometricWhiteIsZero:
		return f.samplesPerPixel == 1
	case photometricRGB:
		return f.samplesPerPixel == 3 || f.samplesPerPixel == 4
	default:
		return false
	}
}

func (s *Source) ID() string                { return s.id }
func (s *Source) TileJSON() source.TileJSON { return s.tilejson }
func (s *Source) TileInfo() tile.TileInfo {
	return tile.NewTileInfo(tile.FormatPNG, tile.EncodingUncompressed)
}

// Clone returns a handle sharing the same parsed pyramid and an independent
// file descriptor, since io.ReaderAt reads are issued concurrently by
// multiple in-flight requests.
func (s *Source) Clone() source.Source {
	f, err := os.Open(s.path)
	if err != nil {
		// The file was openable once; treat a later failure as exceptional
		// and fall back to sharing the original descriptor rather than
		// panicking a request goroutine.
		return &Source{id: s.id, path: s.path, file: s.file, levels: s.levels,
			minZoom: s.minZoom, maxZoom: s.maxZoom, tilejson: s.tilejson}
	}
	return &Source{id: s.id, path: s.path, file: f, levels: s.levels,
		minZoom: s.minZoom, maxZoom: s.maxZoom, tilejson: s.tilejson}
}

func (s *Source) Version() string        { return "" }
func (s *Source) SupportsURLQuery() bool { return false }

// BenefitsFromConcurrentScraping reports false: COG tile reads are local
// random-access file I/O, not a network round trip worth overlapping.
func (s *Source) BenefitsFromConcurrentScraping() bool { return false }

// ErrZoomOutOfRange is returned by GetTile when the requested zoom has no
// corresponding pyramid level.
type ErrZoomOutOfRange struct {
	Zoom             uint8
	MinZoom, MaxZoom uint8
}

func (e ErrZoomOutOfRange) Error() string {
	return fmt.Sprintf("cog: zoom %d out of range [%d, %d]", e.Zoom, e.MinZoom, e.MaxZoom)
}

// GetTile locates the IFD for coord.Z, fetches and decompresses the tile
// chunk at (coord.X, coord.Y), and re-encodes it as PNG.
func (s *Source) GetTile(ctx context.Context, coord tile.TileCoord, _ source.UrlQuery) (tile.TileData, error) {
	if coord.Z < s.minZoom || coord.Z > s.maxZoom {
		return nil, ErrZoomOutOfRange{Zoom: coord.Z, MinZoom: s.minZoom, MaxZoom: s.maxZoom}
	}

	// levels[0] is max zoom; level index decreases as zoom decreases.
	lvl := s.levels[s.maxZoom-coord.Z]

	across := lvl.tilesAcross()
	down := lvl.tilesDown()
	if coord.X >= across || coord.Y >= down {
		return nil, nil
	}
	idx := int(coord.Y)*int(across) + int(coord.X)
	if idx >= len(lvl.tileOffsets) || idx >= len(lvl.tileByteCounts) {
		return nil, fmt.Errorf("cog: tile index %d out of range for level with %d chunks", idx, len(lvl.tileOffsets))
	}

	raw := make([]byte, lvl.tileByteCounts[idx])
	if _, err := s.file.ReadAt(raw, int64(lvl.tileOffsets[idx])); err != nil {
		return nil, fmt.Errorf("cog: read chunk %d: %w", idx, err)
	}

	decompressed, err := decompress(raw, lvl.compression)
	if err != nil {
		return nil, fmt.Errorf("cog: decompress chunk %d: %w", idx, err)
	}

	img, err := buildImage(decompressed, lvl)
	if err != nil {
		return nil, fmt.Errorf("cog: decode chunk %d: %w", idx, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("cog: encode chunk %d as png: %w", idx, err)
	}
	return tile.TileData(buf.Bytes()), nil
}

func decompress(raw []byte, compression uint16) ([]byte, error) {
	switch compression {
	case compressionNone:
		return raw, nil
	case compressionLZW:
		r := lzw.NewReader(bytes.NewReader(raw), true)
		defer r.Close()
		return io.ReadAll(r)
	case compressionZip:
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported compression scheme %d", compression)
	}
}

func buildImage(pix []byte, lvl ifd) (image.Image, error) {
	w, h := int(lvl.tileWidth), int(lvl.tileLength)
	switch lvl.photometric {
	case photometricBlackIsZero, photometricWhiteIsZero:
		if len(pix) < w*h {
			return nil, fmt.Errorf("short pixel buffer: got %d, want %d", len(pix), w*h)
		}
		img := image.NewGray(image.Rect(0, 0, w, h))
		copy(img.Pix, pix)
		if lvl.photometric == photometricWhiteIsZero {
			for i, v := range img.Pix {
				img.Pix[i] = 255 - v
			}
		}
		return img, nil
	case photometricRGB:
		switch lvl.samplesPerPixel {
		case 3:
			if len(pix) < w*h*3 {
				return nil, fmt.Errorf("short pixel buffer: got %d, want %d", len(pix), w*h*3)
			}
			img := image.NewRGBA(image.Rect(0, 0, w, h))
			for i := 0; i < w*h; i++ {
				img.Pix[i*4+0] = pix[i*3+0]
				img.Pix[i*4+1] = pix[i*3+1]
				img.Pix[i*4+2] = pix[i*3+2]
				img.Pix[i*4+3] = 255
			}
			return img, nil
		case 4:
			if len(pix) < w*h*4 {
				return nil, fmt.Errorf("short pixel buffer: got %d, want %d", len(pix), w*h*4)
			}
			img := image.NewRGBA(image.Rect(0, 0, w, h))
			copy(img.Pix, pix)
			return img, nil
		}
	}
	return nil, fmt.Errorf("unsupported sample layout (samples=%d photometric=%d)", lvl.samplesPerPixel, lvl.photometric)
}
