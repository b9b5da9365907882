package pipeline

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/MeKo-Tech/martin-go/internal/tile"
	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// negotiateEncoding implements step 7: intersect the client's
// accepted encodings with the server's preferred encoding, decompressing and
// recompressing as needed. Raster formats are always forced uncompressed.
func (p *Pipeline) negotiateEncoding(t tile.Tile, accepted []tile.Encoding) (tile.Tile, error) {
	if t.Info.Format.IsRaster() || t.Info.Encoding == tile.EncodingInternal {
		return t, nil
	}
	if len(t.Data) == 0 {
		return t, nil
	}

	target := chooseEncoding(t.Info.Encoding, p.PreferredEncoding, accepted)
	if target == t.Info.Encoding {
		return t, nil
	}

	raw, err := decode(t.Data, t.Info.Encoding)
	if err != nil {
		return tile.Tile{}, fmt.Errorf("decode tile for re-encoding: %w", err)
	}
	encoded, err := encode(raw, target)
	if err != nil {
		return tile.Tile{}, fmt.Errorf("encode tile as %v: %w", target, err)
	}
	return tile.Tile{Data: tile.TileData(encoded), Info: tile.TileInfo{Format: t.Info.Format, Encoding: target}, Etag: t.Etag}, nil
}

// chooseEncoding picks the response encoding: prefer the server's
// configured preference when the client accepts it (this is the encoding
// the tile should converge to); otherwise keep the tile's current encoding
// if the client accepts that as-is, avoiding needless work; otherwise fall
// back to uncompressed, which every client accepts.
func chooseEncoding(current, preferred tile.Encoding, accepted []tile.Encoding) tile.Encoding {
	accepts := func(e tile.Encoding) bool {
		if e == tile.EncodingUncompressed {
			return true
		}
		for _, a := range accepted {
			if a == e {
				return true
			}
		}
		return false
	}

	if accepts(preferred) {
		return preferred
	}
	if accepts(current) {
		return current
	}
	return tile.EncodingUncompressed
}

func decode(data []byte, enc tile.Encoding) ([]byte, error) {
	switch enc {
	case tile.EncodingUncompressed, tile.EncodingInternal:
		return data, nil
	case tile.EncodingGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case tile.EncodingBrotli:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	case tile.EncodingZstd:
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported encoding %v", enc)
	}
}

func encode(data []byte, enc tile.Encoding) ([]byte, error) {
	switch enc {
	case tile.EncodingUncompressed:
		return data, nil
	case tile.EncodingGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case tile.EncodingBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case tile.EncodingZstd:
		w, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer w.Close()
		return w.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %v", enc)
	}
}
