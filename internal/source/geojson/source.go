// Package geojson implements GeoJsonSource: a tile source backed by a static
// GeoJSON file, vectorized into MVT at request time by projecting and
// clipping features to the requested tile.
package geojson

import (
	"context"
	"fmt"
	"os"

	"github.com/MeKo-Tech/martin-go/internal/source"
	"github.com/MeKo-Tech/martin-go/internal/tile"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	orbgeojson "github.com/paulmach/orb/geojson"
)

// Source serves a single static GeoJSON file as a vector tile layer named
// after the source id, re-vectorizing with orb/encoding/mvt on every
// request.
type Source struct {
	id       string
	fc       *orbgeojson.FeatureCollection
	tilejson source.TileJSON
}

// Open reads and parses a GeoJSON file from path, building a Source that
// serves it as a single MVT layer named id.
func Open(id, path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("geojson: read %q: %w", path, err)
	}

	fc, err := orbgeojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("geojson: parse %q: %w", path, err)
	}

	tj := source.NewTileJSON(id)
	tj.VectorLayers = []source.VectorLayer{{ID: id}}

	return &Source{id: id, fc: fc, tilejson: tj}, nil
}

func (s *Source) ID() string                { return s.id }
func (s *Source) TileJSON() source.TileJSON { return s.tilejson }
func (s *Source) TileInfo() tile.TileInfo {
	return tile.NewTileInfo(tile.FormatMVT, tile.EncodingUncompressed)
}
func (s *Source) Clone() source.Source   { return s }
func (s *Source) Version() string        { return "" }
func (s *Source) SupportsURLQuery() bool { return false }

// BenefitsFromConcurrentScraping reports false: vectorizing an in-memory
// FeatureCollection is pure CPU work with no I/O to overlap.
func (s *Source) BenefitsFromConcurrentScraping() bool { return false }

// GetTile projects the source's features onto coord's tile space, clips them
// to the standard MVT buffer, and encodes the result as a single-layer MVT
// tile named after the source id. A tile with no intersecting features
// returns empty data, not an error.
func (s *Source) GetTile(_ context.Context, coord tile.TileCoord, _ source.UrlQuery) (tile.TileData, error) {
	// ProjectToTile and Clip mutate geometry coordinates in place, so each
	// request works on its own copy of the features that overlap the tile's
	// bounding box; properties are shared read-only.
	layers := mvt.NewLayers(map[string]*orbgeojson.FeatureCollection{
		s.id: featuresInBounds(s.fc, coord),
	})

	t := coord.Tile()
	layers.ProjectToTile(t)
	layers.Clip(mvt.MapboxGLDefaultExtentBound)
	layers.RemoveEmpty(1.0, 1.0)

	if len(layers) == 0 || layerEmpty(layers) {
		return nil, nil
	}

	data, err := mvt.Marshal(layers)
	if err != nil {
		return nil, fmt.Errorf("geojson: marshal tile %s for %q: %w", coord, s.id, err)
	}
	return tile.TileData(data), nil
}

// featuresInBounds clones the features whose geometry overlaps coord's
// lon/lat bounding box, padded by the default MVT buffer share so geometry
// clipped into the buffer region survives the filter.
func featuresInBounds(fc *orbgeojson.FeatureCollection, coord tile.TileCoord) *orbgeojson.FeatureCollection {
	b := coord.Bounds()
	pad := (b[2] - b[0]) * 64.0 / 4096.0
	bound := orb.Bound{
		Min: orb.Point{b[0] - pad, b[1] - pad},
		Max: orb.Point{b[2] + pad, b[3] + pad},
	}

	out := orbgeojson.NewFeatureCollection()
	for _, f := range fc.Features {
		if f.Geometry == nil || !bound.Intersects(f.Geometry.Bound()) {
			continue
		}
		nf := *f
		nf.Geometry = orb.Clone(f.Geometry)
		out.Append(&nf)
	}
	return out
}

func layerEmpty(layers mvt.Layers) bool {
	for _, l := range layers {
		if len(l.Features) > 0 {
			return false
		}
	}
	return true
}
