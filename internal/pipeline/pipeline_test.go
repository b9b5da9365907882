package pipeline

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/MeKo-Tech/martin-go/internal/cache"
	"github.com/MeKo-Tech/martin-go/internal/catalog"
	"github.com/MeKo-Tech/martin-go/internal/idresolver"
	"github.com/MeKo-Tech/martin-go/internal/source"
	"github.com/MeKo-Tech/martin-go/internal/tile"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	id       string
	info     tile.TileInfo
	minZoom  *uint8
	maxZoom  *uint8
	data     []byte
	fetchErr error
	calls    int32
}

func (s *stubSource) ID() string { return s.id }
func (s *stubSource) TileJSON() source.TileJSON {
	return source.TileJSON{Name: s.id, MinZoom: s.minZoom, MaxZoom: s.maxZoom}
}
func (s *stubSource) TileInfo() tile.TileInfo              { return s.info }
func (s *stubSource) Clone() source.Source                 { cp := *s; return &cp }
func (s *stubSource) Version() string                      { return "" }
func (s *stubSource) SupportsURLQuery() bool                { return false }
func (s *stubSource) BenefitsFromConcurrentScraping() bool  { return false }
func (s *stubSource) GetTile(ctx context.Context, coord tile.TileCoord, q source.UrlQuery) (tile.TileData, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return tile.TileData(s.data), nil
}

func u8(v uint8) *uint8 { return &v }

func newTestPipeline(t *testing.T, srcs ...*stubSource) (*Pipeline, *catalog.Catalog) {
	t.Helper()
	cat := catalog.New(idresolver.New(nil))
	for _, s := range srcs {
		_, err := cat.Add(s.id, s.id, func(id string) (source.Source, error) { return s, nil })
		require.NoError(t, err)
	}
	c, err := cache.New(cache.Config{MaxWeightBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return New(cat, c, tile.EncodingUncompressed), cat
}

func TestServeUnknownSource(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.Serve(context.Background(), Request{SourceIDs: []string{"missing"}, Coord: tile.TileCoord{Z: 0, X: 0, Y: 0}})
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestServeInvalidCoord(t *testing.T) {
	s := &stubSource{id: "s", info: tile.NewTileInfo(tile.FormatPNG, tile.EncodingUncompressed), data: []byte("x")}
	p, _ := newTestPipeline(t, s)
	_, err := p.Serve(context.Background(), Request{SourceIDs: []string{"s"}, Coord: tile.TileCoord{Z: 2, X: 9, Y: 0}})
	assert.ErrorIs(t, err, ErrInvalidCoord)
}

func TestServeZoomOutOfRange(t *testing.T) {
	s := &stubSource{id: "s", info: tile.NewTileInfo(tile.FormatPNG, tile.EncodingUncompressed), data: []byte("x"), minZoom: u8(5), maxZoom: u8(10)}
	p, _ := newTestPipeline(t, s)
	_, err := p.Serve(context.Background(), Request{SourceIDs: []string{"s"}, Coord: tile.TileCoord{Z: 2, X: 0, Y: 0}})
	assert.ErrorIs(t, err, ErrZoomOutOfRange)
}

func TestServeCachesSecondCallDoesNotRefetch(t *testing.T) {
	s := &stubSource{id: "s", info: tile.NewTileInfo(tile.FormatPNG, tile.EncodingUncompressed), data: []byte("hello")}
	p, _ := newTestPipeline(t, s)

	req := Request{SourceIDs: []string{"s"}, Coord: tile.TileCoord{Z: 0, X: 0, Y: 0}}
	r1, err := p.Serve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), []byte(r1.Tile.Data))

	r2, err := p.Serve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, r1.Tile.Etag, r2.Tile.Etag)
	assert.Equal(t, []byte("hello"), []byte(r2.Tile.Data))
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.calls), "second serve must hit the cache, not the backend")
}

func TestServeIfNoneMatchReturns304(t *testing.T) {
	s := &stubSource{id: "s", info: tile.NewTileInfo(tile.FormatPNG, tile.EncodingUncompressed), data: []byte("hello")}
	p, _ := newTestPipeline(t, s)

	first, err := p.Serve(context.Background(), Request{SourceIDs: []string{"s"}, Coord: tile.TileCoord{Z: 0, X: 0, Y: 0}})
	require.NoError(t, err)

	second, err := p.Serve(context.Background(), Request{
		SourceIDs:   []string{"s"},
		Coord:       tile.TileCoord{Z: 0, X: 0, Y: 0},
		IfNoneMatch: first.Tile.Etag,
	})
	require.NoError(t, err)
	assert.True(t, second.NotModified)
	assert.Equal(t, first.Tile.Etag, second.Tile.Etag)
}

// encodeLayer builds a minimal single-feature MVT payload with one layer.
func encodeLayer(t *testing.T, name string) []byte {
	t.Helper()
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{10, 10}))
	data, err := mvt.Marshal(mvt.Layers{mvt.NewLayer(name, fc)})
	require.NoError(t, err)
	return data
}

func TestServeCompositeConcatenatesLayers(t *testing.T) {
	info := tile.NewTileInfo(tile.FormatMVT, tile.EncodingUncompressed)
	a := &stubSource{id: "points1", info: info, data: encodeLayer(t, "points1")}
	b := &stubSource{id: "points2", info: info, data: encodeLayer(t, "points2")}
	p, _ := newTestPipeline(t, a, b)

	resp, err := p.Serve(context.Background(), Request{SourceIDs: []string{"points1", "points2"}, Coord: tile.TileCoord{Z: 0, X: 0, Y: 0}})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Tile.Data)
	assert.Equal(t, tile.EncodingUncompressed, resp.Tile.Info.Encoding)

	layers, err := mvt.Unmarshal([]byte(resp.Tile.Data))
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, "points1", layers[0].Name)
	assert.Equal(t, "points2", layers[1].Name)
}

func TestServeCompositeRejectsIncompatibleFormats(t *testing.T) {
	vec := &stubSource{id: "points", info: tile.NewTileInfo(tile.FormatMVT, tile.EncodingUncompressed), data: []byte("x")}
	raster := &stubSource{id: "raster", info: tile.NewTileInfo(tile.FormatPNG, tile.EncodingUncompressed), data: []byte("y")}
	p, _ := newTestPipeline(t, vec, raster)

	_, err := p.Serve(context.Background(), Request{SourceIDs: []string{"points", "raster"}, Coord: tile.TileCoord{Z: 0, X: 0, Y: 0}})
	assert.ErrorIs(t, err, ErrIncompatibleMix)
}
