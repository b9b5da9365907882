package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MeKo-Tech/martin-go/internal/cache"
	"github.com/MeKo-Tech/martin-go/internal/catalog"
	"github.com/MeKo-Tech/martin-go/internal/idresolver"
	"github.com/MeKo-Tech/martin-go/internal/pipeline"
	"github.com/MeKo-Tech/martin-go/internal/source"
	"github.com/MeKo-Tech/martin-go/internal/tile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSource is a minimal in-memory source.Source for router tests.
type stubSource struct {
	id   string
	data []byte
}

func (s *stubSource) ID() string { return s.id }
func (s *stubSource) TileJSON() source.TileJSON {
	tj := source.NewTileJSON(s.id)
	tj.VectorLayers = []source.VectorLayer{{ID: s.id}}
	return tj
}
func (s *stubSource) TileInfo() tile.TileInfo { return tile.NewTileInfo(tile.FormatMVT, tile.EncodingUncompressed) }
func (s *stubSource) Clone() source.Source    { return s }
func (s *stubSource) Version() string         { return "" }
func (s *stubSource) SupportsURLQuery() bool  { return false }
func (s *stubSource) BenefitsFromConcurrentScraping() bool { return false }
func (s *stubSource) GetTile(_ context.Context, _ tile.TileCoord, _ source.UrlQuery) (tile.TileData, error) {
	return tile.TileData(s.data), nil
}

func newTestRouter(t *testing.T) (http.Handler, *catalog.Catalog) {
	t.Helper()
	resolver := idresolver.New(nil)
	cat := catalog.New(resolver)
	_, err := cat.Add("points", "points-key", func(id string) (source.Source, error) {
		return &stubSource{id: id, data: []byte("mvt-bytes")}, nil
	})
	require.NoError(t, err)

	c, err := cache.New(cache.Config{MaxWeightBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	p := pipeline.New(cat, c, tile.EncodingUncompressed)
	return NewRouter(Config{Catalog: cat, Pipeline: p}), cat
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestCatalogEntries(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/catalog", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Tiles, "points")
}

func TestTileJSON(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/points", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var tj source.TileJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tj))
	assert.Len(t, tj.VectorLayers, 1)
	require.Len(t, tj.Tiles, 1)
	assert.Equal(t, "http://example.com/points/{z}/{x}/{y}", tj.Tiles[0])
}

func TestTileJSON_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTile_Success(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/points/2/3/1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mvt-bytes", rec.Body.String())
	assert.Equal(t, "application/x-protobuf", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("ETag"))
}

func TestTile_WithExtension(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/points/2/3/1.mvt", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTile_SourceNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/missing/2/3/1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTile_InvalidCoordinate(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/points/abc/3/1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTile_IfNoneMatchReturns304(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/points/2/3/1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req2 := httptest.NewRequest(http.MethodGet, "/points/2/3/1", nil)
	req2.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusNotModified, rec2.Code)
	assert.Equal(t, etag, rec2.Header().Get("ETag"))
}
