// Package postgis implements PgSource: a tile source that
// executes a prepared SQL template — either a table-backed
// ST_AsMVT(ST_AsMVTGeom(...)) query built from introspected column metadata,
// or a call to a user-defined function with a f(z,x,y) or f(z,x,y,query_json)
// signature — against a pooled PostGIS connection, following the
// concrete ST_AsMVTGeom SQL shape used throughout PostGIS-backed tile
// servers.
package postgis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/martin-go/internal/source"
	"github.com/MeKo-Tech/martin-go/internal/tile"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TableConfig describes a table-backed vector source: tiles are produced by
// clipping and MVT-encoding geometry from one table, zoom-filtered and
// bounds-clipped to the requested tile envelope.
type TableConfig struct {
	Schema         string
	Table          string
	GeometryColumn string
	SRID           int
	Extent         int // MVT extent, default 4096
	Buffer         int // MVT buffer in extent units, default 64
	ClipGeom       bool
	Columns        []string          // feature property columns; filled by InspectTable when empty
	Fields         map[string]string // column -> TileJSON field type, filled by InspectTable
	MinZoom        *uint8
	MaxZoom        *uint8
}

// FunctionConfig describes a function-backed source: tiles are produced by
// calling a SQL function with either signature f(z,x,y) or
// f(z,x,y,query_json). HasQueryParams is set by InspectFunction's pg_proc
// lookup at startup, not by configuration.
type FunctionConfig struct {
	Schema         string
	Function       string
	HasQueryParams bool
	MinZoom        *uint8
	MaxZoom        *uint8
}

// Source executes a prepared SQL template against a pgx connection pool.
type Source struct {
	id       string
	pool     *pgxpool.Pool
	sql      string
	useQuery bool
	tilejson source.TileJSON
}

// OpenTable builds a PgSource from a table description, synthesizing the
// ST_AsMVT(ST_AsMVTGeom(...)) query from the table's schema, geometry
// column, and zoom/bounds clipping parameters.
func OpenTable(id string, pool *pgxpool.Pool, cfg TableConfig) (*Source, error) {
	extent := cfg.Extent
	if extent <= 0 {
		extent = 4096
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	srid := cfg.SRID
	if srid <= 0 {
		srid = 3857
	}

	// Only the configured property columns ride along with the clipped
	// geometry: the raw geometry column must not appear in the property row,
	// since ST_AsMVT rejects geometry-typed attributes.
	props := ""
	if len(cfg.Columns) > 0 {
		props = ", " + strings.Join(quoteIdents(cfg.Columns), ", ")
	}

	geom := pgx.Identifier{cfg.GeometryColumn}.Sanitize()
	table := pgx.Identifier{cfg.Schema, cfg.Table}.Sanitize()

	clip := "false"
	if cfg.ClipGeom {
		clip = "true"
	}

	sql := fmt.Sprintf(`
		WITH bounds AS (SELECT ST_TileEnvelope($1, $2, $3) AS geom),
		mvtgeom AS (
			SELECT ST_AsMVTGeom(ST_Transform(t.%s, 3857), bounds.geom, %d, %d, %s) AS geom%s
			FROM %s t, bounds
			WHERE ST_Intersects(t.%s, ST_Transform(bounds.geom, %d))
		)
		SELECT ST_AsMVT(mvtgeom.*, %s, %d, 'geom') FROM mvtgeom WHERE geom IS NOT NULL`,
		geom, extent, buffer, clip, props,
		table, geom, srid, quoteLiteral(id), extent)

	tj := source.NewTileJSON(id)
	tj.MinZoom = cfg.MinZoom
	tj.MaxZoom = cfg.MaxZoom
	tj.VectorLayers = []source.VectorLayer{{ID: id, Fields: cfg.Fields}}

	return &Source{id: id, pool: pool, sql: sql, useQuery: false, tilejson: tj}, nil
}

// OpenFunction builds a PgSource that calls a SQL function, constructing an
// escaped schema.function(...) call.
func OpenFunction(id string, pool *pgxpool.Pool, cfg FunctionConfig) (*Source, error) {
	fn := pgx.Identifier{cfg.Schema, cfg.Function}.Sanitize()

	var sql string
	if cfg.HasQueryParams {
		sql = fmt.Sprintf("SELECT %s($1, $2, $3, $4) AS tile", fn)
	} else {
		sql = fmt.Sprintf("SELECT %s($1, $2, $3) AS tile", fn)
	}

	tj := source.NewTileJSON(id)
	tj.MinZoom = cfg.MinZoom
	tj.MaxZoom = cfg.MaxZoom

	return &Source{id: id, pool: pool, sql: sql, useQuery: cfg.HasQueryParams, tilejson: tj}, nil
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgx.Identifier{n}.Sanitize()
	}
	return out
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (s *Source) ID() string                { return s.id }
func (s *Source) TileJSON() source.TileJSON { return s.tilejson }
func (s *Source) TileInfo() tile.TileInfo {
	return tile.NewTileInfo(tile.FormatMVT, tile.EncodingUncompressed)
}
func (s *Source) Clone() source.Source   { cp := *s; return &cp }
func (s *Source) Version() string        { return "" }
func (s *Source) SupportsURLQuery() bool { return s.useQuery }

// BenefitsFromConcurrentScraping reports true: PostGIS does not parallelize
// a single query internally, so more requests in flight is beneficial.
func (s *Source) BenefitsFromConcurrentScraping() bool { return true }

// GetTile implements source.Source: acquire a pooled connection, execute the
// prepared template, and scan the bytea result column. Missing tile (no
// rows, or a NULL tile column) is empty bytes, not an error.
func (s *Source) GetTile(ctx context.Context, coord tile.TileCoord, query source.UrlQuery) (tile.TileData, error) {
	var data []byte
	var err error

	if s.useQuery {
		payload, jsonErr := queryToJSON(query)
		if jsonErr != nil {
			return nil, fmt.Errorf("postgis: marshal url query for %q: %w", s.id, jsonErr)
		}
		err = s.pool.QueryRow(ctx, s.sql, coord.Z, coord.X, coord.Y, payload).Scan(&data)
	} else {
		err = s.pool.QueryRow(ctx, s.sql, coord.Z, coord.X, coord.Y).Scan(&data)
	}

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("postgis: query tile %s on %q: %w", coord, s.id, err)
	}
	return tile.TileData(data), nil
}

// queryToJSON marshals URL query parameters into a JSON object, parsing each
// value as JSON first and falling back to a plain string.
func queryToJSON(q source.UrlQuery) ([]byte, error) {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	obj := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		v := q[k]
		if json.Valid([]byte(v)) {
			obj[k] = json.RawMessage(v)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		obj[k] = b
	}
	return json.Marshal(obj)
}

// CheckVersion validates that the connected PostGIS meets the minimum
// supported version (>= 3.0.0; 3.1.0 unlocks ST_TileEnvelope's margin
// parameter, see SupportsTileEnvelopeMargin).
func CheckVersion(ctx context.Context, pool *pgxpool.Pool) (major, minor int, err error) {
	var version string
	if err := pool.QueryRow(ctx, "SELECT postgis_lib_version()").Scan(&version); err != nil {
		return 0, 0, fmt.Errorf("postgis: query postgis_lib_version: %w", err)
	}
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("postgis: unparsable version %q", version)
	}
	major, _ = strconv.Atoi(parts[0])
	minor, _ = strconv.Atoi(parts[1])
	if major < 3 {
		return major, minor, fmt.Errorf("postgis: version %s is below the minimum required 3.0.0", version)
	}
	return major, minor, nil
}

// SupportsTileEnvelopeMargin reports whether ST_TileEnvelope's margin
// parameter (added in PostGIS 3.1.0) is available.
func SupportsTileEnvelopeMargin(major, minor int) bool {
	return major > 3 || (major == 3 && minor >= 1)
}
