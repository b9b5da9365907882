// Package mbtiles implements MbtSource: a tile source that reads from an
// MBTiles SQLite file (read-only open, XYZ->TMS conversion, metadata
// parsing). Tile bytes are returned as stored; MVT tiles are labeled gzip.
package mbtiles

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/martin-go/internal/source"
	"github.com/MeKo-Tech/martin-go/internal/tile"
	_ "modernc.org/sqlite"
)

// SchemaType identifies the MBTiles table layout detected at open time.
type SchemaType int

const (
	SchemaFlat SchemaType = iota
	SchemaFlatWithHash
	SchemaNormalized
	SchemaUnknown
)

// Source reads tiles from an MBTiles file opened read-only.
type Source struct {
	id       string
	db       *sql.DB
	path     string
	tilejson source.TileJSON
	info     tile.TileInfo
	schema   SchemaType
}

// Open opens path as an MBTiles source and detects its schema and tile
// format from the metadata table (rather than assuming PNG).
func Open(id, path string) (*Source, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("mbtiles: open %s: %w", path, err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table','view') AND name='tiles'").Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("mbtiles: verify schema of %s: %w", path, err)
	}
	if count == 0 {
		db.Close()
		return nil, fmt.Errorf("mbtiles: %s has no tiles table", path)
	}

	var tileCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM tiles").Scan(&tileCount); err != nil {
		db.Close()
		return nil, fmt.Errorf("mbtiles: count tiles in %s: %w", path, err)
	}
	if tileCount == 0 {
		db.Close()
		return nil, fmt.Errorf("mbtiles: %s contains no tiles", path)
	}

	meta, err := readMetadata(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mbtiles: read metadata of %s: %w", path, err)
	}

	info := detectFormat(meta["format"])
	tj := metadataToTileJSON(id, meta)
	schema := detectSchema(db)

	return &Source{id: id, db: db, path: path, tilejson: tj, info: info, schema: schema}, nil
}

func (s *Source) ID() string                { return s.id }
func (s *Source) TileJSON() source.TileJSON { return s.tilejson }
func (s *Source) TileInfo() tile.TileInfo   { return s.info }
func (s *Source) Clone() source.Source {
	cp := *s
	return &cp
}
func (s *Source) Version() string               { return s.tilejson.Version }
func (s *Source) SupportsURLQuery() bool         { return false }
func (s *Source) BenefitsFromConcurrentScraping() bool { return false } // local file, no benefit

// GetTile implements source.Source. Converts the XYZ coordinate to the
// MBTiles TMS row: tile_row = 2^z-1-y.
func (s *Source) GetTile(ctx context.Context, coord tile.TileCoord, _ source.UrlQuery) (tile.TileData, error) {
	data, _, err := s.queryTile(ctx, coord)
	return data, err
}

// GetTileWithEtag implements source.EtagSource, preferring a stored hash
// column (FlatWithHash/Normalized schemas) over hashing the payload.
func (s *Source) GetTileWithEtag(ctx context.Context, coord tile.TileCoord, _ source.UrlQuery) (tile.Tile, error) {
	data, hash, err := s.queryTileWithHash(ctx, coord)
	if err != nil {
		return tile.Tile{}, err
	}
	if hash != "" {
		return tile.NewTile(data, s.info, hash), nil
	}
	return tile.NewHashTile(data, s.info), nil
}

func (s *Source) queryTile(ctx context.Context, coord tile.TileCoord) (tile.TileData, string, error) {
	tmsY := coord.TMSRow()
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
		coord.Z, coord.X, tmsY,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, "", nil // empty tile is not an error
	}
	if err != nil {
		return nil, "", fmt.Errorf("mbtiles: query tile %s: %w", coord, err)
	}
	return tile.TileData(data), "", nil
}

// queryTileWithHash reads a stored hash when the detected schema carries
// one; it always falls back to the plain tiles table otherwise.
func (s *Source) queryTileWithHash(ctx context.Context, coord tile.TileCoord) (tile.TileData, string, error) {
	switch s.schema {
	case SchemaFlatWithHash:
		tmsY := coord.TMSRow()
		var data []byte
		var hash sql.NullString
		err := s.db.QueryRowContext(ctx,
			"SELECT tile_data, tile_hash FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
			coord.Z, coord.X, tmsY,
		).Scan(&data, &hash)
		if err == sql.ErrNoRows {
			return nil, "", nil
		}
		if err != nil {
			return nil, "", fmt.Errorf("mbtiles: query tile+hash %s: %w", coord, err)
		}
		return tile.TileData(data), hash.String, nil
	case SchemaNormalized:
		tmsY := coord.TMSRow()
		var data []byte
		var hash sql.NullString
		err := s.db.QueryRowContext(ctx, `
			SELECT images.tile_data, images.tile_id
			FROM map JOIN images ON map.tile_id = images.tile_id
			WHERE map.zoom_level=? AND map.tile_column=? AND map.tile_row=?`,
			coord.Z, coord.X, tmsY,
		).Scan(&data, &hash)
		if err == sql.ErrNoRows {
			return nil, "", nil
		}
		if err != nil {
			return nil, "", fmt.Errorf("mbtiles: query normalized tile %s: %w", coord, err)
		}
		return tile.TileData(data), hash.String, nil
	default:
		return s.queryTile(ctx, coord)
	}
}

// Close closes the underlying database handle.
func (s *Source) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("mbtiles: close %s: %w", s.path, err)
	}
	return nil
}

func detectSchema(db *sql.DB) SchemaType {
	has := func(name string) bool {
		var n int
		_ = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table','view') AND name=?", name).Scan(&n)
		return n > 0
	}
	switch {
	case has("map") && has("images"):
		return SchemaNormalized
	case hasColumn(db, "tiles", "tile_hash"):
		return SchemaFlatWithHash
	case has("tiles"):
		return SchemaFlat
	default:
		return SchemaUnknown
	}
}

func hasColumn(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

func detectFormat(format string) tile.TileInfo {
	switch strings.ToLower(format) {
	case "pbf", "mvt":
		return tile.NewTileInfo(tile.FormatMVT, tile.EncodingGzip)
	case "jpg", "jpeg":
		return tile.NewTileInfo(tile.FormatJPEG, tile.EncodingUncompressed)
	case "webp":
		return tile.NewTileInfo(tile.FormatWebP, tile.EncodingUncompressed)
	default:
		return tile.NewTileInfo(tile.FormatPNG, tile.EncodingUncompressed)
	}
}

func readMetadata(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		meta[name] = value
	}
	return meta, rows.Err()
}

func metadataToTileJSON(id string, meta map[string]string) source.TileJSON {
	tj := source.NewTileJSON(meta["name"])
	if tj.Name == "" {
		tj.Name = id
	}
	tj.Description = meta["description"]
	tj.Attribution = meta["attribution"]
	tj.Version = meta["version"]

	if v, ok := meta["minzoom"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			z := uint8(n)
			tj.MinZoom = &z
		}
	}
	if v, ok := meta["maxzoom"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			z := uint8(n)
			tj.MaxZoom = &z
		}
	}
	if v, ok := meta["bounds"]; ok {
		parts := strings.Split(v, ",")
		if len(parts) == 4 {
			bounds := make([]float64, 4)
			for i, p := range parts {
				f, _ := strconv.ParseFloat(strings.TrimSpace(p), 64)
				bounds[i] = f
			}
			tj.Bounds = bounds
		}
	}
	if v, ok := meta["json"]; ok {
		// The "json" metadata value embeds the vector tile layer manifest.
		var extra struct {
			VectorLayers []source.VectorLayer `json:"vector_layers"`
		}
		if err := json.Unmarshal([]byte(v), &extra); err == nil {
			tj.VectorLayers = extra.VectorLayers
		}
	}
	if v, ok := meta["center"]; ok {
		parts := strings.Split(v, ",")
		if len(parts) == 3 {
			center := make([]float64, 3)
			for i, p := range parts {
				f, _ := strconv.ParseFloat(strings.TrimSpace(p), 64)
				center[i] = f
			}
			tj.Center = center
		}
	}
	return tj
}
