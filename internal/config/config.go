// Package config materializes a YAML configuration document into a live
// catalog.Catalog and cache.Cache. Source opening is parallelized with
// internal/worker: each configured entry moves Unconfigured -> Resolving ->
// Ready, or back to Unconfigured on a fatal per-source error that is logged
// but not fatal to the process as a whole.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/MeKo-Tech/martin-go/internal/cache"
	"github.com/MeKo-Tech/martin-go/internal/catalog"
	"github.com/MeKo-Tech/martin-go/internal/idresolver"
	"github.com/MeKo-Tech/martin-go/internal/source"
	"github.com/MeKo-Tech/martin-go/internal/source/cog"
	"github.com/MeKo-Tech/martin-go/internal/source/geojson"
	"github.com/MeKo-Tech/martin-go/internal/source/mbtiles"
	"github.com/MeKo-Tech/martin-go/internal/source/pmtiles"
	"github.com/MeKo-Tech/martin-go/internal/source/postgis"
	"github.com/MeKo-Tech/martin-go/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gopkg.in/yaml.v3"
)

// File is the top-level YAML document, section list.
type File struct {
	ListenAddresses   string            `yaml:"listen_addresses"`
	KeepAlive         int               `yaml:"keep_alive"` // seconds, default 75
	WorkerProcesses   int               `yaml:"worker_processes"`
	PreferredEncoding string            `yaml:"preferred_encoding"` // default "brotli" for MVT
	CORS              CORSConfig        `yaml:"cors"`
	Postgres          []PostgresConfig  `yaml:"postgres"`
	PMTiles           map[string]string `yaml:"pmtiles"` // id -> local path or object-store URL
	MBTiles           map[string]string `yaml:"mbtiles"` // id -> file path
	COG               map[string]string `yaml:"cog"`     // id -> file path
	GeoJSON           map[string]string `yaml:"geojson"` // id -> file path
	Sprites           string            `yaml:"sprites"` // directory, companion feature
	Fonts             string            `yaml:"fonts"`
	Styles            string            `yaml:"styles"`
	Cache             CacheConfig       `yaml:"cache"`
}

// CORSConfig configures go-chi/cors middleware.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
}

// CacheConfig configures the shared tile/directory cache.
type CacheConfig struct {
	SizeMB int `yaml:"size_mb"`
	TTL    int `yaml:"ttl_seconds"`
}

// PostgresConfig describes one PostGIS connection plus the tables and
// functions to expose as sources from it.
type PostgresConfig struct {
	ConnectionString string                      `yaml:"connection_string"`
	PoolSize         int                         `yaml:"pool_size"` // default 20
	Tables           map[string]PgTableConfig    `yaml:"tables"`
	Functions        map[string]PgFunctionConfig `yaml:"functions"`
}

// PgTableConfig mirrors postgis.TableConfig with YAML tags.
type PgTableConfig struct {
	Schema         string   `yaml:"schema"`
	Table          string   `yaml:"table"`
	GeometryColumn string   `yaml:"geometry_column"`
	SRID           int      `yaml:"srid"`
	Extent         int      `yaml:"extent"`
	Buffer         int      `yaml:"buffer"`
	ClipGeom       bool     `yaml:"clip_geom"`
	Columns        []string `yaml:"columns"`
	MinZoom        *uint8   `yaml:"minzoom"`
	MaxZoom        *uint8   `yaml:"maxzoom"`
}

// PgFunctionConfig mirrors postgis.FunctionConfig with YAML tags. The
// function's signature is not configured: it is introspected from pg_proc
// when the source is opened.
type PgFunctionConfig struct {
	Schema   string `yaml:"schema"`
	Function string `yaml:"function"`
	MinZoom  *uint8 `yaml:"minzoom"`
	MaxZoom  *uint8 `yaml:"maxzoom"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// Load reads, env-substitutes, and parses a YAML config file from path.
// Substitution happens before YAML parsing so a $VAR can stand anywhere a
// plain scalar would.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(raw), func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})

	var f File
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if f.KeepAlive <= 0 {
		f.KeepAlive = 75
	}
	if f.PreferredEncoding == "" {
		f.PreferredEncoding = "brotli"
	}
	return &f, nil
}

// Resolved is the live registry built from a File.
type Resolved struct {
	Catalog *catalog.Catalog
	Cache   *cache.Cache
	Pools   []*pgxpool.Pool // kept to close on shutdown
}

// Resolve opens every configured source concurrently via internal/worker and
// registers the ones that succeed into a Catalog. A source that fails to
// open is omitted from the catalog with a logged warning; Resolve does not
// fail even when no source opens, and then returns an empty catalog.
func Resolve(ctx context.Context, f *File, log *slog.Logger, showProgress bool) (*Resolved, error) {
	if log == nil {
		log = slog.Default()
	}

	c, err := cache.New(cache.Config{
		MaxWeightBytes: int64(f.Cache.SizeMB) << 20,
		TTL:            time.Duration(f.Cache.TTL) * time.Second,
		Name:           "tiles",
	})
	if err != nil {
		return nil, fmt.Errorf("config: build cache: %w", err)
	}

	resolver := idresolver.New(log)
	cat := catalog.New(resolver)

	var pools []*pgxpool.Pool
	specs, poolsOpened, err := buildSpecs(ctx, f, resolver, c, log)
	pools = append(pools, poolsOpened...)
	if err != nil {
		return nil, err
	}

	workers := f.WorkerProcesses
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	progress := worker.NewProgressUnit(len(specs), showProgress, "sources")

	pool := worker.New(worker.Config{
		Workers: workers,
		Opener:  worker.OpenerFunc(openSpec),
		OnProgress: func(completed, total, failed int) {
			log.Debug("resolving sources", "completed", completed, "total", total, "failed", failed)
			progress.Callback()(completed, total, failed)
		},
	})

	results := pool.Run(ctx, specs)
	progress.Done()
	for _, r := range results {
		if r.Err != nil {
			log.Warn("source failed to open, omitted from catalog",
				"id", r.Task.Spec.Name, "kind", r.Task.Spec.Kind, "error", r.Err)
			continue
		}
		s, ok := r.Handle.(source.Source)
		if !ok {
			log.Warn("source opener returned an unexpected handle type", "id", r.Task.Spec.Name)
			continue
		}
		if _, err := cat.Add(r.Task.Spec.Name, r.Task.Spec.Key, func(string) (source.Source, error) {
			return s, nil
		}); err != nil {
			log.Warn("failed to register source", "id", r.Task.Spec.Name, "error", err)
		}
	}

	return &Resolved{Catalog: cat, Cache: c, Pools: pools}, nil
}

// postgisTableTask/postgisFunctionTask carry the pool alongside the config so
// openSpec doesn't need a second lookup.
type postgisTableTask struct {
	pool *pgxpool.Pool
	cfg  postgis.TableConfig
}

type postgisFunctionTask struct {
	pool *pgxpool.Pool
	cfg  postgis.FunctionConfig
}

// pmtilesTask carries the shared directory cache alongside the archive
// location so openSpec can wire pmtiles.Open's shared *cache.Cache argument.
type pmtilesTask struct {
	location string
	cache    *cache.Cache
}

// buildSpecs resolves every configured entry's final catalog id up front
// (cheap, synchronous) and opens PostGIS pools (also synchronous: pgxpool.New
// does not block on a connection), producing worker.Spec values whose Name is
// already the collision-free id.
func buildSpecs(ctx context.Context, f *File, resolver *idresolver.Resolver, sharedCache *cache.Cache, log *slog.Logger) ([]worker.Task, []*pgxpool.Pool, error) {
	var tasks []worker.Task
	var pools []*pgxpool.Pool

	for name, path := range f.MBTiles {
		id := resolver.Resolve(name, "mbtiles:"+path)
		tasks = append(tasks, worker.Task{Spec: worker.Spec{Kind: "mbtiles", Name: id, Key: "mbtiles:" + path, Config: path}})
	}
	for name, path := range f.COG {
		id := resolver.Resolve(name, "cog:"+path)
		tasks = append(tasks, worker.Task{Spec: worker.Spec{Kind: "cog", Name: id, Key: "cog:" + path, Config: path}})
	}
	for name, path := range f.GeoJSON {
		id := resolver.Resolve(name, "geojson:"+path)
		tasks = append(tasks, worker.Task{Spec: worker.Spec{Kind: "geojson", Name: id, Key: "geojson:" + path, Config: path}})
	}
	for name, loc := range f.PMTiles {
		id := resolver.Resolve(name, "pmtiles:"+loc)
		tasks = append(tasks, worker.Task{Spec: worker.Spec{
			Kind: "pmtiles", Name: id, Key: "pmtiles:" + loc,
			Config: pmtilesTask{location: loc, cache: sharedCache},
		}})
	}

	for _, pg := range f.Postgres {
		poolCfg, err := pgxpool.ParseConfig(pg.ConnectionString)
		if err != nil {
			return nil, pools, fmt.Errorf("config: parse postgres connection string: %w", err)
		}
		if pg.PoolSize > 0 {
			poolCfg.MaxConns = int32(pg.PoolSize)
		} else {
			poolCfg.MaxConns = 20
		}
		dbPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, pools, fmt.Errorf("config: open postgres pool: %w", err)
		}
		pools = append(pools, dbPool)

		// Startup introspection: a PostGIS version below 3.0.0 is a
		// backend-fatal condition for this pool's sources (logged, not
		// fatal to the process) rather than surfaced per-tile.
		if _, _, verr := postgis.CheckVersion(ctx, dbPool); verr != nil {
			log.Warn("postgis pool failed version check, its sources are omitted", "error", verr)
			continue
		}

		for name, t := range pg.Tables {
			key := fmt.Sprintf("pg-table:%s:%s.%s", pg.ConnectionString, t.Schema, t.Table)
			id := resolver.Resolve(name, key)
			cfg := postgis.TableConfig{
				Schema: t.Schema, Table: t.Table, GeometryColumn: t.GeometryColumn,
				SRID: t.SRID, Extent: t.Extent, Buffer: t.Buffer, ClipGeom: t.ClipGeom,
				Columns: t.Columns, MinZoom: t.MinZoom, MaxZoom: t.MaxZoom,
			}
			tasks = append(tasks, worker.Task{Spec: worker.Spec{
				Kind: "postgis-table", Name: id, Key: key,
				Config: postgisTableTask{pool: dbPool, cfg: cfg},
			}})
		}
		for name, fn := range pg.Functions {
			key := fmt.Sprintf("pg-fn:%s:%s.%s", pg.ConnectionString, fn.Schema, fn.Function)
			id := resolver.Resolve(name, key)
			cfg := postgis.FunctionConfig{
				Schema: fn.Schema, Function: fn.Function,
				MinZoom: fn.MinZoom, MaxZoom: fn.MaxZoom,
			}
			tasks = append(tasks, worker.Task{Spec: worker.Spec{
				Kind: "postgis-function", Name: id, Key: key,
				Config: postgisFunctionTask{pool: dbPool, cfg: cfg},
			}})
		}
	}

	return tasks, pools, nil
}

// openSpec dispatches one worker.Spec to the backend-specific Open function,
// implementing the worker.Opener contract.
func openSpec(ctx context.Context, spec worker.Spec) (any, error) {
	switch spec.Kind {
	case "mbtiles":
		return mbtiles.Open(spec.Name, spec.Config.(string))
	case "cog":
		return cog.Open(spec.Name, spec.Config.(string))
	case "geojson":
		return geojson.Open(spec.Name, spec.Config.(string))
	case "pmtiles":
		return openPmtiles(ctx, spec)
	case "postgis-table":
		t := spec.Config.(postgisTableTask)
		cfg, err := postgis.InspectTable(ctx, t.pool, t.cfg)
		if err != nil {
			return nil, err
		}
		return postgis.OpenTable(spec.Name, t.pool, cfg)
	case "postgis-function":
		t := spec.Config.(postgisFunctionTask)
		hasQuery, err := postgis.InspectFunction(ctx, t.pool, t.cfg.Schema, t.cfg.Function)
		if err != nil {
			return nil, err
		}
		t.cfg.HasQueryParams = hasQuery
		return postgis.OpenFunction(spec.Name, t.pool, t.cfg)
	default:
		return nil, fmt.Errorf("config: unknown source kind %q", spec.Kind)
	}
}

// openPmtiles opens a local-file or object-store bucket for a PMTiles
// location. A bare path is treated as a local file opened via fileblob.
func openPmtiles(ctx context.Context, spec worker.Spec) (any, error) {
	t := spec.Config.(pmtilesTask)
	dir, key, err := splitBucketLocation(t.location)
	if err != nil {
		return nil, err
	}
	bucket, err := blob.OpenBucket(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("pmtiles: open bucket %q: %w", dir, err)
	}
	return pmtiles.Open(ctx, spec.Name, bucket, key, t.cache)
}

// splitBucketLocation splits a PMTiles location into a gocloud.dev/blob
// bucket URL and the key within it. A bare filesystem path (no scheme) opens
// a fileblob bucket rooted at its directory; a scheme URL (s3://bucket/key,
// gs://bucket/key) splits at the bucket name, matching each provider's
// gocloud.dev bucket-opening convention.
func splitBucketLocation(loc string) (bucketURL, key string, err error) {
	scheme, rest, ok := strings.Cut(loc, "://")
	if !ok {
		dir := dirOf(loc)
		if dir == "" {
			dir = "."
		}
		return "file://" + dir, baseOf(loc), nil
	}

	bucketName, key, ok := strings.Cut(rest, "/")
	if !ok {
		return "", "", fmt.Errorf("pmtiles: %q has no key after the bucket name", loc)
	}
	return scheme + "://" + bucketName, key, nil
}

func dirOf(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

func baseOf(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
