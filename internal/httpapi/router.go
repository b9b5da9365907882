// Package httpapi implements the composite tile server's HTTP surface: chi
// routing for the catalog, per-source TileJSON, tile, composite-tile, and
// health endpoints, plus CORS middleware. Handler shape: a config struct, an
// http.Handler-returning constructor (NewRouter), and a nil-safe h.log()
// helper. chi's pattern routing handles
// the composite `/{id1},{id2},.../{z}/{x}/{y}` route, which a hand-rolled
// single-path parser does not generalize to cleanly.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/MeKo-Tech/martin-go/internal/catalog"
	"github.com/MeKo-Tech/martin-go/internal/pipeline"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// CORSConfig configures the cors middleware.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
}

// Config configures the router.
type Config struct {
	Catalog  *catalog.Catalog
	Pipeline *pipeline.Pipeline
	CORS     CORSConfig
	Logger   *slog.Logger
}

// NewRouter builds the chi router implementing HTTP surface.
func NewRouter(cfg Config) http.Handler {
	h := &handlers{catalog: cfg.Catalog, pipeline: cfg.Pipeline, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.CORS))

	r.Get("/health", h.health)
	r.Get("/catalog", h.catalogEntries)
	r.Get("/{ids}", h.tileJSON)
	r.Get("/{ids}/{z}/{x}/{y}", h.tile)
	r.Get("/{ids}/{z}/{x}/{y}.{ext}", h.tile)

	return r
}

func corsMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "HEAD", "OPTIONS"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: methods,
		AllowedHeaders: []string{"*"},
	})
}

func (h *handlers) log() *slog.Logger {
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}
