package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/martin-go/internal/catalog"
	"github.com/MeKo-Tech/martin-go/internal/pipeline"
	"github.com/MeKo-Tech/martin-go/internal/source"
	"github.com/MeKo-Tech/martin-go/internal/tile"
	"github.com/go-chi/chi/v5"
)

type handlers struct {
	catalog  *catalog.Catalog
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

// health implements GET /health.
func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// catalogResponse is the GET /catalog body.
type catalogResponse struct {
	Tiles   map[string]source.CatalogSourceEntry `json:"tiles"`
	Sprites map[string]string                     `json:"sprites,omitempty"`
	Fonts   map[string]string                     `json:"fonts,omitempty"`
	Styles  map[string]string                     `json:"styles,omitempty"`
}

// catalogEntries implements GET /catalog.
func (h *handlers) catalogEntries(w http.ResponseWriter, r *http.Request) {
	resp := catalogResponse{Tiles: h.catalog.Entries()}
	writeJSON(w, http.StatusOK, resp)
}

// tileJSON implements GET /{id}.
func (h *handlers) tileJSON(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ids")
	s, ok := h.catalog.Get(id)
	if !ok {
		http.Error(w, "source not found", http.StatusNotFound)
		return
	}
	tj := s.TileJSON()
	tj.Tiles = []string{tileURLTemplate(r, id, s.Version())}
	writeJSON(w, http.StatusOK, tj)
}

// tileURLTemplate derives the absolute {z}/{x}/{y} URL template for a source
// from the incoming request's host, so the document works behind whatever
// host/port the client reached us on.
func tileURLTemplate(r *http.Request, id, version string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u := fmt.Sprintf("%s://%s/%s/{z}/{x}/{y}", scheme, r.Host, id)
	if version != "" {
		u += "?v=" + version
	}
	return u
}

// tile implements GET /{id1},{id2},.../{z}/{x}/{y}[.{ext}].
func (h *handlers) tile(w http.ResponseWriter, r *http.Request) {
	ids := strings.Split(chi.URLParam(r, "ids"), ",")

	z, x, y, err := parseZXY(chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
	if err != nil {
		http.Error(w, "invalid tile coordinate", http.StatusBadRequest)
		return
	}

	if ext := chi.URLParam(r, "ext"); ext != "" {
		if s, ok := h.catalog.Get(ids[0]); ok && !extMatchesFormat(ext, s.TileInfo().Format) {
			http.Error(w, fmt.Sprintf("source %q does not serve .%s tiles", ids[0], ext), http.StatusBadRequest)
			return
		}
	}

	req := pipeline.Request{
		SourceIDs:       ids,
		Coord:           tile.NewTileCoord(z, x, y),
		Query:           parseURLQuery(r.URL.Query()),
		AcceptEncodings: parseAcceptEncoding(r.Header.Get("Accept-Encoding")),
		IfNoneMatch:     strings.Trim(r.Header.Get("If-None-Match"), `"`),
	}

	resp, err := h.pipeline.Serve(r.Context(), req)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}

	if resp.NotModified {
		w.Header().Set("ETag", quoteEtag(resp.Tile.Etag))
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if resp.Tile.Etag != "" {
		w.Header().Set("ETag", quoteEtag(resp.Tile.Etag))
	}
	w.Header().Set("Content-Type", resp.Tile.Info.Format.ContentType())
	if enc := resp.Tile.Info.Encoding.ContentEncoding(); enc != "" {
		w.Header().Set("Content-Encoding", enc)
	}

	if len(resp.Tile.Data) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.Tile.Data); err != nil {
		h.log().Error("write tile response", "error", err)
	}
}

// writeError maps pipeline error kinds to status codes
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, pipeline.ErrSourceNotFound), errors.Is(err, pipeline.ErrZoomOutOfRange):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, pipeline.ErrInvalidCoord), errors.Is(err, pipeline.ErrIncompatibleMix):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Error("tile request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// extMatchesFormat accepts the canonical extension for a format plus its
// common aliases (.pbf for vector tiles, .jpg for JPEG).
func extMatchesFormat(ext string, f tile.Format) bool {
	switch ext {
	case "pbf", "mvt":
		return f == tile.FormatMVT
	case "jpg", "jpeg":
		return f == tile.FormatJPEG
	default:
		return f.String() == ext
	}
}

func parseZXY(zs, xs, ys string) (z uint8, x, y uint32, err error) {
	zi, err := strconv.ParseUint(zs, 10, 8)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid z: %w", err)
	}
	xi, err := strconv.ParseUint(xs, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid x: %w", err)
	}
	yi, err := strconv.ParseUint(ys, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid y: %w", err)
	}
	return uint8(zi), uint32(xi), uint32(yi), nil
}

func parseURLQuery(values map[string][]string) source.UrlQuery {
	if len(values) == 0 {
		return nil
	}
	q := make(source.UrlQuery, len(values))
	for k, v := range values {
		if len(v) > 0 {
			q[k] = v[0]
		}
	}
	return q
}

// parseAcceptEncoding parses an Accept-Encoding header into an ordered list
// of tile.Encoding values, ignoring q-values and unknown tokens.
func parseAcceptEncoding(header string) []tile.Encoding {
	if header == "" {
		return nil
	}
	var out []tile.Encoding
	for _, part := range strings.Split(header, ",") {
		token := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch token {
		case "gzip":
			out = append(out, tile.EncodingGzip)
		case "br":
			out = append(out, tile.EncodingBrotli)
		case "zstd":
			out = append(out, tile.EncodingZstd)
		}
	}
	return out
}

func quoteEtag(etag string) string {
	if etag == "" {
		return ""
	}
	return `"` + etag + `"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encode json response", "error", err)
	}
}
