package source

// TileJSON is the per-source metadata document served at GET /{id}, following
// the TileJSON spec (https://github.com/mapbox/tilejson-spec). No tilejson
// library fits this shape, so it's a hand-rolled, json-tagged struct rather
// than a wrapped dependency — see DESIGN.md.
type TileJSON struct {
	TileJSON     string        `json:"tilejson"`
	Name         string        `json:"name,omitempty"`
	Description  string        `json:"description,omitempty"`
	Version      string        `json:"version,omitempty"`
	Attribution  string        `json:"attribution,omitempty"`
	Scheme       string        `json:"scheme,omitempty"`
	Tiles        []string      `json:"tiles"`
	MinZoom      *uint8        `json:"minzoom,omitempty"`
	MaxZoom      *uint8        `json:"maxzoom,omitempty"`
	Bounds       []float64     `json:"bounds,omitempty"`
	Center       []float64     `json:"center,omitempty"`
	VectorLayers []VectorLayer `json:"vector_layers,omitempty"`
}

// VectorLayer describes one layer available in a vector tile source.
type VectorLayer struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	MinZoom     *uint8            `json:"minzoom,omitempty"`
	MaxZoom     *uint8            `json:"maxzoom,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// NewTileJSON builds a minimal, valid TileJSON document for name.
func NewTileJSON(name string) TileJSON {
	return TileJSON{TileJSON: "3.0.0", Name: name}
}
