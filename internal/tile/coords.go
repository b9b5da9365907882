package tile

import (
	"github.com/paulmach/orb/maptile"
)

// Tile returns the maptile.Tile for this coordinate.
func (c TileCoord) Tile() maptile.Tile {
	return maptile.New(c.X, c.Y, maptile.Zoom(c.Z))
}

// Bounds returns the geographic bounding box for this tile in WGS84
// (EPSG:4326): [minLon, minLat, maxLon, maxLat].
func (c TileCoord) Bounds() [4]float64 {
	bound := c.Tile().Bound()
	return [4]float64{
		bound.Min.Lon(),
		bound.Min.Lat(),
		bound.Max.Lon(),
		bound.Max.Lat(),
	}
}
