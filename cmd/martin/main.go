// Command martin-go serves vector and raster map tiles from PostGIS,
// MBTiles, PMTiles, Cloud-Optimized GeoTIFF, and GeoJSON backends behind a
// single composite HTTP tile API.
package main

import "github.com/MeKo-Tech/martin-go/internal/cmd"

func main() {
	cmd.Execute()
}
