package tile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileCoordValidate(t *testing.T) {
	cases := []struct {
		name    string
		coord   TileCoord
		wantErr bool
	}{
		{"root tile", TileCoord{Z: 0, X: 0, Y: 0}, false},
		{"valid deep zoom", TileCoord{Z: 10, X: 500, Y: 500}, false},
		{"x out of range", TileCoord{Z: 2, X: 4, Y: 0}, true},
		{"y out of range", TileCoord{Z: 2, X: 0, Y: 4}, true},
		{"zoom too high", TileCoord{Z: MaxZoom + 1, X: 0, Y: 0}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.coord.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTileCoordTMSRow(t *testing.T) {
	c := TileCoord{Z: 3, X: 1, Y: 2}
	tmsY := c.TMSRow()
	require.Equal(t, uint32(5), tmsY) // 2^3 - 1 - 2 = 5

	// round trip: converting back with the same formula recovers the XYZ row
	back := (uint32(1) << c.Z) - 1 - tmsY
	assert.Equal(t, c.Y, back)
}

func TestEtagForDataStable(t *testing.T) {
	data := []byte("hello tile")
	e1 := EtagForData(data)
	e2 := EtagForData(data)
	assert.Equal(t, e1, e2)
	assert.NotEmpty(t, e1)

	assert.Equal(t, "0", EtagForData(nil))
}

func TestFormatIsRaster(t *testing.T) {
	assert.True(t, FormatPNG.IsRaster())
	assert.True(t, FormatJPEG.IsRaster())
	assert.True(t, FormatWebP.IsRaster())
	assert.False(t, FormatMVT.IsRaster())
}

func TestNewTileInfoForcesRasterUncompressed(t *testing.T) {
	info := NewTileInfo(FormatPNG, EncodingGzip)
	assert.Equal(t, EncodingUncompressed, info.Encoding)

	info = NewTileInfo(FormatMVT, EncodingGzip)
	assert.Equal(t, EncodingGzip, info.Encoding)
}
