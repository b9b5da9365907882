package pmtiles

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildHeader(t *testing.T, internalCompress, tileCompress, tileType, minZoom, maxZoom byte) []byte {
	t.Helper()
	buf := make([]byte, headerV3Size)
	copy(buf, headerMagic)
	buf[7] = 3 // version
	binary.LittleEndian.PutUint64(buf[8:16], 100)  // root dir offset
	binary.LittleEndian.PutUint64(buf[16:24], 50)  // root dir length
	buf[96] = 1 // clustered
	buf[97] = internalCompress
	buf[98] = tileCompress
	buf[99] = tileType
	buf[100] = minZoom
	buf[101] = maxZoom
	return buf
}

func TestParseHeaderFieldsAndOffsets(t *testing.T) {
	raw := buildHeader(t, compressGzip, compressNone, tileTypeMVT, 0, 14)
	h, err := ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), h.RootDirOffset)
	assert.Equal(t, uint64(50), h.RootDirLength)
	assert.True(t, h.Clustered)
	assert.Equal(t, byte(compressGzip), h.InternalCompression)
	assert.Equal(t, byte(compressNone), h.TileCompression)
	assert.Equal(t, byte(tileTypeMVT), h.TileType)
	assert.Equal(t, byte(0), h.MinZoom)
	assert.Equal(t, byte(14), h.MaxZoom)
}

func TestParseHeaderRejectsShortInput(t *testing.T) {
	_, err := ParseHeader(make([]byte, 10))
	assert.Error(t, err)
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	raw := buildHeader(t, compressNone, compressNone, tileTypeMVT, 0, 0)
	copy(raw, "NOTPMTIL")
	_, err := ParseHeader(raw)
	assert.Error(t, err)
}

func TestHeaderContentEncodingAndFormat(t *testing.T) {
	h, err := ParseHeader(buildHeader(t, compressGzip, compressZstd, tileTypePNG, 0, 5))
	require.NoError(t, err)

	enc, ok := h.contentEncoding()
	assert.True(t, ok)
	format, err := h.format()
	require.NoError(t, err)
	_ = enc
	_ = format
}

func TestZxyToIDIsStableAndOrdered(t *testing.T) {
	root := ZxyToID(0, 0, 0)
	assert.Equal(t, uint64(0), root)

	// All z=1 ids must be greater than the single z=0 id and distinct from
	// each other.
	seen := map[uint64]bool{}
	for x := uint32(0); x < 2; x++ {
		for y := uint32(0); y < 2; y++ {
			id := ZxyToID(1, x, y)
			assert.Greater(t, id, root)
			assert.False(t, seen[id], "duplicate hilbert id for z=1")
			seen[id] = true
		}
	}
}

func buildDirectoryBytes(entries []Entry) []byte {
	var buf bytes.Buffer
	putUvarint := func(v uint64) {
		tmp := make([]byte, binary.MaxVarintLen64)
		n := binary.PutUvarint(tmp, v)
		buf.Write(tmp[:n])
	}

	putUvarint(uint64(len(entries)))
	var lastID uint64
	for _, e := range entries {
		putUvarint(e.TileID - lastID)
		lastID = e.TileID
	}
	for _, e := range entries {
		putUvarint(uint64(e.RunLength))
	}
	for _, e := range entries {
		putUvarint(uint64(e.Length))
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			putUvarint(0)
		} else {
			putUvarint(e.Offset + 1)
		}
	}
	return buf.Bytes()
}

func TestParseDirectoryRoundTrip(t *testing.T) {
	entries := []Entry{
		{TileID: 0, Offset: 0, Length: 100, RunLength: 1},
		{TileID: 1, Offset: 100, Length: 200, RunLength: 1},
		{TileID: 5, Offset: 9000, Length: 50, RunLength: 2},
	}
	raw := buildDirectoryBytes(entries)

	dir, err := ParseDirectory(raw)
	require.NoError(t, err)
	require.Len(t, dir.Entries, 3)
	assert.Equal(t, entries[0], dir.Entries[0])
	assert.Equal(t, entries[1], dir.Entries[1])
	assert.Equal(t, entries[2], dir.Entries[2])

	e, found := dir.FindTileID(6)
	assert.True(t, found)
	assert.Equal(t, uint64(5), e.TileID)

	_, found = dir.FindTileID(2)
	assert.False(t, found)
}

func TestFindTileIDLeafPointerCoversGap(t *testing.T) {
	// A RunLength of zero marks a leaf-directory pointer, which covers every
	// id from its TileID up to the next entry.
	dir := Directory{Entries: []Entry{
		{TileID: 0, Offset: 0, Length: 100, RunLength: 1},
		{TileID: 10, Offset: 500, Length: 64, RunLength: 0},
	}}

	e, found := dir.FindTileID(250)
	assert.True(t, found)
	assert.Equal(t, uint64(10), e.TileID)
	assert.Equal(t, uint32(0), e.RunLength)

	_, found = dir.FindTileID(5)
	assert.False(t, found)
}

func TestParseDirectoryUngzips(t *testing.T) {
	entries := []Entry{{TileID: 0, Offset: 0, Length: 10, RunLength: 1}}
	raw := buildDirectoryBytes(entries)

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	_, err := w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	dir, err := ParseDirectory(gz.Bytes())
	require.NoError(t, err)
	require.Len(t, dir.Entries, 1)
	assert.Equal(t, entries[0], dir.Entries[0])
}
