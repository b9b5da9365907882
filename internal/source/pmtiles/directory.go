package pmtiles

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// Entry is one directory entry: a tile-id range mapped to a byte range,
// either of actual tile data (leaf directory) or of another directory page
// (root directory pointing at leaves).
type Entry struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// Directory is a parsed (root or leaf) directory page.
type Directory struct {
	Entries []Entry
}

// ApproxByteSize estimates the in-memory footprint of a parsed directory,
// used as the cache weigher for PmtCache.
func (d Directory) ApproxByteSize() int {
	return len(d.Entries) * 24 // tile id + offset + length + run length, packed
}

// FindTileID performs the binary-search lookup used by the directory walk.
// It finds the last entry whose TileID is <= id: a tile entry matches when id
// falls inside its [TileID, TileID+RunLength) run, and a leaf-pointer entry
// (RunLength == 0) matches any id at or past its TileID, since it covers the
// gap up to the next entry.
func (d Directory) FindTileID(id uint64) (Entry, bool) {
	lo, hi := 0, len(d.Entries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if id < d.Entries[mid].TileID {
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	if hi < 0 {
		return Entry{}, false
	}
	e := d.Entries[hi]
	if e.RunLength == 0 || id-e.TileID < uint64(e.RunLength) {
		return e, true
	}
	return Entry{}, false
}

// ParseDirectory decodes a directory page, transparently gzip-decompressing
// it first if it carries a gzip magic header (PMTiles directories are
// always internally compressed when InternalCompression != none).
func ParseDirectory(raw []byte) (Directory, error) {
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return Directory{}, fmt.Errorf("pmtiles: ungzip directory: %w", err)
		}
		defer r.Close()
		decoded, err := io.ReadAll(r)
		if err != nil {
			return Directory{}, fmt.Errorf("pmtiles: read directory: %w", err)
		}
		raw = decoded
	}

	numEntries, n := binary.Uvarint(raw)
	if n <= 0 {
		return Directory{}, fmt.Errorf("pmtiles: bad directory entry count")
	}
	buf := raw[n:]

	tileIDs := make([]uint64, numEntries)
	var lastID uint64
	for i := range tileIDs {
		delta, k := binary.Uvarint(buf)
		if k <= 0 {
			return Directory{}, fmt.Errorf("pmtiles: bad tile id delta at %d", i)
		}
		buf = buf[k:]
		lastID += delta
		tileIDs[i] = lastID
	}

	runLengths := make([]uint32, numEntries)
	for i := range runLengths {
		v, k := binary.Uvarint(buf)
		if k <= 0 {
			return Directory{}, fmt.Errorf("pmtiles: bad run length at %d", i)
		}
		buf = buf[k:]
		runLengths[i] = uint32(v)
	}

	lengths := make([]uint32, numEntries)
	for i := range lengths {
		v, k := binary.Uvarint(buf)
		if k <= 0 {
			return Directory{}, fmt.Errorf("pmtiles: bad length at %d", i)
		}
		buf = buf[k:]
		lengths[i] = uint32(v)
	}

	offsets := make([]uint64, numEntries)
	var lastOffset uint64
	for i := range offsets {
		v, k := binary.Uvarint(buf)
		if k <= 0 {
			return Directory{}, fmt.Errorf("pmtiles: bad offset at %d", i)
		}
		buf = buf[k:]
		if v == 0 && i > 0 {
			offsets[i] = lastOffset + uint64(lengths[i-1])
		} else {
			offsets[i] = v - 1
		}
		lastOffset = offsets[i]
	}

	entries := make([]Entry, numEntries)
	for i := range entries {
		entries[i] = Entry{TileID: tileIDs[i], Offset: offsets[i], Length: lengths[i], RunLength: runLengths[i]}
	}
	return Directory{Entries: entries}, nil
}

// ZxyToID encodes a (z,x,y) tile coordinate into the Hilbert-curve tile id
// used by PMTiles to order tiles for locality of reference.
func ZxyToID(z uint8, x, y uint32) uint64 {
	// number of tiles in zooms [0, z) is (4^z - 1) / 3
	base := (pow4(z) - 1) / 3
	hilbert := xyToHilbert(z, x, y)
	return base + hilbert
}

func pow4(z uint8) uint64 {
	return uint64(1) << (2 * z)
}

// xyToHilbert maps (x,y) at zoom z onto its index along the Hilbert curve.
func xyToHilbert(z uint8, x, y uint32) uint64 {
	n := uint32(1) << z
	var rx, ry uint32
	var d uint64
	ix, iy := x, y
	for s := n / 2; s > 0; s /= 2 {
		if ix&s > 0 {
			rx = 1
		} else {
			rx = 0
		}
		if iy&s > 0 {
			ry = 1
		} else {
			ry = 0
		}
		d += uint64(s) * uint64(s) * uint64((3*rx)^ry)
		// rotate
		if ry == 0 {
			if rx == 1 {
				ix = s - 1 - ix
				iy = s - 1 - iy
			}
			ix, iy = iy, ix
		}
	}
	return d
}
