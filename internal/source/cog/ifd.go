package cog

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ifd is one parsed Image File Directory: one level of the COG resolution
// pyramid, highest-resolution first.
type ifd struct {
	width, height         uint32
	tileWidth, tileLength uint32
	tileOffsets           []uint64
	tileByteCounts        []uint64
	bitsPerSample         []uint16
	samplesPerPixel       uint16
	compression           uint16
	photometric           uint16
	planarConfiguration   uint16
}

// tilesAcross/tilesDown report the tile grid dimensions of this level.
func (f *ifd) tilesAcross() uint32 { return (f.width + f.tileWidth - 1) / f.tileWidth }
func (f *ifd) tilesDown() uint32   { return (f.height + f.tileLength - 1) / f.tileLength }

// readIFDs walks the TIFF header and IFD chain, returning one ifd per
// pyramid level in resolution order (index 0 = highest resolution).
func readIFDs(r io.ReaderAt) ([]ifd, binary.ByteOrder, error) {
	var hdr [8]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, nil, fmt.Errorf("cog: read tiff header: %w", err)
	}

	var order binary.ByteOrder
	switch {
	case hdr[0] == 'I' && hdr[1] == 'I':
		order = binary.LittleEndian
	case hdr[0] == 'M' && hdr[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("cog: not a TIFF file (bad byte-order marker)")
	}
	if order.Uint16(hdr[2:4]) != 42 {
		return nil, nil, fmt.Errorf("cog: not a TIFF file (bad magic number)")
	}

	offset := uint64(order.Uint32(hdr[4:8]))
	var levels []ifd
	seen := map[uint64]bool{}
	for offset != 0 {
		if seen[offset] {
			return nil, nil, fmt.Errorf("cog: IFD chain cycle detected at offset %d", offset)
		}
		seen[offset] = true

		level, next, err := readOneIFD(r, order, offset)
		if err != nil {
			return nil, nil, err
		}
		if level.tileWidth > 0 && level.tileLength > 0 {
			levels = append(levels, level)
		}
		// A striped (non-tiled) IFD simply does not contribute a pyramid
		// level; only fully tiled files are served.
		offset = next
	}
	if len(levels) == 0 {
		return nil, nil, fmt.Errorf("cog: no tiled IFDs found (striped TIFFs are not supported)")
	}
	return levels, order, nil
}

func readOneIFD(r io.ReaderAt, order binary.ByteOrder, offset uint64) (ifd, uint64, error) {
	var countBuf [2]byte
	if _, err := r.ReadAt(countBuf[:], int64(offset)); err != nil {
		return ifd{}, 0, fmt.Errorf("cog: read IFD entry count at %d: %w", offset, err)
	}
	count := order.Uint16(countBuf[:])

	const entrySize = 12
	entries := make([]byte, int(count)*entrySize)
	if _, err := r.ReadAt(entries, int64(offset)+2); err != nil {
		return ifd{}, 0, fmt.Errorf("cog: read IFD entries at %d: %w", offset, err)
	}

	var nextBuf [4]byte
	if _, err := r.ReadAt(nextBuf[:], int64(offset)+2+int64(len(entries))); err != nil {
		return ifd{}, 0, fmt.Errorf("cog: read next-IFD offset at %d: %w", offset, err)
	}
	next := uint64(order.Uint32(nextBuf[:]))

	level := ifd{samplesPerPixel: 1, compression: compressionNone, planarConfiguration: 1}

	for i := 0; i < int(count); i++ {
		e := entries[i*entrySize : (i+1)*entrySize]
		tag := order.Uint16(e[0:2])
		typ := order.Uint16(e[2:4])
		cnt := order.Uint32(e[4:8])

		vals, err := readFieldValues(r, order, typ, cnt, e[8:12])
		if err != nil {
			return ifd{}, 0, fmt.Errorf("cog: read tag %d: %w", tag, err)
		}

		switch tag {
		case tagImageWidth:
			level.width = uint32(vals[0])
		case tagImageLength:
			level.height = uint32(vals[0])
		case tagTileWidth:
			level.tileWidth = uint32(vals[0])
		case tagTileLength:
			level.tileLength = uint32(vals[0])
		case tagCompression:
			level.compression = uint16(vals[0])
		case tagPhotometricInterpretation:
			level.photometric = uint16(vals[0])
		case tagSamplesPerPixel:
			level.samplesPerPixel = uint16(vals[0])
		case tagPlanarConfiguration:
			level.planarConfiguration = uint16(vals[0])
		case tagBitsPerSample:
			level.bitsPerSample = make([]uint16, len(vals))
			for j, v := range vals {
				level.bitsPerSample[j] = uint16(v)
			}
		case tagTileOffsets:
			level.tileOffsets = vals
		case tagTileByteCounts:
			level.tileByteCounts = vals
		}
	}

	if len(level.bitsPerSample) == 0 {
		level.bitsPerSample = []uint16{1}
	}
	return level, next, nil
}

// readFieldValues decodes a TIFF IFD entry's value array, following the
// offset indirection when the values don't fit inline in the 4-byte slot.
func readFieldValues(r io.ReaderAt, order binary.ByteOrder, typ uint16, count uint32, inline []byte) ([]uint64, error) {
	size := fieldTypeSize(typ)
	if size == 0 {
		return nil, fmt.Errorf("unsupported field type %d", typ)
	}
	total := size * int(count)

	var raw []byte
	if total <= 4 {
		raw = inline[:total]
	} else {
		offset := order.Uint32(inline)
		raw = make([]byte, total)
		if _, err := r.ReadAt(raw, int64(offset)); err != nil {
			return nil, fmt.Errorf("read indirect field value at %d: %w", offset, err)
		}
	}

	out := make([]uint64, count)
	for i := 0; i < int(count); i++ {
		chunk := raw[i*size : (i+1)*size]
		switch size {
		case 1:
			out[i] = uint64(chunk[0])
		case 2:
			out[i] = uint64(order.Uint16(chunk))
		case 4:
			out[i] = uint64(order.Uint32(chunk))
		case 8:
			out[i] = order.Uint64(chunk)
		}
	}
	return out, nil
}
