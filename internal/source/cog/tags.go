package cog

// Baseline TIFF tags needed to walk a COG's IFD pyramid and locate tile
// chunks directly, against the TIFF 6.0 tag numbers.
const (
	tagImageWidth                = 256
	tagImageLength               = 257
	tagBitsPerSample             = 258
	tagCompression               = 259
	tagPhotometricInterpretation = 262
	tagStripOffsets              = 273
	tagSamplesPerPixel           = 277
	tagPlanarConfiguration       = 284
	tagTileWidth                 = 322
	tagTileLength                = 323
	tagTileOffsets               = 324
	tagTileByteCounts            = 325
)

// Compression values we know how to decode.
const (
	compressionNone = 1
	compressionLZW  = 5
	compressionZip  = 8
)

// Photometric interpretation values relevant to the supported color-type set.
const (
	photometricWhiteIsZero = 0
	photometricBlackIsZero = 1
	photometricRGB         = 2
)

// fieldTypeSize returns the byte size of one value of a TIFF field type, or 0
// for an unknown type.
func fieldTypeSize(typ uint16) int {
	switch typ {
	case 1, 2, 6, 7: // BYTE, ASCII, SBYTE, UNDEFINED
		return 1
	case 3, 8: // SHORT, SSHORT
		return 2
	case 4, 9, 11: // LONG, SLONG, FLOAT
		return 4
	case 5, 10, 12: // RATIONAL, SRATIONAL, DOUBLE
		return 8
	default:
		return 0
	}
}
