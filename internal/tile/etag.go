package tile

import (
	"strconv"

	"github.com/zeebo/xxh3"
)

// EtagForData computes the default etag for a tile payload: xxh3-128 of the
// bytes, rendered as the hexadecimal high half followed by the hexadecimal
// low half. Backends that already have a cheap
// identity for a tile (an MBTiles hash column, a PMTiles content hash)
// should prefer that value over calling this function.
func EtagForData(data []byte) string {
	if len(data) == 0 {
		return "0"
	}
	h := xxh3.Hash128(data)
	return strconv.FormatUint(h.Hi, 16) + strconv.FormatUint(h.Lo, 16)
}
