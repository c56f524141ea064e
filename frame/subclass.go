package frame

import (
	"fmt"
	"math/bits"
)

// SubclassNone is the decoded value of the 0xff subclass marker.
const SubclassNone = ^uint32(0)

// CompressSubclass packs a subclass into the one-byte csub field. Values below
// 0x80 are sent as is; larger values must be a single bit and are sent as
// 0x80 | log2(value).
func CompressSubclass(sub uint32) (uint8, error) {
	if sub == SubclassNone {
		return 0xff, nil
	}
	if sub < 0x80 {
		return uint8(sub), nil
	}
	if bits.OnesCount32(sub) != 1 {
		return 0, fmt.Errorf("%w: %#x", ErrBadSubclass, sub)
	}
	return 0x80 | uint8(bits.TrailingZeros32(sub)), nil
}

// UncompressSubclass is the inverse of CompressSubclass.
func UncompressSubclass(csub uint8) uint32 {
	if csub == 0xff {
		return SubclassNone
	}
	if csub&0x80 != 0 {
		return 1 << (csub & 0x3f)
	}
	return uint32(csub)
}
