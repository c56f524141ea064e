package frame

import "errors"

var (
	// ErrShortFrame indicates a datagram smaller than the header it claims.
	ErrShortFrame = errors.New("frame too short")
	// ErrNotFull indicates a full frame decode on a datagram without the F bit.
	ErrNotFull = errors.New("not a full frame")
	// ErrNotMini indicates a mini frame decode on a full or meta datagram.
	ErrNotMini = errors.New("not a mini frame")
	// ErrNotMeta indicates a meta decode on a datagram without the meta marker.
	ErrNotMeta = errors.New("not a meta frame")
	// ErrBadSubclass indicates a subclass that cannot be compressed.
	ErrBadSubclass = errors.New("subclass not representable")
	// ErrTruncatedIE indicates an information element running past the payload.
	ErrTruncatedIE = errors.New("truncated information element")
	// ErrIETooLong indicates a value longer than 255 bytes.
	ErrIETooLong = errors.New("information element too long")
	// ErrBadCallNo indicates a call number outside the 15-bit range.
	ErrBadCallNo = errors.New("call number out of range")
)
