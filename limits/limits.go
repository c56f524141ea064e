// Package limits provides centralized size limits for IAX2 datagrams and
// their parts. This ensures consistent validation across the receive and
// send paths.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagram is the largest datagram read from or written to the socket.
	// IAX2 peers never send more than this in one frame.
	MaxDatagram = 4096

	// MaxIEValue is the largest information element value (one length byte).
	MaxIEValue = 255

	// MaxFullPayload is the largest payload a full frame can carry
	// (MaxDatagram minus the 12 byte full header).
	MaxFullPayload = MaxDatagram - 12

	// MaxMiniPayload is the largest mini frame payload
	// (MaxDatagram minus the 4 byte mini header).
	MaxMiniPayload = MaxDatagram - 4

	// EncryptionOverhead is the worst case growth of an encrypted frame:
	// up to 31 bytes of padding, rounded to the AES block.
	EncryptionOverhead = 32
)

var (
	// ErrMessageEmpty indicates an empty buffer was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a buffer exceeds its maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a buffer against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateDatagram validates a datagram before it is decoded or sent.
func ValidateDatagram(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxDatagram {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxDatagram)
	}
	return nil
}

// ValidateFullPayload validates the body of an outbound full frame. Empty
// bodies are legal for full frames.
func ValidateFullPayload(payload []byte, encrypted bool) error {
	limit := MaxFullPayload
	if encrypted {
		limit -= EncryptionOverhead
	}
	if len(payload) > limit {
		return fmt.Errorf("%w: full frame payload %d exceeds limit %d", ErrMessageTooLarge, len(payload), limit)
	}
	return nil
}

// ValidateMiniPayload validates the media of an outbound mini frame.
func ValidateMiniPayload(payload []byte, encrypted bool) error {
	limit := MaxMiniPayload
	if encrypted {
		limit -= EncryptionOverhead
	}
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > limit {
		return fmt.Errorf("%w: mini frame payload %d exceeds limit %d", ErrMessageTooLarge, len(payload), limit)
	}
	return nil
}

// ValidateIEValue validates a value before it is added as an IE.
func ValidateIEValue(value []byte) error {
	if len(value) > MaxIEValue {
		return fmt.Errorf("%w: IE value %d exceeds limit %d", ErrMessageTooLarge, len(value), MaxIEValue)
	}
	return nil
}
