// Package limits provides centralized size constants and validation functions
// for IAX2 frames. The receive pipeline checks every datagram against these
// limits before decoding, and the send path checks payloads before framing.
//
// # Size Hierarchy
//
//   - MaxDatagram (4096 bytes): the read buffer size and the largest datagram
//     the engine will send.
//
//   - MaxFullPayload / MaxMiniPayload: what remains of a datagram after the
//     12 byte full or 4 byte mini header.
//
//   - EncryptionOverhead (32 bytes): the most an AES-128 encrypted frame grows
//     by, 16 to 31 bytes of padding rounded up to the block size.
//
//   - MaxIEValue (255 bytes): the largest information element value, bounded
//     by its single length byte.
//
// # Validation Functions
//
//	if err := limits.ValidateDatagram(buf); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// For custom size limits, use the generic ValidateMessageSize function.
package limits
