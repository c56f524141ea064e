package crypto

import (
	"crypto/subtle"
	"runtime"
)

// ZeroBytes overwrites key material in place.
func ZeroBytes(data []byte) {
	if data == nil {
		return
	}
	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)
	runtime.KeepAlive(data)
}
