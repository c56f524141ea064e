package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
)

const (
	// BlockSize is the AES block size.
	BlockSize = aes.BlockSize
	// MinPadding and MaxPadding bound the random prefix added to each packet.
	MinPadding = 16
	MaxPadding = 31

	poolSize = 32
)

var (
	// ErrBadLength indicates ciphertext that is empty or not block aligned.
	ErrBadLength = errors.New("ciphertext length not a multiple of the block size")
	// ErrBadPadding indicates a decrypted padding length that exceeds the packet.
	ErrBadPadding = errors.New("invalid padding")
	// ErrShortHeader indicates a packet shorter than its cleartext header.
	ErrShortHeader = errors.New("packet shorter than header")
)

// DeriveKey turns an MD5 challenge and a shared secret into the AES-128 key.
func DeriveKey(challenge, secret string) [16]byte {
	return md5.Sum([]byte(challenge + secret))
}

// Cipher holds the per-session AES-128 contexts and the rolling padding pool.
// The cleartext header (4 bytes for full frames, 2 for mini frames) is never
// encrypted so the receiver can route the packet before decrypting it.
type Cipher struct {
	mu    sync.Mutex
	block cipher.Block
	key   [16]byte
	pool  [poolSize]byte
}

// NewCipher derives the session key from an MD5 challenge and secret.
func NewCipher(challenge, secret string) (*Cipher, error) {
	return NewCipherFromKey(DeriveKey(challenge, secret))
}

// NewCipherFromKey builds a cipher from raw key bytes.
func NewCipherFromKey(key [16]byte) (*Cipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes setup: %w", err)
	}
	c := &Cipher{block: block, key: key}
	if _, err := rand.Read(c.pool[:]); err != nil {
		return nil, fmt.Errorf("seed padding pool: %w", err)
	}
	NewLogger("NewCipherFromKey").WithFields(KeyFingerprint(key[:], "key")).Debug("Session cipher ready")
	return c, nil
}

// Key returns a copy of the session key.
func (c *Cipher) Key() [16]byte {
	return c.key
}

// PaddingFor returns the padding length used for a body of n bytes.
func PaddingFor(n int) int {
	return MinPadding + ((BlockSize - n%BlockSize) & 0x0f)
}

// Encrypt returns a new packet with the first hdrLen bytes copied in clear
// and the rest encrypted behind a 16 to 31 byte padding prefix.
func (c *Cipher) Encrypt(pkt []byte, hdrLen int) ([]byte, error) {
	if len(pkt) < hdrLen {
		return nil, ErrShortHeader
	}
	body := pkt[hdrLen:]
	padding := PaddingFor(len(body))

	c.mu.Lock()
	defer c.mu.Unlock()

	plain := make([]byte, padding+len(body))
	copy(plain, c.pool[:padding])
	plain[15] = (plain[15] & 0xf0) | byte(padding&0x0f)
	copy(plain[padding:], body)

	out := make([]byte, hdrLen+len(plain))
	copy(out, pkt[:hdrLen])
	var iv [BlockSize]byte
	cipher.NewCBCEncrypter(c.block, iv[:]).CryptBlocks(out[hdrLen:], plain)

	ct := out[hdrLen:]
	if len(ct) >= poolSize {
		copy(c.pool[:], ct[len(ct)-poolSize:])
	} else {
		copy(c.pool[:], ct)
	}
	return out, nil
}

// Decrypt reverses Encrypt. The returned packet has the header followed by
// the original body.
func (c *Cipher) Decrypt(pkt []byte, hdrLen int) ([]byte, error) {
	if len(pkt) < hdrLen {
		return nil, ErrShortHeader
	}
	body := pkt[hdrLen:]
	if len(body) == 0 || len(body)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadLength, len(body))
	}

	plain := make([]byte, len(body))
	var iv [BlockSize]byte
	c.mu.Lock()
	cipher.NewCBCDecrypter(c.block, iv[:]).CryptBlocks(plain, body)
	c.mu.Unlock()

	padding := MinPadding + int(plain[15]&0x0f)
	if padding > len(plain) {
		return nil, fmt.Errorf("%w: %d > %d", ErrBadPadding, padding, len(plain))
	}
	out := make([]byte, hdrLen+len(plain)-padding)
	copy(out, pkt[:hdrLen])
	copy(out[hdrLen:], plain[padding:])
	return out, nil
}

// Wipe clears the key material held by c.
func (c *Cipher) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	ZeroBytes(c.key[:])
	ZeroBytes(c.pool[:])
}
