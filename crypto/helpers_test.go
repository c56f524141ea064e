package crypto

import (
	"crypto/cipher"
	"testing"
)

func encryptCBC(t *testing.T, c *Cipher, iv, dst, src []byte) {
	t.Helper()
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(dst, src)
}
