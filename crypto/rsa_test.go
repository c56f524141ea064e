package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestKeys(t *testing.T, dir, name string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".key"), priv, 0o600))

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+"-peer.pub"), pub, 0o644))
	return key
}

func TestKeyRingLoadAndSign(t *testing.T) {
	dir := t.TempDir()
	writeTestKeys(t, dir, "server")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.pub"), []byte("not pem"), 0o644))

	kr, err := LoadKeyRing(dir)
	require.NoError(t, err)

	priv, err := kr.Private("server")
	require.NoError(t, err)

	sig, err := SignChallenge(priv, "31337")
	require.NoError(t, err)

	pub, err := kr.Public("server-peer")
	require.NoError(t, err)
	assert.NoError(t, VerifyChallenge(pub, "31337", sig))
	assert.ErrorIs(t, VerifyChallenge(pub, "31338", sig), ErrBadSignature)

	name, err := kr.VerifyAny([]string{"missing", "server-peer"}, "31337", sig)
	require.NoError(t, err)
	assert.Equal(t, "server-peer", name)

	_, err = kr.Public("junk")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLoadKeyRingMissingDir(t *testing.T) {
	kr, err := LoadKeyRing(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	_, err = kr.Private("x")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestVerifyChallengeGarbage(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyChallenge(&key.PublicKey, "1", "%%%"), ErrBadSignature)
}
