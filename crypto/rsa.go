package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrKeyNotFound indicates a named key missing from the key ring.
	ErrKeyNotFound = errors.New("key not found")
	// ErrNotRSA indicates a PEM block holding a non-RSA key.
	ErrNotRSA = errors.New("not an RSA key")
	// ErrBadSignature indicates an RSA result that does not verify.
	ErrBadSignature = errors.New("signature mismatch")
)

// KeyRing holds named RSA keys: private keys from "<name>.key" files and
// public keys from "<name>.pub" files.
type KeyRing struct {
	mu      sync.RWMutex
	private map[string]*rsa.PrivateKey
	public  map[string]*rsa.PublicKey
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		private: make(map[string]*rsa.PrivateKey),
		public:  make(map[string]*rsa.PublicKey),
	}
}

// LoadKeyRing reads every .key and .pub file in dir. A missing directory
// yields an empty ring.
func LoadKeyRing(dir string) (*KeyRing, error) {
	kr := NewKeyRing()
	if dir == "" {
		return kr, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return kr, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		name := strings.TrimSuffix(e.Name(), ext)
		if ext != ".key" && ext != ".pub" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", e.Name(), err)
		}
		if ext == ".key" {
			err = kr.AddPrivatePEM(name, data)
		} else {
			err = kr.AddPublicPEM(name, data)
		}
		if err != nil {
			NewLogger("LoadKeyRing").WithError(err, "parse").WithField("file", e.Name()).Warn("Skipping unreadable key")
		}
	}
	return kr, nil
}

// AddPrivatePEM parses and stores a PEM encoded RSA private key.
func (kr *KeyRing) AddPrivatePEM(name string, data []byte) error {
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return fmt.Errorf("parse private key %s: %w", name, err)
	}
	key, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRSA, name)
	}
	kr.mu.Lock()
	kr.private[name] = key
	kr.public[name] = &key.PublicKey
	kr.mu.Unlock()
	return nil
}

// AddPublicPEM parses and stores a PEM encoded RSA public key in PKIX or
// PKCS#1 form.
func (kr *KeyRing) AddPublicPEM(name string, data []byte) error {
	block, _ := pem.Decode(data)
	if block == nil {
		return fmt.Errorf("%w: %s has no PEM block", ErrNotRSA, name)
	}
	var pub *rsa.PublicKey
	if k, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rk, ok := k.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotRSA, name)
		}
		pub = rk
	} else if rk, err2 := x509.ParsePKCS1PublicKey(block.Bytes); err2 == nil {
		pub = rk
	} else {
		return fmt.Errorf("parse public key %s: %w", name, err)
	}
	kr.mu.Lock()
	kr.public[name] = pub
	kr.mu.Unlock()
	return nil
}

// Private returns a named private key.
func (kr *KeyRing) Private(name string) (*rsa.PrivateKey, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	k, ok := kr.private[name]
	if !ok {
		return nil, fmt.Errorf("%w: private %q", ErrKeyNotFound, name)
	}
	return k, nil
}

// Public returns a named public key.
func (kr *KeyRing) Public(name string) (*rsa.PublicKey, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	k, ok := kr.public[name]
	if !ok {
		return nil, fmt.Errorf("%w: public %q", ErrKeyNotFound, name)
	}
	return k, nil
}

// SignChallenge answers an RSA challenge: base64 of an RSA-SHA1 signature.
func SignChallenge(key *rsa.PrivateKey, challenge string) (string, error) {
	digest := sha1.Sum([]byte(challenge))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyChallenge checks an RSA challenge answer.
func VerifyChallenge(pub *rsa.PublicKey, challenge, result string) error {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(result))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	digest := sha1.Sum([]byte(challenge))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// VerifyAny checks result against each named public key in turn, returning
// the name that verified.
func (kr *KeyRing) VerifyAny(names []string, challenge, result string) (string, error) {
	for _, n := range names {
		pub, err := kr.Public(n)
		if err != nil {
			continue
		}
		if VerifyChallenge(pub, challenge, result) == nil {
			return n, nil
		}
	}
	return "", ErrBadSignature
}
