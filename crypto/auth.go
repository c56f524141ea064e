package crypto

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// NewChallenge returns a random decimal challenge string.
func NewChallenge() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("challenge: %w", err)
	}
	return strconv.FormatUint(uint64(binary.BigEndian.Uint32(b[:])), 10), nil
}

// MD5Response computes the hex digest answer to an MD5 challenge.
func MD5Response(challenge, secret string) string {
	sum := md5.Sum([]byte(challenge + secret))
	return hex.EncodeToString(sum[:])
}

// SplitSecrets splits a ';' delimited secret list, skipping empty entries.
func SplitSecrets(secrets string) []string {
	parts := strings.Split(secrets, ";")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CheckMD5 tries every secret in the list against the response and returns
// the one that matched.
func CheckMD5(challenge, secrets, response string) (string, bool) {
	response = strings.ToLower(strings.TrimSpace(response))
	for _, s := range SplitSecrets(secrets) {
		want := MD5Response(challenge, s)
		if subtle.ConstantTimeCompare([]byte(want), []byte(response)) == 1 {
			return s, true
		}
	}
	return "", false
}

// CheckPlaintext compares a cleartext password against every secret.
func CheckPlaintext(secrets, password string) (string, bool) {
	for _, s := range SplitSecrets(secrets) {
		if subtle.ConstantTimeCompare([]byte(s), []byte(password)) == 1 {
			return s, true
		}
	}
	return "", false
}
