// Package crypto implements the IAX2 authentication and encryption
// primitives.
//
// # Authentication
//
// Challenges are random decimal strings. MD5 answers are the lowercase hex
// digest of challenge followed by secret; a secret list separated by ';'
// is tried entry by entry:
//
//	challenge, _ := crypto.NewChallenge()
//	answer := crypto.MD5Response(challenge, "secret")
//	if _, ok := crypto.CheckMD5(challenge, "old;secret", answer); ok {
//	    // authenticated
//	}
//
// RSA answers are base64 SHA-1 signatures of the challenge. Keys are read
// from a directory of PEM files by LoadKeyRing: name.key holds a private
// key and name.pub a public one.
//
// # Encryption
//
// A Cipher is AES-128 keyed with the MD5 of challenge and secret, run in
// CBC mode over everything after the frame header with a zero IV. The
// plaintext starts with 16 to 31 bytes of padding taken from the previous
// ciphertext; the low nibble of byte 15 holds the length beyond 16:
//
//	c, _ := crypto.NewCipher(challenge, secret)
//	enc, _ := c.Encrypt(pkt, hdrLen)
//	plain, _ := c.Decrypt(enc, hdrLen)
//
// Call Wipe when the session ends to clear the key material.
package crypto
