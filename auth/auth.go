// Package auth negotiates IAX2 authentication methods, builds challenge
// answers and checks them, and throttles outstanding requests per
// credential.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opd-ai/iaxcore/crypto"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoCommonMethod means the peer offered nothing we allow.
	ErrNoCommonMethod = errors.New("no common authentication method")
	// ErrAuthFailed covers every verification failure. It never says
	// whether the user or the secret was wrong.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrUnknownMethod is returned for unrecognised method names.
	ErrUnknownMethod = errors.New("unknown authentication method")
)

var methodNames = []struct {
	name string
	bit  uint16
}{
	{"rsa", frame.AuthRSA},
	{"md5", frame.AuthMD5},
	{"plaintext", frame.AuthPlaintext},
}

// ParseMethods converts method names into an IAX method mask.
func ParseMethods(names []string) (uint16, error) {
	var mask uint16
outer:
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		for _, m := range methodNames {
			if m.name == n {
				mask |= m.bit
				continue outer
			}
		}
		return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, n)
	}
	return mask, nil
}

// MethodNames lists the names in mask, strongest first.
func MethodNames(mask uint16) []string {
	var out []string
	for _, m := range methodNames {
		if mask&m.bit != 0 {
			out = append(out, m.name)
		}
	}
	return out
}

// Choose picks the strongest method both sides support: RSA, then MD5,
// then plaintext.
func Choose(allowed, offered uint16) (uint16, error) {
	common := allowed & offered
	for _, m := range methodNames {
		if common&m.bit != 0 {
			return m.bit, nil
		}
	}
	return 0, fmt.Errorf("%w: allowed %v, offered %v", ErrNoCommonMethod, MethodNames(allowed), MethodNames(offered))
}

// Credentials are what we answer a challenge with.
type Credentials struct {
	Secret string
	// OutKey names the private key used for RSA.
	OutKey string
}

// Answer computes our response to an AUTHREQ or REGAUTH and adds it to ies.
// It returns the method used and the secret that keyed it, which callers
// use to derive encryption keys.
func Answer(ies *frame.IEs, allowed, offered uint16, challenge string, cred Credentials, keys *crypto.KeyRing) (uint16, string, error) {
	if cred.OutKey == "" {
		allowed &^= frame.AuthRSA
	}
	if cred.Secret == "" {
		allowed &^= frame.AuthMD5 | frame.AuthPlaintext
	}
	method, err := Choose(allowed, offered)
	if err != nil {
		return 0, "", err
	}
	secret := firstSecret(cred.Secret)
	switch method {
	case frame.AuthRSA:
		if keys == nil {
			return 0, "", fmt.Errorf("answer rsa: %w", crypto.ErrKeyNotFound)
		}
		key, err := keys.Private(cred.OutKey)
		if err != nil {
			return 0, "", fmt.Errorf("answer rsa: %w", err)
		}
		sig, err := crypto.SignChallenge(key, challenge)
		if err != nil {
			return 0, "", err
		}
		ies.AddString(frame.IERSAResult, sig)
	case frame.AuthMD5:
		ies.AddString(frame.IEMD5Result, crypto.MD5Response(challenge, secret))
	case frame.AuthPlaintext:
		ies.AddString(frame.IEPassword, secret)
	}
	return method, secret, nil
}

func firstSecret(secrets string) string {
	if s := crypto.SplitSecrets(secrets); len(s) > 0 {
		return s[0]
	}
	return ""
}

// Expect is what a peer must prove against.
type Expect struct {
	Methods uint16
	Secrets string
	InKeys  []string
}

// Result reports which method verified and with what.
type Result struct {
	Method uint16
	// Secret is the matched secret, empty for RSA.
	Secret string
	// Key is the public key name that verified an RSA answer.
	Key string
}

// Verify checks the answer in ies to challenge. Strong answers are tried
// first; an answer in a method the peer is not allowed is ignored.
func Verify(ies frame.IEs, challenge string, exp Expect, keys *crypto.KeyRing) (Result, error) {
	if exp.Methods&frame.AuthRSA != 0 && ies.Has(frame.IERSAResult) && keys != nil {
		if name, err := keys.VerifyAny(exp.InKeys, challenge, ies.Str(frame.IERSAResult)); err == nil {
			return Result{Method: frame.AuthRSA, Key: name}, nil
		}
	}
	if exp.Methods&frame.AuthMD5 != 0 && ies.Has(frame.IEMD5Result) {
		if s, ok := crypto.CheckMD5(challenge, exp.Secrets, ies.Str(frame.IEMD5Result)); ok {
			return Result{Method: frame.AuthMD5, Secret: s}, nil
		}
	}
	if exp.Methods&frame.AuthPlaintext != 0 && ies.Has(frame.IEPassword) {
		if s, ok := crypto.CheckPlaintext(exp.Secrets, ies.Str(frame.IEPassword)); ok {
			return Result{Method: frame.AuthPlaintext, Secret: s}, nil
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "auth.Verify",
		"methods":  MethodNames(exp.Methods),
	}).Debug("Challenge answer did not verify")
	return Result{}, ErrAuthFailed
}
