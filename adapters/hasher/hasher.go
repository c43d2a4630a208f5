// Package hasher verifies operator tokens against configured secrets, which
// may be stored as bcrypt hashes instead of plaintext.
package hasher

import (
	"crypto/subtle"

	"github.com/artpar/usagegate/ports"
	"golang.org/x/crypto/bcrypt"
)

// Hash returns the bcrypt hash of token for use as a configured secret.
func Hash(token string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsHash reports whether secret is a bcrypt hash.
func IsHash(secret string) bool {
	_, err := bcrypt.Cost([]byte(secret))
	return err == nil
}

// ForSecret returns a verifier for secret, or nil when secret is empty.
func ForSecret(secret string) ports.TokenVerifier {
	switch {
	case secret == "":
		return nil
	case IsHash(secret):
		return Bcrypt{hash: []byte(secret)}
	default:
		return Plain{secret: []byte(secret)}
	}
}

// Bcrypt checks tokens against a bcrypt hash.
type Bcrypt struct {
	hash []byte
}

// Verify reports whether token matches the hash.
func (b Bcrypt) Verify(token string) bool {
	return bcrypt.CompareHashAndPassword(b.hash, []byte(token)) == nil
}

// Plain checks tokens against a plaintext secret in constant time.
type Plain struct {
	secret []byte
}

// Verify reports whether token equals the secret.
func (p Plain) Verify(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), p.secret) == 1
}

// Ensure interface compliance.
var (
	_ ports.TokenVerifier = Bcrypt{}
	_ ports.TokenVerifier = Plain{}
)
