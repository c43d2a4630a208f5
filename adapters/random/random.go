// Package random generates secrets for operator credentials.
package random

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// MinTokenBytes is the least entropy Token accepts.
const MinTokenBytes = 16

// Token returns n random bytes hex-encoded.
func Token(n int) (string, error) {
	if n < MinTokenBytes {
		return "", fmt.Errorf("token needs at least %d bytes, got %d", MinTokenBytes, n)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
