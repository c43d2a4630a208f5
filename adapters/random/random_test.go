package random_test

import (
	"encoding/hex"
	"testing"

	"github.com/artpar/usagegate/adapters/random"
)

func TestToken(t *testing.T) {
	tok, err := random.Token(32)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("len = %d, want 64", len(tok))
	}
	if _, err := hex.DecodeString(tok); err != nil {
		t.Errorf("token is not hex: %v", err)
	}

	other, _ := random.Token(32)
	if tok == other {
		t.Error("two tokens are equal")
	}
}

func TestToken_TooShort(t *testing.T) {
	if _, err := random.Token(random.MinTokenBytes - 1); err == nil {
		t.Error("expected error for short token")
	}
}
