package tokens

import (
	"strings"
	"testing"
)

func TestGenerateOpaqueToken_UniqueAndURLSafe(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		tok, err := GenerateOpaqueToken(32)
		if err != nil {
			t.Fatalf("GenerateOpaqueToken err: %v", err)
		}
		if len(tok) < 40 {
			t.Fatalf("token too short: %d", len(tok))
		}
		if strings.ContainsAny(tok, "+/=") {
			t.Fatalf("token not URL-safe: %q", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token generated")
		}
		seen[tok] = true
	}
}

func TestSHA256Base64URL_Deterministic(t *testing.T) {
	t.Parallel()

	a := SHA256Base64URL("refresh-token")
	b := SHA256Base64URL("refresh-token")
	if a != b {
		t.Fatalf("hash not deterministic: %q vs %q", a, b)
	}
	if a == SHA256Base64URL("other") {
		t.Fatalf("distinct inputs collided")
	}
}

func TestDeriveKID_StablePerKey(t *testing.T) {
	t.Parallel()

	pub := []byte("0123456789abcdef0123456789abcdef")
	if DeriveKID(pub) != DeriveKID(pub) {
		t.Fatalf("kid not stable")
	}
	other := []byte("fedcba9876543210fedcba9876543210")
	if DeriveKID(pub) == DeriveKID(other) {
		t.Fatalf("kid collision for distinct keys")
	}
}
