package secretbox

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(seed byte) string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = seed + byte(i)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	t.Parallel()

	box, err := New(testKey(1))
	if err != nil {
		t.Fatalf("New err: %v", err)
	}

	msg := "hola mundo ✓ — secreto"
	ct, err := box.Encrypt([]byte(msg))
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}
	pt, err := box.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt err: %v", err)
	}
	if string(pt) != msg {
		t.Fatalf("plaintext mismatch: got %q want %q", pt, msg)
	}
}

func TestDecrypt_DetectsTamper(t *testing.T) {
	t.Parallel()

	box, err := New(testKey(100))
	if err != nil {
		t.Fatalf("New err: %v", err)
	}

	ct, err := box.Encrypt([]byte("top secret"))
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}
	parts := strings.Split(ct, "|")
	if len(parts) != 2 {
		t.Fatalf("unexpected ct format")
	}
	// corromper un byte del ciphertext (base64 -> bytes -> flip -> base64)
	bs, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatal(err)
	}
	bs[0] ^= 0x01 // flip
	corrupted := parts[0] + "|" + base64.StdEncoding.EncodeToString(bs)

	if _, err := box.Decrypt(corrupted); err == nil {
		t.Fatalf("expected auth error, got nil")
	}
}

func TestNew_RejectsBadKeys(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", "short", base64.StdEncoding.EncodeToString([]byte("only-16-bytes..."))} {
		if _, err := New(key); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestNew_AcceptsHexAndRaw(t *testing.T) {
	t.Parallel()

	raw := strings.Repeat("k", 32)
	if _, err := New(raw); err != nil {
		t.Fatalf("raw key rejected: %v", err)
	}
	hexKey := strings.Repeat("ab", 32)
	if _, err := New(hexKey); err != nil {
		t.Fatalf("hex key rejected: %v", err)
	}
}
