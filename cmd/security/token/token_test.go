package token

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
)

func TestNewOpaque_LengthAndUniqueness(t *testing.T) {
	t.Setenv(HMACEnvKey, "")

	seen := make(map[string]struct{})
	for i := 0; i < 32; i++ {
		plain, hashHex, err := NewOpaque(32)
		if err != nil {
			t.Fatalf("new opaque: %v", err)
		}
		raw, err := base64.RawURLEncoding.DecodeString(plain)
		if err != nil {
			t.Fatalf("token not URL-safe base64: %v", err)
		}
		if len(raw) != 32 {
			t.Fatalf("token entropy = %d bytes, want 32", len(raw))
		}
		if _, err := hex.DecodeString(hashHex); err != nil || len(hashHex) != 64 {
			t.Fatalf("hash %q is not a sha256 hex digest", hashHex)
		}
		if hashHex != HashSessionTokenHex(plain) {
			t.Fatalf("stored hash does not match recomputed hash")
		}
		if _, dup := seen[plain]; dup {
			t.Fatalf("duplicate token generated")
		}
		seen[plain] = struct{}{}
	}
}

func TestNewOpaque_DefaultsEntropyWhenZero(t *testing.T) {
	plain, _, err := NewOpaque(0)
	if err != nil {
		t.Fatalf("new opaque: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(plain)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("default entropy = %d bytes, want 32", len(raw))
	}
}

func TestHashSessionTokenHex_FallsBackToSHA256(t *testing.T) {
	t.Setenv(HMACEnvKey, "")

	if got := HashSessionTokenHex("tok"); got != HashSHA256Hex("tok") {
		t.Fatalf("no-key hash = %q, want plain sha256", got)
	}
}

func TestHashSessionTokenHex_UsesHMACWhenKeySet(t *testing.T) {
	const key = "0123456789abcdef0123456789abcdef"
	t.Setenv(HMACEnvKey, key)

	got := HashSessionTokenHex("tok")
	if got != HashHMACSHA256Hex("tok", []byte(key)) {
		t.Fatalf("keyed hash mismatch")
	}
	if got == HashSHA256Hex("tok") {
		t.Fatalf("keyed hash equals plain sha256")
	}
}

func TestHMACKeyFromEnv_Policy(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	if _, err := HMACKeyFromEnv(32); !errors.Is(err, ErrHMACKeyMissing) {
		t.Fatalf("missing key error = %v, want ErrHMACKeyMissing", err)
	}
	if HMACEnabled() {
		t.Fatalf("HMACEnabled true without a key")
	}

	t.Setenv(HMACEnvKey, "short")
	if _, err := HMACKeyFromEnv(32); !errors.Is(err, ErrHMACKeyTooShort) {
		t.Fatalf("short key error = %v, want ErrHMACKeyTooShort", err)
	}
	if !HMACEnabled() {
		t.Fatalf("HMACEnabled false with a key present")
	}

	t.Setenv(HMACEnvKey, "0123456789abcdef0123456789abcdef")
	key, err := HMACKeyFromEnv(32)
	if err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}

	if _, err := HashSessionTokenHexRequireHMAC("tok", 64); !errors.Is(err, ErrHMACKeyTooShort) {
		t.Fatalf("enforced mode accepted short key: %v", err)
	}
	sum, err := HashSessionTokenHexRequireHMAC("tok", 32)
	if err != nil {
		t.Fatalf("enforced mode: %v", err)
	}
	if sum != HashSessionTokenHex("tok") {
		t.Fatalf("enforced hash differs from default keyed hash")
	}
}
