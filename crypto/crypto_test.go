package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func randomKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate random key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewKeyring(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{"empty key", "", "encryption key is empty"},
		{"invalid base64", "not-valid-base64!@#$", "base64 decode failed"},
		{"key too short", base64.StdEncoding.EncodeToString(make([]byte, 16)), "must be 32 bytes"},
		{"key too long", base64.StdEncoding.EncodeToString(make([]byte, 64)), "must be 32 bytes"},
		{"valid 32-byte key", base64.StdEncoding.EncodeToString(make([]byte, 32)), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := NewKeyring(tt.key)
			if tt.errorMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("NewKeyring() error = %v, want error containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil || k == nil {
				t.Fatalf("NewKeyring() = %v, %v", k, err)
			}
			if k.Version() != 1 {
				t.Errorf("Version() = %d, want 1", k.Version())
			}
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	k, err := NewKeyring(randomKey(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, plain := range []string{"a", "oauth-access-token-123", strings.Repeat("x", 4096)} {
		sealed, err := k.Seal(plain)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if !strings.HasPrefix(sealed, "v1:") {
			t.Errorf("sealed %q missing version prefix", sealed)
		}
		// Short values appear in random base64 by chance.
		if len(plain) >= 8 && strings.Contains(sealed, plain) {
			t.Errorf("sealed value leaks plaintext")
		}
		got, err := k.Open(sealed)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got != plain {
			t.Errorf("Open = %q, want %q", got, plain)
		}
	}
}

func TestSealNonceUnique(t *testing.T) {
	k, _ := NewKeyring(randomKey(t))
	a, _ := k.Seal("same")
	b, _ := k.Seal("same")
	if a == b {
		t.Error("two seals of the same plaintext produced identical output")
	}
}

func TestEmptyPassthrough(t *testing.T) {
	k, _ := NewKeyring(randomKey(t))
	if s, err := k.Seal(""); s != "" || err != nil {
		t.Errorf("Seal(\"\") = %q, %v", s, err)
	}
	if s, err := k.Open(""); s != "" || err != nil {
		t.Errorf("Open(\"\") = %q, %v", s, err)
	}
}

func TestOpenRejects(t *testing.T) {
	k, _ := NewKeyring(randomKey(t))
	other, _ := NewKeyring(randomKey(t))
	sealed, _ := other.Seal("secret")

	tests := []struct {
		name  string
		input string
	}{
		{"plaintext", "not-sealed"},
		{"wrong key", sealed},
		{"unknown version", "v9:" + strings.TrimPrefix(sealed, "v1:")},
		{"bad base64", "v1:!!!"},
		{"too short", "v1:" + base64.StdEncoding.EncodeToString([]byte("abc"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := k.Open(tt.input); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestKeyRotation(t *testing.T) {
	oldKey := randomKey(t)
	k1, _ := NewKeyring(oldKey)
	sealedOld, _ := k1.Seal("old-token")

	k2, _ := NewKeyring(oldKey)
	if err := k2.Add(2, randomKey(t)); err != nil {
		t.Fatal(err)
	}
	if k2.Version() != 2 {
		t.Fatalf("Version() = %d, want 2", k2.Version())
	}
	got, err := k2.Open(sealedOld)
	if err != nil || got != "old-token" {
		t.Fatalf("Open(old) = %q, %v", got, err)
	}
	sealedNew, _ := k2.Seal("new-token")
	if !strings.HasPrefix(sealedNew, "v2:") {
		t.Errorf("new value sealed with %q", sealedNew[:3])
	}
	if _, err := k1.Open(sealedNew); err == nil {
		t.Error("old keyring opened value sealed with newer key")
	}
}

func TestIsSealed(t *testing.T) {
	for in, want := range map[string]bool{
		"v1:abc":  true,
		"v12:abc": true,
		"abc":     false,
		"v:abc":   false,
		"x1:abc":  false,
		"":        false,
	} {
		if got := IsSealed(in); got != want {
			t.Errorf("IsSealed(%q) = %v, want %v", in, got, want)
		}
	}
}
