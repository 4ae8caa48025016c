package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	if id.PublicKey().IsZero() {
		t.Error("GenerateIdentity() public key is zero")
	}

	priv := id.PrivateKey()
	if priv[0]&7 != 0 || priv[31]&128 != 0 || priv[31]&64 == 0 {
		t.Errorf("GenerateIdentity() private key is not clamped: %x", priv)
	}

	// The public key must be the X25519 base point multiple of the private key
	want, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519() error = %v", err)
	}
	pub := id.PublicKey()
	if !bytes.Equal(pub[:], want) {
		t.Errorf("PublicKey() = %x, want %x", pub, want)
	}
}

func TestGenerateIdentityUnique(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	if a.PublicKey() == b.PublicKey() {
		t.Error("two identities share a public key")
	}
}

func TestGenerateIdentityDeterministicReader(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, KeySize)

	a, err := generateIdentity(bytes.NewReader(seed))
	if err != nil {
		t.Fatalf("generateIdentity() error = %v", err)
	}
	b, err := generateIdentity(bytes.NewReader(seed))
	if err != nil {
		t.Fatalf("generateIdentity() error = %v", err)
	}

	if a.PublicKey() != b.PublicKey() {
		t.Error("same seed produced different public keys")
	}

	if _, err := generateIdentity(bytes.NewReader(seed[:10])); err == nil {
		t.Error("generateIdentity() with short entropy should fail")
	}
}

func TestEncodeDecodeKey(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	encoded := EncodeKey(id.PublicKey())
	if len(encoded) != 44 {
		t.Errorf("EncodeKey() length = %d, want 44", len(encoded))
	}

	decoded, err := DecodeKey(encoded)
	if err != nil {
		t.Fatalf("DecodeKey() error = %v", err)
	}
	if decoded != id.PublicKey() {
		t.Errorf("DecodeKey() = %x, want %x", decoded, id.PublicKey())
	}

	if id.PublicKey().String() != encoded {
		t.Errorf("Key.String() = %s, want %s", id.PublicKey().String(), encoded)
	}
}

func TestDecodeKeyErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"too short", base64.StdEncoding.EncodeToString(make([]byte, 16))},
		{"one byte short", base64.StdEncoding.EncodeToString(make([]byte, 31))},
		{"too long", base64.StdEncoding.EncodeToString(make([]byte, 33))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeKey(tt.input)
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("DecodeKey(%q) error = %v, want %v", tt.input, err, ErrInvalidKey)
			}
		})
	}
}
