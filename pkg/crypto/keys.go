package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of X25519 public and private keys
const KeySize = curve25519.ScalarSize

var (
	ErrInvalidKey = errors.New("invalid key")
)

// Key is a raw X25519 key
type Key [KeySize]byte

// IsZero reports whether the key is all zeros
func (k Key) IsZero() bool {
	return k == Key{}
}

// String returns the base64 encoding of the key
func (k Key) String() string {
	return EncodeKey(k)
}

// Identity is the node's overlay keypair. It is generated once per process
// and never written to disk.
type Identity struct {
	private Key
	public  Key
}

// GenerateIdentity creates a new X25519 keypair from crypto/rand
func GenerateIdentity() (*Identity, error) {
	return generateIdentity(rand.Reader)
}

func generateIdentity(r io.Reader) (*Identity, error) {
	var priv Key
	if _, err := io.ReadFull(r, priv[:]); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}

	// Clamp per RFC 7748
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	id := &Identity{private: priv}
	copy(id.public[:], pub)
	return id, nil
}

// PublicKey returns the public half of the identity
func (id *Identity) PublicKey() Key {
	return id.public
}

// PrivateKey returns the private half. Only the data-plane tunnel needs it.
func (id *Identity) PrivateKey() Key {
	return id.private
}

// EncodeKey encodes a key using standard base64
func EncodeKey(k Key) string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// DecodeKey decodes a base64 key and requires exactly KeySize bytes
func DecodeKey(s string) (Key, error) {
	var k Key

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: not base64", ErrInvalidKey)
	}

	if len(raw) != KeySize {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), KeySize)
	}

	copy(k[:], raw)
	return k, nil
}
