package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// fingerprintSize is the number of hash bytes kept in a fingerprint
const fingerprintSize = 8

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// Fingerprint returns a short hex identifier for a key, safe to log
func Fingerprint(k Key) string {
	return hex.EncodeToString(Hash(k[:])[:fingerprintSize])
}
