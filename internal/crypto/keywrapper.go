package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// DataKeySize is the size of a per-segment AES-256 data key.
	DataKeySize = 32
	// AADSize is the size of the random additional authenticated data
	// generated for each segment.
	AADSize = 32
)

// ErrKeyUnwrap is returned when a wrapped key is malformed or was wrapped
// under a different key pair.
var ErrKeyUnwrap = errors.New("key unwrap failed")

// KeyWrapper protects per-segment data keys (DEKs) with an asymmetric
// key-encryption key so that they can be persisted inside a manifest.
//
// Wrap must be randomized: wrapping the same key twice yields different
// ciphertext that unwraps to the same key. Implementations hold only
// read-only key material and are safe for concurrent use.
type KeyWrapper interface {
	// Wrap encrypts the plaintext data key.
	Wrap(dataKey []byte) ([]byte, error)

	// Unwrap decrypts a wrapped data key. Failures wrap ErrKeyUnwrap.
	Unwrap(wrapped []byte) ([]byte, error)
}

// NewDataKey generates a random AES-256 data key.
func NewDataKey() ([]byte, error) {
	return randomBytes(DataKeySize)
}

// NewAAD generates random additional authenticated data for a segment.
func NewAAD() ([]byte, error) {
	return randomBytes(AADSize)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}
