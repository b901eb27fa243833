package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// AlgorithmAES256GCM is the chunk cipher used for encrypted segments.
	AlgorithmAES256GCM = "AES256-GCM"

	nonceSize = 12 // 96 bits for GCM
	tagSize   = 16 // 128 bits authentication tag

	// ChunkOverhead is the number of bytes sealing adds to each chunk.
	ChunkOverhead = nonceSize + tagSize
)

// ErrChunkAuthentication is returned when a sealed chunk fails to open.
var ErrChunkAuthentication = errors.New("chunk authentication failed")

// ChunkCipher seals and opens individual segment chunks with AES-256-GCM.
// Each sealed chunk is laid out as nonce || ciphertext || tag, with the
// segment AAD bound into the tag. Safe for concurrent use.
type ChunkCipher struct {
	aead cipher.AEAD
	aad  []byte
}

// NewChunkCipher creates a cipher for one segment's data key and AAD.
func NewChunkCipher(dataKey, aad []byte) (*ChunkCipher, error) {
	if len(dataKey) != DataKeySize {
		return nil, fmt.Errorf("invalid key size for AES-256: expected %d bytes, got %d", DataKeySize, len(dataKey))
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &ChunkCipher{aead: gcm, aad: append([]byte(nil), aad...)}, nil
}

// Seal encrypts one chunk under a fresh random nonce.
func (c *ChunkCipher) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(out, out[:nonceSize], plaintext, c.aad), nil
}

// Open authenticates and decrypts one sealed chunk.
func (c *ChunkCipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < ChunkOverhead {
		return nil, fmt.Errorf("%w: chunk of %d bytes is shorter than overhead", ErrChunkAuthentication, len(sealed))
	}
	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], c.aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChunkAuthentication, err)
	}
	return plaintext, nil
}
