// Package manifest defines the segment manifest stored next to every
// remote log segment, and its canonical JSON encoding.
//
// A manifest records how the segment was cut into chunks, whether chunks
// were compressed, and, for encrypted segments, the data key and AAD used
// to seal them. The data key is held in plaintext only in memory; the
// codec wraps it with a crypto.KeyWrapper on the way out and unwraps it
// on the way in.
package manifest

import (
	"bytes"
	"fmt"

	"github.com/kenneth/tiered-segment-store/internal/index"
)

// Version is the manifest format written by this package.
const Version = "1"

// EncryptionMetadata carries the per-segment data key and the additional
// authenticated data bound into every sealed chunk.
type EncryptionMetadata struct {
	dataKey []byte
	aad     []byte
}

// NewEncryptionMetadata copies the data key and AAD into a new value.
// dataKey may be empty for metadata decoded without its secret key.
func NewEncryptionMetadata(dataKey, aad []byte) *EncryptionMetadata {
	return &EncryptionMetadata{
		dataKey: bytes.Clone(dataKey),
		aad:     bytes.Clone(aad),
	}
}

// DataKey returns a copy of the plaintext data key.
func (e *EncryptionMetadata) DataKey() []byte { return bytes.Clone(e.dataKey) }

// AAD returns a copy of the additional authenticated data.
func (e *EncryptionMetadata) AAD() []byte { return bytes.Clone(e.aad) }

// HasDataKey reports whether the plaintext data key is available.
func (e *EncryptionMetadata) HasDataKey() bool { return len(e.dataKey) > 0 }

// Equal compares key material and AAD.
func (e *EncryptionMetadata) Equal(other *EncryptionMetadata) bool {
	if e == nil || other == nil {
		return e == nil && other == nil
	}
	return bytes.Equal(e.dataKey, other.dataKey) && bytes.Equal(e.aad, other.aad)
}

// String never includes the data key.
func (e *EncryptionMetadata) String() string {
	return fmt.Sprintf("EncryptionMetadata(dataKey=[REDACTED], aad=%d bytes)", len(e.aad))
}

// GoString keeps %#v from printing the key.
func (e *EncryptionMetadata) GoString() string { return e.String() }

// SegmentManifest is an immutable description of one remote segment.
type SegmentManifest struct {
	version     string
	chunkIndex  index.ChunkIndex
	compression bool
	encryption  *EncryptionMetadata
}

// New builds a manifest of the current Version. encryption is nil for
// unencrypted segments.
func New(chunkIndex index.ChunkIndex, compression bool, encryption *EncryptionMetadata) *SegmentManifest {
	return &SegmentManifest{
		version:     Version,
		chunkIndex:  chunkIndex,
		compression: compression,
		encryption:  encryption,
	}
}

func (m *SegmentManifest) Version() string { return m.version }

func (m *SegmentManifest) ChunkIndex() index.ChunkIndex { return m.chunkIndex }

func (m *SegmentManifest) Compression() bool { return m.compression }

// Encryption returns nil when the segment is not encrypted.
func (m *SegmentManifest) Encryption() *EncryptionMetadata { return m.encryption }

// Encrypted reports whether encryption metadata is present.
func (m *SegmentManifest) Encrypted() bool { return m.encryption != nil }

// Equal compares manifests field by field. Encryption metadata is compared
// on plaintext key material, so two encodings of the same manifest with
// different wrapped-key ciphertext decode to equal manifests.
func (m *SegmentManifest) Equal(other *SegmentManifest) bool {
	if m == nil || other == nil {
		return m == nil && other == nil
	}
	return m.version == other.version &&
		index.Equal(m.chunkIndex, other.chunkIndex) &&
		m.compression == other.compression &&
		m.encryption.Equal(other.encryption)
}

func (m *SegmentManifest) String() string {
	enc := "none"
	if m.encryption != nil {
		enc = m.encryption.String()
	}
	return fmt.Sprintf("SegmentManifest(version=%s, chunkIndex=%v, compression=%t, encryption=%s)",
		m.version, m.chunkIndex, m.compression, enc)
}
