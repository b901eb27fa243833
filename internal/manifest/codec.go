package manifest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kenneth/tiered-segment-store/internal/crypto"
	"github.com/kenneth/tiered-segment-store/internal/index"
)

var (
	// ErrUnsupportedVersion is returned for manifests of an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported manifest version")
	// ErrUnsupportedChunkIndexType is returned for an unknown chunkIndex.type.
	ErrUnsupportedChunkIndexType = errors.New("unsupported chunk index type")
	// ErrMalformedManifest is returned when the manifest does not match the schema.
	ErrMalformedManifest = errors.New("malformed manifest")
	// ErrMissingKeyWrapper is returned when key material must be wrapped or
	// unwrapped but the codec has no KeyWrapper.
	ErrMissingKeyWrapper = errors.New("no key wrapper configured")
)

// Wire structs. Field declaration order is the JSON field order.

type manifestV1JSON struct {
	Version     string          `json:"version"`
	ChunkIndex  json.RawMessage `json:"chunkIndex"`
	Compression bool            `json:"compression"`
	Encryption  *encryptionJSON `json:"encryption,omitempty"`
}

type encryptionJSON struct {
	SecretKey string `json:"secretKey,omitempty"`
	AAD       string `json:"aad"`
}

type fixedIndexJSON struct {
	Type                      string `json:"type"`
	OriginalChunkSize         int64  `json:"originalChunkSize"`
	OriginalFileSize          int64  `json:"originalFileSize"`
	TransformedChunkSize      int64  `json:"transformedChunkSize"`
	FinalTransformedChunkSize int64  `json:"finalTransformedChunkSize"`
}

type variableIndexJSON struct {
	Type              string  `json:"type"`
	OriginalChunkSize int64   `json:"originalChunkSize"`
	OriginalFileSize  int64   `json:"originalFileSize"`
	TransformedChunks []int64 `json:"transformedChunks"`
}

// Decode-side mirrors use pointers so missing fields are detectable.

type manifestV1Decode struct {
	Version     *string          `json:"version"`
	ChunkIndex  json.RawMessage  `json:"chunkIndex"`
	Compression *bool            `json:"compression"`
	Encryption  *encryptionProbe `json:"encryption"`
}

type encryptionProbe struct {
	SecretKey *string `json:"secretKey"`
	AAD       *string `json:"aad"`
}

type fixedIndexDecode struct {
	Type                      string `json:"type"`
	OriginalChunkSize         *int64 `json:"originalChunkSize"`
	OriginalFileSize          *int64 `json:"originalFileSize"`
	TransformedChunkSize      *int64 `json:"transformedChunkSize"`
	FinalTransformedChunkSize *int64 `json:"finalTransformedChunkSize"`
}

type variableIndexDecode struct {
	Type              string  `json:"type"`
	OriginalChunkSize *int64  `json:"originalChunkSize"`
	OriginalFileSize  *int64  `json:"originalFileSize"`
	TransformedChunks []int64 `json:"transformedChunks"`
}

// chunkIndexDecoders dispatches on chunkIndex.type.
var chunkIndexDecoders = map[string]func(json.RawMessage) (index.ChunkIndex, error){
	index.TypeFixed:    decodeFixedIndex,
	index.TypeVariable: decodeVariableIndex,
}

// Codec converts manifests to and from their canonical JSON text.
// A Codec is immutable and safe for concurrent use.
type Codec struct {
	wrapper crypto.KeyWrapper
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithKeyWrapper sets the wrapper used for the secretKey field.
func WithKeyWrapper(w crypto.KeyWrapper) CodecOption {
	return func(c *Codec) {
		c.wrapper = w
	}
}

// NewCodec creates a codec.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode writes the manifest with its data key wrapped. Encoding an
// encrypted manifest without a KeyWrapper fails with ErrMissingKeyWrapper.
func (c *Codec) Encode(m *SegmentManifest) ([]byte, error) {
	return c.encode(m, true)
}

// EncodeRedacted writes the manifest without the secretKey field. The
// output can be shown to operators but cannot be used to read the segment.
func (c *Codec) EncodeRedacted(m *SegmentManifest) ([]byte, error) {
	return c.encode(m, false)
}

func (c *Codec) encode(m *SegmentManifest, withKey bool) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: manifest is nil", ErrMalformedManifest)
	}

	chunkIndex, err := encodeChunkIndex(m.chunkIndex)
	if err != nil {
		return nil, err
	}

	out := manifestV1JSON{
		Version:     m.version,
		ChunkIndex:  chunkIndex,
		Compression: m.compression,
	}

	if enc := m.encryption; enc != nil {
		out.Encryption = &encryptionJSON{AAD: base64.StdEncoding.EncodeToString(enc.aad)}
		if withKey {
			if c.wrapper == nil {
				return nil, ErrMissingKeyWrapper
			}
			if !enc.HasDataKey() {
				return nil, fmt.Errorf("%w: encryption metadata has no data key", ErrMalformedManifest)
			}
			wrapped, err := c.wrapper.Wrap(enc.dataKey)
			if err != nil {
				return nil, fmt.Errorf("failed to wrap data key: %w", err)
			}
			out.Encryption.SecretKey = base64.StdEncoding.EncodeToString(wrapped)
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}

func encodeChunkIndex(ci index.ChunkIndex) (json.RawMessage, error) {
	var v any
	switch idx := ci.(type) {
	case *index.FixedSizeChunkIndex:
		v = fixedIndexJSON{
			Type:                      index.TypeFixed,
			OriginalChunkSize:         idx.OriginalChunkSize(),
			OriginalFileSize:          idx.OriginalFileSize(),
			TransformedChunkSize:      idx.TransformedChunkSize(),
			FinalTransformedChunkSize: idx.FinalTransformedChunkSize(),
		}
	case *index.VariableSizeChunkIndex:
		v = variableIndexJSON{
			Type:              index.TypeVariable,
			OriginalChunkSize: idx.OriginalChunkSize(),
			OriginalFileSize:  idx.OriginalFileSize(),
			TransformedChunks: idx.TransformedChunkSizes(),
		}
	case nil:
		return nil, fmt.Errorf("%w: chunk index is missing", ErrMalformedManifest)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedChunkIndexType, ci)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk index: %w", err)
	}
	return data, nil
}

// Decode parses manifest text. The version is checked before anything
// else is interpreted; the data key is unwrapped with the configured
// KeyWrapper when secretKey is present. Decode never returns a partially
// built manifest.
func (c *Codec) Decode(data []byte) (*SegmentManifest, error) {
	var probe struct {
		Version json.RawMessage `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	if probe.Version == nil {
		return nil, fmt.Errorf("%w: missing field \"version\"", ErrMalformedManifest)
	}
	var version string
	if err := json.Unmarshal(probe.Version, &version); err != nil {
		return nil, fmt.Errorf("%w: field \"version\" must be a string", ErrMalformedManifest)
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}

	var raw manifestV1Decode
	if err := strictUnmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.ChunkIndex == nil {
		return nil, fmt.Errorf("%w: missing field \"chunkIndex\"", ErrMalformedManifest)
	}
	if raw.Compression == nil {
		return nil, fmt.Errorf("%w: missing field \"compression\"", ErrMalformedManifest)
	}

	chunkIndex, err := decodeChunkIndex(raw.ChunkIndex)
	if err != nil {
		return nil, err
	}

	var encryption *EncryptionMetadata
	if raw.Encryption != nil {
		encryption, err = c.decodeEncryption(raw.Encryption)
		if err != nil {
			return nil, err
		}
	}

	return New(chunkIndex, *raw.Compression, encryption), nil
}

func (c *Codec) decodeEncryption(raw *encryptionProbe) (*EncryptionMetadata, error) {
	if raw.AAD == nil {
		return nil, fmt.Errorf("%w: missing field \"encryption.aad\"", ErrMalformedManifest)
	}
	aad, err := base64.StdEncoding.DecodeString(*raw.AAD)
	if err != nil {
		return nil, fmt.Errorf("%w: field \"encryption.aad\" is not base64: %v", ErrMalformedManifest, err)
	}
	if raw.SecretKey == nil {
		return NewEncryptionMetadata(nil, aad), nil
	}

	wrapped, err := base64.StdEncoding.DecodeString(*raw.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: field \"encryption.secretKey\" is not base64: %v", ErrMalformedManifest, err)
	}
	if c.wrapper == nil {
		return nil, ErrMissingKeyWrapper
	}
	dataKey, err := c.wrapper.Unwrap(wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}
	return &EncryptionMetadata{dataKey: dataKey, aad: aad}, nil
}

func decodeChunkIndex(data json.RawMessage) (index.ChunkIndex, error) {
	var probe struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: chunkIndex: %v", ErrMalformedManifest, err)
	}
	if probe.Type == nil {
		return nil, fmt.Errorf("%w: missing field \"chunkIndex.type\"", ErrMalformedManifest)
	}
	decode, ok := chunkIndexDecoders[*probe.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChunkIndexType, *probe.Type)
	}
	return decode(data)
}

func decodeFixedIndex(data json.RawMessage) (index.ChunkIndex, error) {
	var raw fixedIndexDecode
	if err := strictUnmarshal(data, &raw); err != nil {
		return nil, err
	}
	if err := requireFields(map[string]*int64{
		"originalChunkSize":         raw.OriginalChunkSize,
		"originalFileSize":          raw.OriginalFileSize,
		"transformedChunkSize":      raw.TransformedChunkSize,
		"finalTransformedChunkSize": raw.FinalTransformedChunkSize,
	}); err != nil {
		return nil, err
	}
	ci, err := index.NewFixedSizeChunkIndex(*raw.OriginalChunkSize, *raw.OriginalFileSize,
		*raw.TransformedChunkSize, *raw.FinalTransformedChunkSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedManifest, err)
	}
	return ci, nil
}

func decodeVariableIndex(data json.RawMessage) (index.ChunkIndex, error) {
	var raw variableIndexDecode
	if err := strictUnmarshal(data, &raw); err != nil {
		return nil, err
	}
	if err := requireFields(map[string]*int64{
		"originalChunkSize": raw.OriginalChunkSize,
		"originalFileSize":  raw.OriginalFileSize,
	}); err != nil {
		return nil, err
	}
	if raw.TransformedChunks == nil {
		return nil, fmt.Errorf("%w: missing field \"chunkIndex.transformedChunks\"", ErrMalformedManifest)
	}
	ci, err := index.NewVariableSizeChunkIndex(*raw.OriginalChunkSize, *raw.OriginalFileSize, raw.TransformedChunks)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedManifest, err)
	}
	return ci, nil
}

func requireFields(fields map[string]*int64) error {
	for name, v := range fields {
		if v == nil {
			return fmt.Errorf("%w: missing field \"chunkIndex.%s\"", ErrMalformedManifest, name)
		}
	}
	return nil
}

// strictUnmarshal rejects unknown fields, type mismatches and trailing data.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after manifest", ErrMalformedManifest)
	}
	return nil
}
