package transform

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/tiered-segment-store/internal/crypto"
	"github.com/kenneth/tiered-segment-store/internal/index"
	"github.com/kenneth/tiered-segment-store/internal/manifest"
)

func testEncryption(t *testing.T) *manifest.EncryptionMetadata {
	t.Helper()
	key, err := crypto.NewDataKey()
	require.NoError(t, err)
	aad, err := crypto.NewAAD()
	require.NoError(t, err)
	return manifest.NewEncryptionMetadata(key, aad)
}

func compressibleData(size int) []byte {
	var buf bytes.Buffer
	for i := 0; buf.Len() < size; i++ {
		fmt.Fprintf(&buf, "offset=%08d key=user-%d value=payload\n", i, i%17)
	}
	return buf.Bytes()[:size]
}

// reassemble reverses every chunk of a transformed segment using the index.
func reassemble(t *testing.T, transformed []byte, ci index.ChunkIndex, opts Options) []byte {
	t.Helper()
	p, err := NewPipeline(opts)
	require.NoError(t, err)

	var out bytes.Buffer
	for i := 0; i < ci.ChunkCount(); i++ {
		start, length, err := ci.ChunkPhysicalRange(i)
		require.NoError(t, err)
		chunk, err := p.Reverse(transformed[start : start+length])
		require.NoError(t, err)

		_, originalLength, err := ci.ChunkOriginalRange(i)
		require.NoError(t, err)
		require.Equal(t, originalLength, int64(len(chunk)), "chunk %d", i)
		out.Write(chunk)
	}
	return out.Bytes()
}

func TestTransform_RoundTrip(t *testing.T) {
	data := compressibleData(10*1024 + 123)
	encryption := testEncryption(t)

	tests := []struct {
		name        string
		compression bool
		encryption  *manifest.EncryptionMetadata
	}{
		{name: "plain"},
		{name: "compressed", compression: true},
		{name: "encrypted", encryption: encryption},
		{name: "compressed and encrypted", compression: true, encryption: encryption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{ChunkSize: 1024, Compression: tt.compression, Encryption: tt.encryption}

			var out bytes.Buffer
			ci, err := Transform(bytes.NewReader(data), int64(len(data)), &out, opts)
			require.NoError(t, err)

			assert.Equal(t, int64(len(data)), ci.OriginalFileSize())
			assert.Equal(t, 11, ci.ChunkCount())
			assert.Equal(t, int64(out.Len()), ci.TransformedSize())
			assert.Equal(t, data, reassemble(t, out.Bytes(), ci, opts))
		})
	}
}

func TestTransform_IndexType(t *testing.T) {
	data := compressibleData(4096)

	var plain bytes.Buffer
	ci, err := Transform(bytes.NewReader(data), int64(len(data)), &plain, Options{ChunkSize: 1000})
	require.NoError(t, err)
	require.Equal(t, index.TypeFixed, ci.Type())
	fixed := ci.(*index.FixedSizeChunkIndex)
	assert.Equal(t, int64(1000), fixed.TransformedChunkSize())
	assert.Equal(t, int64(96), fixed.FinalTransformedChunkSize())

	var sealed bytes.Buffer
	ci, err = Transform(bytes.NewReader(data), int64(len(data)), &sealed, Options{ChunkSize: 1000, Encryption: testEncryption(t)})
	require.NoError(t, err)
	require.Equal(t, index.TypeFixed, ci.Type())
	fixed = ci.(*index.FixedSizeChunkIndex)
	assert.Equal(t, int64(1000+crypto.ChunkOverhead), fixed.TransformedChunkSize())
	assert.Equal(t, int64(96+crypto.ChunkOverhead), fixed.FinalTransformedChunkSize())

	// Random chunks compress to different sizes.
	random := make([]byte, 4096)
	_, err = rand.Read(random[:2048])
	require.NoError(t, err)
	var compressed bytes.Buffer
	ci, err = Transform(bytes.NewReader(random), int64(len(random)), &compressed, Options{ChunkSize: 1024, Compression: true})
	require.NoError(t, err)
	assert.Equal(t, index.TypeVariable, ci.Type())
}

func TestTransform_SizeMismatch(t *testing.T) {
	data := compressibleData(2048)

	_, err := Transform(bytes.NewReader(data[:2000]), 2048, &bytes.Buffer{}, Options{ChunkSize: 1024})
	assert.ErrorIs(t, err, ErrSizeMismatch)

	_, err = Transform(bytes.NewReader(data), 2000, &bytes.Buffer{}, Options{ChunkSize: 1024})
	assert.ErrorIs(t, err, ErrSizeMismatch)

	_, err = Transform(bytes.NewReader(nil), 0, &bytes.Buffer{}, Options{ChunkSize: 1024})
	assert.ErrorIs(t, err, index.ErrInvalidLayout)
}

func TestNewPipeline_InvalidOptions(t *testing.T) {
	_, err := NewPipeline(Options{})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = NewPipeline(Options{ChunkSize: 1024, Encryption: manifest.NewEncryptionMetadata(nil, []byte{1})})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = NewPipeline(Options{ChunkSize: 1024, Encryption: manifest.NewEncryptionMetadata([]byte{1, 2, 3}, nil)})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestDetransform_WrongKey(t *testing.T) {
	opts := Options{ChunkSize: 1024, Compression: true, Encryption: testEncryption(t)}
	p, err := NewPipeline(opts)
	require.NoError(t, err)

	sealed, err := p.Forward(compressibleData(1024))
	require.NoError(t, err)

	_, err = Detransform(sealed, Options{ChunkSize: 1024, Compression: true, Encryption: testEncryption(t)})
	assert.ErrorIs(t, err, crypto.ErrChunkAuthentication)

	plain, err := Detransform(sealed, opts)
	require.NoError(t, err)
	assert.Equal(t, compressibleData(1024), plain)
}

func TestDetransform_DecompressedTooLarge(t *testing.T) {
	p, err := NewPipeline(Options{ChunkSize: 4096, Compression: true})
	require.NoError(t, err)
	compressed, err := p.Forward(compressibleData(4096))
	require.NoError(t, err)

	_, err = Detransform(compressed, Options{ChunkSize: 1024, Compression: true})
	assert.Error(t, err)
}

func TestDecompressChunk_DecoderLimit(t *testing.T) {
	bomb := compressChunk(zstd.SpeedFastest, make([]byte, MaxChunkSize+1))
	require.Less(t, len(bomb), 1<<20)

	// No per-chunk limit given: the decoder itself must refuse.
	_, err := decompressChunk(bomb, 0)
	assert.ErrorIs(t, err, zstd.ErrDecoderSizeExceeded)

	out, err := decompressChunk(compressChunk(zstd.SpeedFastest, make([]byte, 4096)), 0)
	require.NoError(t, err)
	assert.Len(t, out, 4096)
}

func TestParseCompressionLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    zstd.EncoderLevel
		wantErr bool
	}{
		{input: "", want: zstd.SpeedDefault},
		{input: LevelDefault, want: zstd.SpeedDefault},
		{input: LevelFastest, want: zstd.SpeedFastest},
		{input: LevelBetter, want: zstd.SpeedBetterCompression},
		{input: LevelBest, want: zstd.SpeedBestCompression},
		{input: "gzip", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCompressionLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOptionsFromManifest(t *testing.T) {
	ci, err := index.NewFixedSizeChunkIndex(100, 1000, 110, 110)
	require.NoError(t, err)
	enc := testEncryption(t)

	opts := OptionsFromManifest(manifest.New(ci, true, enc))
	assert.Equal(t, int64(100), opts.ChunkSize)
	assert.True(t, opts.Compression)
	assert.Same(t, enc, opts.Encryption)
}
