// Package transform cuts a segment into fixed-size original chunks and
// applies the per-chunk transforms recorded in its manifest: zstd
// compression first, then AES-256-GCM sealing.
package transform

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/kenneth/tiered-segment-store/internal/crypto"
	"github.com/kenneth/tiered-segment-store/internal/index"
	"github.com/kenneth/tiered-segment-store/internal/manifest"
)

// Chunk size bounds accepted by configuration.
const (
	DefaultChunkSize int64 = 4 * 1024 * 1024
	MinChunkSize     int64 = 1024
	MaxChunkSize     int64 = 64 * 1024 * 1024
)

var (
	// ErrInvalidOptions is returned for unusable transform options.
	ErrInvalidOptions = errors.New("invalid transform options")
	// ErrSizeMismatch is returned when the input holds more or less data than declared.
	ErrSizeMismatch = errors.New("segment size mismatch")
)

// Options selects the transforms applied to every chunk.
type Options struct {
	ChunkSize        int64
	Compression      bool
	CompressionLevel zstd.EncoderLevel
	Encryption       *manifest.EncryptionMetadata
}

// OptionsFromManifest returns the options needed to reverse the chunks
// of a stored segment.
func OptionsFromManifest(m *manifest.SegmentManifest) Options {
	return Options{
		ChunkSize:   m.ChunkIndex().OriginalChunkSize(),
		Compression: m.Compression(),
		Encryption:  m.Encryption(),
	}
}

// Pipeline applies and reverses chunk transforms for one segment.
// It is safe for concurrent use.
type Pipeline struct {
	opts   Options
	cipher *crypto.ChunkCipher
}

// NewPipeline validates opts and prepares the chunk cipher when
// encryption is requested.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidOptions, opts.ChunkSize)
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = zstd.SpeedDefault
	}

	p := &Pipeline{opts: opts}
	if enc := opts.Encryption; enc != nil {
		if !enc.HasDataKey() {
			return nil, fmt.Errorf("%w: encryption metadata has no data key", ErrInvalidOptions)
		}
		c, err := crypto.NewChunkCipher(enc.DataKey(), enc.AAD())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
		p.cipher = c
	}
	return p, nil
}

// Forward transforms one original chunk.
func (p *Pipeline) Forward(chunk []byte) ([]byte, error) {
	out := chunk
	if p.opts.Compression {
		out = compressChunk(p.opts.CompressionLevel, out)
	}
	if p.cipher != nil {
		sealed, err := p.cipher.Seal(out)
		if err != nil {
			return nil, err
		}
		out = sealed
	}
	return out, nil
}

// Reverse restores one original chunk from its transformed bytes.
func (p *Pipeline) Reverse(chunk []byte) ([]byte, error) {
	out := chunk
	if p.cipher != nil {
		opened, err := p.cipher.Open(out)
		if err != nil {
			return nil, err
		}
		out = opened
	}
	if p.opts.Compression {
		decompressed, err := decompressChunk(out, p.opts.ChunkSize)
		if err != nil {
			return nil, err
		}
		out = decompressed
	}
	return out, nil
}

// Transform reads exactly size bytes from r, writes the transformed
// chunks to w back to back and returns the index describing them.
func (p *Pipeline) Transform(r io.Reader, size int64, w io.Writer) (index.ChunkIndex, error) {
	builder, err := index.NewBuilder(p.opts.ChunkSize, size)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, min(p.opts.ChunkSize, size))
	remaining := size
	var finalSize int64
	for {
		n := min(p.opts.ChunkSize, remaining)
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: input ended %d bytes early", ErrSizeMismatch, remaining)
			}
			return nil, fmt.Errorf("failed to read segment: %w", err)
		}

		out, err := p.Forward(buf[:n])
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(out); err != nil {
			return nil, fmt.Errorf("failed to write transformed chunk: %w", err)
		}

		remaining -= n
		if remaining == 0 {
			finalSize = int64(len(out))
			break
		}
		if err := builder.AddChunk(int64(len(out))); err != nil {
			return nil, err
		}
	}

	if extra, _ := io.ReadFull(r, buf[:1]); extra > 0 {
		return nil, fmt.Errorf("%w: input is longer than %d bytes", ErrSizeMismatch, size)
	}
	return builder.Finish(finalSize)
}

// Transform is a convenience wrapper around NewPipeline and Pipeline.Transform.
func Transform(r io.Reader, size int64, w io.Writer, opts Options) (index.ChunkIndex, error) {
	p, err := NewPipeline(opts)
	if err != nil {
		return nil, err
	}
	return p.Transform(r, size, w)
}

// Detransform reverses a single transformed chunk.
func Detransform(chunk []byte, opts Options) ([]byte, error) {
	p, err := NewPipeline(opts)
	if err != nil {
		return nil, err
	}
	return p.Reverse(chunk)
}
