package index

import "fmt"

// maxPreallocatedChunks bounds the initial size slice so that a bogus file
// size cannot force a huge allocation up front.
const maxPreallocatedChunks = 4096

// Builder collects transformed chunk sizes while a segment is being
// transformed and produces the most compact ChunkIndex describing them.
type Builder struct {
	originalChunkSize int64
	originalFileSize  int64
	expected          int
	sizes             []int64
}

// NewBuilder returns a builder for a segment of the given original layout.
func NewBuilder(originalChunkSize, originalFileSize int64) (*Builder, error) {
	if err := validateOriginal(originalChunkSize, originalFileSize); err != nil {
		return nil, err
	}
	expected := chunkCount(originalChunkSize, originalFileSize)
	return &Builder{
		originalChunkSize: originalChunkSize,
		originalFileSize:  originalFileSize,
		expected:          expected,
		sizes:             make([]int64, 0, min(expected, maxPreallocatedChunks)),
	}, nil
}

// AddChunk records the transformed size of the next non-final chunk.
func (b *Builder) AddChunk(transformedSize int64) error {
	if len(b.sizes) >= b.expected-1 {
		return fmt.Errorf("%w: chunk %d is the final chunk, use Finish", ErrInvalidLayout, len(b.sizes))
	}
	if transformedSize <= 0 {
		return fmt.Errorf("%w: transformed size must be positive, got %d", ErrInvalidLayout, transformedSize)
	}
	b.sizes = append(b.sizes, transformedSize)
	return nil
}

// Finish records the final chunk and returns a fixed-size index when every
// non-final chunk has the same transformed size, a variable-size index otherwise.
func (b *Builder) Finish(finalTransformedSize int64) (ChunkIndex, error) {
	if len(b.sizes) != b.expected-1 {
		return nil, fmt.Errorf("%w: %d chunks added, expected %d before the final chunk", ErrInvalidLayout, len(b.sizes), b.expected-1)
	}
	sizes := append(b.sizes, finalTransformedSize)
	b.sizes = nil

	if uniform(sizes[:len(sizes)-1]) {
		transformedChunkSize := finalTransformedSize
		if len(sizes) > 1 {
			transformedChunkSize = sizes[0]
		}
		return NewFixedSizeChunkIndex(b.originalChunkSize, b.originalFileSize, transformedChunkSize, finalTransformedSize)
	}
	return NewVariableSizeChunkIndex(b.originalChunkSize, b.originalFileSize, sizes)
}

func uniform(sizes []int64) bool {
	for _, s := range sizes {
		if s != sizes[0] {
			return false
		}
	}
	return true
}
