package index

import (
	"fmt"
	"iter"
	"math"
)

// FixedSizeChunkIndex describes a segment whose transformed chunks all have
// the same size, except possibly the last one.
type FixedSizeChunkIndex struct {
	originalChunkSize         int64
	originalFileSize          int64
	transformedChunkSize      int64
	finalTransformedChunkSize int64
	count                     int
}

// NewFixedSizeChunkIndex validates the size parameters and returns the index.
func NewFixedSizeChunkIndex(originalChunkSize, originalFileSize, transformedChunkSize, finalTransformedChunkSize int64) (*FixedSizeChunkIndex, error) {
	if err := validateOriginal(originalChunkSize, originalFileSize); err != nil {
		return nil, err
	}
	if transformedChunkSize <= 0 {
		return nil, fmt.Errorf("%w: transformed chunk size must be positive, got %d", ErrInvalidLayout, transformedChunkSize)
	}
	if finalTransformedChunkSize <= 0 {
		return nil, fmt.Errorf("%w: final transformed chunk size must be positive, got %d", ErrInvalidLayout, finalTransformedChunkSize)
	}
	count := chunkCount(originalChunkSize, originalFileSize)
	// The last chunk starts at (count-1)*transformedChunkSize.
	if int64(count-1) > (math.MaxInt64-finalTransformedChunkSize)/transformedChunkSize {
		return nil, fmt.Errorf("%w: transformed size of %d chunks overflows", ErrInvalidLayout, count)
	}
	return &FixedSizeChunkIndex{
		originalChunkSize:         originalChunkSize,
		originalFileSize:          originalFileSize,
		transformedChunkSize:      transformedChunkSize,
		finalTransformedChunkSize: finalTransformedChunkSize,
		count:                     count,
	}, nil
}

func (f *FixedSizeChunkIndex) Type() string { return TypeFixed }

func (f *FixedSizeChunkIndex) OriginalChunkSize() int64 { return f.originalChunkSize }

func (f *FixedSizeChunkIndex) OriginalFileSize() int64 { return f.originalFileSize }

// TransformedChunkSize returns the stored size of every chunk but the last.
func (f *FixedSizeChunkIndex) TransformedChunkSize() int64 { return f.transformedChunkSize }

// FinalTransformedChunkSize returns the stored size of the last chunk.
func (f *FixedSizeChunkIndex) FinalTransformedChunkSize() int64 { return f.finalTransformedChunkSize }

func (f *FixedSizeChunkIndex) ChunkCount() int { return f.count }

func (f *FixedSizeChunkIndex) TransformedSize() int64 {
	return int64(f.count-1)*f.transformedChunkSize + f.finalTransformedChunkSize
}

func (f *FixedSizeChunkIndex) FindChunkForOriginalOffset(offset int64) (int, error) {
	return findChunk(f.originalChunkSize, f.originalFileSize, f.count, offset)
}

func (f *FixedSizeChunkIndex) ChunkPhysicalRange(index int) (int64, int64, error) {
	if index < 0 || index >= f.count {
		return 0, 0, fmt.Errorf("%w: chunk %d not in [0, %d)", ErrOutOfRange, index, f.count)
	}
	start := int64(index) * f.transformedChunkSize
	if index == f.count-1 {
		return start, f.finalTransformedChunkSize, nil
	}
	return start, f.transformedChunkSize, nil
}

func (f *FixedSizeChunkIndex) ChunkOriginalRange(index int) (int64, int64, error) {
	return originalRange(f.originalChunkSize, f.originalFileSize, f.count, index)
}

func (f *FixedSizeChunkIndex) ChunksForOriginalRange(start, endExclusive int64) (iter.Seq[int], error) {
	return chunksForRange(f.originalChunkSize, f.originalFileSize, f.count, start, endExclusive)
}

func (f *FixedSizeChunkIndex) Chunks() []Chunk { return collectChunks(f) }

func (f *FixedSizeChunkIndex) String() string {
	return fmt.Sprintf("FixedSizeChunkIndex(originalChunkSize=%d, originalFileSize=%d, transformedChunkSize=%d, finalTransformedChunkSize=%d)",
		f.originalChunkSize, f.originalFileSize, f.transformedChunkSize, f.finalTransformedChunkSize)
}
