package index

import (
	"fmt"
	"iter"
	"slices"
)

// VariableSizeChunkIndex describes a segment whose transformed chunks have
// arbitrary sizes, as produced by compression.
type VariableSizeChunkIndex struct {
	originalChunkSize int64
	originalFileSize  int64
	transformedSizes  []int64
	// offsets[i] is the physical start of chunk i; offsets[len] is the total size.
	offsets []int64
}

// NewVariableSizeChunkIndex validates the sizes and returns the index. The
// number of transformed sizes must equal ceil(originalFileSize/originalChunkSize).
func NewVariableSizeChunkIndex(originalChunkSize, originalFileSize int64, transformedChunkSizes []int64) (*VariableSizeChunkIndex, error) {
	if err := validateOriginal(originalChunkSize, originalFileSize); err != nil {
		return nil, err
	}
	want := chunkCount(originalChunkSize, originalFileSize)
	if len(transformedChunkSizes) != want {
		return nil, fmt.Errorf("%w: expected %d transformed chunk sizes, got %d", ErrInvalidLayout, want, len(transformedChunkSizes))
	}
	offsets := make([]int64, len(transformedChunkSizes)+1)
	for i, size := range transformedChunkSizes {
		if size <= 0 {
			return nil, fmt.Errorf("%w: transformed size of chunk %d must be positive, got %d", ErrInvalidLayout, i, size)
		}
		end, err := addSizes(offsets[i], size)
		if err != nil {
			return nil, err
		}
		offsets[i+1] = end
	}
	return &VariableSizeChunkIndex{
		originalChunkSize: originalChunkSize,
		originalFileSize:  originalFileSize,
		transformedSizes:  slices.Clone(transformedChunkSizes),
		offsets:           offsets,
	}, nil
}

func (v *VariableSizeChunkIndex) Type() string { return TypeVariable }

func (v *VariableSizeChunkIndex) OriginalChunkSize() int64 { return v.originalChunkSize }

func (v *VariableSizeChunkIndex) OriginalFileSize() int64 { return v.originalFileSize }

// TransformedChunkSizes returns a copy of the per-chunk stored sizes.
func (v *VariableSizeChunkIndex) TransformedChunkSizes() []int64 {
	return slices.Clone(v.transformedSizes)
}

func (v *VariableSizeChunkIndex) ChunkCount() int { return len(v.transformedSizes) }

func (v *VariableSizeChunkIndex) TransformedSize() int64 { return v.offsets[len(v.offsets)-1] }

func (v *VariableSizeChunkIndex) FindChunkForOriginalOffset(offset int64) (int, error) {
	return findChunk(v.originalChunkSize, v.originalFileSize, v.ChunkCount(), offset)
}

func (v *VariableSizeChunkIndex) ChunkPhysicalRange(index int) (int64, int64, error) {
	if index < 0 || index >= v.ChunkCount() {
		return 0, 0, fmt.Errorf("%w: chunk %d not in [0, %d)", ErrOutOfRange, index, v.ChunkCount())
	}
	return v.offsets[index], v.transformedSizes[index], nil
}

func (v *VariableSizeChunkIndex) ChunkOriginalRange(index int) (int64, int64, error) {
	return originalRange(v.originalChunkSize, v.originalFileSize, v.ChunkCount(), index)
}

func (v *VariableSizeChunkIndex) ChunksForOriginalRange(start, endExclusive int64) (iter.Seq[int], error) {
	return chunksForRange(v.originalChunkSize, v.originalFileSize, v.ChunkCount(), start, endExclusive)
}

func (v *VariableSizeChunkIndex) Chunks() []Chunk { return collectChunks(v) }

func (v *VariableSizeChunkIndex) String() string {
	return fmt.Sprintf("VariableSizeChunkIndex(originalChunkSize=%d, originalFileSize=%d, chunks=%d, transformedSize=%d)",
		v.originalChunkSize, v.originalFileSize, v.ChunkCount(), v.TransformedSize())
}
