package index

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
)

const (
	// TypeFixed identifies FixedSizeChunkIndex in encoded manifests.
	TypeFixed = "fixed"
	// TypeVariable identifies VariableSizeChunkIndex in encoded manifests.
	TypeVariable = "variable"
)

var (
	// ErrInvalidLayout is returned when chunk size parameters are non-positive
	// or inconsistent with each other.
	ErrInvalidLayout = errors.New("invalid chunk layout")

	// ErrOutOfRange is returned when an offset or chunk index falls outside
	// the segment.
	ErrOutOfRange = errors.New("out of range")
)

// Chunk describes one chunk of a segment in both coordinate systems.
type Chunk struct {
	ID                  int
	OriginalPosition    int64
	OriginalSize        int64
	TransformedPosition int64
	TransformedSize     int64
}

// OriginalEnd returns the exclusive end of the chunk in the original segment.
func (c Chunk) OriginalEnd() int64 {
	return c.OriginalPosition + c.OriginalSize
}

// TransformedEnd returns the exclusive end of the chunk in the stored object.
func (c Chunk) TransformedEnd() int64 {
	return c.TransformedPosition + c.TransformedSize
}

// ChunkIndex translates logical (original) byte offsets of a segment into
// chunk boundaries of the transformed object held in remote storage.
//
// Implementations are immutable and safe for concurrent use.
type ChunkIndex interface {
	// Type returns the discriminator written to the manifest.
	Type() string

	OriginalChunkSize() int64
	OriginalFileSize() int64

	// TransformedSize returns the total size of the stored object.
	TransformedSize() int64

	// ChunkCount returns ceil(originalFileSize / originalChunkSize).
	ChunkCount() int

	// FindChunkForOriginalOffset returns the chunk holding the logical byte at offset.
	FindChunkForOriginalOffset(offset int64) (int, error)

	// ChunkPhysicalRange returns the start and length of a chunk in the stored object.
	ChunkPhysicalRange(index int) (start, length int64, err error)

	// ChunkOriginalRange returns the start and length of a chunk in the original segment.
	ChunkOriginalRange(index int) (start, length int64, err error)

	// ChunksForOriginalRange returns the chunk indices covering the logical
	// range [start, endExclusive). The sequence may be iterated any number
	// of times.
	ChunksForOriginalRange(start, endExclusive int64) (iter.Seq[int], error)

	// Chunks returns every chunk in order.
	Chunks() []Chunk
}

// Equal reports whether two chunk indexes describe the same layout. Indexes
// are compared by their stored fields, so different variants are never equal.
func Equal(a, b ChunkIndex) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch a := a.(type) {
	case *FixedSizeChunkIndex:
		b, ok := b.(*FixedSizeChunkIndex)
		return ok && a.originalChunkSize == b.originalChunkSize &&
			a.originalFileSize == b.originalFileSize &&
			a.transformedChunkSize == b.transformedChunkSize &&
			a.finalTransformedChunkSize == b.finalTransformedChunkSize
	case *VariableSizeChunkIndex:
		b, ok := b.(*VariableSizeChunkIndex)
		return ok && a.originalChunkSize == b.originalChunkSize &&
			a.originalFileSize == b.originalFileSize &&
			slices.Equal(a.transformedSizes, b.transformedSizes)
	default:
		return false
	}
}

// chunkCount computes ceil(fileSize / chunkSize) for validated inputs.
func chunkCount(chunkSize, fileSize int64) int {
	n := fileSize / chunkSize
	if fileSize%chunkSize != 0 {
		n++
	}
	return int(n)
}

func validateOriginal(originalChunkSize, originalFileSize int64) error {
	if originalChunkSize <= 0 {
		return fmt.Errorf("%w: original chunk size must be positive, got %d", ErrInvalidLayout, originalChunkSize)
	}
	if originalFileSize <= 0 {
		return fmt.Errorf("%w: original file size must be positive, got %d", ErrInvalidLayout, originalFileSize)
	}
	return nil
}

// addSizes returns a+b, failing with ErrInvalidLayout when the stored
// object would be larger than an int64 can address.
func addSizes(a, b int64) (int64, error) {
	if a > math.MaxInt64-b {
		return 0, fmt.Errorf("%w: transformed size overflows", ErrInvalidLayout)
	}
	return a + b, nil
}

// findChunk implements the offset lookup shared by all variants.
func findChunk(originalChunkSize, originalFileSize int64, count int, offset int64) (int, error) {
	if offset < 0 || offset >= originalFileSize {
		return 0, fmt.Errorf("%w: offset %d not in [0, %d)", ErrOutOfRange, offset, originalFileSize)
	}
	id := int(offset / originalChunkSize)
	if id > count-1 {
		id = count - 1
	}
	return id, nil
}

func originalRange(originalChunkSize, originalFileSize int64, count, index int) (int64, int64, error) {
	if index < 0 || index >= count {
		return 0, 0, fmt.Errorf("%w: chunk %d not in [0, %d)", ErrOutOfRange, index, count)
	}
	start := int64(index) * originalChunkSize
	length := originalChunkSize
	if index == count-1 {
		length = originalFileSize - start
	}
	return start, length, nil
}

// chunksForRange builds the lazy sequence shared by all variants.
func chunksForRange(originalChunkSize, originalFileSize int64, count int, start, endExclusive int64) (iter.Seq[int], error) {
	if start < 0 || endExclusive > originalFileSize || start > endExclusive {
		return nil, fmt.Errorf("%w: range [%d, %d) not within [0, %d)", ErrOutOfRange, start, endExclusive, originalFileSize)
	}
	if start == endExclusive {
		return func(func(int) bool) {}, nil
	}
	first, err := findChunk(originalChunkSize, originalFileSize, count, start)
	if err != nil {
		return nil, err
	}
	last, err := findChunk(originalChunkSize, originalFileSize, count, endExclusive-1)
	if err != nil {
		return nil, err
	}
	return func(yield func(int) bool) {
		for id := first; id <= last; id++ {
			if !yield(id) {
				return
			}
		}
	}, nil
}

func collectChunks(ci ChunkIndex) []Chunk {
	chunks := make([]Chunk, 0, ci.ChunkCount())
	for i := 0; i < ci.ChunkCount(); i++ {
		origStart, origLen, _ := ci.ChunkOriginalRange(i)
		physStart, physLen, _ := ci.ChunkPhysicalRange(i)
		chunks = append(chunks, Chunk{
			ID:                  i,
			OriginalPosition:    origStart,
			OriginalSize:        origLen,
			TransformedPosition: physStart,
			TransformedSize:     physLen,
		})
	}
	return chunks
}
