package index

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedSizeChunkIndex_Layout(t *testing.T) {
	idx, err := NewFixedSizeChunkIndex(100, 1000, 110, 110)
	require.NoError(t, err)

	assert.Equal(t, TypeFixed, idx.Type())
	assert.Equal(t, 10, idx.ChunkCount())
	assert.Equal(t, int64(1100), idx.TransformedSize())

	id, err := idx.FindChunkForOriginalOffset(999)
	require.NoError(t, err)
	assert.Equal(t, 9, id)

	id, err = idx.FindChunkForOriginalOffset(0)
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	_, err = idx.FindChunkForOriginalOffset(1000)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = idx.FindChunkForOriginalOffset(-1)
	assert.ErrorIs(t, err, ErrOutOfRange)

	start, length, err := idx.ChunkPhysicalRange(9)
	require.NoError(t, err)
	assert.Equal(t, int64(990), start)
	assert.Equal(t, int64(110), length)

	_, _, err = idx.ChunkPhysicalRange(10)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, _, err = idx.ChunkPhysicalRange(-1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestFixedSizeChunkIndex_PartialFinalChunk(t *testing.T) {
	// 1050 bytes in 100 byte chunks: 10 full chunks plus a 50 byte tail.
	idx, err := NewFixedSizeChunkIndex(100, 1050, 128, 78)
	require.NoError(t, err)

	assert.Equal(t, 11, idx.ChunkCount())
	assert.Equal(t, int64(10*128+78), idx.TransformedSize())

	id, err := idx.FindChunkForOriginalOffset(1049)
	require.NoError(t, err)
	assert.Equal(t, 10, id)

	start, length, err := idx.ChunkPhysicalRange(10)
	require.NoError(t, err)
	assert.Equal(t, int64(1280), start)
	assert.Equal(t, int64(78), length)

	start, length, err = idx.ChunkOriginalRange(10)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), start)
	assert.Equal(t, int64(50), length)
}

func TestFixedSizeChunkIndex_SingleChunk(t *testing.T) {
	idx, err := NewFixedSizeChunkIndex(4096, 10, 38, 38)
	require.NoError(t, err)

	assert.Equal(t, 1, idx.ChunkCount())
	start, length, err := idx.ChunkPhysicalRange(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(38), length)
}

func TestNewFixedSizeChunkIndex_InvalidLayout(t *testing.T) {
	tests := []struct {
		name                                     string
		origChunk, origFile, trChunk, finalChunk int64
	}{
		{"zero chunk size", 0, 1000, 110, 110},
		{"negative chunk size", -1, 1000, 110, 110},
		{"zero file size", 100, 0, 110, 110},
		{"negative file size", 100, -5, 110, 110},
		{"zero transformed size", 100, 1000, 0, 110},
		{"zero final size", 100, 1000, 110, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFixedSizeChunkIndex(tt.origChunk, tt.origFile, tt.trChunk, tt.finalChunk)
			assert.ErrorIs(t, err, ErrInvalidLayout)
		})
	}
}

func TestChunksForOriginalRange(t *testing.T) {
	idx, err := NewFixedSizeChunkIndex(100, 1000, 110, 110)
	require.NoError(t, err)

	tests := []struct {
		name       string
		start, end int64
		want       []int
	}{
		{"whole segment", 0, 1000, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"inside one chunk", 10, 20, []int{0}},
		{"exact chunk", 100, 200, []int{1}},
		{"spanning boundary", 199, 201, []int{1, 2}},
		{"last byte", 999, 1000, []int{9}},
		{"empty", 500, 500, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := idx.ChunksForOriginalRange(tt.start, tt.end)
			require.NoError(t, err)
			got := slices.Collect(seq)
			assert.Equal(t, tt.want, got)
			// Restartable: a second pass yields the same indices.
			assert.Equal(t, got, slices.Collect(seq))
		})
	}
}

func TestChunksForOriginalRange_InvalidBounds(t *testing.T) {
	idx, err := NewFixedSizeChunkIndex(100, 1000, 110, 110)
	require.NoError(t, err)

	for _, bounds := range [][2]int64{{-1, 10}, {0, 1001}, {20, 10}} {
		_, err := idx.ChunksForOriginalRange(bounds[0], bounds[1])
		assert.ErrorIs(t, err, ErrOutOfRange, "bounds %v", bounds)
	}
}

func TestChunksForOriginalRange_EarlyStop(t *testing.T) {
	idx, err := NewFixedSizeChunkIndex(100, 1000, 110, 110)
	require.NoError(t, err)

	seq, err := idx.ChunksForOriginalRange(0, 1000)
	require.NoError(t, err)

	var seen []int
	for id := range seq {
		seen = append(seen, id)
		if id == 2 {
			break
		}
	}
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestVariableSizeChunkIndex(t *testing.T) {
	idx, err := NewVariableSizeChunkIndex(100, 250, []int64{40, 70, 20})
	require.NoError(t, err)

	assert.Equal(t, TypeVariable, idx.Type())
	assert.Equal(t, 3, idx.ChunkCount())
	assert.Equal(t, int64(130), idx.TransformedSize())

	start, length, err := idx.ChunkPhysicalRange(1)
	require.NoError(t, err)
	assert.Equal(t, int64(40), start)
	assert.Equal(t, int64(70), length)

	start, length, err = idx.ChunkPhysicalRange(2)
	require.NoError(t, err)
	assert.Equal(t, int64(110), start)
	assert.Equal(t, int64(20), length)

	id, err := idx.FindChunkForOriginalOffset(249)
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	chunks := idx.Chunks()
	require.Len(t, chunks, 3)
	assert.Equal(t, Chunk{ID: 2, OriginalPosition: 200, OriginalSize: 50, TransformedPosition: 110, TransformedSize: 20}, chunks[2])
	assert.Equal(t, int64(250), chunks[2].OriginalEnd())
	assert.Equal(t, int64(130), chunks[2].TransformedEnd())
}

func TestNewVariableSizeChunkIndex_InvalidLayout(t *testing.T) {
	_, err := NewVariableSizeChunkIndex(100, 250, []int64{40, 70})
	assert.ErrorIs(t, err, ErrInvalidLayout)

	_, err = NewVariableSizeChunkIndex(100, 250, []int64{40, 0, 20})
	assert.ErrorIs(t, err, ErrInvalidLayout)
}

func TestVariableSizeChunkIndex_CopiesInput(t *testing.T) {
	sizes := []int64{40, 70, 20}
	idx, err := NewVariableSizeChunkIndex(100, 250, sizes)
	require.NoError(t, err)

	sizes[0] = 999
	_, length, err := idx.ChunkPhysicalRange(0)
	require.NoError(t, err)
	assert.Equal(t, int64(40), length)
}

func TestBuilder_UniformSizesProduceFixedIndex(t *testing.T) {
	b, err := NewBuilder(100, 1050)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, b.AddChunk(128))
	}
	ci, err := b.Finish(78)
	require.NoError(t, err)

	fixed, ok := ci.(*FixedSizeChunkIndex)
	require.True(t, ok, "expected fixed index, got %T", ci)
	assert.Equal(t, int64(128), fixed.TransformedChunkSize())
	assert.Equal(t, int64(78), fixed.FinalTransformedChunkSize())
}

func TestBuilder_MixedSizesProduceVariableIndex(t *testing.T) {
	b, err := NewBuilder(100, 300)
	require.NoError(t, err)
	require.NoError(t, b.AddChunk(60))
	require.NoError(t, b.AddChunk(55))
	ci, err := b.Finish(61)
	require.NoError(t, err)

	variable, ok := ci.(*VariableSizeChunkIndex)
	require.True(t, ok, "expected variable index, got %T", ci)
	assert.Equal(t, []int64{60, 55, 61}, variable.TransformedChunkSizes())
}

func TestBuilder_SingleChunk(t *testing.T) {
	b, err := NewBuilder(100, 10)
	require.NoError(t, err)
	assert.Error(t, b.AddChunk(20))

	ci, err := b.Finish(38)
	require.NoError(t, err)
	assert.Equal(t, 1, ci.ChunkCount())
	assert.Equal(t, int64(38), ci.TransformedSize())
}

func TestBuilder_MissingChunks(t *testing.T) {
	b, err := NewBuilder(100, 300)
	require.NoError(t, err)
	require.NoError(t, b.AddChunk(60))

	_, err = b.Finish(60)
	assert.True(t, errors.Is(err, ErrInvalidLayout))
}

func TestEqual(t *testing.T) {
	a, err := NewFixedSizeChunkIndex(100, 1000, 110, 110)
	require.NoError(t, err)
	b, err := NewFixedSizeChunkIndex(100, 1000, 110, 110)
	require.NoError(t, err)
	c, err := NewFixedSizeChunkIndex(100, 1000, 110, 90)
	require.NoError(t, err)
	v, err := NewVariableSizeChunkIndex(100, 1000, []int64{110, 110, 110, 110, 110, 110, 110, 110, 110, 110})
	require.NoError(t, err)

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(a, v), "different variants are never equal")
	assert.False(t, Equal(a, nil))
	assert.True(t, Equal(nil, nil))
}

func TestChunkCount_LargeSizes(t *testing.T) {
	tests := []struct {
		name      string
		chunkSize int64
		fileSize  int64
		want      int
	}{
		{"max chunk and file", math.MaxInt64, math.MaxInt64, 1},
		{"max file, exact multiple", math.MaxInt64 / 7, math.MaxInt64 / 7 * 7, 7},
		{"max file, remainder", 1 << 62, math.MaxInt64, 2},
		{"one byte chunks", 1, 1 << 40, 1 << 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chunkCount(tt.chunkSize, tt.fileSize))
		})
	}
}

func TestFixedSizeChunkIndex_MaxSizes(t *testing.T) {
	ci, err := NewFixedSizeChunkIndex(math.MaxInt64, math.MaxInt64, math.MaxInt64, math.MaxInt64)
	require.NoError(t, err)

	assert.Equal(t, 1, ci.ChunkCount())
	assert.Equal(t, int64(math.MaxInt64), ci.TransformedSize())

	id, err := ci.FindChunkForOriginalOffset(0)
	require.NoError(t, err)
	assert.Equal(t, 0, id)
	id, err = ci.FindChunkForOriginalOffset(math.MaxInt64 - 1)
	require.NoError(t, err)
	assert.Equal(t, 0, id)
}

func TestFixedSizeChunkIndex_TransformedSizeOverflow(t *testing.T) {
	_, err := NewFixedSizeChunkIndex(1, 1<<40, 1<<30, 1<<30)
	assert.ErrorIs(t, err, ErrInvalidLayout)

	_, err = NewFixedSizeChunkIndex(1<<62, math.MaxInt64, math.MaxInt64, 1)
	assert.ErrorIs(t, err, ErrInvalidLayout)

	// The largest layout that still fits.
	ci, err := NewFixedSizeChunkIndex(1<<62, math.MaxInt64, 1<<62, math.MaxInt64-(1<<62))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), ci.TransformedSize())
}

func TestVariableSizeChunkIndex_TransformedSizeOverflow(t *testing.T) {
	_, err := NewVariableSizeChunkIndex(100, 200, []int64{math.MaxInt64, 1})
	assert.ErrorIs(t, err, ErrInvalidLayout)

	ci, err := NewVariableSizeChunkIndex(100, 200, []int64{math.MaxInt64 - 1, 1})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), ci.TransformedSize())
}

func TestNewBuilder_HugeFileSize(t *testing.T) {
	b, err := NewBuilder(1, math.MaxInt64)
	require.NoError(t, err)
	assert.LessOrEqual(t, cap(b.sizes), maxPreallocatedChunks)
}

func TestEqual_ComparesStoredFields(t *testing.T) {
	// A single chunk never reads transformedChunkSize, but it is still
	// part of the layout written to the manifest.
	a, err := NewFixedSizeChunkIndex(100, 50, 999, 60)
	require.NoError(t, err)
	b, err := NewFixedSizeChunkIndex(100, 50, 60, 60)
	require.NoError(t, err)
	assert.False(t, Equal(a, b))
	assert.True(t, Equal(a, a))

	v1, err := NewVariableSizeChunkIndex(100, 250, []int64{90, 95, 40})
	require.NoError(t, err)
	v2, err := NewVariableSizeChunkIndex(100, 250, []int64{90, 95, 40})
	require.NoError(t, err)
	v3, err := NewVariableSizeChunkIndex(100, 250, []int64{95, 90, 40})
	require.NoError(t, err)
	assert.True(t, Equal(v1, v2))
	assert.False(t, Equal(v1, v3))
}

func TestEqual_DoesNotWalkChunks(t *testing.T) {
	// 2^40 chunks; comparing chunk by chunk would never finish.
	a, err := NewFixedSizeChunkIndex(1, 1<<40, 2, 2)
	require.NoError(t, err)
	b, err := NewFixedSizeChunkIndex(1, 1<<40, 2, 2)
	require.NoError(t, err)
	assert.True(t, Equal(a, b))
}
