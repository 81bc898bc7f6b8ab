package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/grailbio/variation/variationstore"
	"github.com/grailbio/variation/vcferrors"
	"github.com/grailbio/variation/vcfschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture builds one Chunk with one row per entry of positions, each row's
// chromosome taken from chroms, plus a calls/GT dataset of shape
// [rows, samples, ploidy] whose values are supplied row-major
// (row, sample, allele).
func fixture(chroms []string, positions []int32, samples int, ploidy int, gt []int32) variationstore.Chunk {
	rows := len(positions)
	chromBytes := make([][]byte, rows)
	for i, c := range chroms {
		chromBytes[i] = []byte(c)
	}
	return variationstore.Chunk{
		Rows: rows,
		Fields: map[string]variationstore.FieldChunk{
			"chrom": {
				Descriptor: variationstore.DatasetDescriptor{Path: "chrom", DType: vcfschema.DTypeString, Shape: []int{rows}},
				Slab:       variationstore.Slab{Bytes: chromBytes},
			},
			"pos": {
				Descriptor: variationstore.DatasetDescriptor{Path: "pos", DType: vcfschema.DTypeInt32, Shape: []int{rows}},
				Slab:       variationstore.Slab{Int32: positions},
			},
			"calls/GT": {
				Descriptor: variationstore.DatasetDescriptor{Path: "calls/GT", DType: vcfschema.DTypeInt32, Shape: []int{rows, samples, ploidy}},
				Slab:       variationstore.Slab{Int32: gt},
			},
		},
	}
}

func TestAppendChunkAndGet(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), []string{"s1", "s2"}, 2))

	chunk := fixture([]string{"chr1", "chr1"}, []int32{100, 200}, 2, 2,
		[]int32{0, 0, 0, 1, 0, 1, 1, 1})
	require.NoError(t, s.AppendChunk(context.Background(), chunk))
	assert.Equal(t, 2, s.NumVariations())
	assert.Equal(t, []string{"s1", "s2"}, s.Samples())

	fc, err := s.Get(context.Background(), "pos")
	require.NoError(t, err)
	assert.Equal(t, []int32{100, 200}, fc.Slab.Int32)
	assert.Equal(t, []int{2}, fc.Descriptor.Shape)
}

func TestAppendChunkGrowsAcrossMultipleChunks(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), []string{"s1"}, 1))

	for i := 0; i < 5; i++ {
		chunk := fixture([]string{"chr1"}, []int32{int32(i + 1)}, 1, 2, []int32{0, 1})
		require.NoError(t, s.AppendChunk(context.Background(), chunk))
	}
	assert.Equal(t, 5, s.NumVariations())
	fc, err := s.Get(context.Background(), "pos")
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3, 4, 5}, fc.Slab.Int32)
}

func TestAppendChunkShapeMismatch(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), []string{"s1"}, 2))
	chunk := fixture([]string{"chr1"}, []int32{1}, 1, 2, []int32{0, 1})
	chunk.Rows = 2 // disagrees with every field's actual row count
	err := s.AppendChunk(context.Background(), chunk)
	require.Error(t, err)
	var shapeErr vcferrors.ShapeError
	assert.True(t, errors.As(err, &shapeErr))
}

func TestRowAtPosition(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), []string{"s1"}, 10))
	chunk := fixture([]string{"chr1", "chr1", "chr2"}, []int32{100, 200, 100}, 1, 2,
		[]int32{0, 0, 0, 1, 1, 1})
	require.NoError(t, s.AppendChunk(context.Background(), chunk))

	assert.Equal(t, 1, s.RowAtPosition([]byte("chr1"), 200))
	assert.Equal(t, 2, s.RowAtPosition([]byte("chr2"), 100))
	assert.Equal(t, -1, s.RowAtPosition([]byte("chr1"), 999))
}

func TestGTsAsMat012(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), []string{"s1", "s2"}, 10))
	// row0: s1=0/0 (hom ref -> 0), s2=0/1 (het -> 1)
	// row1: s1=1/1 (hom alt -> 2), s2=./. (missing -> -1)
	chunk := fixture([]string{"chr1", "chr1"}, []int32{1, 2}, 2, 2,
		[]int32{0, 0, 0, 1, 1, 1, vcfschema.MissingInt, vcfschema.MissingInt})
	require.NoError(t, s.AppendChunk(context.Background(), chunk))

	mat, err := s.GTsAsMat012(context.Background())
	require.NoError(t, err)
	require.Len(t, mat, 2)
	assert.Equal(t, []int8{0, 1}, mat[0])
	assert.Equal(t, []int8{2, -1}, mat[1])
}

func TestGetRandomHaploidGTsDeterministicForSeed(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), []string{"s1"}, 10))
	chunk := fixture([]string{"chr1"}, []int32{1}, 1, 2, []int32{3, 7})
	require.NoError(t, s.AppendChunk(context.Background(), chunk))

	a, err := s.GetRandomHaploidGTs(context.Background(), 42)
	require.NoError(t, err)
	b, err := s.GetRandomHaploidGTs(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Contains(t, []int32{3, 7}, a[0][0])
}

func TestIterateChunks(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), []string{"s1"}, 2))
	for i := 0; i < 5; i++ {
		chunk := fixture([]string{"chr1"}, []int32{int32(i + 1)}, 1, 2, []int32{0, 0})
		require.NoError(t, s.AppendChunk(context.Background(), chunk))
	}

	it := s.IterateChunks(context.Background(), variationstore.IterOptions{ChunkSize: 2})
	var total int
	var sizes []int
	for {
		c, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		total += c.Rows
		sizes = append(sizes, c.Rows)
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestIterateChromsAndWins(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), []string{"s1"}, 10))
	chunk := fixture(
		[]string{"chr1", "chr1", "chr1", "chr2"},
		[]int32{10, 60, 110, 5},
		1, 2,
		[]int32{0, 0, 0, 0, 0, 0, 0, 0},
	)
	require.NoError(t, s.AppendChunk(context.Background(), chunk))

	chromIt := s.IterateChroms(context.Background())
	var chroms []string
	var rowsPerChrom []int
	for {
		chrom, c, ok, err := chromIt.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		chroms = append(chroms, string(chrom))
		rowsPerChrom = append(rowsPerChrom, c.Rows)
	}
	assert.Equal(t, []string{"chr1", "chr2"}, chroms)
	assert.Equal(t, []int{3, 1}, rowsPerChrom)

	winIt := s.IterateWins(context.Background(), 50)
	var winSizes []int
	for {
		c, ok, err := winIt.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		winSizes = append(winSizes, c.Rows)
	}
	// chr1: [10] in [0,50), [60,110] in [50,100) and [100,150) respectively;
	// chr2: [5] in its own window.
	assert.Equal(t, []int{1, 1, 1, 1}, winSizes)
}

func TestIterateChunkPairsSameChromosomeWithinMaxDist(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), []string{"s1"}, 10))
	chunk := fixture(
		[]string{"chr1", "chr1", "chr1", "chr2"},
		[]int32{10, 20, 500, 10},
		1, 2,
		[]int32{0, 0, 0, 0, 0, 0, 0, 0},
	)
	require.NoError(t, s.AppendChunk(context.Background(), chunk))

	it := s.IterateChunkPairs(context.Background(), 100, 1)
	var pairs int
	for {
		a, b, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		pairs++
		assert.Equal(t, 1, a.Rows)
		assert.Equal(t, 1, b.Rows)
	}
	// Every chunk pairs with itself, (row0,row1) also qualifies (10,20 within
	// 100), but row2 (pos 500) is too far from both and chr2's row is on a
	// different chromosome from everything else.
	assert.Equal(t, 5, pairs)
}

func TestCopyPreservesDataAndProjectsFields(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), []string{"s1"}, 10))
	chunk := fixture([]string{"chr1", "chr1"}, []int32{1, 2}, 1, 2, []int32{0, 0, 1, 1})
	require.NoError(t, s.AppendChunk(context.Background(), chunk))

	dst := New()
	require.NoError(t, s.Copy(context.Background(), dst, []string{"pos"}))
	assert.Equal(t, 2, dst.NumVariations())
	_, err := dst.Get(context.Background(), "pos")
	require.NoError(t, err)
	_, err = dst.Get(context.Background(), "chrom")
	assert.Error(t, err)
}

func TestDeleteUnknownField(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), []string{"s1"}, 10))
	assert.Error(t, s.Delete(context.Background(), "nope"))
}

func TestAlleleCount(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), []string{"s1", "s2"}, 10))
	chunk := fixture([]string{"chr1"}, []int32{1}, 2, 2,
		[]int32{0, 1, 1, 1})
	require.NoError(t, s.AppendChunk(context.Background(), chunk))

	hist, err := s.AlleleCount(context.Background())
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 1, hist[0][0])
	assert.Equal(t, 3, hist[0][1])
}
