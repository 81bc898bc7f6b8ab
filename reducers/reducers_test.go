package reducers

import (
	"context"
	"testing"

	"github.com/grailbio/variation/variationstore"
	"github.com/grailbio/variation/variationstore/memstore"
	"github.com/grailbio/variation/vcfschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowValueCounterCountAndRatio(t *testing.T) {
	gt := [][][]int32{
		{{0, 0}, {0, 1}, {1, 1}},
		{{vcfschema.MissingInt, vcfschema.MissingInt}, {0, 0}},
	}
	counts := RowValueCounter{Value: 1}.Count(gt)
	assert.Equal(t, []float64{3, 0}, counts)

	ratios := RowValueCounter{Value: 0, Ratio: true}.Count(gt)
	assert.InDelta(t, 3.0/6.0, ratios[0], 1e-9)
	assert.InDelta(t, 2.0/2.0, ratios[1], 1e-9)
}

func TestCountsByRow(t *testing.T) {
	gt := [][][]int32{
		{{0, 1}, {1, 2}},
		{{2, 2}, {vcfschema.MissingInt, 0}},
	}
	counts := CountsByRow(gt, 2)
	assert.Equal(t, []int{1, 2, 1}, counts[0])
	assert.Equal(t, []int{1, 0, 2}, counts[1])
}

func TestHistogramBucketsAndCounts(t *testing.T) {
	h := NewHistogram(4, 0, 8)
	h.AddGT([][][]int32{
		{{0, 2}},
		{{5, vcfschema.MissingInt}},
		{{7, 7}},
	})
	counts := h.Counts()
	assert.Equal(t, 4, len(counts))
	total := 0
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, 5, total) // the one MissingInt entry is excluded
}

func TestHistogramDegenerateRange(t *testing.T) {
	h := NewHistogram(3, 5, 5)
	h.AddGT([][][]int32{{{5, 5}}})
	assert.Equal(t, []int{2, 0, 0}, h.Counts())
}

func fieldChunk(rows int, width int, strs [][]byte) variationstore.FieldChunk {
	shape := []int{rows}
	if width > 1 {
		shape = []int{rows, width}
	}
	return variationstore.FieldChunk{
		Descriptor: variationstore.DatasetDescriptor{DType: vcfschema.DTypeString, Shape: shape},
		Slab:       variationstore.Slab{Bytes: strs},
	}
}

func TestIndelFilterKeepsOnlySNPs(t *testing.T) {
	chunk := variationstore.Chunk{
		Rows: 3,
		Fields: map[string]variationstore.FieldChunk{
			"ref": fieldChunk(3, 1, [][]byte{[]byte("A"), []byte("AT"), []byte("G")}),
			"alt": fieldChunk(3, 2, [][]byte{
				[]byte("T"), {}, // row0: single-char ALT, one unused slot
				[]byte("TT"), {}, // row1: indel ALT
				[]byte("C"), []byte("G"), // row2: two single-char ALTs
			}),
		},
	}
	selected, err := IndelFilter{}.Select(chunk)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, selected)
}

func TestIndelFilterPassThroughWithoutRefAlt(t *testing.T) {
	chunk := variationstore.Chunk{Rows: 2, Fields: map[string]variationstore.FieldChunk{}}
	selected, err := IndelFilter{}.Select(chunk)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, selected)
}

func TestSelectAllAggregatesAcrossChunks(t *testing.T) {
	s := memstore.New()
	require.NoError(t, s.Create(context.Background(), []string{"s1"}, 2))
	mk := func(ref []byte, alt [][]byte) variationstore.Chunk {
		return variationstore.Chunk{
			Rows: 1,
			Fields: map[string]variationstore.FieldChunk{
				"ref": fieldChunk(1, 1, [][]byte{ref}),
				"alt": fieldChunk(1, 1, alt),
			},
		}
	}
	require.NoError(t, s.AppendChunk(context.Background(), mk([]byte("A"), [][]byte{[]byte("T")})))
	require.NoError(t, s.AppendChunk(context.Background(), mk([]byte("AT"), [][]byte{[]byte("A")})))
	require.NoError(t, s.AppendChunk(context.Background(), mk([]byte("G"), [][]byte{[]byte("C")})))

	selected, dropped, err := SelectAll(context.Background(), s, IndelFilter{})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, selected)
	assert.Equal(t, 1, dropped)
}
