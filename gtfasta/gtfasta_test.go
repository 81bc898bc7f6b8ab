package gtfasta

import (
	"bytes"
	"context"
	"testing"

	"github.com/grailbio/variation/variationstore"
	"github.com/grailbio/variation/variationstore/memstore"
	"github.com/grailbio/variation/vcfschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixAlleleLengthsEqualLengthPassThrough(t *testing.T) {
	out, err := fixAlleleLengths([][]byte{[]byte("A"), []byte("G")}, false, true, hyphenAligner{})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("A"), []byte("G")}, out)
}

func TestFixAlleleLengthsDisabledReturnsUnchanged(t *testing.T) {
	in := [][]byte{[]byte("A"), []byte("ATGC")}
	out, err := fixAlleleLengths(in, false, false, hyphenAligner{})
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFixAlleleLengthsHyphenPadsSingleExtraChar(t *testing.T) {
	out, err := fixAlleleLengths([][]byte{[]byte("A"), []byte("AT")}, false, true, hyphenAligner{})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("A-"), []byte("AT")}, out)
}

func TestFixAlleleLengthsTooDifficultWithoutAligner(t *testing.T) {
	_, err := fixAlleleLengths([][]byte{[]byte("A"), []byte("ATGC")}, false, true, hyphenAligner{})
	assert.Equal(t, ErrAlignmentTooDifficult, err)
}

type stubAligner struct {
	out [][]byte
	err error
}

func (s stubAligner) Align(alleles [][]byte) ([][]byte, error) { return s.out, s.err }

func TestFixAlleleLengthsUsesInjectedAligner(t *testing.T) {
	aligner := stubAligner{out: [][]byte{[]byte("A--"), []byte("ATG")}}
	out, err := fixAlleleLengths([][]byte{[]byte("A"), []byte("ATG")}, true, true, aligner)
	require.NoError(t, err)
	assert.Equal(t, aligner.out, out)
}

func TestFixAlleleLengthsAlignerMismatchedWidthFails(t *testing.T) {
	aligner := stubAligner{out: [][]byte{[]byte("A"), []byte("ATG")}}
	_, err := fixAlleleLengths([][]byte{[]byte("A"), []byte("ATG")}, true, true, aligner)
	assert.Equal(t, ErrAlignmentTooDifficult, err)
}

func TestSiteKeepMaskInvariantAndAllN(t *testing.T) {
	gt := [][][]int32{
		{{0, 0}, {0, 0}},                                               // invariant: only allele 0 ever seen
		{{0, 1}, {1, 1}},                                               // variant
		{{vcfschema.MissingInt, vcfschema.MissingInt}, {vcfschema.MissingInt, vcfschema.MissingInt}}, // all missing
	}
	keep := siteKeepMask(gt, true, true)
	assert.Equal(t, []bool{false, true, false}, keep)
}

func TestCollapseHetsToMissing(t *testing.T) {
	gt := [][][]int32{
		{{0, 0}, {0, 1}}, // sample0 hom -> keep 0; sample1 het -> missing
	}
	out := collapseHetsToMissing(gt)
	require.Len(t, out, 1)
	assert.Equal(t, []int32{0}, out[0][0])
	assert.Equal(t, []int32{vcfschema.MissingInt}, out[0][1])
}

func buildStore(t *testing.T) variationstore.Store {
	s := memstore.New()
	require.NoError(t, s.Create(context.Background(), []string{"s1"}, 10))
	chunk := variationstore.Chunk{
		Rows: 2,
		Fields: map[string]variationstore.FieldChunk{
			"ref": {
				Descriptor: variationstore.DatasetDescriptor{DType: vcfschema.DTypeString, Shape: []int{2}},
				Slab:       variationstore.Slab{Bytes: [][]byte{[]byte("A"), []byte("G")}},
			},
			"alt": {
				Descriptor: variationstore.DatasetDescriptor{DType: vcfschema.DTypeString, Shape: []int{2}},
				Slab:       variationstore.Slab{Bytes: [][]byte{[]byte("C"), []byte("T")}},
			},
			"calls/GT": {
				Descriptor: variationstore.DatasetDescriptor{DType: vcfschema.DTypeInt32, Shape: []int{2, 1, 2}},
				Slab:       variationstore.Slab{Int32: []int32{0, 1, 1, 1}},
			},
		},
	}
	require.NoError(t, s.AppendChunk(context.Background(), chunk))
	return s
}

func TestWriteProducesPerHaplotypeFasta(t *testing.T) {
	s := buildStore(t)
	var buf bytes.Buffer
	stats, err := Write(context.Background(), s, &buf, Options{})
	require.NoError(t, err)
	assert.Equal(t, Stats{SNPsTried: 2, SNPsWritten: 2}, stats)
	assert.Equal(t, ">s1_hap1\nAT\n>s1_hap2\nCT\n", buf.String())
}

func TestWriteMissingRequiredFieldErrors(t *testing.T) {
	s := memstore.New()
	require.NoError(t, s.Create(context.Background(), []string{"s1"}, 10))
	var buf bytes.Buffer
	_, err := Write(context.Background(), s, &buf, Options{})
	assert.Error(t, err)
}
