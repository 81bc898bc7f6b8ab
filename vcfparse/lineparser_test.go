package vcfparse

import (
	"strings"
	"testing"

	"github.com/grailbio/variation/vcfschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHeader = `##fileformat=VCFv4.2
##INFO=<ID=DP,Number=1,Type=Integer,Description="Depth">
##INFO=<ID=AC,Number=A,Type=Integer,Description="Allele count">
##FILTER=<ID=LowQual,Description="Low quality">
##FORMAT=<ID=GT,Number=1,Type=String,Description="Genotype">
##FORMAT=<ID=DP,Number=1,Type=Integer,Description="Depth">
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	s1	s2
`

func mustSchema(t *testing.T) *vcfschema.Schema {
	schema, _, err := vcfschema.ParseHeader(strings.NewReader(testHeader))
	require.NoError(t, err)
	return schema
}

func TestParseSimpleLine(t *testing.T) {
	schema := mustSchema(t)
	p := NewLineParser(schema, NewWidthAccumulator(), 2)
	line := []byte("chr1\t100\trs1\tA\tG,T\t99.5\tPASS\tDP=10;AC=3,1\tGT:DP\t0/1:30\t1/1:25")
	rec, err := p.Parse(line, 1)
	require.NoError(t, err)

	assert.Equal(t, []byte("chr1"), rec.Chrom)
	assert.Equal(t, int32(100), rec.Pos)
	assert.Equal(t, []byte("rs1"), rec.ID)
	assert.Equal(t, []byte("A"), rec.Ref)
	assert.Equal(t, [][]byte{[]byte("G"), []byte("T")}, rec.Alt)
	assert.InDelta(t, 99.5, rec.Qual, 1e-6)
	assert.False(t, rec.Filter.Absent)
	assert.Empty(t, rec.Filter.Tags)
	assert.Equal(t, int32(10), rec.Info["DP"])
	assert.Equal(t, []int32{3, 1}, rec.Info["AC"])

	require.Len(t, rec.Calls, 2)
	assert.Equal(t, "GT", rec.Calls[0].Tag)
	assert.Equal(t, []int32{0, 1}, rec.Calls[0].Values[0])
	assert.Equal(t, []int32{1, 1}, rec.Calls[0].Values[1])
	assert.Equal(t, "DP", rec.Calls[1].Tag)
	assert.Equal(t, int32(30), rec.Calls[1].Values[0])
}

func TestParseFilterStates(t *testing.T) {
	schema := mustSchema(t)
	p := NewLineParser(schema, NewWidthAccumulator(), 2)

	line := []byte("chr1\t1\t.\tA\t.\t.\t.\t.\tGT\t0/0")
	rec, err := p.Parse(line, 1)
	require.NoError(t, err)
	assert.True(t, rec.Filter.Absent)
	assert.Nil(t, rec.ID)
	assert.Nil(t, rec.Alt)

	line = []byte("chr1\t2\t.\tA\tG\t.\tLowQual;q10\t.\tGT\t0/0")
	rec, err = p.Parse(line, 2)
	require.NoError(t, err)
	assert.False(t, rec.Filter.Absent)
	assert.Equal(t, [][]byte{[]byte("LowQual"), []byte("q10")}, rec.Filter.Tags)

	// PASS coexisting with an explicit tag: PASS is ignored (Open Question iii).
	line = []byte("chr1\t3\t.\tA\tG\t.\tPASS;LowQual\t.\tGT\t0/0")
	rec, err = p.Parse(line, 3)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("LowQual")}, rec.Filter.Tags)
}

func TestParseGTSeparatorsAndMissing(t *testing.T) {
	schema := mustSchema(t)
	p := NewLineParser(schema, NewWidthAccumulator(), 2)

	line := []byte("chr1\t1\t.\tA\tG\t.\t.\t.\tGT\t0|1\t.\t./1")
	rec, err := p.Parse(line, 1)
	require.NoError(t, err)
	require.Len(t, rec.Calls[0].Values, 3)
	assert.Equal(t, []int32{0, 1}, rec.Calls[0].Values[0])
	assert.Equal(t, []int32{vcfschema.MissingInt, vcfschema.MissingInt}, rec.Calls[0].Values[1])
	assert.Equal(t, []int32{vcfschema.MissingInt, 1}, rec.Calls[0].Values[2])
}

func TestParseUnknownInfoTag(t *testing.T) {
	schema := mustSchema(t)
	p := NewLineParser(schema, NewWidthAccumulator(), 2)
	line := []byte("chr1\t1\t.\tA\tG\t.\t.\tBOGUS=1\tGT\t0/0")
	_, err := p.Parse(line, 1)
	assert.Error(t, err)
}

func TestParseTooFewColumns(t *testing.T) {
	schema := mustSchema(t)
	p := NewLineParser(schema, NewWidthAccumulator(), 2)
	_, err := p.Parse([]byte("chr1\t1\t.\tA"), 1)
	assert.Error(t, err)
}

func TestWidthAccumulatorObserve(t *testing.T) {
	schema := mustSchema(t)
	w := NewWidthAccumulator()
	p := NewLineParser(schema, w, 2)
	line := []byte("chr1\t1\t.\tA\tG,T,C\t.\t.\tAC=1,2,3\tGT\t0/1")
	rec, err := p.Parse(line, 1)
	require.NoError(t, err)
	w.Observe(rec)
	assert.Equal(t, 3, w.MaxArity["alt"])
	assert.Equal(t, 3, w.MaxArity["info/AC"])
}

func TestWidthAccumulatorFreeze(t *testing.T) {
	w := NewWidthAccumulator()
	w.bumpArity("alt", 2)
	w.Freeze()
	w.bumpArity("alt", 5)
	assert.Equal(t, 2, w.MaxArity["alt"])
}
