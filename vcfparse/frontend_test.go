package vcfparse

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const diploidVCF = `##fileformat=VCFv4.2
##INFO=<ID=DP,Number=1,Type=Integer,Description="Depth">
##FORMAT=<ID=GT,Number=1,Type=String,Description="Genotype">
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	s1	s2
chr1	1	.	A	G	.	.	.	GT	0/0	.
chr1	2	.	A	G,T	.	.	DP=5	GT	0/1	1|1
chr1	3	.	A	G	.	.	.	GT	1/1	0/0
`

func readAll(t *testing.T, rd *Reader) []*Record {
	var out []*Record
	for {
		rec, err := rd.Next(context.Background())
		require.NoError(t, err)
		if rec == nil {
			break
		}
		out = append(out, rec)
	}
	return out
}

func TestOpenDetectsDiploidPloidy(t *testing.T) {
	rd, err := Open(strings.NewReader(diploidVCF), false)
	require.NoError(t, err)
	assert.Equal(t, 2, rd.Ploidy)

	recs := readAll(t, rd)
	require.Len(t, recs, 3)
	assert.Equal(t, int32(1), recs[0].Pos)
	assert.Equal(t, int32(3), recs[2].Pos)
}

func TestOpenPloidyDefaultsWhenNoCalls(t *testing.T) {
	const noGT = `##fileformat=VCFv4.2
##FORMAT=<ID=DP,Number=1,Type=Integer,Description="Depth">
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	s1
chr1	1	.	A	G	.	.	.	DP	30
`
	rd, err := Open(strings.NewReader(noGT), false)
	require.NoError(t, err)
	assert.Equal(t, 2, rd.Ploidy)
}

func TestOptMaxNVars(t *testing.T) {
	rd, err := Open(strings.NewReader(diploidVCF), false, OptMaxNVars(2))
	require.NoError(t, err)
	recs := readAll(t, rd)
	assert.Len(t, recs, 2)
}

func TestOptIgnoreExcessAlt(t *testing.T) {
	rd, err := Open(strings.NewReader(diploidVCF), false, OptIgnoreExcessAlt(1))
	require.NoError(t, err)
	recs := readAll(t, rd)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.LessOrEqual(t, len(r.Alt), 1)
	}
}

func TestOptKeptAndIgnoredFieldsMutuallyExclusive(t *testing.T) {
	_, err := Open(strings.NewReader(diploidVCF), false,
		OptKeptFields([]string{"chrom"}), OptIgnoredFields([]string{"info/DP"}))
	assert.Error(t, err)
}

func TestOptWorkersPreservesOrder(t *testing.T) {
	// Disable the pre-read cache so records are actually drained through the
	// worker pool instead of being satisfied from the cache alone.
	rd, err := Open(strings.NewReader(diploidVCF), false, OptPreReadMaxSize(0), OptWorkers(4, 2))
	require.NoError(t, err)
	recs := readAll(t, rd)
	require.Len(t, recs, 3)
	assert.Equal(t, int32(1), recs[0].Pos)
	assert.Equal(t, int32(2), recs[1].Pos)
	assert.Equal(t, int32(3), recs[2].Pos)
}

func TestOptWorkersWithPreReadCacheDiscoversWidths(t *testing.T) {
	// Regression test: worker-pool fan-out combined with a live (non-zero)
	// pre-read budget must still discover every variable field's width from
	// the pre-read pass before freezing the accumulator, so a multi-allelic
	// ALT is not silently shaped down to a scalar.
	rd, err := Open(strings.NewReader(diploidVCF), false, OptWorkers(4, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, rd.Widths.MaxArity["alt"])

	recs := readAll(t, rd)
	require.Len(t, recs, 3)
	assert.Equal(t, int32(1), recs[0].Pos)
	assert.Equal(t, int32(2), recs[1].Pos)
	assert.Equal(t, int32(3), recs[2].Pos)
	require.Len(t, recs[1].Alt, 2)
	assert.Equal(t, "G", string(recs[1].Alt[0]))
	assert.Equal(t, "T", string(recs[1].Alt[1]))
}

func TestOptPreReadMaxSizeZeroDisablesCache(t *testing.T) {
	rd, err := Open(strings.NewReader(diploidVCF), false, OptPreReadMaxSize(0))
	require.NoError(t, err)
	recs := readAll(t, rd)
	assert.Len(t, recs, 3)
}

func TestIsGzipPath(t *testing.T) {
	assert.True(t, IsGzipPath("foo.vcf.gz"))
	assert.False(t, IsGzipPath("foo.vcf"))
}
