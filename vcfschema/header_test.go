package vcfschema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalHeader = `##fileformat=VCFv4.2
##INFO=<ID=DP,Number=1,Type=Integer,Description="Depth">
##INFO=<ID=AC,Number=A,Type=Integer,Description="Allele count, comma, inside quotes">
##FILTER=<ID=LowQual,Description="Low quality">
##FORMAT=<ID=GT,Number=1,Type=String,Description="Genotype">
##FORMAT=<ID=AD,Number=R,Type=Integer,Description="Allele depth">
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	sample1	sample2
`

func TestParseHeader(t *testing.T) {
	schema, br, err := ParseHeader(strings.NewReader(minimalHeader))
	require.NoError(t, err)
	assert.Equal(t, "VCFv4.2", schema.FileFormat)
	assert.Equal(t, []string{"sample1", "sample2"}, schema.Samples)

	require.Contains(t, schema.Info, "DP")
	assert.Equal(t, DTypeInt32, schema.Info["DP"].DType)
	assert.Equal(t, FixedArity(1), schema.Info["DP"].Declared)

	require.Contains(t, schema.Info, "AC")
	assert.Equal(t, VariableArity(), schema.Info["AC"].Declared)
	assert.Equal(t, "Allele count, comma, inside quotes", schema.Info["AC"].Description)

	require.Contains(t, schema.Filter, "LowQual")
	assert.Equal(t, DTypeBool, schema.Filter["LowQual"].DType)

	require.Contains(t, schema.Call, "AD")
	assert.Equal(t, VariableArity(), schema.Call["AD"].Declared)

	// br is positioned right after #CHROM; nothing left to read in this fixture.
	line, _ := br.ReadBytes('\n')
	assert.Empty(t, line)
}

func TestParseHeaderMissingChromLine(t *testing.T) {
	_, _, err := ParseHeader(strings.NewReader("##fileformat=VCFv4.2\n"))
	assert.Error(t, err)
}

func TestHasField(t *testing.T) {
	schema, _, err := ParseHeader(strings.NewReader(minimalHeader))
	require.NoError(t, err)

	assert.True(t, schema.HasField("chrom"))
	assert.True(t, schema.HasField("pos"))
	assert.True(t, schema.HasField("info/DP"))
	assert.True(t, schema.HasField("filter/LowQual"))
	assert.True(t, schema.HasField("filter/no_filters"))
	assert.True(t, schema.HasField("calls/GT"))
	assert.False(t, schema.HasField("info/NOPE"))
	assert.False(t, schema.HasField("nonsense"))
}

func TestNewProjection(t *testing.T) {
	schema, _, err := ParseHeader(strings.NewReader(minimalHeader))
	require.NoError(t, err)

	proj, err := NewProjection(schema, []string{"chrom", "info/DP"}, nil)
	require.NoError(t, err)
	assert.True(t, proj.Keep("chrom"))
	assert.True(t, proj.Keep("info/DP"))
	assert.False(t, proj.Keep("info/AC"))

	proj, err = NewProjection(schema, nil, []string{"info/AC"})
	require.NoError(t, err)
	assert.True(t, proj.Keep("chrom"))
	assert.False(t, proj.Keep("info/AC"))

	_, err = NewProjection(schema, []string{"chrom"}, []string{"info/AC"})
	assert.Error(t, err)

	_, err = NewProjection(schema, []string{"info/NOPE"}, nil)
	assert.Error(t, err)
}

func TestMapArity(t *testing.T) {
	assert.Equal(t, FixedArity(3), mapArity("3"))
	assert.Equal(t, VariableArity(), mapArity("."))
	assert.Equal(t, VariableArity(), mapArity("A"))
	assert.Equal(t, VariableArity(), mapArity("G"))
	assert.Equal(t, VariableArity(), mapArity("R"))
}
