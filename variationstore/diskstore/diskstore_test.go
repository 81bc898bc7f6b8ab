package diskstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/variation/variationstore"
	"github.com/grailbio/variation/variationstore/memstore"
	"github.com/grailbio/variation/vcfschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture(chroms []string, positions []int32, samples, ploidy int, gt []int32) variationstore.Chunk {
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

func TestCreateAppendFinishOpenRoundTrip(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	dir := filepath.Join(tmpdir, "store")
	w := New(dir)
	require.NoError(t, w.Create(ctx, []string{"s1", "s2"}, 10))
	require.NoError(t, w.AppendChunk(ctx, fixture([]string{"chr1", "chr1"}, []int32{100, 200}, 2, 2,
		[]int32{0, 0, 0, 1, 0, 1, 1, 1})))
	require.NoError(t, w.AppendChunk(ctx, fixture([]string{"chr1"}, []int32{300}, 2, 2,
		[]int32{1, 1, 1, 1})))
	require.NoError(t, w.Finish(ctx))

	r, err := Open(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, r.Samples())
	assert.Equal(t, 3, r.NumVariations())

	posFC, err := r.Get(ctx, "pos")
	require.NoError(t, err)
	assert.Equal(t, []int32{100, 200, 300}, posFC.Slab.Int32)

	mat, err := r.GTsAsMat012(ctx)
	require.NoError(t, err)
	require.Len(t, mat, 3)
	assert.Equal(t, []int8{0, 1}, mat[0])
	assert.Equal(t, []int8{1, 2}, mat[1])
	assert.Equal(t, []int8{2, 2}, mat[2])
}

func TestIterateChunksOverDiskBacking(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	dir := filepath.Join(tmpdir, "store")
	w := New(dir)
	require.NoError(t, w.Create(ctx, []string{"s1"}, 2))
	for i := 0; i < 4; i++ {
		require.NoError(t, w.AppendChunk(ctx, fixture([]string{"chr1"}, []int32{int32(i + 1)}, 1, 2, []int32{0, 0})))
	}
	require.NoError(t, w.Finish(ctx))

	r, err := Open(ctx, dir)
	require.NoError(t, err)

	it := r.IterateChunks(ctx, variationstore.IterOptions{ChunkSize: 2})
	var total int
	for {
		c, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		total += c.Rows
	}
	assert.Equal(t, 4, total)
}

func TestDeleteUnsupportedOnDiskBacking(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	dir := filepath.Join(tmpdir, "store")
	w := New(dir)
	require.NoError(t, w.Create(ctx, []string{"s1"}, 2))
	assert.Error(t, w.Delete(ctx, "pos"))
}

func TestCopyFromDiskToMemory(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	dir := filepath.Join(tmpdir, "store")
	w := New(dir)
	require.NoError(t, w.Create(ctx, []string{"s1"}, 10))
	require.NoError(t, w.AppendChunk(ctx, fixture([]string{"chr1", "chr1"}, []int32{1, 2}, 1, 2, []int32{0, 0, 1, 1})))
	require.NoError(t, w.Finish(ctx))

	r, err := Open(ctx, dir)
	require.NoError(t, err)

	dst := memstore.New()
	require.NoError(t, r.Copy(ctx, dst, nil))
	assert.Equal(t, 2, dst.NumVariations())
}
