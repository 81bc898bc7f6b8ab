// Package variationstore defines the store contract shared by the disk and
// memory backings (spec 4.F): named field access, chunked iteration,
// append-chunk, windowed iteration, copy, and the derived read-only
// properties built on top of gts_as_mat012 and random haploid projection.
package variationstore

import (
	"context"
	"math/rand"

	"github.com/grailbio/variation/vcferrors"
	"github.com/grailbio/variation/vcfschema"
)

// DatasetDescriptor carries enough metadata for a receiving store to
// materialize a compatible dataset: dtype, full shape, chunk shape, and
// maxshape (spec 4.F "Chunk object").
type DatasetDescriptor struct {
	Path      string
	Group     string
	DType     vcfschema.DType
	Shape     []int // current full shape, first axis = store's variation count
	ChunkDims []int // chunk shape; first axis = chunk_size
	MaxShape  []int // -1 entries mean unbounded (the first axis always is)
}

// Slab is the columnar data for one field in one chunk: a flat slice typed
// per DType, laid out in row-major order over the descriptor's per-row
// shape (Shape[1:]).
type Slab struct {
	Int32   []int32   // DTypeInt8/Int16/Int32
	Float32 []float32 // DTypeFloat16/Float32
	Bool    []bool    // DTypeBool
	Bytes   [][]byte  // DTypeString, one entry per cell
}

// Len returns the number of cells in the slab (rows × per-row element
// count), independent of which typed field is populated.
func (s Slab) Len() int {
	switch {
	case s.Int32 != nil:
		return len(s.Int32)
	case s.Float32 != nil:
		return len(s.Float32)
	case s.Bool != nil:
		return len(s.Bool)
	default:
		return len(s.Bytes)
	}
}

// Chunk is a mapping from field path to (data slab, dataset descriptor),
// all sharing one first-axis row count (spec 4.F "Chunk object").
type Chunk struct {
	Rows   int
	Fields map[string]FieldChunk
}

// FieldChunk is one field's contribution to a Chunk.
type FieldChunk struct {
	Descriptor DatasetDescriptor
	Slab       Slab
}

// Validate checks the spec 4.F invariant that every field in c has rows-many
// leading entries, returning vcferrors.ShapeError for the first violation.
func (c Chunk) Validate() error {
	for path, fc := range c.Fields {
		perRow := 1
		for _, d := range fc.Descriptor.Shape[1:] {
			perRow *= d
		}
		if perRow == 0 {
			perRow = 1
		}
		gotRows := fc.Slab.Len() / perRow
		if gotRows != c.Rows {
			return vcferrors.ShapeError{Field: path, Expected: c.Rows, Got: gotRows}
		}
	}
	return nil
}

// IterOptions configures Store.IterateChunks.
type IterOptions struct {
	ChunkSize        int
	Start, Stop      int // row range; Stop==0 means "to end"
	KeptFields       []string
	RandomSampleRate float64 // (0,1]; 0 means "use default of 1"
	Seed             int64
}

// Store is the contract shared by the disk and memory backings (spec 4.F).
// Both backings differ only in how they allocate and grow datasets; callers
// should depend on this interface, never on a concrete backing type.
type Store interface {
	// Create stamps samples and chunk size; no datasets exist yet.
	Create(ctx context.Context, samples []string, chunkSize int) error

	// AppendChunk grows every dataset named in chunk by chunk.Rows rows,
	// creating missing datasets with chunk's dtype/shape on first
	// encounter. Returns vcferrors.ShapeError if chunk's fields disagree
	// on row count.
	AppendChunk(ctx context.Context, chunk Chunk) error

	// Get returns the full dataset at path.
	Get(ctx context.Context, path string) (FieldChunk, error)

	// IterateChunks yields per-field sub-chunks of up to opts.ChunkSize
	// rows, honoring opts.Start/Stop/KeptFields/RandomSampleRate.
	IterateChunks(ctx context.Context, opts IterOptions) ChunkIterator

	// IterateWins yields sub-chunks whose positions fall in half-open
	// windows of winSize base pairs, reset at each chromosome change.
	IterateWins(ctx context.Context, winSize int32) ChunkIterator

	// IterateChroms yields (chromosome, sub-chunk) pairs.
	IterateChroms(ctx context.Context) ChromIterator

	// IterateChunkPairs yields all ordered pairs (A,B) of sub-chunks whose
	// position spans are within maxDist on the same chromosome, A's
	// position span starting no later than B's.
	IterateChunkPairs(ctx context.Context, maxDist int32, chunkSize int) ChunkPairIterator

	// GetChunk performs a random-access row-range read.
	GetChunk(ctx context.Context, start, stop int) (Chunk, error)

	// GetGenomeChunk reads the region [start, stop) of chrom.
	GetGenomeChunk(ctx context.Context, chrom []byte, start, stop int32) (Chunk, error)

	// Copy streams every chunk of this store (optionally projected by
	// keptFields) into dst via dst.AppendChunk.
	Copy(ctx context.Context, dst Store, keptFields []string) error

	// Delete removes a field. The memory backing supports this; the disk
	// backing returns vcferrors.UnsupportedFeature.
	Delete(ctx context.Context, path string) error

	NumVariations() int
	Samples() []string

	// AlleleCount returns, per variation row, the histogram of non-missing
	// allele indices across samples and ploidy (the GLOSSARY's "Allele
	// count").
	AlleleCount(ctx context.Context) ([]map[int32]int, error)

	// GTsAsMat012 implements spec 4.F's 0/1/2 encoding: diploid-only, else
	// vcferrors.UnsupportedFeature.
	GTsAsMat012(ctx context.Context) ([][]int8, error)

	// GetRandomHaploidGTs implements spec 4.F's random haploid projection:
	// one of the ploidy allele positions per (variation, sample), chosen
	// uniformly at random with the given seed.
	GetRandomHaploidGTs(ctx context.Context, seed int64) ([][]int32, error)
}

// ChunkIterator yields Chunks until exhausted.
type ChunkIterator interface {
	Next(ctx context.Context) (Chunk, bool, error)
}

// ChromIterator yields (chromosome, Chunk) pairs until exhausted.
type ChromIterator interface {
	Next(ctx context.Context) ([]byte, Chunk, bool, error)
}

// ChunkPairIterator yields (A, B) Chunk pairs until exhausted.
type ChunkPairIterator interface {
	Next(ctx context.Context) (a, b Chunk, ok bool, err error)
}

func encode012(a, b int32) int8 {
	if a == vcfschema.MissingInt || b == vcfschema.MissingInt {
		return -1
	}
	if a == 0 && b == 0 {
		return 0
	}
	if a != 0 && b != 0 {
		return 2
	}
	return 1
}

// EncodeMat012 implements spec 4.F / scenario S5 over the full [rows,
// samples, ploidy] GT slab.
func EncodeMat012(gt [][][]int32) ([][]int8, error) {
	out := make([][]int8, len(gt))
	for i, row := range gt {
		encRow := make([]int8, len(row))
		for j, call := range row {
			if len(call) != 2 {
				return nil, vcferrors.UnsupportedFeature{Reason: "gts_as_mat012 requires diploid GT"}
			}
			encRow[j] = encode012(call[0], call[1])
		}
		out[i] = encRow
	}
	return out, nil
}

// RandomHaploidProjection implements spec 4.F's random haploid projection
// over a full [rows, samples, ploidy] GT slab: for each (row, sample) pick
// one of the ploidy positions uniformly at random.
func RandomHaploidProjection(gt [][][]int32, seed int64) [][]int32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]int32, len(gt))
	for i, row := range gt {
		projRow := make([]int32, len(row))
		for j, call := range row {
			if len(call) == 0 {
				projRow[j] = vcfschema.MissingInt
				continue
			}
			projRow[j] = call[rng.Intn(len(call))]
		}
		out[i] = projRow
	}
	return out
}
