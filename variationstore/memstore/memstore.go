// Package memstore implements the variationstore.Store contract (spec 4.H)
// as resizable in-memory arrays: the "memory backing" side of the store's
// polymorphic contract (spec 4.F, Design Notes "Polymorphic store" —
// realized here as one of two interface implementors, not a base class).
package memstore

import (
	"bytes"
	"context"
	"math/rand"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/variation/vcferrors"
	"github.com/grailbio/variation/variationstore"
	"github.com/pkg/errors"
)

// growthFactor is the geometric growth rate used when a dataset's backing
// slice must be reallocated, amortizing append cost the way spec 4.H's
// "resize-by-reallocation" and spec 4.I/Design Notes "Global parse caches"
// sibling idea — amortized growth — calls for. Concretely: when more
// capacity is needed, allocate at least this multiple of the current
// capacity, mirroring original_source/variation/matrix/methods.py's
// memory-budget-aware extend_matrix.
const growthFactor = 2

type dataset struct {
	desc variationstore.DatasetDescriptor
	rows int // logical row count (<= capacity)
	slab variationstore.Slab
	cap  int // capacity in rows
}

// Store is the in-memory backing.
type Store struct {
	samples   []string
	chunkSize int
	rows      int
	datasets  map[string]*dataset
	posIndex  *llrb.Tree // keyed by posIndexKey, for subsampling/position lookups
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{datasets: map[string]*dataset{}, posIndex: &llrb.Tree{}}
}

// posIndexKey orders entries by (chrom, pos, row) so the position index
// (spec Design Notes / property 4) can answer "source row at this
// (chrom,pos)" queries.
type posIndexKey struct {
	chrom []byte
	pos   int32
	row   int
}

func (k posIndexKey) Compare(c llrb.Comparable) int {
	o := c.(posIndexKey)
	if cmp := bytes.Compare(k.chrom, o.chrom); cmp != 0 {
		return cmp
	}
	if k.pos != o.pos {
		if k.pos < o.pos {
			return -1
		}
		return 1
	}
	if k.row != o.row {
		if k.row < o.row {
			return -1
		}
		return 1
	}
	return 0
}

func (s *Store) Create(ctx context.Context, samples []string, chunkSize int) error {
	s.samples = samples
	s.chunkSize = chunkSize
	return nil
}

func (s *Store) NumVariations() int { return s.rows }
func (s *Store) Samples() []string  { return s.samples }

// AppendChunk implements variationstore.Store.AppendChunk: grows every
// dataset present in chunk by chunk.Rows rows, creating it on first
// encounter, reallocating geometrically when capacity is exceeded.
func (s *Store) AppendChunk(ctx context.Context, chunk variationstore.Chunk) error {
	if err := chunk.Validate(); err != nil {
		return err
	}
	for path, fc := range chunk.Fields {
		ds, ok := s.datasets[path]
		if !ok {
			ds = &dataset{desc: fc.Descriptor}
			s.datasets[path] = ds
		}
		appendSlab(ds, fc.Slab, chunk.Rows)
	}
	if chromFC, ok := chunk.Fields["chrom"]; ok {
		if posFC, ok2 := chunk.Fields["pos"]; ok2 {
			for i := 0; i < chunk.Rows; i++ {
				chrom := chromFC.Slab.Bytes[i]
				pos := posFC.Slab.Int32[i]
				s.posIndex.Insert(posIndexKey{chrom: chrom, pos: pos, row: s.rows + i})
			}
		}
	}
	s.rows += chunk.Rows
	return nil
}

func appendSlab(ds *dataset, src variationstore.Slab, rows int) {
	perRow := 1
	for _, d := range ds.desc.Shape[1:] {
		perRow *= d
	}
	if perRow == 0 {
		perRow = 1
	}
	needed := ds.rows + rows
	ensureCap(ds, needed, perRow)
	switch {
	case src.Int32 != nil:
		copy(ds.slab.Int32[ds.rows*perRow:], src.Int32)
	case src.Float32 != nil:
		copy(ds.slab.Float32[ds.rows*perRow:], src.Float32)
	case src.Bool != nil:
		copy(ds.slab.Bool[ds.rows*perRow:], src.Bool)
	case src.Bytes != nil:
		copy(ds.slab.Bytes[ds.rows*perRow:], src.Bytes)
	}
	ds.rows = needed
	ds.desc.Shape[0] = ds.rows
}

func ensureCap(ds *dataset, neededRows, perRow int) {
	if neededRows <= ds.cap {
		return
	}
	newCap := ds.cap
	if newCap == 0 {
		newCap = neededRows
	}
	for newCap < neededRows {
		newCap *= growthFactor
	}
	n := newCap * perRow
	switch ds.desc.DType {
	case 0, 1, 2: // DTypeInt8/16/32
		grown := make([]int32, n)
		copy(grown, ds.slab.Int32)
		ds.slab.Int32 = grown
	case 3, 4: // DTypeFloat16/32
		grown := make([]float32, n)
		copy(grown, ds.slab.Float32)
		ds.slab.Float32 = grown
	case 5: // DTypeBool
		grown := make([]bool, n)
		copy(grown, ds.slab.Bool)
		ds.slab.Bool = grown
	default: // DTypeString
		grown := make([][]byte, n)
		copy(grown, ds.slab.Bytes)
		ds.slab.Bytes = grown
	}
	ds.cap = newCap
}

func (s *Store) Get(ctx context.Context, path string) (variationstore.FieldChunk, error) {
	ds, ok := s.datasets[path]
	if !ok {
		return variationstore.FieldChunk{}, errors.Errorf("unknown field %q", path)
	}
	return sliceDataset(ds, 0, ds.rows), nil
}

func sliceDataset(ds *dataset, start, stop int) variationstore.FieldChunk {
	perRow := 1
	for _, d := range ds.desc.Shape[1:] {
		perRow *= d
	}
	if perRow == 0 {
		perRow = 1
	}
	desc := ds.desc
	desc.Shape = append([]int{stop - start}, ds.desc.Shape[1:]...)
	var slab variationstore.Slab
	switch {
	case ds.slab.Int32 != nil:
		slab.Int32 = ds.slab.Int32[start*perRow : stop*perRow]
	case ds.slab.Float32 != nil:
		slab.Float32 = ds.slab.Float32[start*perRow : stop*perRow]
	case ds.slab.Bool != nil:
		slab.Bool = ds.slab.Bool[start*perRow : stop*perRow]
	case ds.slab.Bytes != nil:
		slab.Bytes = ds.slab.Bytes[start*perRow : stop*perRow]
	}
	return variationstore.FieldChunk{Descriptor: desc, Slab: slab}
}

func (s *Store) GetChunk(ctx context.Context, start, stop int) (variationstore.Chunk, error) {
	if stop > s.rows {
		stop = s.rows
	}
	c := variationstore.Chunk{Rows: stop - start, Fields: map[string]variationstore.FieldChunk{}}
	for path, ds := range s.datasets {
		c.Fields[path] = sliceDataset(ds, start, stop)
	}
	return c, nil
}

func (s *Store) GetGenomeChunk(ctx context.Context, chrom []byte, start, stop int32) (variationstore.Chunk, error) {
	chromDS, ok := s.datasets["chrom"]
	posDS, ok2 := s.datasets["pos"]
	if !ok || !ok2 {
		return variationstore.Chunk{}, errors.Errorf("store has no chrom/pos datasets")
	}
	lo, hi := -1, -1
	for i := 0; i < s.rows; i++ {
		if !bytes.Equal(chromDS.slab.Bytes[i], chrom) {
			continue
		}
		pos := posDS.slab.Int32[i]
		if pos >= start && pos < stop {
			if lo == -1 {
				lo = i
			}
			hi = i + 1
		}
	}
	if lo == -1 {
		return variationstore.Chunk{Rows: 0, Fields: map[string]variationstore.FieldChunk{}}, nil
	}
	return s.GetChunk(ctx, lo, hi)
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if _, ok := s.datasets[path]; !ok {
		return errors.Errorf("unknown field %q", path)
	}
	delete(s.datasets, path)
	return nil
}

func (s *Store) Copy(ctx context.Context, dst variationstore.Store, keptFields []string) error {
	if err := dst.Create(ctx, s.Samples(), s.chunkSize); err != nil {
		return err
	}
	it := s.IterateChunks(ctx, variationstore.IterOptions{ChunkSize: s.chunkSize, KeptFields: keptFields})
	for {
		chunk, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := dst.AppendChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func keep(path string, kept []string) bool {
	if len(kept) == 0 {
		return true
	}
	for _, k := range kept {
		if k == path {
			return true
		}
	}
	return false
}

type chunkIterator struct {
	s      *Store
	opts   variationstore.IterOptions
	cursor int
	stop   int
	rand   *rand.Rand
}

func (s *Store) IterateChunks(ctx context.Context, opts variationstore.IterOptions) variationstore.ChunkIterator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = s.chunkSize
	}
	stop := opts.Stop
	if stop == 0 || stop > s.rows {
		stop = s.rows
	}
	it := &chunkIterator{s: s, opts: opts, cursor: opts.Start, stop: stop}
	if opts.RandomSampleRate > 0 && opts.RandomSampleRate < 1 {
		it.rand = rand.New(rand.NewSource(opts.Seed))
	}
	return it
}

func (it *chunkIterator) Next(ctx context.Context) (variationstore.Chunk, bool, error) {
	if it.cursor >= it.stop {
		return variationstore.Chunk{}, false, nil
	}
	end := it.cursor + it.opts.ChunkSize
	if end > it.stop {
		end = it.stop
	}
	chunk, err := it.s.GetChunk(ctx, it.cursor, end)
	it.cursor = end
	if err != nil {
		return variationstore.Chunk{}, false, err
	}
	if len(it.opts.KeptFields) > 0 {
		for path := range chunk.Fields {
			if !keep(path, it.opts.KeptFields) {
				delete(chunk.Fields, path)
			}
		}
	}
	if it.rand != nil {
		chunk = subsample(chunk, it.opts.RandomSampleRate, it.rand)
	}
	return chunk, true, nil
}

func (s *Store) IterateWins(ctx context.Context, winSize int32) variationstore.ChunkIterator {
	return &winIterator{s: s, winSize: winSize}
}

type winIterator struct {
	s       *Store
	winSize int32
	cursor  int
}

func (it *winIterator) Next(ctx context.Context) (variationstore.Chunk, bool, error) {
	chromDS, ok := it.s.datasets["chrom"]
	posDS, ok2 := it.s.datasets["pos"]
	if !ok || !ok2 || it.cursor >= it.s.rows {
		return variationstore.Chunk{}, false, nil
	}
	start := it.cursor
	chrom := chromDS.slab.Bytes[start]
	winStart := (posDS.slab.Int32[start] / it.winSize) * it.winSize
	winEnd := winStart + it.winSize
	end := start
	for end < it.s.rows && bytes.Equal(chromDS.slab.Bytes[end], chrom) && posDS.slab.Int32[end] < winEnd {
		end++
	}
	it.cursor = end
	chunk, err := it.s.GetChunk(context.Background(), start, end)
	return chunk, true, err
}

func (s *Store) IterateChroms(ctx context.Context) variationstore.ChromIterator {
	return &chromIterator{s: s}
}

type chromIterator struct {
	s      *Store
	cursor int
}

func (it *chromIterator) Next(ctx context.Context) ([]byte, variationstore.Chunk, bool, error) {
	chromDS, ok := it.s.datasets["chrom"]
	if !ok || it.cursor >= it.s.rows {
		return nil, variationstore.Chunk{}, false, nil
	}
	start := it.cursor
	chrom := chromDS.slab.Bytes[start]
	end := start
	for end < it.s.rows && bytes.Equal(chromDS.slab.Bytes[end], chrom) {
		end++
	}
	it.cursor = end
	chunk, err := it.s.GetChunk(context.Background(), start, end)
	return chrom, chunk, true, err
}

// chunkPairIterator implements iterate_chunk_pairs (spec 4.F, scenario S6):
// all ordered pairs (A,B) of fixed-size sub-chunks on the same chromosome
// whose position spans are within maxDist, A's span starting no later than
// B's.
type chunkPairIterator struct {
	s         *Store
	maxDist   int32
	chunkSize int
	chunks    []variationstore.Chunk
	spans     [][2]int32 // (minPos, maxPos) per chunk
	chroms    [][]byte   // representative chromosome per chunk
	i, j      int
}

func (s *Store) IterateChunkPairs(ctx context.Context, maxDist int32, chunkSize int) variationstore.ChunkPairIterator {
	it := &chunkPairIterator{s: s, maxDist: maxDist, chunkSize: chunkSize, j: -1}
	chromDS, ok := s.datasets["chrom"]
	posDS, ok2 := s.datasets["pos"]
	if !ok || !ok2 {
		return it
	}
	start := 0
	for start < s.rows {
		end := start + chunkSize
		if end > s.rows {
			end = s.rows
		}
		// chunk boundaries never cross a chromosome change.
		for end > start+1 && !bytes.Equal(chromDS.slab.Bytes[start], chromDS.slab.Bytes[end-1]) {
			end--
		}
		chunk, _ := s.GetChunk(ctx, start, end)
		minPos, maxPos := posDS.slab.Int32[start], posDS.slab.Int32[start]
		for k := start; k < end; k++ {
			if posDS.slab.Int32[k] < minPos {
				minPos = posDS.slab.Int32[k]
			}
			if posDS.slab.Int32[k] > maxPos {
				maxPos = posDS.slab.Int32[k]
			}
		}
		it.chunks = append(it.chunks, chunk)
		it.spans = append(it.spans, [2]int32{minPos, maxPos})
		it.chroms = append(it.chroms, chromDS.slab.Bytes[start])
		start = end
	}
	it.i = 0
	return it
}

func (it *chunkPairIterator) Next(ctx context.Context) (a, b variationstore.Chunk, ok bool, err error) {
	for it.i < len(it.chunks) {
		if it.j < it.i {
			it.j = it.i
		}
		for it.j < len(it.chunks) {
			aSpan, bSpan := it.spans[it.i], it.spans[it.j]
			sameChrom := bytes.Equal(it.chroms[it.i], it.chroms[it.j])
			within := sameChrom && bSpan[0]-aSpan[1] <= it.maxDist && aSpan[0]-bSpan[1] <= it.maxDist
			jj := it.j
			it.j++
			if within {
				return it.chunks[it.i], it.chunks[jj], true, nil
			}
		}
		it.i++
		it.j = -1
	}
	return variationstore.Chunk{}, variationstore.Chunk{}, false, nil
}

// AlleleCount implements the supplemented allele-count statistic
// (SPEC_FULL.md "Allele-count statistic"): per row, a histogram of
// non-missing allele indices across samples and ploidy.
func (s *Store) AlleleCount(ctx context.Context) ([]map[int32]int, error) {
	gtDS, ok := s.datasets["calls/GT"]
	if !ok {
		return nil, errors.Errorf("store has no calls/GT dataset")
	}
	samples, ploidy := gtDS.desc.Shape[1], gtDS.desc.Shape[2]
	perRow := samples * ploidy
	out := make([]map[int32]int, s.rows)
	for i := 0; i < s.rows; i++ {
		hist := map[int32]int{}
		for k := 0; k < perRow; k++ {
			v := gtDS.slab.Int32[i*perRow+k]
			if v < 0 {
				continue
			}
			hist[v]++
		}
		out[i] = hist
	}
	return out, nil
}

// GTsAsMat012 implements spec 4.F's 0/1/2 encoding over the stored
// calls/GT dataset.
func (s *Store) GTsAsMat012(ctx context.Context) ([][]int8, error) {
	gtDS, ok := s.datasets["calls/GT"]
	if !ok {
		return nil, errors.Errorf("store has no calls/GT dataset")
	}
	samples, ploidy := gtDS.desc.Shape[1], gtDS.desc.Shape[2]
	if ploidy != 2 {
		return nil, vcferrors.UnsupportedFeature{Reason: "gts_as_mat012 requires diploid GT"}
	}
	perRow := samples * ploidy
	out := make([][]int8, s.rows)
	for i := 0; i < s.rows; i++ {
		row := make([]int8, samples)
		for j := 0; j < samples; j++ {
			a := gtDS.slab.Int32[i*perRow+j*ploidy]
			b := gtDS.slab.Int32[i*perRow+j*ploidy+1]
			row[j] = encode012cell(a, b)
		}
		out[i] = row
	}
	return out, nil
}

func encode012cell(a, b int32) int8 {
	if a < 0 || b < 0 {
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

// GetRandomHaploidGTs implements spec 4.F's random haploid projection.
func (s *Store) GetRandomHaploidGTs(ctx context.Context, seed int64) ([][]int32, error) {
	gtDS, ok := s.datasets["calls/GT"]
	if !ok {
		return nil, errors.Errorf("store has no calls/GT dataset")
	}
	samples, ploidy := gtDS.desc.Shape[1], gtDS.desc.Shape[2]
	perRow := samples * ploidy
	rng := rand.New(rand.NewSource(seed))
	out := make([][]int32, s.rows)
	for i := 0; i < s.rows; i++ {
		row := make([]int32, samples)
		for j := 0; j < samples; j++ {
			pick := rng.Intn(ploidy)
			row[j] = gtDS.slab.Int32[i*perRow+j*ploidy+pick]
		}
		out[i] = row
	}
	return out, nil
}

// RowAtPosition implements the position index lookup used by property 4
// (subsampling): the source row index at (chrom, pos), or -1 if absent.
func (s *Store) RowAtPosition(chrom []byte, pos int32) int {
	found := -1
	s.posIndex.Do(func(c llrb.Comparable) bool {
		k := c.(posIndexKey)
		if bytes.Equal(k.chrom, chrom) && k.pos == pos {
			found = k.row
			return true
		}
		return false
	})
	return found
}

func subsample(chunk variationstore.Chunk, rate float64, rng *rand.Rand) variationstore.Chunk {
	keepRows := make([]int, 0, chunk.Rows)
	for i := 0; i < chunk.Rows; i++ {
		if rng.Float64() < rate {
			keepRows = append(keepRows, i)
		}
	}
	out := variationstore.Chunk{Rows: len(keepRows), Fields: map[string]variationstore.FieldChunk{}}
	for path, fc := range chunk.Fields {
		out.Fields[path] = projectRows(fc, keepRows)
	}
	return out
}

func projectRows(fc variationstore.FieldChunk, rows []int) variationstore.FieldChunk {
	perRow := 1
	for _, d := range fc.Descriptor.Shape[1:] {
		perRow *= d
	}
	if perRow == 0 {
		perRow = 1
	}
	desc := fc.Descriptor
	desc.Shape = append([]int{len(rows)}, fc.Descriptor.Shape[1:]...)
	var slab variationstore.Slab
	switch {
	case fc.Slab.Int32 != nil:
		s := make([]int32, 0, len(rows)*perRow)
		for _, r := range rows {
			s = append(s, fc.Slab.Int32[r*perRow:(r+1)*perRow]...)
		}
		slab.Int32 = s
	case fc.Slab.Float32 != nil:
		s := make([]float32, 0, len(rows)*perRow)
		for _, r := range rows {
			s = append(s, fc.Slab.Float32[r*perRow:(r+1)*perRow]...)
		}
		slab.Float32 = s
	case fc.Slab.Bool != nil:
		s := make([]bool, 0, len(rows)*perRow)
		for _, r := range rows {
			s = append(s, fc.Slab.Bool[r*perRow:(r+1)*perRow]...)
		}
		slab.Bool = s
	case fc.Slab.Bytes != nil:
		s := make([][]byte, 0, len(rows)*perRow)
		for _, r := range rows {
			s = append(s, fc.Slab.Bytes[r*perRow:(r+1)*perRow]...)
		}
		slab.Bytes = s
	}
	return variationstore.FieldChunk{Descriptor: desc, Slab: slab}
}
