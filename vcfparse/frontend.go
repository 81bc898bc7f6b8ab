// Package vcfparse implements the VCF header/schema-aware line parser and
// the parser front-end that drives it over a byte stream: ploidy
// detection, the bounded pre-read cache, and optional worker-pool fan-out
// for pure line parsing.
package vcfparse

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/grailbio/base/syncqueue"
	"github.com/grailbio/variation/vcferrors"
	"github.com/grailbio/variation/vcfschema"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// DefaultPreReadMaxSize is the default byte budget for the bounded pre-read
// cache (spec 4.C), matching the source's PRE_READ_MAX_SIZE default used to
// discover variable-width columns before the store is shaped.
const DefaultPreReadMaxSize = 50 * 1024 * 1024

// Option configures a Reader.
type Option func(*options)

type options struct {
	preReadMaxSize int
	keptFields     []string
	ignoredFields  []string
	maxNVars       int
	numWorkers     int
	workerChunk    int
	maxAltAlleles  int
}

// OptPreReadMaxSize overrides DefaultPreReadMaxSize.
func OptPreReadMaxSize(n int) Option { return func(o *options) { o.preReadMaxSize = n } }

// OptKeptFields sets the kept-fields allow-list (mutually exclusive with
// OptIgnoredFields).
func OptKeptFields(fields []string) Option { return func(o *options) { o.keptFields = fields } }

// OptIgnoredFields sets the ignored-fields deny-list (mutually exclusive
// with OptKeptFields).
func OptIgnoredFields(fields []string) Option { return func(o *options) { o.ignoredFields = fields } }

// OptMaxNVars truncates the record sequence after n records.
func OptMaxNVars(n int) Option { return func(o *options) { o.maxNVars = n } }

// OptIgnoreExcessAlt drops (rather than emits) any record whose ALT count
// exceeds maxAlt, matching the source's `--ignore-alt`/`--alt-gt-num`
// combination (renamed from the source's `--ingnore_alt` typo): "Ignore
// SNPs with a number of alleles higher than --alt_gt_num".
func OptIgnoreExcessAlt(maxAlt int) Option {
	return func(o *options) { o.maxAltAlleles = maxAlt }
}

// OptWorkers enables worker-pool fan-out for line parsing: the front-end
// reads chunkSize raw lines at a time and numWorkers goroutines parse that
// batch line by line, with results gathered back in submission order. Per spec 4.E/5, enabling this freezes the width
// accumulator: the pre-read pass must already have discovered every
// variable field's width.
func OptWorkers(numWorkers, chunkSize int) Option {
	return func(o *options) { o.numWorkers = numWorkers; o.workerChunk = chunkSize }
}

// Reader is the parser front-end: it owns the input byte stream, the parsed
// Schema, ploidy, and the pre-read cache, and yields a record stream.
type Reader struct {
	Schema *vcfschema.Schema
	Widths *WidthAccumulator
	Ploidy int
	Proj   vcfschema.Projection

	br      *bufio.Reader
	opts    options
	cache   *precache
	cacheOn bool
	lineNo  int
	emitted int
	done    bool

	// worker-pool fan-out state.
	workerParsers []*LineParser
	pendingBatch  []*Record
}

// Open parses the header from r (transparently gunzipping if gzipped is
// true — callers typically set this from the input path's ".gz" suffix,
// per spec §6) and returns a Reader ready to yield records.
func Open(r io.Reader, gzipped bool, opts ...Option) (*Reader, error) {
	var o options
	o.preReadMaxSize = DefaultPreReadMaxSize
	for _, opt := range opts {
		opt(&o)
	}
	if gzipped {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(vcferrors.IOError{Op: "gzip open", Err: err}, "opening VCF stream")
		}
		r = gz
	}
	schema, br, err := vcfschema.ParseHeader(r)
	if err != nil {
		return nil, err
	}
	proj, err := vcfschema.NewProjection(schema, o.keptFields, o.ignoredFields)
	if err != nil {
		return nil, err
	}
	rd := &Reader{
		Schema: schema,
		Widths: NewWidthAccumulator(),
		Proj:   proj,
		br:     br,
		opts:   o,
	}
	rd.Ploidy, err = rd.detectPloidy()
	if err != nil {
		return nil, err
	}
	if o.numWorkers > 0 {
		rd.workerParsers = make([]*LineParser, o.numWorkers)
		for i := range rd.workerParsers {
			rd.workerParsers[i] = NewLineParser(schema, rd.Widths, rd.Ploidy)
		}
	}
	rd.cache = newPrecache(o.preReadMaxSize)
	scratchParser := NewLineParser(schema, rd.Widths, rd.Ploidy)
	if err := rd.cache.fillFrom(func() (*Record, error) {
		line, rerr := rd.readLine()
		if line == nil {
			return nil, rerr
		}
		return scratchParser.Parse(line, rd.lineNo)
	}); err != nil {
		return nil, err
	}
	observeWidths(rd.cache.records, rd.Widths)
	// Workers must not mutate shared accumulator state once dispatched, so
	// freezing happens only after the pre-read pass above has had its
	// chance to discover every variable field's width (spec 4.E/5).
	if o.numWorkers > 0 {
		rd.Widths.Freeze()
	}
	return rd, nil
}

// readLine returns the next non-empty raw body line, or (nil, nil) at EOF,
// or (nil, err) on a read failure.
func (r *Reader) readLine() ([]byte, error) {
	for {
		line, err := r.br.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			return nil, nil
		}
		if err != nil && err != io.EOF {
			return nil, errors.Wrap(vcferrors.IOError{Op: "read", Err: err}, "reading VCF body")
		}
		line = bytes.TrimRight(line, "\r\n")
		r.lineNo++
		if len(line) == 0 {
			if err == io.EOF {
				return nil, nil
			}
			continue
		}
		return line, nil
	}
}

// detectPloidy peeks ahead to the first body line with at least one
// non-missing sample genotype, per spec 4.D "Ploidy detection". Peeked
// lines are buffered and replayed so the main pass sees every line exactly
// once.
func (r *Reader) detectPloidy() (int, error) {
	var peeked [][]byte
	ploidy := 0
	for {
		line, err := r.readLine()
		if err != nil {
			return 0, err
		}
		if line == nil {
			break
		}
		peeked = append(peeked, line)
		cols := bytes.Split(line, []byte("\t"))
		if len(cols) <= 9 {
			continue
		}
		formatTags := bytes.Split(cols[8], []byte(":"))
		gtIdx := -1
		for i, t := range formatTags {
			if string(t) == "GT" {
				gtIdx = i
				break
			}
		}
		if gtIdx < 0 {
			continue
		}
		found := false
		for _, sampleTok := range cols[9:] {
			if vcfschema.IsMissingToken(sampleTok) {
				continue
			}
			parts := bytes.Split(sampleTok, []byte(":"))
			if gtIdx >= len(parts) {
				continue
			}
			gt := parts[gtIdx]
			sep := byte('/')
			if bytes.IndexByte(gt, '|') >= 0 {
				sep = '|'
			}
			alleles := bytes.Split(gt, []byte{sep})
			hasCall := false
			for _, a := range alleles {
				if !bytes.Equal(a, []byte(".")) {
					hasCall = true
					break
				}
			}
			if hasCall {
				ploidy = len(alleles)
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	// Re-queue every peeked line in front of the live stream.
	if len(peeked) > 0 {
		r.br = requeue(peeked, r.br)
	}
	if ploidy == 0 {
		ploidy = 2 // no explicit genotype anywhere: default to diploid.
	}
	return ploidy, nil
}

// requeue builds a bufio.Reader that first replays lines (each re-suffixed
// with '\n') and then continues reading from rest.
func requeue(lines [][]byte, rest *bufio.Reader) *bufio.Reader {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	return bufio.NewReaderSize(io.MultiReader(&buf, rest), 1<<20)
}

// Next returns the next Record, or (nil, nil) when the stream (and any
// OptMaxNVars truncation) is exhausted. Records exceeding
// OptIgnoreExcessAlt's ALT-count cap are silently skipped.
func (r *Reader) Next(ctx context.Context) (*Record, error) {
	for {
		rec, err := r.nextRaw(ctx)
		if err != nil || rec == nil {
			return rec, err
		}
		if r.opts.maxAltAlleles > 0 && len(rec.Alt) > r.opts.maxAltAlleles {
			continue
		}
		return rec, nil
	}
}

func (r *Reader) nextRaw(ctx context.Context) (*Record, error) {
	if r.done {
		return nil, nil
	}
	if r.opts.maxNVars > 0 && r.emitted >= r.opts.maxNVars {
		r.done = true
		return nil, nil
	}
	if rec := r.cache.pop(); rec != nil {
		r.emitted++
		return rec, nil
	}
	if r.opts.numWorkers > 0 {
		return r.nextFromWorkerPool(ctx)
	}
	p := NewLineParser(r.Schema, r.Widths, r.Ploidy)
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if line == nil {
		r.done = true
		return nil, nil
	}
	rec, err := p.Parse(line, r.lineNo)
	if err != nil {
		return nil, err
	}
	r.emitted++
	return rec, nil
}

// workerResult is what each parse worker inserts into the ordered queue:
// either a parsed record or the error that Parse returned for that line.
type workerResult struct {
	rec *Record
	err error
}

// nextFromWorkerPool drains one worker-sized batch of raw lines, fans it
// out across the worker pool, and gathers results in submission order
// before handing them out one at a time. Per spec 5, within a batch the
// pool preserves order (map-like semantics, not unordered completion); the
// ordering is provided by a syncqueue.OrderedQueue keyed by line index,
// the same ordered fan-out/gather role it plays in bio-pamtool's `view`
// command.
func (r *Reader) nextFromWorkerPool(ctx context.Context) (*Record, error) {
	if len(r.pendingBatch) > 0 {
		rec := r.pendingBatch[0]
		r.pendingBatch = r.pendingBatch[1:]
		r.emitted++
		return rec, nil
	}
	lines := make([][]byte, 0, r.opts.workerChunk)
	startLineNo := r.lineNo
	for i := 0; i < r.opts.workerChunk; i++ {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if line == nil {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		r.done = true
		return nil, nil
	}
	workerCount := r.opts.numWorkers
	if workerCount > len(lines) {
		workerCount = len(lines)
	}
	oq := syncqueue.NewOrderedQueue(len(lines))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		parser := r.workerParsers[w]
		wg.Add(1)
		go func(p *LineParser) {
			defer wg.Done()
			for idx := range jobs {
				rec, err := p.Parse(lines[idx], startLineNo+idx+1)
				if insErr := oq.Insert(idx, workerResult{rec, err}); insErr != nil {
					panic(insErr)
				}
			}
		}(parser)
	}
	for i := range lines {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	oq.Close(nil)

	results := make([]*Record, 0, len(lines))
	for {
		val, ok, err := oq.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		wr := val.(workerResult)
		if wr.err != nil {
			return nil, wr.err
		}
		results = append(results, wr.rec)
	}
	r.pendingBatch = results
	rec := r.pendingBatch[0]
	r.pendingBatch = r.pendingBatch[1:]
	r.emitted++
	return rec, nil
}

// gzipPathSuffix is the extension the front-end's caller should test to
// decide whether to pass gzipped=true to Open, per spec §6.
const gzipPathSuffix = ".gz"

// IsGzipPath reports whether path names a gzip-framed VCF stream by
// extension, per spec §6 ("optionally gzip-framed when the extension is
// .gz").
func IsGzipPath(path string) bool {
	return strings.HasSuffix(path, gzipPathSuffix)
}
