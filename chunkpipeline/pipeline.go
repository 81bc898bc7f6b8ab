// Package chunkpipeline implements spec 4.I: it converts the record stream
// produced by vcfparse into variationstore.Chunk appends, handling dataset
// shaping, missing/filling sentinel discipline, width-overflow reporting,
// FILTER materialization, and the final trim of a partial last chunk.
package chunkpipeline

import (
	"context"

	"github.com/grailbio/variation/vcferrors"
	"github.com/grailbio/variation/vcfparse"
	"github.com/grailbio/variation/vcfschema"
	"github.com/grailbio/variation/variationstore"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// Summary is the per-field truncation log plus final record count returned
// at the end of ingest (spec §7 "the log is attached to the returned
// summary").
type Summary struct {
	NumVariations int
	DataNoFit     map[string]int // spec 4.I "Overflow reporting": data_no_fit[f]
}

// Options configures Ingest.
type Options struct {
	ChunkSize int
	Strict    bool // raise at end of ingest if any field's truncation count is non-zero
}

// shape describes one field's materialized dataset shape, derived from the
// schema and the discovered widths (spec 4.I "Dataset shaping").
type shape struct {
	path     string
	dtype    vcfschema.DType
	perRow   []int // e.g. [] for scalar, [W] for a vector, [S, ploidy] for GT
	critical bool  // true for "alt"; the builder still counts its overflow in DataNoFit like any other field's
}

// planShapes computes the dataset shape for every field the schema plus
// discovered widths imply, collapsing a trailing axis of length 1 to cut
// rank (spec 4.I: "scalar-per-sample FORMAT fields become 2-D instead of
// 3-D").
func planShapes(schema *vcfschema.Schema, widths *vcfparse.WidthAccumulator, proj vcfschema.Projection, numSamples int) map[string]shape {
	shapes := map[string]shape{}
	add := func(path string, dtype vcfschema.DType, perRow []int, critical bool) {
		if proj.Keep(path) {
			shapes[path] = shape{path: path, dtype: dtype, perRow: perRow, critical: critical}
		}
	}
	add("chrom", vcfschema.DTypeString, nil, false)
	add("pos", vcfschema.DTypeInt32, nil, false)
	add("id", vcfschema.DTypeString, nil, false)
	add("ref", vcfschema.DTypeString, nil, false)
	add("qual", vcfschema.DTypeFloat32, nil, false)
	maxAlt := widths.MaxArity["alt"]
	if maxAlt == 0 {
		maxAlt = 1
	}
	add("alt", vcfschema.DTypeString, []int{maxAlt}, true)

	for tag, f := range schema.Filter {
		add("filter/"+tag, f.DType, nil, false)
	}
	add("filter/no_filters", vcfschema.DTypeBool, nil, false)

	for tag, f := range schema.Info {
		perRow := arityShape(f.Declared, widths.MaxArity["info/"+tag])
		add("info/"+tag, f.DType, perRow, false)
	}

	for tag, f := range schema.Call {
		if tag == "GT" {
			continue
		}
		perRow := append([]int{numSamples}, arityShape(f.Declared, widths.MaxArity["calls/"+tag])...)
		add("calls/"+tag, f.DType, perRow, false)
	}
	return shapes
}

func arityShape(declared vcfschema.Arity, discovered int) []int {
	if !declared.Variable && declared.Fixed == 1 {
		return nil // collapse trailing axis of length 1
	}
	if !declared.Variable {
		return []int{declared.Fixed}
	}
	if discovered <= 1 {
		return nil
	}
	return []int{discovered}
}

// Ingest drains reader and appends chunks of opts.ChunkSize rows to store,
// returning a Summary of the final record count and any per-field
// truncation counts.
func Ingest(ctx context.Context, reader *vcfparse.Reader, store variationstore.Store, opts Options) (Summary, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 2000
	}
	samples := reader.Schema.Samples
	if err := store.Create(ctx, samples, opts.ChunkSize); err != nil {
		return Summary{}, err
	}

	summary := Summary{DataNoFit: map[string]int{}}
	b := newBuilder(reader.Schema, reader.Widths, reader.Proj, reader.Ploidy, len(samples), opts.ChunkSize, summary.DataNoFit)

	for {
		rec, err := reader.Next(ctx)
		if err != nil {
			return summary, err
		}
		if rec == nil {
			break
		}
		b.add(rec)
		summary.NumVariations++
		if b.full() {
			chunk, err := b.flush()
			if err != nil {
				return summary, err
			}
			if err := store.AppendChunk(ctx, chunk); err != nil {
				return summary, err
			}
		}
	}
	if b.rows > 0 {
		chunk, err := b.flush()
		if err != nil {
			return summary, err
		}
		if err := store.AppendChunk(ctx, chunk); err != nil {
			return summary, err
		}
	}

	for field, n := range summary.DataNoFit {
		if n > 0 {
			vlog.VI(1).Infof("chunkpipeline: field %q truncated %d rows", field, n)
		}
	}
	if opts.Strict {
		for field, n := range summary.DataNoFit {
			if n > 0 {
				return summary, errors.Wrap(vcferrors.WidthExceeded{Field: field, Discovered: 0, Observed: 0}, "strict ingest")
			}
		}
	}
	return summary, nil
}
