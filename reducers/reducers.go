// Package reducers implements the row- and sample-level summary
// statistics and selection filters that consume a variationstore.Store's
// chunked iteration (spec 4.J): per-row value counters, an allele-count
// histogram, and the IndelFilter row-selection reducer used by gtfasta.
//
// Grounded on the row_value_counter_fact/counts_by_row/histogram family in
// variation/matrix (original_source), reworked as streaming reducers that
// fold one variationstore.Chunk at a time instead of operating on an
// in-memory numpy array.
package reducers

import (
	"context"

	"github.com/grailbio/variation/vcfschema"
	"github.com/grailbio/variation/variationstore"
)

// RowValueCounter counts, for each variation row, how many (sample,
// ploidy) GT entries equal Value. With Ratio set the count is divided by
// the number of non-missing entries in the row, matching
// row_value_counter_fact(value, ratio=True).
type RowValueCounter struct {
	Value int32
	Ratio bool
}

// Count runs the counter over every GT entry in gt (shape [rows, samples,
// ploidy]), returning one count (or ratio) per row.
func (c RowValueCounter) Count(gt [][][]int32) []float64 {
	out := make([]float64, len(gt))
	for i, row := range gt {
		var hits, total int
		for _, call := range row {
			for _, a := range call {
				if a == vcfschema.MissingInt {
					continue
				}
				total++
				if a == c.Value {
					hits++
				}
			}
		}
		if c.Ratio {
			if total == 0 {
				out[i] = 0
			} else {
				out[i] = float64(hits) / float64(total)
			}
		} else {
			out[i] = float64(hits)
		}
	}
	return out
}

// CountsByRow tallies, for each row, the occurrence count of every
// non-missing allele value 0..maxAllele across all (sample, ploidy)
// entries, matching counts_by_row's per-row allele-count rows.
func CountsByRow(gt [][][]int32, maxAllele int32) [][]int {
	out := make([][]int, len(gt))
	for i, row := range gt {
		counts := make([]int, maxAllele+1)
		for _, call := range row {
			for _, a := range call {
				if a == vcfschema.MissingInt || a < 0 || a > maxAllele {
					continue
				}
				counts[a]++
			}
		}
		out[i] = counts
	}
	return out
}

// Histogram buckets non-missing values of gt into nBins equal-width bins
// spanning [min, max], the low-memory streaming counterpart of
// matrix.stats.histogram: it folds one chunk at a time rather than
// requiring the full matrix materialized.
type Histogram struct {
	NBins    int
	Min, Max float64
	counts   []int
}

func NewHistogram(nBins int, min, max float64) *Histogram {
	return &Histogram{NBins: nBins, Min: min, Max: max, counts: make([]int, nBins)}
}

func (h *Histogram) bucket(v float64) int {
	if h.Max <= h.Min {
		return 0
	}
	b := int((v - h.Min) / (h.Max - h.Min) * float64(h.NBins))
	if b < 0 {
		b = 0
	}
	if b >= h.NBins {
		b = h.NBins - 1
	}
	return b
}

// AddGT folds one chunk's worth of GT values into the histogram.
func (h *Histogram) AddGT(gt [][][]int32) {
	for _, row := range gt {
		for _, call := range row {
			for _, a := range call {
				if a == vcfschema.MissingInt {
					continue
				}
				h.counts[h.bucket(float64(a))]++
			}
		}
	}
}

// Counts returns the accumulated per-bin counts.
func (h *Histogram) Counts() []int { return h.counts }

// RowSelector is the contract for a reducer that flags a subset of rows
// (spec 4.J "row-selecting reducer"), mirroring IndelFilter's
// report_selection mode.
type RowSelector interface {
	// Select returns one bool per row in chunk: true keeps the row.
	Select(chunk variationstore.Chunk) ([]bool, error)
}

// IndelFilter selects non-indel variation rows: REF and every ALT allele
// must be single-character (grounded on fasta.py's
// `IndelFilter(report_selection=True)` gate ahead of write_fasta, since
// the original filters.py implementing it was not part of the retrieved
// source).
type IndelFilter struct{}

func (IndelFilter) Select(chunk variationstore.Chunk) ([]bool, error) {
	refFC, hasRef := chunk.Fields["ref"]
	altFC, hasAlt := chunk.Fields["alt"]
	if !hasRef || !hasAlt {
		out := make([]bool, chunk.Rows)
		for i := range out {
			out[i] = true
		}
		return out, nil
	}
	altWidth := 1
	if len(altFC.Descriptor.Shape) > 1 {
		altWidth = altFC.Descriptor.Shape[1]
		if altWidth == 0 {
			altWidth = 1
		}
	}
	out := make([]bool, chunk.Rows)
	for i := 0; i < chunk.Rows; i++ {
		keep := len(refFC.Slab.Bytes[i]) == 1
		for j := 0; j < altWidth && keep; j++ {
			alt := altFC.Slab.Bytes[i*altWidth+j]
			if len(alt) == 0 {
				continue // unused ALT slot (sentinel fill), not a disqualifying allele
			}
			if len(alt) != 1 {
				keep = false
			}
		}
		out[i] = keep
	}
	return out, nil
}

// SelectAll runs selector over every chunk store yields, returning the
// concatenated per-row selection and the total number of rows dropped —
// the Go equivalent of fasta.py's `stats['indels_removed'] =
// numpy.sum(numpy.logical_not(result[SELECTED_VARS]))`.
func SelectAll(ctx context.Context, store variationstore.Store, selector RowSelector) (selected []bool, dropped int, err error) {
	it := store.IterateChunks(ctx, variationstore.IterOptions{})
	for {
		chunk, ok, err := it.Next(ctx)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			break
		}
		sel, err := selector.Select(chunk)
		if err != nil {
			return nil, 0, err
		}
		for _, keep := range sel {
			if !keep {
				dropped++
			}
		}
		selected = append(selected, sel...)
	}
	return selected, dropped, nil
}
