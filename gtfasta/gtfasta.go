// Package gtfasta writes per-sample (or per-sample-per-haplotype) FASTA
// sequences from a variationstore.Store's REF/ALT/GT columns, grounded on
// variation/gt_writers/fasta.py::write_fasta (original_source). It reuses
// reducers.IndelFilter for indel removal and biosimd's ASCII cleanup to
// normalize the sequence bytes it emits.
package gtfasta

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/grailbio/variation/biosimd"
	"github.com/grailbio/variation/reducers"
	"github.com/grailbio/variation/vcferrors"
	"github.com/grailbio/variation/vcfschema"
	"github.com/grailbio/variation/variationstore"
	"github.com/pkg/errors"
)

// Options mirrors write_fasta's keyword arguments.
type Options struct {
	RemoveIndels                         bool
	WriteOneSeqPerSampleSettingHetsToMissing bool
	RemoveInvariantSNPs                  bool
	RemoveSitesAllN                      bool
	TryToAlignEasyIndels                 bool
	PutHyphensInIndels                   bool
	Aligner                              Aligner
}

// DefaultOptions matches write_fasta's Python defaults.
func DefaultOptions() Options {
	return Options{
		RemoveIndels:         true,
		RemoveSitesAllN:      true,
		PutHyphensInIndels:   true,
	}
}

// Stats mirrors write_fasta's returned stats dict.
type Stats struct {
	SNPsTried      int
	ComplexSkipped int
	SNPsWritten    int
	IndelsRemoved  int
}

// ErrAlignmentTooDifficult corresponds to AlignmentTooDifficultError: a
// site is skipped rather than aborting the whole write.
var ErrAlignmentTooDifficult = errors.New("gtfasta: alignment too difficult")

// Aligner reconciles allele byte strings of differing length into a
// common width, or reports ErrAlignmentTooDifficult. The stock pairwise
// alignment the original reaches for (Biopython's pairwise2) has no
// counterpart in the retrieved pack, so the default Aligner below is a
// hyphen-padding heuristic (see DESIGN.md); callers needing true
// alignment can inject one.
type Aligner interface {
	Align(alleles [][]byte) ([][]byte, error)
}

const indelChar = '-'

type hyphenAligner struct{}

// Align pads every shorter allele with trailing hyphens to the longest
// allele's length. It never fails, so it is only suitable for the "easy"
// cases write_fasta itself special-cases (lengths differing by one
// hyphen); genuinely divergent alleles should use a real aligner.
func (hyphenAligner) Align(alleles [][]byte) ([][]byte, error) {
	maxLen := 0
	for _, a := range alleles {
		if len(a) > maxLen {
			maxLen = len(a)
		}
	}
	out := make([][]byte, len(alleles))
	for i, a := range alleles {
		if len(a) == maxLen {
			out[i] = a
			continue
		}
		padded := make([]byte, maxLen)
		copy(padded, a)
		for j := len(a); j < maxLen; j++ {
			padded[j] = indelChar
		}
		out[i] = padded
	}
	return out, nil
}

// fixAlleleLengths implements _fix_allele_lengths: equal-length alleles
// (ignoring empty ones) pass through unchanged; when the longest allele is
// 2 bases, every 1-base allele gets one trailing hyphen; any other mix of
// lengths is handed to the aligner when tryToAlignEasyIndels is set and
// otherwise yields ErrAlignmentTooDifficult.
func fixAlleleLengths(alleles [][]byte, tryToAlignEasyIndels, putHyphensInIndels bool, aligner Aligner) ([][]byte, error) {
	if !putHyphensInIndels {
		return alleles, nil
	}
	oneLength := len(alleles[0])
	allSame := true
	maxLen := 0
	for _, a := range alleles {
		if len(a) != oneLength && len(a) != 0 {
			allSame = false
		}
		if len(a) > maxLen {
			maxLen = len(a)
		}
	}
	if allSame {
		return alleles, nil
	}
	if maxLen == 2 {
		out := make([][]byte, len(alleles))
		for i, a := range alleles {
			if len(a) == 1 {
				out[i] = append(append([]byte{}, a...), indelChar)
			} else {
				out[i] = a
			}
		}
		return out, nil
	}
	if !tryToAlignEasyIndels {
		return nil, ErrAlignmentTooDifficult
	}
	aligned, err := aligner.Align(alleles)
	if err != nil {
		return nil, ErrAlignmentTooDifficult
	}
	width := len(aligned[0])
	for _, a := range aligned {
		if len(a) != width {
			return nil, ErrAlignmentTooDifficult
		}
	}
	return aligned, nil
}

// Write streams one or more FASTA sequences per sample, one per call.
// store must expose the "ref", "alt" and "calls/GT" fields.
func Write(ctx context.Context, store variationstore.Store, w io.Writer, opts Options) (Stats, error) {
	if opts.Aligner == nil {
		opts.Aligner = hyphenAligner{}
	}
	var stats Stats

	chunk, err := store.GetChunk(ctx, 0, store.NumVariations())
	if err != nil {
		return stats, err
	}
	refFC, ok := chunk.Fields["ref"]
	if !ok {
		return stats, vcferrors.UnsupportedFeature{Reason: "gtfasta requires the ref field"}
	}
	altFC, ok := chunk.Fields["alt"]
	if !ok {
		return stats, vcferrors.UnsupportedFeature{Reason: "gtfasta requires the alt field"}
	}
	gtFC, ok := chunk.Fields["calls/GT"]
	if !ok {
		return stats, vcferrors.UnsupportedFeature{Reason: "gtfasta requires calls/GT"}
	}

	samples := store.Samples()
	ploidy := 2
	if len(gtFC.Descriptor.Shape) >= 3 {
		ploidy = gtFC.Descriptor.Shape[2]
	}
	gt := unflattenGT(gtFC, len(samples), ploidy)

	if opts.RemoveIndels {
		selected, dropped, err := reducers.SelectAll(ctx, store, reducers.IndelFilter{})
		if err != nil {
			return stats, err
		}
		stats.IndelsRemoved = dropped
		gt, chunk = filterRows(gt, chunk, selected)
		refFC, altFC = chunk.Fields["ref"], chunk.Fields["alt"]
	}

	if opts.WriteOneSeqPerSampleSettingHetsToMissing {
		if ploidy != 2 {
			return stats, vcferrors.UnsupportedFeature{Reason: "hets-to-missing mode requires diploid GT"}
		}
		gt = collapseHetsToMissing(gt)
		ploidy = 1
	}

	if opts.RemoveInvariantSNPs || opts.RemoveSitesAllN {
		keep := siteKeepMask(gt, opts.RemoveInvariantSNPs, opts.RemoveSitesAllN)
		gt, chunk = filterRows(gt, chunk, keep)
		refFC, altFC = chunk.Fields["ref"], chunk.Fields["alt"]
	}

	altWidth := 1
	if len(altFC.Descriptor.Shape) > 1 {
		altWidth = altFC.Descriptor.Shape[1]
	}

	// letterHaps[row][sample][haplotype] is the resolved allele string.
	letterHaps := make([][][][]byte, len(gt))
	for rowIdx, row := range gt {
		stats.SNPsTried++
		ref := cleanAllele(refFC.Slab.Bytes[rowIdx])
		alleles := [][]byte{ref}
		for j := 0; j < altWidth; j++ {
			alt := altFC.Slab.Bytes[rowIdx*altWidth+j]
			if len(alt) == 0 {
				break
			}
			alleles = append(alleles, cleanAllele(alt))
		}
		maxLen := 0
		for _, a := range alleles {
			if len(a) > maxLen {
				maxLen = len(a)
			}
		}
		nAllele := byte('N')
		empty := make([]byte, maxLen)
		for i := range empty {
			empty[i] = nAllele
		}

		fixed, err := fixAlleleLengths(alleles, opts.TryToAlignEasyIndels, opts.PutHyphensInIndels, opts.Aligner)
		if err == ErrAlignmentTooDifficult {
			stats.ComplexSkipped++
			letterHaps[rowIdx] = fillAll(len(samples), ploidy, empty)
			continue
		}
		if err != nil {
			return stats, err
		}
		stats.SNPsWritten++

		resolved := make([][][]byte, len(samples))
		for s := 0; s < len(samples); s++ {
			haps := make([][]byte, ploidy)
			for h := 0; h < ploidy; h++ {
				code := row[s][h]
				switch {
				case code == vcfschema.MissingInt:
					haps[h] = empty
				case int(code) < len(fixed):
					haps[h] = fixed[code]
				default:
					haps[h] = empty
				}
			}
			resolved[s] = haps
		}
		letterHaps[rowIdx] = resolved
	}

	bw := bufio.NewWriter(w)
	for s, sample := range samples {
		for h := 0; h < ploidy; h++ {
			if opts.WriteOneSeqPerSampleSettingHetsToMissing {
				fmt.Fprintf(bw, ">%s\n", sample)
			} else {
				fmt.Fprintf(bw, ">%s_hap%d\n", sample, h+1)
			}
			for rowIdx := range gt {
				bw.Write(letterHaps[rowIdx][s][h])
			}
			bw.WriteByte('\n')
		}
	}
	if err := bw.Flush(); err != nil {
		return stats, errors.Wrap(err, "gtfasta: writing output")
	}
	return stats, nil
}

// cleanAllele copies b, capitalizes acgt (soft-masked bases keep their
// identity) and replaces anything else, ambiguity codes included, with 'N',
// the same normalization encoding/fasta applies to sequence bytes read from
// disk.
func cleanAllele(b []byte) []byte {
	out := append([]byte{}, b...)
	biosimd.CleanASCIISeqInplace(out)
	return out
}

func fillAll(nSamples, ploidy int, fill []byte) [][][]byte {
	out := make([][][]byte, nSamples)
	for s := range out {
		haps := make([][]byte, ploidy)
		for h := range haps {
			haps[h] = fill
		}
		out[s] = haps
	}
	return out
}

// unflattenGT reshapes a flat [rows*samples*ploidy] GT slab into [rows]
// [samples][ploidy].
func unflattenGT(fc variationstore.FieldChunk, nSamples, ploidy int) [][][]int32 {
	rows := fc.Descriptor.Shape[0]
	perRow := nSamples * ploidy
	out := make([][][]int32, rows)
	for r := 0; r < rows; r++ {
		row := make([][]int32, nSamples)
		for s := 0; s < nSamples; s++ {
			call := make([]int32, ploidy)
			for h := 0; h < ploidy; h++ {
				call[h] = fc.Slab.Int32[r*perRow+s*ploidy+h]
			}
			row[s] = call
		}
		out[r] = row
	}
	return out
}

// collapseHetsToMissing implements the "remove hets" step: haploid 1 is
// kept, but set to missing wherever it disagrees with haploid 2.
func collapseHetsToMissing(gt [][][]int32) [][][]int32 {
	out := make([][][]int32, len(gt))
	for r, row := range gt {
		newRow := make([][]int32, len(row))
		for s, call := range row {
			v := call[0]
			if call[0] != call[1] {
				v = vcfschema.MissingInt
			}
			newRow[s] = []int32{v}
		}
		out[r] = newRow
	}
	return out
}

// siteKeepMask implements the remove_invariant_snps / remove_sites_all_N
// gates, counting non-missing allele occurrences per row.
func siteKeepMask(gt [][][]int32, removeInvariant, removeAllN bool) []bool {
	keep := make([]bool, len(gt))
	for i, row := range gt {
		counts := map[int32]int{}
		total := 0
		for _, call := range row {
			for _, a := range call {
				total++
				if a != vcfschema.MissingInt {
					counts[a]++
				}
			}
		}
		k := true
		if removeInvariant {
			distinct := len(counts)
			k = k && distinct > 1
		}
		if removeAllN {
			nonMissing := 0
			for _, c := range counts {
				nonMissing += c
			}
			k = k && nonMissing > 0
		}
		keep[i] = k
	}
	return keep
}

// filterRows projects both the GT matrix and the chunk's ref/alt fields
// down to the rows selected by keep.
func filterRows(gt [][][]int32, chunk variationstore.Chunk, keep []bool) ([][][]int32, variationstore.Chunk) {
	newGT := make([][][]int32, 0, len(gt))
	for i, k := range keep {
		if k {
			newGT = append(newGT, gt[i])
		}
	}
	newChunk := variationstore.Chunk{Rows: len(newGT), Fields: map[string]variationstore.FieldChunk{}}
	for path, fc := range chunk.Fields {
		perRow := 1
		for _, d := range fc.Descriptor.Shape[1:] {
			perRow *= d
		}
		if perRow == 0 {
			perRow = 1
		}
		newDesc := fc.Descriptor
		newDesc.Shape = append([]int{len(newGT)}, fc.Descriptor.Shape[1:]...)
		newFC := variationstore.FieldChunk{Descriptor: newDesc}
		if fc.Slab.Bytes != nil {
			for i, k := range keep {
				if k {
					newFC.Slab.Bytes = append(newFC.Slab.Bytes, fc.Slab.Bytes[i*perRow:(i+1)*perRow]...)
				}
			}
		} else if fc.Slab.Int32 != nil {
			for i, k := range keep {
				if k {
					newFC.Slab.Int32 = append(newFC.Slab.Int32, fc.Slab.Int32[i*perRow:(i+1)*perRow]...)
				}
			}
		} else if fc.Slab.Float32 != nil {
			for i, k := range keep {
				if k {
					newFC.Slab.Float32 = append(newFC.Slab.Float32, fc.Slab.Float32[i*perRow:(i+1)*perRow]...)
				}
			}
		} else if fc.Slab.Bool != nil {
			for i, k := range keep {
				if k {
					newFC.Slab.Bool = append(newFC.Slab.Bool, fc.Slab.Bool[i*perRow:(i+1)*perRow]...)
				}
			}
		}
		newChunk.Fields[path] = newFC
	}
	return newGT, newChunk
}
