package vcfparse

import (
	"bytes"

	"github.com/dgryski/go-farm"
	"github.com/grailbio/variation/vcferrors"
	"github.com/grailbio/variation/vcfschema"
	"github.com/pkg/errors"
)

// LineParser is a pure function from one VCF body line to a Record, given a
// fixed Schema and a shared WidthAccumulator. Apart from the width updates
// it makes to that accumulator (skipped once it is frozen), its only
// mutable state is its own pair of memoization caches (spec 4.D.7/9:
// FORMAT-header decomposition, GT token decode); the caches belong to this
// LineParser and are not shared with other instances. It is safe to invoke
// repeatedly from a single goroutine but not concurrently (each worker in a
// fan-out pool owns its own LineParser, sharing the read-only Schema and
// the frozen WidthAccumulator).
type LineParser struct {
	Schema *vcfschema.Schema
	Widths *WidthAccumulator
	Ploidy int

	formatCache map[uint64]*formatCacheEntry
	gtCache     map[uint64][]int32
}

type formatCacheEntry struct {
	tags [][]byte
}

// NewLineParser constructs a LineParser bound to schema and widths. Ploidy
// must already be known (the front-end determines it by look-ahead before
// the main pass, per spec 4.D "Ploidy detection").
func NewLineParser(schema *vcfschema.Schema, widths *WidthAccumulator, ploidy int) *LineParser {
	return &LineParser{
		Schema:      schema,
		Widths:      widths,
		Ploidy:      ploidy,
		formatCache: map[uint64]*formatCacheEntry{},
		gtCache:     map[uint64][]int32{},
	}
}

// Parse parses one newline-stripped VCF body line (line number lineNo, for
// error messages) into a Record. It returns (nil, nil) only if the spec
// were to define a skip condition; currently every syntactically valid line
// yields a Record, and malformed input yields a MalformedRecord error.
func (p *LineParser) Parse(line []byte, lineNo int) (*Record, error) {
	cols := bytes.Split(line, []byte("\t"))
	if len(cols) < 9 {
		return nil, errors.Wrap(vcferrors.MalformedRecord{Line: lineNo, Reason: "fewer than 9 fixed columns"}, "parsing body line")
	}
	r := &Record{}
	r.Chrom = cols[0]
	pos, ok := vcfschema.ParseInt(cols[1])
	if !ok {
		return nil, errors.Wrap(vcferrors.MalformedRecord{Line: lineNo, Reason: "POS not an integer"}, "parsing body line")
	}
	r.Pos = pos

	if !vcfschema.IsMissingToken(cols[2]) {
		r.ID = cols[2]
	}
	r.Ref = cols[3]

	if vcfschema.IsMissingToken(cols[4]) {
		r.Alt = nil
	} else {
		r.Alt = bytes.Split(cols[4], []byte(","))
		p.Widths.bumpArity("alt", len(r.Alt))
		for _, a := range r.Alt {
			p.Widths.bumpStrLen("alt", len(a))
		}
	}

	if qual, ok := vcfschema.ParseFloat(cols[5]); ok {
		r.Qual = qual
	} else {
		return nil, errors.Wrap(vcferrors.MalformedRecord{Line: lineNo, Reason: "QUAL not a float"}, "parsing body line")
	}
	r.Filter = p.parseFilter(cols[6])

	info, err := p.parseInfo(cols[7], lineNo)
	if err != nil {
		return nil, err
	}
	r.Info = info

	if len(cols) > 9 {
		calls, err := p.parseCalls(cols[8], cols[9:], lineNo)
		if err != nil {
			return nil, err
		}
		r.Calls = calls
	}
	return r, nil
}

// parseFilter implements spec 4.D.4: PASS -> empty passed list (arity 0);
// "." -> absent; otherwise split on ";" ignoring any coexisting PASS tag
// (Open Question iii).
func (p *LineParser) parseFilter(tok []byte) FilterState {
	if vcfschema.IsMissingToken(tok) {
		return FilterState{Absent: true}
	}
	if bytes.Equal(tok, []byte("PASS")) {
		return FilterState{Tags: [][]byte{}}
	}
	parts := bytes.Split(tok, []byte(";"))
	tags := make([][]byte, 0, len(parts))
	for _, part := range parts {
		if bytes.Equal(part, []byte("PASS")) {
			continue
		}
		tags = append(tags, part)
	}
	p.Widths.bumpArity("filter", len(tags))
	return FilterState{Tags: tags}
}

// parseInfo implements spec 4.D.5: split on ";", each token is "k=v" or a
// bare flag; comma-separated values are cast element-wise per the tag's
// declared dtype. Unknown tags are an error; tags outside the schema's
// projection are the caller's concern (the chunk pipeline filters by
// projection, not the line parser, so every declared tag is parsed here).
func (p *LineParser) parseInfo(tok []byte, lineNo int) (map[string]interface{}, error) {
	if vcfschema.IsMissingToken(tok) {
		return nil, nil
	}
	out := map[string]interface{}{}
	for _, part := range bytes.Split(tok, []byte(";")) {
		if len(part) == 0 {
			continue
		}
		eq := bytes.IndexByte(part, '=')
		var key string
		var val []byte
		if eq < 0 {
			key = string(part)
		} else {
			key = string(part[:eq])
			val = part[eq+1:]
		}
		field, ok := p.Schema.Info[key]
		if !ok {
			return nil, errors.Wrap(vcferrors.MalformedRecord{Line: lineNo, Reason: "unknown INFO tag " + key}, "parsing body line")
		}
		if eq < 0 {
			out[key] = true // flag presence
			continue
		}
		v, err := castScalarOrList(field.DType, val, "info/"+key, p.Widths, lineNo)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

// parseCalls implements spec 4.D.6: the format column lists per-sample tags
// in order; each sample column is split on ":" and right-padded with null
// if short; output is transposed to column-major (one CallColumn per tag).
func (p *LineParser) parseCalls(formatTok []byte, sampleCols [][]byte, lineNo int) ([]CallColumn, error) {
	tags := p.decomposeFormat(formatTok)
	cols := make([]CallColumn, len(tags))
	for i, t := range tags {
		cols[i] = CallColumn{Tag: string(t), Values: make([]interface{}, len(sampleCols))}
	}
	for sampleIdx, sampleTok := range sampleCols {
		if vcfschema.IsMissingToken(sampleTok) {
			for i, t := range tags {
				cols[i].Values[sampleIdx] = missingCallValue(p.Schema, t, p.Ploidy)
			}
			continue
		}
		parts := bytes.Split(sampleTok, []byte(":"))
		for i, t := range tags {
			var part []byte
			if i < len(parts) {
				part = parts[i]
			}
			tagStr := string(t)
			if tagStr == "GT" {
				gt, err := p.parseGT(part, lineNo)
				if err != nil {
					return nil, err
				}
				cols[i].Values[sampleIdx] = gt
				continue
			}
			field, ok := p.Schema.Call[tagStr]
			if !ok {
				return nil, errors.Wrap(vcferrors.MalformedRecord{Line: lineNo, Reason: "unknown FORMAT tag " + tagStr}, "parsing body line")
			}
			v, err := castScalarOrList(field.DType, part, "calls/"+tagStr, p.Widths, lineNo)
			if err != nil {
				return nil, err
			}
			cols[i].Values[sampleIdx] = v
		}
	}
	return cols, nil
}

// decomposeFormat memoizes the split-on-":" decomposition of the raw FORMAT
// column bytes, keyed by a FarmHash of the bytes (spec 4.D.7, 9: "the same
// FORMAT string recurs for nearly every line").
func (p *LineParser) decomposeFormat(tok []byte) [][]byte {
	h := farm.Hash64(tok)
	if e, ok := p.formatCache[h]; ok {
		return e.tags
	}
	tags := bytes.Split(tok, []byte(":"))
	p.formatCache[h] = &formatCacheEntry{tags: tags}
	return tags
}

// parseGT implements the GT parsing rules in spec 4.D "GT parsing": "|" or
// "/" separators, "." alleles are missing, a whole-token "." yields a
// ploidy-length missing vector. Results are memoized by FarmHash of the raw
// bytes (spec 4.D.7, 9: "genotype strings like 0/0, 0/1 dominate").
func (p *LineParser) parseGT(tok []byte, lineNo int) ([]int32, error) {
	h := farm.Hash64(tok)
	if v, ok := p.gtCache[h]; ok {
		return v, nil
	}
	v, err := p.parseGTUncached(tok, lineNo)
	if err != nil {
		return nil, err
	}
	p.gtCache[h] = v
	return v, nil
}

func (p *LineParser) parseGTUncached(tok []byte, lineNo int) ([]int32, error) {
	if vcfschema.IsMissingToken(tok) {
		v := make([]int32, p.Ploidy)
		for i := range v {
			v[i] = vcfschema.MissingInt
		}
		return v, nil
	}
	var alleles [][]byte
	sep := byte('/')
	if bytes.IndexByte(tok, '|') >= 0 {
		sep = '|'
	}
	alleles = bytes.Split(tok, []byte{sep})
	v := make([]int32, len(alleles))
	for i, a := range alleles {
		// Value equality against the absence token, not byte-identity
		// (the source's defect this project corrects per Open Question ii).
		if bytes.Equal(a, []byte(".")) {
			v[i] = vcfschema.MissingInt
			continue
		}
		n, ok := vcfschema.ParseInt(a)
		if !ok {
			return nil, errors.Wrap(vcferrors.MalformedRecord{Line: lineNo, Reason: "GT allele not castable"}, "parsing body line")
		}
		v[i] = n
	}
	return v, nil
}

// missingCallValue returns the per-tag missing vector/scalar used when an
// entire sample column is absent ("." in the sample position).
func missingCallValue(schema *vcfschema.Schema, tag []byte, ploidy int) interface{} {
	tagStr := string(tag)
	if tagStr == "GT" {
		v := make([]int32, ploidy)
		for i := range v {
			v[i] = vcfschema.MissingInt
		}
		return v
	}
	field := schema.Call[tagStr]
	if field.Declared.Variable || field.Declared.Fixed > 1 {
		return missingListFor(field.DType)
	}
	return missingScalarFor(field.DType)
}

func missingScalarFor(d vcfschema.DType) interface{} {
	switch d {
	case vcfschema.DTypeFloat16, vcfschema.DTypeFloat32:
		return vcfschema.MissingFloat32
	case vcfschema.DTypeString:
		return vcfschema.MissingString
	case vcfschema.DTypeBool:
		return false
	default:
		return vcfschema.MissingInt
	}
}

func missingListFor(d vcfschema.DType) interface{} {
	switch d {
	case vcfschema.DTypeFloat16, vcfschema.DTypeFloat32:
		return []float32{}
	case vcfschema.DTypeString:
		return [][]byte{}
	default:
		return []int32{}
	}
}

// castScalarOrList casts a raw INFO/FORMAT value token per dtype: scalar if
// it contains no comma, else comma-split and cast element-wise, updating
// the appropriate width-accumulator entries.
func castScalarOrList(d vcfschema.DType, tok []byte, field string, widths *WidthAccumulator, lineNo int) (interface{}, error) {
	if bytes.IndexByte(tok, ',') < 0 {
		return castScalar(d, tok, field, widths, lineNo)
	}
	parts := bytes.Split(tok, []byte(","))
	widths.bumpArity(field, len(parts))
	switch d {
	case vcfschema.DTypeFloat16, vcfschema.DTypeFloat32:
		out := make([]float32, len(parts))
		for i, part := range parts {
			v, ok := vcfschema.ParseFloat(part)
			if !ok {
				return nil, errors.Wrap(vcferrors.MalformedRecord{Line: lineNo, Reason: "uncastable float in " + field}, "parsing body line")
			}
			out[i] = v
		}
		return out, nil
	case vcfschema.DTypeString:
		out := make([][]byte, len(parts))
		for i, part := range parts {
			out[i] = part
			widths.bumpStrLen(field, len(part))
		}
		return out, nil
	case vcfschema.DTypeBool:
		return nil, errors.Wrap(vcferrors.UnsupportedFeature{Reason: "list-valued Flag field " + field}, "parsing body line")
	default:
		out := make([]int32, len(parts))
		for i, part := range parts {
			v, ok := vcfschema.ParseInt(part)
			if !ok {
				return nil, errors.Wrap(vcferrors.MalformedRecord{Line: lineNo, Reason: "uncastable int in " + field}, "parsing body line")
			}
			out[i] = v
		}
		return out, nil
	}
}

func castScalar(d vcfschema.DType, tok []byte, field string, widths *WidthAccumulator, lineNo int) (interface{}, error) {
	switch d {
	case vcfschema.DTypeFloat16, vcfschema.DTypeFloat32:
		v, ok := vcfschema.ParseFloat(tok)
		if !ok {
			return nil, errors.Wrap(vcferrors.MalformedRecord{Line: lineNo, Reason: "uncastable float in " + field}, "parsing body line")
		}
		return v, nil
	case vcfschema.DTypeString:
		widths.bumpStrLen(field, len(tok))
		return tok, nil
	case vcfschema.DTypeBool:
		return len(tok) > 0, nil
	default:
		v, ok := vcfschema.ParseInt(tok)
		if !ok {
			return nil, errors.Wrap(vcferrors.MalformedRecord{Line: lineNo, Reason: "uncastable int in " + field}, "parsing body line")
		}
		return v, nil
	}
}
