package chunkpipeline

import (
	"github.com/grailbio/variation/vcfparse"
	"github.com/grailbio/variation/vcfschema"
	"github.com/grailbio/variation/variationstore"
	"github.com/pkg/errors"
)

// builder accumulates up to chunkSize parsed records into per-field cell
// buffers, then materializes a variationstore.Chunk on flush. It is the
// concrete realization of spec 4.I's "Missing vs filling" and "Overflow
// reporting" rules.
type builder struct {
	schema    *vcfschema.Schema
	widths    *vcfparse.WidthAccumulator
	proj      vcfschema.Projection
	ploidy    int
	samples   int
	chunkSize int
	dataNoFit map[string]int

	shapes map[string]shape
	rows   int

	chrom []string
	pos   []int32
	id    []string
	ref   []string
	qual  []float32
	alt   [][]string // [row][maxAlt]

	filterBits map[string][]bool // per filter tag, one bool per row
	noFilters  []bool

	info  map[string]fieldBuf
	calls map[string]fieldBuf
	gt    [][]int32 // [row][samples*ploidy]
}

// fieldBuf buffers one variable/fixed-arity field across up to chunkSize
// rows, each row a slice of up to the field's discovered width.
type fieldBuf struct {
	dtype vcfschema.DType
	width int // per-row width (1 for scalar fields)
	ints  [][]int32
	flts  [][]float32
	strs  [][][]byte
	bools [][]bool
}

func newBuilder(schema *vcfschema.Schema, widths *vcfparse.WidthAccumulator, proj vcfschema.Projection, ploidy, samples, chunkSize int, dataNoFit map[string]int) *builder {
	shapes := planShapes(schema, widths, proj, samples)
	b := &builder{
		schema: schema, widths: widths, proj: proj, ploidy: ploidy, samples: samples,
		chunkSize: chunkSize, dataNoFit: dataNoFit, shapes: shapes,
		filterBits: map[string][]bool{}, info: map[string]fieldBuf{}, calls: map[string]fieldBuf{},
	}
	return b
}

func (b *builder) full() bool { return b.rows >= b.chunkSize }

func (b *builder) add(rec *vcfparse.Record) {
	row := b.rows
	b.rows++

	if _, ok := b.shapes["chrom"]; ok {
		b.chrom = append(b.chrom, string(rec.Chrom))
	}
	if _, ok := b.shapes["pos"]; ok {
		b.pos = append(b.pos, rec.Pos)
	}
	if _, ok := b.shapes["id"]; ok {
		if rec.ID == nil {
			b.id = append(b.id, string(vcfschema.MissingString))
		} else {
			b.id = append(b.id, string(rec.ID))
		}
	}
	if _, ok := b.shapes["ref"]; ok {
		b.ref = append(b.ref, string(rec.Ref))
	}
	if _, ok := b.shapes["qual"]; ok {
		b.qual = append(b.qual, rec.Qual)
	}
	if altShape, ok := b.shapes["alt"]; ok {
		maxAlt := altShape.perRow[0]
		row := make([]string, maxAlt)
		if len(rec.Alt) > maxAlt {
			b.dataNoFit["alt"]++
			// The row does not fit the width planned from the pre-read
			// pass: count it in dataNoFit and store the row with every
			// ALT slot empty. Ingest turns a non-zero count into a
			// WidthExceeded error only in strict mode.
			row = row[:0]
			for range make([]struct{}, maxAlt) {
				row = append(row, "")
			}
		} else {
			for i, a := range rec.Alt {
				row[i] = string(a)
			}
		}
		b.alt = append(b.alt, row)
	}

	for tag := range b.schema.Filter {
		path := "filter/" + tag
		if _, ok := b.shapes[path]; !ok {
			continue
		}
		present := false
		if !rec.Filter.Absent {
			for _, t := range rec.Filter.Tags {
				if string(t) == tag {
					present = true
					break
				}
			}
		}
		b.filterBits[tag] = append(b.filterBits[tag], present)
	}
	b.noFilters = append(b.noFilters, rec.Filter.Absent)

	for tag := range b.schema.Info {
		path := "info/" + tag
		shp, ok := b.shapes[path]
		if !ok {
			continue
		}
		buf := b.ensureFieldBuf(b.info, path, shp)
		v, present := rec.Info[tag]
		appendFieldValue(&buf, shp, v, present, path, b.dataNoFit)
		b.info[path] = buf
	}

	callIndex := map[string]int{}
	for i, c := range rec.Calls {
		callIndex[c.Tag] = i
	}
	for tag, f := range b.schema.Call {
		if tag == "GT" {
			continue
		}
		path := "calls/" + tag
		shp, ok := b.shapes[path]
		if !ok {
			continue
		}
		buf := b.ensureFieldBuf(b.calls, path, shp)
		if idx, ok := callIndex[tag]; ok {
			appendCallColumn(&buf, shp, rec.Calls[idx], path, b.dataNoFit, f)
		} else {
			appendMissingCallColumn(&buf, shp, b.samples)
		}
		b.calls[path] = buf
	}
	b.appendGT(rec, callIndex, row)
}

func (b *builder) appendGT(rec *vcfparse.Record, callIndex map[string]int, _ int) {
	perRow := b.samples * b.ploidy
	cells := make([]int32, perRow)
	for i := range cells {
		cells[i] = vcfschema.MissingInt
	}
	if idx, ok := callIndex["GT"]; ok {
		col := rec.Calls[idx]
		for s, v := range col.Values {
			gt, ok := v.([]int32)
			if !ok {
				continue
			}
			for p := 0; p < b.ploidy && p < len(gt); p++ {
				cells[s*b.ploidy+p] = gt[p]
			}
		}
	}
	b.gt = append(b.gt, cells)
}

func (b *builder) ensureFieldBuf(m map[string]fieldBuf, path string, shp shape) fieldBuf {
	if buf, ok := m[path]; ok {
		return buf
	}
	width := 1
	for _, d := range shp.perRow {
		width *= d
	}
	if width == 0 {
		width = 1
	}
	return fieldBuf{dtype: shp.dtype, width: width}
}

// appendFieldValue appends one INFO cell, applying spec 4.I's missing/
// filling discipline: absent observation -> missing sentinel for the whole
// cell; narrower-than-width list -> filling sentinel for the pad slots;
// wider-than-width list -> log data_no_fit and fall back to missing.
func appendFieldValue(buf *fieldBuf, shp shape, v interface{}, present bool, path string, dataNoFit map[string]int) {
	width := buf.width
	switch shp.dtype {
	case vcfschema.DTypeFloat16, vcfschema.DTypeFloat32:
		row := make([]float32, width)
		for i := range row {
			row[i] = vcfschema.MissingFloat32
		}
		if present {
			fillFloatRow(row, v, path, dataNoFit)
		}
		buf.flts = append(buf.flts, row)
	case vcfschema.DTypeString:
		row := make([][]byte, width)
		for i := range row {
			row[i] = vcfschema.MissingString
		}
		if present {
			fillStringRow(row, v, path, dataNoFit)
		}
		buf.strs = append(buf.strs, row)
	case vcfschema.DTypeBool:
		row := make([]bool, width)
		if present {
			if bv, ok := v.(bool); ok {
				row[0] = bv
			}
		}
		buf.bools = append(buf.bools, row)
	default:
		row := make([]int32, width)
		for i := range row {
			row[i] = vcfschema.MissingInt
		}
		if present {
			fillIntRow(row, v, path, dataNoFit)
		}
		buf.ints = append(buf.ints, row)
	}
}

func fillIntRow(row []int32, v interface{}, path string, dataNoFit map[string]int) {
	switch t := v.(type) {
	case int32:
		if len(row) > 0 {
			row[0] = t
		}
	case []int32:
		if len(t) > len(row) {
			dataNoFit[path]++
			return
		}
		copy(row, t)
	}
}

func fillFloatRow(row []float32, v interface{}, path string, dataNoFit map[string]int) {
	switch t := v.(type) {
	case float32:
		if len(row) > 0 {
			row[0] = t
		}
	case []float32:
		if len(t) > len(row) {
			dataNoFit[path]++
			return
		}
		copy(row, t)
	}
}

func fillStringRow(row [][]byte, v interface{}, path string, dataNoFit map[string]int) {
	switch t := v.(type) {
	case []byte:
		if len(row) > 0 {
			row[0] = t
		}
	case [][]byte:
		if len(t) > len(row) {
			dataNoFit[path]++
			return
		}
		copy(row, t)
	}
}

func appendCallColumn(buf *fieldBuf, shp shape, col vcfparse.CallColumn, path string, dataNoFit map[string]int, field vcfschema.Field) {
	perSample := buf.width / len(col.Values)
	switch shp.dtype {
	case vcfschema.DTypeFloat16, vcfschema.DTypeFloat32:
		row := make([]float32, buf.width)
		for i := range row {
			row[i] = vcfschema.MissingFloat32
		}
		for s, v := range col.Values {
			fillFloatRow(row[s*perSample:(s+1)*perSample], v, path, dataNoFit)
		}
		buf.flts = append(buf.flts, row)
	case vcfschema.DTypeString:
		row := make([][]byte, buf.width)
		for i := range row {
			row[i] = vcfschema.MissingString
		}
		for s, v := range col.Values {
			fillStringRow(row[s*perSample:(s+1)*perSample], v, path, dataNoFit)
		}
		buf.strs = append(buf.strs, row)
	case vcfschema.DTypeBool:
		row := make([]bool, buf.width)
		for s, v := range col.Values {
			if bv, ok := v.(bool); ok {
				row[s*perSample] = bv
			}
		}
		buf.bools = append(buf.bools, row)
	default:
		row := make([]int32, buf.width)
		for i := range row {
			row[i] = vcfschema.MissingInt
		}
		for s, v := range col.Values {
			fillIntRow(row[s*perSample:(s+1)*perSample], v, path, dataNoFit)
		}
		buf.ints = append(buf.ints, row)
	}
}

func appendMissingCallColumn(buf *fieldBuf, shp shape, samples int) {
	switch shp.dtype {
	case vcfschema.DTypeFloat16, vcfschema.DTypeFloat32:
		row := make([]float32, buf.width)
		for i := range row {
			row[i] = vcfschema.MissingFloat32
		}
		buf.flts = append(buf.flts, row)
	case vcfschema.DTypeString:
		row := make([][]byte, buf.width)
		for i := range row {
			row[i] = vcfschema.MissingString
		}
		buf.strs = append(buf.strs, row)
	case vcfschema.DTypeBool:
		buf.bools = append(buf.bools, make([]bool, buf.width))
	default:
		row := make([]int32, buf.width)
		for i := range row {
			row[i] = vcfschema.MissingInt
		}
		buf.ints = append(buf.ints, row)
	}
}

// flush materializes the accumulated rows into a variationstore.Chunk and
// resets the builder for the next chunk.
func (b *builder) flush() (variationstore.Chunk, error) {
	rows := b.rows
	chunk := variationstore.Chunk{Rows: rows, Fields: map[string]variationstore.FieldChunk{}}

	addScalarString := func(path string, vals []string) {
		if _, ok := b.shapes[path]; !ok {
			return
		}
		bs := make([][]byte, len(vals))
		for i, v := range vals {
			bs[i] = []byte(v)
		}
		chunk.Fields[path] = variationstore.FieldChunk{
			Descriptor: variationstore.DatasetDescriptor{Path: path, DType: vcfschema.DTypeString, Shape: []int{rows}},
			Slab:       variationstore.Slab{Bytes: bs},
		}
	}
	addScalarString("chrom", b.chrom)
	addScalarString("id", b.id)
	addScalarString("ref", b.ref)

	if _, ok := b.shapes["pos"]; ok {
		chunk.Fields["pos"] = variationstore.FieldChunk{
			Descriptor: variationstore.DatasetDescriptor{Path: "pos", DType: vcfschema.DTypeInt32, Shape: []int{rows}},
			Slab:       variationstore.Slab{Int32: b.pos},
		}
	}
	if _, ok := b.shapes["qual"]; ok {
		chunk.Fields["qual"] = variationstore.FieldChunk{
			Descriptor: variationstore.DatasetDescriptor{Path: "qual", DType: vcfschema.DTypeFloat32, Shape: []int{rows}},
			Slab:       variationstore.Slab{Float32: b.qual},
		}
	}
	if altShape, ok := b.shapes["alt"]; ok {
		maxAlt := altShape.perRow[0]
		flat := make([][]byte, 0, rows*maxAlt)
		for _, row := range b.alt {
			for _, a := range row {
				flat = append(flat, []byte(a))
			}
		}
		chunk.Fields["alt"] = variationstore.FieldChunk{
			Descriptor: variationstore.DatasetDescriptor{Path: "alt", DType: vcfschema.DTypeString, Shape: []int{rows, maxAlt}},
			Slab:       variationstore.Slab{Bytes: flat},
		}
	}

	for tag, bits := range b.filterBits {
		path := "filter/" + tag
		chunk.Fields[path] = variationstore.FieldChunk{
			Descriptor: variationstore.DatasetDescriptor{Path: path, DType: vcfschema.DTypeBool, Shape: []int{rows}},
			Slab:       variationstore.Slab{Bool: bits},
		}
	}
	if _, ok := b.shapes["filter/no_filters"]; ok {
		chunk.Fields["filter/no_filters"] = variationstore.FieldChunk{
			Descriptor: variationstore.DatasetDescriptor{Path: "filter/no_filters", DType: vcfschema.DTypeBool, Shape: []int{rows}},
			Slab:       variationstore.Slab{Bool: b.noFilters},
		}
	}

	flattenBuf := func(path string, shp shape, buf fieldBuf) variationstore.FieldChunk {
		fullShape := append([]int{rows}, shp.perRow...)
		var slab variationstore.Slab
		switch shp.dtype {
		case vcfschema.DTypeFloat16, vcfschema.DTypeFloat32:
			flat := make([]float32, 0, rows*buf.width)
			for _, r := range buf.flts {
				flat = append(flat, r...)
			}
			slab.Float32 = flat
		case vcfschema.DTypeString:
			flat := make([][]byte, 0, rows*buf.width)
			for _, r := range buf.strs {
				flat = append(flat, r...)
			}
			slab.Bytes = flat
		case vcfschema.DTypeBool:
			flat := make([]bool, 0, rows*buf.width)
			for _, r := range buf.bools {
				flat = append(flat, r...)
			}
			slab.Bool = flat
		default:
			flat := make([]int32, 0, rows*buf.width)
			for _, r := range buf.ints {
				flat = append(flat, r...)
			}
			slab.Int32 = flat
		}
		return variationstore.FieldChunk{
			Descriptor: variationstore.DatasetDescriptor{Path: path, DType: shp.dtype, Shape: fullShape},
			Slab:       slab,
		}
	}
	for path, buf := range b.info {
		chunk.Fields[path] = flattenBuf(path, b.shapes[path], buf)
	}
	for path, buf := range b.calls {
		chunk.Fields[path] = flattenBuf(path, b.shapes[path], buf)
	}

	flatGT := make([]int32, 0, rows*b.samples*b.ploidy)
	for _, r := range b.gt {
		flatGT = append(flatGT, r...)
	}
	chunk.Fields["calls/GT"] = variationstore.FieldChunk{
		Descriptor: variationstore.DatasetDescriptor{Path: "calls/GT", DType: vcfschema.DTypeInt8, Shape: []int{rows, b.samples, b.ploidy}},
		Slab:       variationstore.Slab{Int32: flatGT},
	}

	if err := chunk.Validate(); err != nil {
		return chunk, errors.Wrap(err, "flushing chunk")
	}

	b.rows = 0
	b.chrom, b.pos, b.id, b.ref, b.qual, b.alt = nil, nil, nil, nil, nil, nil
	b.filterBits = map[string][]bool{}
	b.noFilters = nil
	b.info = map[string]fieldBuf{}
	b.calls = map[string]fieldBuf{}
	b.gt = nil
	return chunk, nil
}
