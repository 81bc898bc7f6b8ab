package vcfschema

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/grailbio/variation/vcferrors"
	"github.com/pkg/errors"
)

// Catalog names the four disjoint field namespaces a VCF header declares.
type Catalog int

const (
	CatalogVariation Catalog = iota
	CatalogInfo
	CatalogFilter
	CatalogCall
)

// Arity describes a field's declared cardinality: a fixed count, or
// "variable" (VCF header Number values ".", "A", "G", "R" all collapse to
// variable here; the store discovers the concrete width from data).
type Arity struct {
	Fixed    int
	Variable bool
}

// FixedArity returns an Arity declaring exactly n values.
func FixedArity(n int) Arity { return Arity{Fixed: n} }

// VariableArity returns an Arity whose width is discovered from data.
func VariableArity() Arity { return Arity{Variable: true} }

// Field describes one column of the variation store.
type Field struct {
	Catalog     Catalog
	Tag         string // empty for the fixed VARIATION fields
	DType       DType
	Declared    Arity
	Description string
}

// Schema is the set of field catalogs parsed from a VCF header, plus the
// sample name list from the #CHROM line.
type Schema struct {
	FileFormat string
	Info       map[string]Field
	Filter     map[string]Field
	Call       map[string]Field
	Samples    []string
}

// fixed VARIATION fields; always present regardless of header content.
var variationFields = map[string]Field{
	"chrom": {Catalog: CatalogVariation, DType: DTypeString, Declared: FixedArity(1)},
	"pos":   {Catalog: CatalogVariation, DType: DTypeInt32, Declared: FixedArity(1)},
	"id":    {Catalog: CatalogVariation, DType: DTypeString, Declared: FixedArity(1)},
	"ref":   {Catalog: CatalogVariation, DType: DTypeString, Declared: FixedArity(1)},
	"qual":  {Catalog: CatalogVariation, DType: DTypeFloat32, Declared: FixedArity(1)},
	"alt":   {Catalog: CatalogVariation, DType: DTypeString, Declared: VariableArity()},
}

// VariationField returns one of the six fixed VARIATION fields by name.
func VariationField(name string) (Field, bool) {
	f, ok := variationFields[name]
	return f, ok
}

// ParseHeader reads "##"-prefixed metadata lines from r until (and
// including) the "#CHROM..." column header line, and returns the resulting
// Schema along with a bufio.Reader positioned at the first body line.
func ParseHeader(r io.Reader) (*Schema, *bufio.Reader, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	s := &Schema{
		Info:   map[string]Field{},
		Filter: map[string]Field{},
		Call:   map[string]Field{},
	}
	for {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, nil, errors.Wrap(vcferrors.SchemaError{Reason: vcferrors.MalformedHeader}, "unexpected end of input before #CHROM line")
		}
		line = bytes.TrimRight(line, "\r\n")
		if bytes.HasPrefix(line, []byte("##")) {
			if err := parseMetaLine(s, line[2:]); err != nil {
				return nil, nil, err
			}
		} else if bytes.HasPrefix(line, []byte("#CHROM")) {
			s.Samples = parseSampleNames(line)
			return s, br, nil
		} else {
			return nil, nil, errors.Wrap(vcferrors.SchemaError{Reason: vcferrors.MalformedHeader}, "body line encountered before #CHROM line")
		}
		if err != nil {
			return nil, nil, errors.Wrap(vcferrors.SchemaError{Reason: vcferrors.MalformedHeader}, "unexpected end of input before #CHROM line")
		}
	}
}

func parseSampleNames(chromLine []byte) []string {
	cols := bytes.Split(chromLine, []byte("\t"))
	if len(cols) <= 9 {
		return nil
	}
	samples := make([]string, 0, len(cols)-9)
	for _, c := range cols[9:] {
		samples = append(samples, string(c))
	}
	return samples
}

func parseMetaLine(s *Schema, line []byte) error {
	eq := bytes.IndexByte(line, '=')
	if eq < 0 {
		return nil // bare "##comment", ignore
	}
	key := string(line[:eq])
	rest := line[eq+1:]
	switch key {
	case "fileformat":
		s.FileFormat = string(rest)
		return nil
	case "INFO", "FORMAT", "FILTER":
		return parseDeclaration(s, key, rest)
	default:
		return nil
	}
}

// parseDeclaration tokenizes a "<ID=...,Number=...,Type=...,Description="...">"
// structured header value, tolerating commas embedded inside quoted values.
func parseDeclaration(s *Schema, kind string, value []byte) error {
	value = bytes.TrimSpace(value)
	if len(value) < 2 || value[0] != '<' || value[len(value)-1] != '>' {
		return errors.Wrap(vcferrors.SchemaError{Reason: vcferrors.MalformedHeader}, "declaration not wrapped in <...>")
	}
	tokens := splitDeclarationTokens(value[1 : len(value)-1])
	attrs := map[string]string{}
	for _, tok := range tokens {
		kv := splitKV(tok)
		if kv[0] == "" {
			continue
		}
		attrs[kv[0]] = kv[1]
	}
	id := attrs["ID"]
	if id == "" {
		return errors.Wrap(vcferrors.SchemaError{Reason: vcferrors.MalformedHeader}, "declaration missing ID")
	}
	dtype := DTypeBool // FILTER declarations carry no Type
	if kind != "FILTER" {
		var err error
		if dtype, err = mapType(attrs["Type"]); err != nil {
			return err
		}
	}
	arity := mapArity(attrs["Number"])
	field := Field{Tag: id, DType: dtype, Declared: arity, Description: attrs["Description"]}
	switch kind {
	case "INFO":
		field.Catalog = CatalogInfo
		s.Info[id] = field
	case "FILTER":
		field.Catalog = CatalogFilter
		field.DType = DTypeBool
		s.Filter[id] = field
	case "FORMAT":
		field.Catalog = CatalogCall
		s.Call[id] = field
	}
	return nil
}

// splitDeclarationTokens splits on commas that are not inside double quotes.
func splitDeclarationTokens(s []byte) [][]byte {
	var out [][]byte
	var depth int
	start := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			if i == 0 || s[i-1] != '\\' {
				inQuote = !inQuote
			}
		case ',':
			if !inQuote && depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func splitKV(tok []byte) [2]string {
	tok = bytes.TrimSpace(tok)
	eq := bytes.IndexByte(tok, '=')
	if eq < 0 {
		return [2]string{"", ""}
	}
	k := string(bytes.TrimSpace(tok[:eq]))
	v := bytes.TrimSpace(tok[eq+1:])
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
	}
	return [2]string{k, string(v)}
}

func mapType(t string) (DType, error) {
	switch t {
	case "Integer":
		return DTypeInt32, nil
	case "Float":
		return DTypeFloat32, nil
	case "Flag":
		return DTypeBool, nil
	case "String", "Character":
		return DTypeString, nil
	default:
		return 0, errors.Wrap(vcferrors.SchemaError{Reason: vcferrors.MalformedHeader}, "unrecognized Type="+t)
	}
}

func mapArity(n string) Arity {
	if v, err := strconv.Atoi(n); err == nil {
		return FixedArity(v)
	}
	// ".", "A", "G", "R" (and anything else non-numeric) are all
	// discovered-at-runtime variable arities.
	return VariableArity()
}

// Projection is a mutually-exclusive kept-fields allow-list or
// ignored-fields deny-list, validated against a Schema.
type Projection struct {
	Kept    map[string]bool
	Ignored map[string]bool
}

// NewProjection validates kept/ignored path lists against s and returns a
// Projection, or a SchemaError if both lists are non-empty or a path is
// unknown.
func NewProjection(s *Schema, kept, ignored []string) (Projection, error) {
	if len(kept) > 0 && len(ignored) > 0 {
		return Projection{}, vcferrors.SchemaError{Reason: vcferrors.BothKeptAndIgnored}
	}
	p := Projection{Kept: map[string]bool{}, Ignored: map[string]bool{}}
	for _, f := range kept {
		if !s.HasField(f) {
			return Projection{}, vcferrors.SchemaError{Reason: vcferrors.UnknownField, Field: f}
		}
		p.Kept[f] = true
	}
	for _, f := range ignored {
		if !s.HasField(f) {
			return Projection{}, vcferrors.SchemaError{Reason: vcferrors.UnknownField, Field: f}
		}
		p.Ignored[f] = true
	}
	return p, nil
}

// Keep reports whether field path should be materialized under this
// projection.
func (p Projection) Keep(path string) bool {
	if len(p.Kept) > 0 {
		return p.Kept[path]
	}
	if len(p.Ignored) > 0 {
		return !p.Ignored[path]
	}
	return true
}

// HasField reports whether path names a known field: one of the fixed
// VARIATION fields, or a declared INFO/FILTER/CALL tag path.
func (s *Schema) HasField(path string) bool {
	if _, ok := variationFields[path]; ok {
		return true
	}
	const (
		infoPrefix   = "info/"
		filterPrefix = "filter/"
		callPrefix   = "calls/"
	)
	switch {
	case len(path) > len(infoPrefix) && path[:len(infoPrefix)] == infoPrefix:
		_, ok := s.Info[path[len(infoPrefix):]]
		return ok
	case len(path) > len(filterPrefix) && path[:len(filterPrefix)] == filterPrefix:
		if path[len(filterPrefix):] == "no_filters" {
			return true
		}
		_, ok := s.Filter[path[len(filterPrefix):]]
		return ok
	case len(path) > len(callPrefix) && path[:len(callPrefix)] == callPrefix:
		tag := path[len(callPrefix):]
		if tag == "GT" {
			return true
		}
		_, ok := s.Call[tag]
		return ok
	}
	return false
}
