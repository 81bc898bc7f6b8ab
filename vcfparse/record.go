package vcfparse

// Record is the transient, parsed form of one VCF body line.
type Record struct {
	Chrom  []byte
	Pos    int32
	ID     []byte // nil means absent
	Ref    []byte
	Alt    [][]byte // nil means absent ("." alt)
	Qual   float32  // NaN means absent
	Filter FilterState
	Info   map[string]interface{} // value is []byte, [][]byte, float32, []float32, int32, []int32, or bool (flag)
	Calls  []CallColumn
}

// FilterState distinguishes the three FILTER outcomes spec 4.D.4 requires:
// raw "." (absent, no_filters=true), "PASS" (empty tag list, no_filters=
// false), or an explicit semicolon-separated tag list (PASS, if present
// alongside other tags, is ignored per the project's resolution of VCF's
// unspecified PASS-coexistence behavior).
type FilterState struct {
	Absent bool
	Tags   [][]byte
}

// CallColumn is one FORMAT tag's per-sample column, already transposed from
// the line's row-major (per sample) layout.
type CallColumn struct {
	Tag    string
	Values []interface{} // one per sample; []int32 for GT, else per schema dtype
}

// WidthAccumulator tracks the maximum observed arity and string length per
// variable-width field, across the pre-read cache and, unless frozen, the
// records parsed from the live stream afterwards. It is the "mutable max-width
// accumulator" spec 4.D requires be threaded through the line parser.
type WidthAccumulator struct {
	MaxArity  map[string]int
	MaxStrLen map[string]int
	frozen    bool // true once a worker pool is in use; see Freeze.
}

// NewWidthAccumulator returns an empty accumulator.
func NewWidthAccumulator() *WidthAccumulator {
	return &WidthAccumulator{MaxArity: map[string]int{}, MaxStrLen: map[string]int{}}
}

// Freeze disables further mutation. The parser front-end calls this when
// worker-pool fan-out is enabled: per spec 4.E/5, width discovery must come
// entirely from the pre-read pass in that mode, and parse workers must not
// mutate shared accumulator state.
func (w *WidthAccumulator) Freeze() { w.frozen = true }

func (w *WidthAccumulator) bumpArity(field string, n int) {
	if w.frozen {
		return
	}
	if n > w.MaxArity[field] {
		w.MaxArity[field] = n
	}
}

func (w *WidthAccumulator) bumpStrLen(field string, n int) {
	if w.frozen {
		return
	}
	if n > w.MaxStrLen[field] {
		w.MaxStrLen[field] = n
	}
}

// Observe folds one record's widths into w: alt arity/string length, and
// every map/list-valued INFO and CALL field's arity and (for string-typed
// fields) string length.
func (w *WidthAccumulator) Observe(r *Record) {
	w.bumpArity("alt", len(r.Alt))
	for _, a := range r.Alt {
		w.bumpStrLen("alt", len(a))
	}
	w.bumpArity("filter", len(r.Filter.Tags))
	for k, v := range r.Info {
		observeValueWidth(w, "info/"+k, v)
	}
	for _, c := range r.Calls {
		for _, v := range c.Values {
			observeValueWidth(w, "calls/"+c.Tag, v)
		}
	}
}

func observeValueWidth(w *WidthAccumulator, field string, v interface{}) {
	switch t := v.(type) {
	case [][]byte:
		w.bumpArity(field, len(t))
		for _, b := range t {
			w.bumpStrLen(field, len(b))
		}
	case []int32:
		w.bumpArity(field, len(t))
	case []float32:
		w.bumpArity(field, len(t))
	case []byte:
		w.bumpStrLen(field, len(t))
	}
}
