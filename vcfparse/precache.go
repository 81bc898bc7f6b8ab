package vcfparse

// precache is a bounded FIFO of already-parsed records, capped by an
// approximate byte budget of cached content. It exists so the chunk
// pipeline can discover variable-width column sizes from real data before
// any dataset is shaped, without holding the whole input in memory.
//
// A zero-capacity precache is inert: fillFrom is a no-op and pop always
// returns nil. Dataset widths are then planned before any body record has
// been parsed, and the chunk pipeline counts records wider than that plan
// as truncated; no dataset is resized once it has been shaped.
type precache struct {
	cap     int // byte budget
	used    int
	records []*Record
}

func newPrecache(maxBytes int) *precache {
	return &precache{cap: maxBytes}
}

// approxSize estimates the byte footprint of r for the purpose of the cache
// budget: sum of the lengths of its variable-width byte content.
func approxSize(r *Record) int {
	n := len(r.Chrom) + len(r.ID) + len(r.Ref)
	for _, a := range r.Alt {
		n += len(a)
	}
	for _, v := range r.Info {
		n += approxValueSize(v)
	}
	for _, c := range r.Calls {
		for _, v := range c.Values {
			n += approxValueSize(v)
		}
	}
	return n
}

func approxValueSize(v interface{}) int {
	switch t := v.(type) {
	case []byte:
		return len(t)
	case [][]byte:
		n := 0
		for _, b := range t {
			n += len(b)
		}
		return n
	default:
		return 8
	}
}

// fillFrom pulls records from next until next reports exhaustion by
// returning (nil, nil) or the byte budget is met. Any error from next stops
// the fill and is returned.
func (c *precache) fillFrom(next func() (*Record, error)) error {
	if c.cap <= 0 {
		return nil
	}
	for c.used < c.cap {
		rec, err := next()
		if rec == nil && err == nil {
			return nil // upstream exhausted, nothing more to give
		}
		if err != nil {
			return err
		}
		c.records = append(c.records, rec)
		c.used += approxSize(rec)
	}
	return nil
}

// pop removes and returns the oldest cached record, or nil if the cache is
// empty.
func (c *precache) pop() *Record {
	if len(c.records) == 0 {
		return nil
	}
	r := c.records[0]
	c.records = c.records[1:]
	return r
}

// observeWidths folds every cached record's per-field widths into widths,
// without consuming the cache. Called once after fillFrom drains the input
// (or hits budget) and before the chunk pipeline shapes any dataset.
func observeWidths(records []*Record, widths *WidthAccumulator) {
	for _, r := range records {
		widths.Observe(r)
	}
}
