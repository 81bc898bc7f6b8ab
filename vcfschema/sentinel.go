package vcfschema

import (
	"math"
	"strconv"

	"github.com/grailbio/base/unsafe"
)

// DType is a semantic dtype for a field in the variation store. It is
// distinct from the Go type used to hold values in memory: e.g. DTypeInt8
// and DTypeInt16 both decode from the same []byte token path, are both held
// as int32, and share the integer missing/filling sentinel.
type DType int

// The semantic dtypes named by the VCF header Type declarations, plus the
// fixed GT dtype (always int8).
const (
	DTypeInt8 DType = iota
	DTypeInt16
	DTypeInt32
	DTypeFloat16
	DTypeFloat32
	DTypeBool
	DTypeString
)

func (d DType) String() string {
	switch d {
	case DTypeInt8:
		return "int8"
	case DTypeInt16:
		return "int16"
	case DTypeInt32:
		return "int32"
	case DTypeFloat16:
		return "float16"
	case DTypeFloat32:
		return "float32"
	case DTypeBool:
		return "bool"
	case DTypeString:
		return "string"
	default:
		return "unknown"
	}
}

// MissingInt is the canonical missing sentinel for every integer dtype: the
// smallest value that survives narrowing to int8.
const MissingInt int32 = -1

// MissingFloat32 is the canonical missing sentinel for float dtypes.
var MissingFloat32 = float32(math.NaN())

// MissingString is the canonical missing sentinel for the string dtype.
var MissingString = []byte{}

// StringWidthSlack is added to the discovered maximum string length to
// reduce reshape churn when a slightly longer value appears later.
const StringWidthSlack = 5

// Sentinel carries the (missing, filling) pair for one dtype. Filling
// defaults to missing except where a caller explicitly wants a distinct
// padding value (e.g. unused ALT slots always use empty-string filling
// regardless of whether ALT itself is absent for that row).
type Sentinel struct {
	MissingInt    int32
	MissingFloat  float32
	MissingString []byte
	FillingInt    int32
	FillingFloat  float32
	FillingString []byte
}

// SentinelFor returns the canonical (missing, filling) pair for d, with
// filling equal to missing.
func SentinelFor(d DType) Sentinel {
	return Sentinel{
		MissingInt:    MissingInt,
		MissingFloat:  MissingFloat32,
		MissingString: MissingString,
		FillingInt:    MissingInt,
		FillingFloat:  MissingFloat32,
		FillingString: MissingString,
	}
}

// IsMissingToken reports whether tok is one of the canonical absence tokens:
// ".", the empty string, or nil.
func IsMissingToken(tok []byte) bool {
	return len(tok) == 0 || (len(tok) == 1 && tok[0] == '.')
}

// smallIntLookup accelerates the common case of casting single-digit
// non-negative integer tokens (genotype allele indices, small INFO counts)
// without going through strconv.
var smallIntLookup [256]int32

func init() {
	for i := range smallIntLookup {
		smallIntLookup[i] = -2 // sentinel meaning "not a cached single digit"
	}
	for d := byte('0'); d <= '9'; d++ {
		smallIntLookup[d] = int32(d - '0')
	}
}

// ParseInt casts a raw byte token to an integer cell value, returning the
// dtype's missing sentinel for a canonical absence token. ok is false if tok
// is present but not castable.
func ParseInt(tok []byte) (v int32, ok bool) {
	if IsMissingToken(tok) {
		return MissingInt, true
	}
	if len(tok) == 1 {
		if cached := smallIntLookup[tok[0]]; cached != -2 {
			return cached, true
		}
	}
	neg := false
	start := 0
	if tok[0] == '-' || tok[0] == '+' {
		neg = tok[0] == '-'
		start = 1
	}
	if start == len(tok) {
		return 0, false
	}
	var n int64
	for _, c := range tok[start:] {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
		if n > math.MaxInt32 {
			return 0, false
		}
	}
	if neg {
		n = -n
	}
	return int32(n), true
}

// ParseFloat casts a raw byte token to a float cell value, returning NaN for
// a canonical absence token.
func ParseFloat(tok []byte) (v float32, ok bool) {
	if IsMissingToken(tok) {
		return MissingFloat32, true
	}
	f, err := strconv.ParseFloat(unsafe.BytesToString(tok), 64)
	if err != nil {
		return 0, false
	}
	return float32(f), true
}
