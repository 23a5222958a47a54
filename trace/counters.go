package trace

import "math/bits"

// ---------------------------------------------------------------------------
// Histograms
// ---------------------------------------------------------------------------

// HistogramBins is the number of bins in a log2 histogram: bin 0 holds 0,
// bin b > 0 holds [2^(b-1), 2^b - 1].
const HistogramBins = 65

// BinNumber returns the log2 bin for e.
func BinNumber(e uint64) int {
	return bits.Len64(e)
}

// BinLower returns the smallest value in bin b.
func BinLower(b int) uint64 {
	if b <= 0 {
		return 0
	}
	return 1 << (b - 1)
}

// BinUpper returns the largest value in bin b.
func BinUpper(b int) uint64 {
	if b <= 0 {
		return 0
	}
	if b >= 64 {
		return ^uint64(0)
	}
	return 1<<b - 1
}

// Histogram counts observations in log2 bins.
type Histogram struct {
	Bins  [HistogramBins]uint64
	Count uint64
	Sum   uint64
	Max   uint64
}

// Observe records one value.
func (h *Histogram) Observe(e uint64) {
	h.Bins[BinNumber(e)]++
	h.Count++
	h.Sum += e
	if e > h.Max {
		h.Max = e
	}
}

// ---------------------------------------------------------------------------
// Argument arity and vector allocation statistics
// ---------------------------------------------------------------------------

// ArityTable counts calls by the number of arguments in each argument class.
// Arities above 255 share the last slot, like the trace bytes do.
type ArityTable struct {
	Positional [maxByte + 1]uint64
	Keyword    [maxByte + 1]uint64
	Dots       [maxByte + 1]uint64
}

func (t *ArityTable) observe(a ArgCounts) {
	t.Positional[clampByte(a.Positional)]++
	t.Keyword[clampByte(a.Keyword)]++
	t.Dots[clampByte(a.Dots)]++
}

// VectorClass buckets vector allocations by element count.
type VectorClass int

const (
	VectorZero VectorClass = iota
	VectorOne
	VectorSmall
	VectorLarge
	numVectorClasses
)

var vectorClassNames = [...]string{"Null", "One", "Small", "Large"}

func (c VectorClass) String() string {
	if c >= 0 && c < numVectorClasses {
		return vectorClassNames[c]
	}
	return "Unknown"
}

// ClassifyVector picks the allocation class for a vector of n elements.
// smallLimit is the largest element count the host allocates from its small
// vector pools.
func ClassifyVector(n, smallLimit uint64) VectorClass {
	switch {
	case n == 0:
		return VectorZero
	case n == 1:
		return VectorOne
	case n <= smallLimit:
		return VectorSmall
	}
	return VectorLarge
}

// VectorAllocStats accumulates allocations of one vector class.
type VectorAllocStats struct {
	Allocs    uint64
	Elements  uint64
	Size      uint64
	AllocSize uint64
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

// Counters aggregates everything the engine counts over one session. It is
// created at trace start and written once, at shutdown.
type Counters struct {
	Events         uint64
	StackErrors    uint64
	FatalErrors    uint64
	StackFlushed   int
	FuncDecls      uint64
	NullSrcrefs    uint64
	ClosureCalls   uint64
	SpecialCalls   uint64
	BuiltinCalls   uint64
	Contexts       uint64
	ExternalCalls  uint64
	PromisesForced uint64
	// PromisesAbandoned counts unbound promises closed by a context drop
	// rather than by resolution.
	PromisesAbandoned uint64

	Arity         ArityTable
	VectorAllocs  [numVectorClasses]VectorAllocStats
	VectorSizes   Histogram
	PromiseDeltas Histogram
}

func (c *Counters) countCall(kind FrameKind) {
	switch kind {
	case FrameSpecialCall:
		c.SpecialCalls++
	case FrameBuiltinCall:
		c.BuiltinCalls++
	default:
		c.ClosureCalls++
	}
}

// TotalCalls returns the number of calls of all kinds.
func (c *Counters) TotalCalls() uint64 {
	return c.ClosureCalls + c.SpecialCalls + c.BuiltinCalls
}
