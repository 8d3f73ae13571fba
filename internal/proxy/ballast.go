package proxy

// ballastSize is the minimum effective GC heap.  GOGC+GOMEMLIMIT can't
// express a floor, so hold one as virtual memory instead.
const ballastSize = 25 << 20

var (
	// Only allocates virtual memory, not RSS.  Ignore it in memory
	// profiles.
	ballast = make([]byte, 0, ballastSize)
	_       = ballast
)
