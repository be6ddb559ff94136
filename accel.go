package interp2d

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const noIndex = -1

var (
	accelCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interp2d_accel_cache_hits_total",
		Help: "The total number of axis lookups answered by the cached interval",
	})
	accelCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interp2d_accel_cache_misses_total",
		Help: "The total number of axis lookups that required a binary search",
	})
)

// An accel accelerates repeated lookups along one axis by remembering the
// last interval found.
type accel struct {
	index  int
	hits   int
	misses int
}

func newAccel() accel {
	return accel{index: noIndex}
}

// reset forgets the cached interval.
func (a *accel) reset() {
	a.index = noIndex
	a.hits = 0
	a.misses = 0
}

// locate returns the index i such that coords[i] <= q < coords[i+1]. If q is
// equal to the last coordinate then the last interval is returned. coords must
// be strictly increasing with at least two elements and q must be in range.
func (a *accel) locate(coords []float64, q float64) int {
	n := len(coords)
	if i := a.index; i != noIndex {
		switch {
		case q < coords[i]:
			a.index = search(coords, q, 0, i)
		case q < coords[i+1], i == n-2 && q == coords[n-1]:
			a.hits++
			accelCacheHits.Inc()
			return i
		default:
			a.index = search(coords, q, i+1, n-1)
		}
	} else {
		a.index = search(coords, q, 0, n-1)
	}
	a.misses++
	accelCacheMisses.Inc()
	return a.index
}

// search returns the index i in [lo, hi) such that coords[i] <= q <
// coords[i+1], assuming that coords[lo] <= q <= coords[hi].
func search(coords []float64, q float64, lo, hi int) int {
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if coords[mid] > q {
			hi = mid
		} else {
			lo = mid
		}
	}
	return lo
}
