package httpclient

import (
	"slices"
	"sync"
	"time"
)

// latencyTracker keeps a sliding window of time-to-response samples per
// host, for LatencyStats.
//
// The tracker is safe for concurrent use.
type latencyTracker struct {
	mu         sync.RWMutex
	hosts      map[string]*latencyWindow
	windowSize int
	minSamples int
}

// latencyWindow holds a circular buffer of latency samples.
type latencyWindow struct {
	samples []time.Duration
	head    int
	count   int
}

// LatencyStats are the response times of one host over the last samples.
// Percentiles are zero until enough samples were recorded.
type LatencyStats struct {
	Samples int
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
}

func newLatencyTracker(windowSize, minSamples int) *latencyTracker {
	if windowSize <= 0 {
		windowSize = 100
	}
	if minSamples <= 0 {
		minSamples = 10
	}
	return &latencyTracker{
		hosts:      make(map[string]*latencyWindow),
		windowSize: windowSize,
		minSamples: minSamples,
	}
}

// record adds a sample for host.
func (t *latencyTracker) record(host string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	window, ok := t.hosts[host]
	if !ok {
		window = &latencyWindow{
			samples: make([]time.Duration, t.windowSize),
		}
		t.hosts[host] = window
	}

	window.samples[window.head] = latency
	window.head = (window.head + 1) % t.windowSize
	if window.count < t.windowSize {
		window.count++
	}
}

// percentile returns the approximate p (0..1) latency of host, or false
// with too few samples.
func (t *latencyTracker) percentile(host string, p float64) (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	window, ok := t.hosts[host]
	if !ok || window.count < t.minSamples {
		return 0, false
	}
	return percentileOf(window.sorted(), p), true
}

func (w *latencyWindow) sorted() []time.Duration {
	samples := slices.Clone(w.samples[:w.count])
	slices.Sort(samples)
	return samples
}

func percentileOf(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// snapshot returns the stats of every tracked host.
func (t *latencyTracker) snapshot() map[string]LatencyStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]LatencyStats, len(t.hosts))
	for host, w := range t.hosts {
		s := LatencyStats{Samples: w.count}
		if w.count >= t.minSamples {
			sorted := w.sorted()
			s.P50 = percentileOf(sorted, 0.50)
			s.P95 = percentileOf(sorted, 0.95)
			s.P99 = percentileOf(sorted, 0.99)
		}
		out[host] = s
	}
	return out
}
