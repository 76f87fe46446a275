package metrics

import (
	"sort"
	"time"
)

// reservoir is a fixed-size circular buffer of latency samples. Once full,
// new samples overwrite the oldest, so a port's latency state never exceeds
// size entries no matter how many connections it serves.
type reservoir struct {
	samples []time.Duration
	next    int
	count   int
}

func newReservoir(size int) *reservoir {
	return &reservoir{samples: make([]time.Duration, size)}
}

func (r *reservoir) add(d time.Duration) {
	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

// LatencySummary holds percentiles over the current reservoir contents,
// in milliseconds.
type LatencySummary struct {
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Samples int     `json:"samples"`
}

func (r *reservoir) summary() LatencySummary {
	if r.count == 0 {
		return LatencySummary{}
	}

	sorted := make([]time.Duration, r.count)
	copy(sorted, r.samples[:r.count])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencySummary{
		P50:     ms(percentile(sorted, 50)),
		P95:     ms(percentile(sorted, 95)),
		P99:     ms(percentile(sorted, 99)),
		Min:     ms(sorted[0]),
		Max:     ms(sorted[len(sorted)-1]),
		Samples: r.count,
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (len(sorted)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
