package warmup

import (
	"math"
	"time"
)

const (
	// rateStabilityThreshold is the maximum unit-rate standard deviation as a
	// fraction of the mean rate. 30 units/s is stable below 4.5.
	rateStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of the
	// expected interval. 30 units/s (33ms) is stable below 6.6ms.
	jitterStabilityThreshold = 0.20

	// rateHeadroom is the fraction of the configured rate a source must reach
	// before SuggestFrameRate keeps the configured value.
	rateHeadroom = 0.9
)

// Stats describes the cadence of a source measured during warmup.
type Stats struct {
	Units        int           // Units received
	Bytes        int           // Payload bytes received
	Duration     time.Duration // Measurement window
	RateMean     float64       // Units per second over the window
	RateStdDev   float64       // Standard deviation of the instantaneous rate
	RateMin      float64       // Minimum instantaneous rate
	RateMax      float64       // Maximum instantaneous rate
	IsStable     bool          // Rate stddev < 15% of mean AND jitter < 20% of interval
	JitterMean   float64       // Mean deviation from the expected interval (seconds)
	JitterStdDev float64       // Standard deviation of jitter (seconds)
	JitterMax    float64       // Maximum jitter observed (seconds)
}

// CalculateStats computes cadence statistics from unit arrival times.
func CalculateStats(arrivals []time.Time, total time.Duration) *Stats {
	n := len(arrivals)
	if n == 0 {
		return &Stats{Duration: total}
	}

	stats := &Stats{
		Units:    n,
		Duration: total,
		RateMean: float64(n) / total.Seconds(),
	}

	rates := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := arrivals[i].Sub(arrivals[i-1]).Seconds()
		if interval > 0 {
			rates = append(rates, 1.0/interval)
		}
	}
	if len(rates) == 0 {
		return stats
	}

	stats.RateMin, stats.RateMax = rates[0], rates[0]
	var sumSquares float64
	for _, r := range rates {
		stats.RateMin = math.Min(stats.RateMin, r)
		stats.RateMax = math.Max(stats.RateMax, r)
		diff := r - stats.RateMean
		sumSquares += diff * diff
	}
	stats.RateStdDev = math.Sqrt(sumSquares / float64(len(rates)))

	expected := 1.0 / stats.RateMean
	jitters := make([]float64, 0, n-1)
	var jitterSum float64
	for i := 1; i < n; i++ {
		j := math.Abs(arrivals[i].Sub(arrivals[i-1]).Seconds() - expected)
		jitters = append(jitters, j)
		jitterSum += j
		stats.JitterMax = math.Max(stats.JitterMax, j)
	}
	stats.JitterMean = jitterSum / float64(len(jitters))

	var jitterSquares float64
	for _, j := range jitters {
		diff := j - stats.JitterMean
		jitterSquares += diff * diff
	}
	stats.JitterStdDev = math.Sqrt(jitterSquares / float64(len(jitters)))

	rateStable := stats.RateStdDev < stats.RateMean*rateStabilityThreshold
	jitterStable := stats.JitterMean < expected*jitterStabilityThreshold
	stats.IsStable = rateStable && jitterStable

	return stats
}

// SuggestFrameRate returns the configured rate when the screen source keeps
// up with it, otherwise the whole rate the source actually sustained
// (never below 1).
//
// Example: configured 30, measured 29.5 → 30; measured 12.4 → 12.
func SuggestFrameRate(stats *Stats, configured int) int {
	if stats == nil || stats.RateMean <= 0 {
		return configured
	}
	if stats.RateMean >= float64(configured)*rateHeadroom {
		return configured
	}
	suggested := int(math.Floor(stats.RateMean))
	if suggested < 1 {
		suggested = 1
	}
	return suggested
}
