// Package momentum derives a directional score from a bounded window of
// price samples and flags moves the bot should sit out.
package momentum

import (
	"math"

	"momentumbot/internal/market"
)

// ScoreFunc computes a momentum score from a chronologically ordered window.
// The formula is a strategy parameter, not a structural one.
type ScoreFunc func(window []market.Sample) float64

// WindowChangeScore is the fractional mid-price change from the start of the
// window to its end.
func WindowChangeScore(window []market.Sample) float64 {
	if len(window) < 2 {
		return 0
	}
	first, last := window[0], window[len(window)-1]
	if first.Mid <= 0 {
		return 0
	}
	return (last.Mid - first.Mid) / first.Mid
}

// RateOfChangeScore normalizes the window change by its span in minutes,
// yielding percent-per-minute momentum.
func RateOfChangeScore(window []market.Sample) float64 {
	if len(window) < 2 {
		return 0
	}
	first, last := window[0], window[len(window)-1]
	minutes := last.Time.Sub(first.Time).Minutes()
	if first.Mid <= 0 || minutes <= 0 {
		return 0
	}
	return ((last.Mid - first.Mid) / first.Mid) * 100 / minutes
}

// Filter keeps the sample window and produces one Signal per observation.
// It has no state beyond the window, so it can be rebuilt from a snapshot
// of recent prices.
type Filter struct {
	windowSize     int
	minSamples     int
	scoreThreshold float64
	volCeiling     float64
	score          ScoreFunc
	window         []market.Sample
}

// New builds a filter. seed may carry recent samples recovered from a
// snapshot; only the newest windowSize entries are kept.
func New(windowSize, minSamples int, scoreThreshold, volCeiling float64, score ScoreFunc, seed []market.Sample) *Filter {
	if windowSize < 2 {
		windowSize = 2
	}
	if minSamples < 2 {
		minSamples = 2
	}
	if score == nil {
		score = WindowChangeScore
	}
	f := &Filter{
		windowSize:     windowSize,
		minSamples:     minSamples,
		scoreThreshold: scoreThreshold,
		volCeiling:     volCeiling,
		score:          score,
		window:         make([]market.Sample, 0, windowSize),
	}
	for _, s := range seed {
		f.push(s)
	}
	return f
}

// Observe appends a sample, evicting the oldest once the window is full,
// and returns the signal for the current window contents.
func (f *Filter) Observe(s market.Sample) market.Signal {
	f.push(s)

	if len(f.window) < f.minSamples {
		// Fail safe: never trade on insufficient data.
		return market.Signal{Score: 0, Extreme: true, ComputedAt: s.Time}
	}

	score := f.score(f.window)
	extreme := math.Abs(score) > f.scoreThreshold
	if f.volCeiling > 0 && returnStdDev(f.window) > f.volCeiling {
		extreme = true
	}
	return market.Signal{Score: score, Extreme: extreme, ComputedAt: s.Time}
}

// Window returns a copy of the current window, oldest first.
func (f *Filter) Window() []market.Sample {
	out := make([]market.Sample, len(f.window))
	copy(out, f.window)
	return out
}

func (f *Filter) push(s market.Sample) {
	f.window = append(f.window, s)
	if len(f.window) > f.windowSize {
		f.window = f.window[1:]
	}
}

// returnStdDev is the standard deviation of consecutive mid-price returns.
func returnStdDev(window []market.Sample) float64 {
	if len(window) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		prev := window[i-1].Mid
		if prev <= 0 {
			continue
		}
		returns = append(returns, (window[i].Mid-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}
