package momentum

import (
	"testing"
	"time"

	"momentumbot/internal/market"
)

func samplesFromMids(mids ...float64) []market.Sample {
	now := time.Now()
	out := make([]market.Sample, len(mids))
	for i, m := range mids {
		out[i] = market.Sample{Time: now.Add(time.Duration(i) * time.Minute), Mid: m, Bid: m - 0.5, Ask: m + 0.5}
	}
	return out
}

func TestInsufficientSamplesFailSafe(t *testing.T) {
	f := New(10, 4, 0.03, 0, nil, nil)
	for i, s := range samplesFromMids(100, 101, 102) {
		sig := f.Observe(s)
		if !sig.Extreme {
			t.Fatalf("sample %d: expected extreme before min samples", i)
		}
		if sig.Score != 0 {
			t.Fatalf("sample %d: expected zero score, got %f", i, sig.Score)
		}
	}
}

func TestWindowChangeScenario(t *testing.T) {
	// window [100,101,99,105] with a 3% threshold: +5% start-to-end is extreme.
	f := New(4, 2, 0.03, 0, nil, nil)
	var sig market.Signal
	for _, s := range samplesFromMids(100, 101, 99, 105) {
		sig = f.Observe(s)
	}
	if sig.Score < 0.049 || sig.Score > 0.051 {
		t.Fatalf("expected score ~0.05, got %f", sig.Score)
	}
	if !sig.Extreme {
		t.Fatalf("expected extreme flag for 5%% move over 3%% threshold")
	}
}

func TestCalmWindowNotExtreme(t *testing.T) {
	f := New(4, 2, 0.03, 0, nil, nil)
	var sig market.Signal
	for _, s := range samplesFromMids(100, 100.2, 100.1, 100.3) {
		sig = f.Observe(s)
	}
	if sig.Extreme {
		t.Fatalf("expected calm window, got extreme with score %f", sig.Score)
	}
}

func TestVolatilityCeilingIndependentlySufficient(t *testing.T) {
	// Start and end nearly equal, so the change score stays tiny, but the
	// intra-window swings blow through the volatility ceiling.
	f := New(6, 2, 0.5, 0.01, nil, nil)
	var sig market.Signal
	for _, s := range samplesFromMids(100, 108, 93, 107, 94, 100.1) {
		sig = f.Observe(s)
	}
	if !sig.Extreme {
		t.Fatalf("expected volatility ceiling to flag extreme, score=%f", sig.Score)
	}
}

func TestDeterministicGivenWindow(t *testing.T) {
	mids := []float64{100, 102, 101, 103, 104, 102.5}
	a := New(6, 2, 0.03, 0.02, nil, nil)
	b := New(6, 2, 0.03, 0.02, nil, nil)
	var sigA, sigB market.Signal
	for _, s := range samplesFromMids(mids...) {
		sigA = a.Observe(s)
		sigB = b.Observe(s)
	}
	if sigA.Score != sigB.Score || sigA.Extreme != sigB.Extreme {
		t.Fatalf("same window produced different signals: %+v vs %+v", sigA, sigB)
	}
}

func TestWindowEviction(t *testing.T) {
	f := New(3, 2, 0.03, 0, nil, nil)
	for _, s := range samplesFromMids(1, 2, 3, 4, 5) {
		f.Observe(s)
	}
	w := f.Window()
	if len(w) != 3 {
		t.Fatalf("expected window of 3, got %d", len(w))
	}
	if w[0].Mid != 3 || w[2].Mid != 5 {
		t.Fatalf("expected oldest samples evicted, window %v", w)
	}
}

func TestSeedRestoresWindow(t *testing.T) {
	seed := samplesFromMids(100, 101, 102, 103)
	f := New(4, 4, 0.5, 0, nil, seed)
	next := market.Sample{Time: seed[3].Time.Add(time.Minute), Mid: 103.5}
	sig := f.Observe(next)
	if sig.Extreme {
		t.Fatalf("seeded filter should already satisfy min samples, got extreme")
	}
}

func TestRateOfChangeScore(t *testing.T) {
	// +1% over 4 minutes = 0.25 %/min.
	s := samplesFromMids(100, 100.25, 100.5, 100.75, 101)
	got := RateOfChangeScore(s)
	if got < 0.2499 || got > 0.2501 {
		t.Fatalf("expected 0.25 %%/min, got %f", got)
	}
}
