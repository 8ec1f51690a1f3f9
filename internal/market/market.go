// Package market standardizes payloads shared between the exchange gateway and the decision layers.
package market

import "time"

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Sample models one observation of the traded pair's price.
// Samples are immutable once recorded.
type Sample struct {
	Time time.Time
	Mid  float64
	Bid  float64
	Ask  float64
}

// Signal expresses the momentum read derived from a window of samples.
type Signal struct {
	Score      float64 // normalized rate of change, positive = upward
	Extreme    bool    // true when the system should sit out this cycle
	ComputedAt time.Time
}
