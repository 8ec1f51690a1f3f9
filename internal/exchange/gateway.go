// Package exchange hosts the venue gateway contract and its
// implementations. Everything above this package speaks the capability
// set below and never a concrete exchange API.
package exchange

import (
	"context"
	"errors"
	"time"

	"momentumbot/internal/ledger"
	"momentumbot/internal/market"
)

// ErrAmbiguous is returned when a mutating call's outcome could not be
// determined even after the resolution procedure. The engine escalates it
// instead of retrying: a blind retry here can double-submit an order.
var ErrAmbiguous = errors.New("ambiguous order outcome")

// Request is a limit order submission. ClientID is the caller-supplied
// idempotency token; the gateway uses it to resolve ambiguous outcomes.
type Request struct {
	ClientID string
	Side     market.Side
	Size     float64 // base size
	Price    float64
}

// Placed acknowledges a submission that reached the exchange.
type Placed struct {
	ExchangeID string
	ClientID   string
	State      ledger.State
	Created    time.Time
}

// Query identifies an order by either id. ClientID is preferred where the
// exchange id was never learned.
type Query struct {
	ClientID   string
	ExchangeID string
}

// Gateway is the capability set the rest of the system needs from a venue.
// New exchanges are added as new implementations of this interface.
type Gateway interface {
	Name() string
	GetPrice(ctx context.Context) (market.Sample, error)
	GetBalance(ctx context.Context, asset string) (float64, error)
	MinOrderSize(ctx context.Context) (float64, error)
	PlaceOrder(ctx context.Context, req Request) (Placed, error)
	OrderStatus(ctx context.Context, q Query) (ledger.StatusReport, error)
	CancelOrder(ctx context.Context, q Query) error
}
