// Package risk owns account balances and decides how much, if anything,
// the engine may put into a new order.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"momentumbot/internal/market"
)

const epsilon = 1e-9

// ErrInvariant marks corrupted balance state. The engine must halt on it
// rather than keep trading.
var ErrInvariant = errors.New("risk invariant violated")

// Reason classifies why an order request was turned down. Rejections are
// ordinary control flow, not errors.
type Reason string

const (
	ThrottledByMomentum Reason = "throttled_by_momentum"
	BelowMinimumSize    Reason = "below_minimum_size"
	InsufficientBalance Reason = "insufficient_balance"
)

// Rejection reports a refused trade and the first rule that failed.
type Rejection struct {
	Side   market.Side
	Reason Reason
}

// Reservation is a hold on balance backing one approved order. It stays
// open until the order reaches a terminal state.
type Reservation struct {
	Asset  string
	Amount float64
	closed bool
}

// Approval carries the size the engine may trade and the reservation
// already taken out for it.
type Approval struct {
	Side        market.Side
	Notional    float64 // quote-currency value approved
	BaseSize    float64 // Notional / Price
	Price       float64
	Reservation *Reservation
}

// Limits are the configured guard-rails, all quote notionals.
type Limits struct {
	MaxBalanceFraction float64
	MaxOrderNotional   float64
	MaxExposure        float64
	MinOrderNotional   float64
	MakerFeeRate       float64
	TakerFeeRate       float64
}

// Balance is one asset's free and reserved amounts.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Manager is the single owner of balance state. Every mutation happens
// under one mutex so compare-and-reserve is atomic even if the engine is
// ever run concurrently.
type Manager struct {
	mu     sync.Mutex
	limits Limits
	base   string
	quote  string
	bals   map[string]*Balance
}

// NewManager tracks the pair's base and quote assets with zero balances
// until the first Sync.
func NewManager(limits Limits, baseAsset, quoteAsset string) *Manager {
	return &Manager{
		limits: limits,
		base:   baseAsset,
		quote:  quoteAsset,
		bals: map[string]*Balance{
			baseAsset:  {Asset: baseAsset},
			quoteAsset: {Asset: quoteAsset},
		},
	}
}

// Sync applies a gateway-confirmed available balance. The exchange's
// available figure already excludes amounts backing resting orders, so
// local reservations are left untouched.
func (m *Manager) Sync(asset string, free float64) error {
	if free < -epsilon {
		return fmt.Errorf("%w: exchange reported negative free %s: %f", ErrInvariant, asset, free)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.bals[asset]
	if !ok {
		return fmt.Errorf("unknown asset %q", asset)
	}
	bal.Free = math.Max(0, free)
	return nil
}

// Evaluate applies the sizing rules in order and, on approval, atomically
// reserves the spend amount before returning. Exactly one of the three
// results is non-zero.
func (m *Manager) Evaluate(side market.Side, sig market.Signal, price, openExposure float64) (*Approval, *Rejection, error) {
	if sig.Extreme {
		return nil, &Rejection{Side: side, Reason: ThrottledByMomentum}, nil
	}
	if price <= 0 {
		return nil, nil, fmt.Errorf("evaluate %s: non-positive price %f", side, price)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	spendAsset := m.quote
	if side == market.Sell {
		spendAsset = m.base
	}
	bal := m.bals[spendAsset]
	if bal == nil {
		return nil, nil, fmt.Errorf("unknown asset %q", spendAsset)
	}
	if bal.Free < -epsilon || bal.Locked < -epsilon {
		return nil, nil, fmt.Errorf("%w: %s free=%f locked=%f", ErrInvariant, spendAsset, bal.Free, bal.Locked)
	}

	freeNotional := bal.Free
	if side == market.Sell {
		freeNotional = bal.Free * price
	}

	notional := m.limits.MaxBalanceFraction * freeNotional
	notional = math.Min(notional, m.limits.MaxOrderNotional)
	notional = math.Min(notional, m.limits.MaxExposure-openExposure)
	if notional < m.limits.MinOrderNotional {
		return nil, &Rejection{Side: side, Reason: BelowMinimumSize}, nil
	}

	spend := notional
	if side == market.Sell {
		spend = notional / price
	}
	// Fee buffer mirrors the exchange's own pre-trade check.
	if spend*(1+m.limits.TakerFeeRate) > bal.Free+epsilon {
		return nil, &Rejection{Side: side, Reason: InsufficientBalance}, nil
	}

	bal.Free -= spend
	bal.Locked += spend

	return &Approval{
		Side:        side,
		Notional:    notional,
		BaseSize:    notional / price,
		Price:       price,
		Reservation: &Reservation{Asset: spendAsset, Amount: spend},
	}, nil, nil
}

// Release returns a reservation to free balance, used when the order it
// backed was cancelled, rejected, expired, or never reached the exchange.
func (m *Manager) Release(r *Reservation) error {
	if r == nil || r.closed {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.bals[r.Asset]
	if bal == nil {
		return fmt.Errorf("unknown asset %q", r.Asset)
	}
	if bal.Locked+epsilon < r.Amount {
		return fmt.Errorf("%w: releasing %f %s but only %f locked", ErrInvariant, r.Amount, r.Asset, bal.Locked)
	}
	bal.Locked -= r.Amount
	bal.Free += r.Amount
	r.closed = true
	return nil
}

// Settle consumes a reservation against a confirmed fill: the spent part
// leaves the locked balance, the unspent remainder returns to free, and
// the received asset is credited net of fee. Fees are charged in the
// received asset, the spot convention.
func (m *Manager) Settle(r *Reservation, side market.Side, filledBase, avgPrice, fee float64) error {
	if r == nil || r.closed {
		return fmt.Errorf("settle: reservation already closed")
	}
	if filledBase < 0 || avgPrice < 0 || fee < 0 {
		return fmt.Errorf("settle: negative fill fields (base=%f px=%f fee=%f)", filledBase, avgPrice, fee)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	spendBal := m.bals[r.Asset]
	if spendBal == nil {
		return fmt.Errorf("unknown asset %q", r.Asset)
	}
	if spendBal.Locked+epsilon < r.Amount {
		return fmt.Errorf("%w: settling %f %s but only %f locked", ErrInvariant, r.Amount, r.Asset, spendBal.Locked)
	}

	spent := filledBase * avgPrice // quote spent on a buy
	if side == market.Sell {
		spent = filledBase // base spent on a sell
	}
	refund := r.Amount - spent
	if refund < 0 {
		// Exchange filled more than reserved; absorb from free rather than
		// corrupting locked.
		spendBal.Free += refund
		refund = 0
	}
	spendBal.Locked -= r.Amount
	spendBal.Free += refund

	recvAsset, credit := m.base, filledBase-fee
	if side == market.Sell {
		recvAsset, credit = m.quote, filledBase*avgPrice-fee
	}
	recvBal := m.bals[recvAsset]
	if recvBal == nil {
		return fmt.Errorf("unknown asset %q", recvAsset)
	}
	recvBal.Free += credit
	r.closed = true

	if spendBal.Free < -epsilon || spendBal.Locked < -epsilon || recvBal.Free < -epsilon {
		return fmt.Errorf("%w: post-settle %s free=%f locked=%f / %s free=%f",
			ErrInvariant, spendBal.Asset, spendBal.Free, spendBal.Locked, recvBal.Asset, recvBal.Free)
	}
	return nil
}

// Balances returns a copy of the tracked balances for logging/snapshots.
func (m *Manager) Balances() []Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Balance, 0, len(m.bals))
	for _, b := range m.bals {
		out = append(out, *b)
	}
	return out
}

// Balance returns one asset's state.
func (m *Manager) Balance(asset string) (Balance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bals[asset]
	if !ok {
		return Balance{}, false
	}
	return *b, true
}
