package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"momentumbot/internal/config"
	"momentumbot/internal/ledger"
	"momentumbot/internal/market"
)

type paperOrder struct {
	exchangeID string
	clientID   string
	side       market.Side
	size       float64
	price      float64
	state      ledger.State
	filled     float64
	avgPrice   float64
	fee        float64
}

// Paper is an in-memory exchange honoring the Gateway contract. Prices
// follow a small random walk and resting limit orders fill when the book
// crosses them, which is enough to exercise the whole engine offline.
type Paper struct {
	mu        sync.Mutex
	instID    string
	base      string
	quote     string
	balances  map[string]float64 // available only; resting orders are subtracted
	orders    map[string]*paperOrder
	mid       float64
	spreadBps float64
	driftBps  float64
	feeRate   float64
	minSize   float64
	seq       int
	rng       *rand.Rand
}

// NewPaper builds a paper venue from config. instID is BASE-QUOTE.
func NewPaper(cfg config.Paper, instID string, feeRate float64) *Paper {
	parts := strings.SplitN(instID, "-", 2)
	base, quote := parts[0], ""
	if len(parts) == 2 {
		quote = parts[1]
	}
	return &Paper{
		instID: instID,
		base:   base,
		quote:  quote,
		balances: map[string]float64{
			base:  cfg.BaseBalance,
			quote: cfg.QuoteBalance,
		},
		orders:    make(map[string]*paperOrder),
		mid:       cfg.StartPrice,
		spreadBps: cfg.SpreadBps,
		driftBps:  cfg.DriftBps,
		feeRate:   feeRate,
		minSize:   1e-5,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Paper) Name() string { return "paper" }

// GetPrice advances the walk one step, crosses any resting orders, and
// returns the new quote.
func (p *Paper) GetPrice(ctx context.Context) (market.Sample, error) {
	if err := ctx.Err(); err != nil {
		return market.Sample{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	drift := (p.rng.Float64()*2 - 1) * p.driftBps / 10000
	p.mid *= 1 + drift
	half := p.mid * p.spreadBps / 20000
	bid, ask := p.mid-half, p.mid+half
	p.cross(bid, ask)

	return market.Sample{Time: time.Now(), Mid: p.mid, Bid: bid, Ask: ask}, nil
}

func (p *Paper) GetBalance(ctx context.Context, asset string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset], nil
}

func (p *Paper) MinOrderSize(ctx context.Context) (float64, error) {
	return p.minSize, nil
}

// PlaceOrder accepts a limit order if the available balance covers it.
func (p *Paper) PlaceOrder(ctx context.Context, req Request) (Placed, error) {
	if err := ctx.Err(); err != nil {
		return Placed{}, err
	}
	if req.Size < p.minSize {
		return Placed{}, fmt.Errorf("size %f below venue minimum %f", req.Size, p.minSize)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.orders[req.ClientID]; dup {
		return Placed{}, fmt.Errorf("duplicate client order id %s", req.ClientID)
	}

	spendAsset, spend := p.quote, req.Size*req.Price
	if req.Side == market.Sell {
		spendAsset, spend = p.base, req.Size
	}
	if p.balances[spendAsset] < spend {
		return Placed{}, fmt.Errorf("insufficient %s balance", spendAsset)
	}
	p.balances[spendAsset] -= spend

	p.seq++
	o := &paperOrder{
		exchangeID: "paper-" + strconv.Itoa(p.seq),
		clientID:   req.ClientID,
		side:       req.Side,
		size:       req.Size,
		price:      req.Price,
		state:      ledger.Open,
	}
	p.orders[req.ClientID] = o
	return Placed{ExchangeID: o.exchangeID, ClientID: o.clientID, State: ledger.Pending, Created: time.Now()}, nil
}

func (p *Paper) OrderStatus(ctx context.Context, q Query) (ledger.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return ledger.StatusReport{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.find(q)
	if o == nil {
		return ledger.StatusReport{LocalID: q.ClientID, Found: false}, nil
	}
	return ledger.StatusReport{
		LocalID:    o.clientID,
		ExchangeID: o.exchangeID,
		State:      o.state,
		FilledSize: o.filled,
		AvgPrice:   o.avgPrice,
		Fee:        o.fee,
		Found:      true,
	}, nil
}

func (p *Paper) CancelOrder(ctx context.Context, q Query) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.find(q)
	if o == nil || o.state.Terminal() {
		return nil // already gone or done; not an error
	}
	// Refund the unfilled remainder of the hold.
	if o.side == market.Buy {
		p.balances[p.quote] += (o.size - o.filled) * o.price
	} else {
		p.balances[p.base] += o.size - o.filled
	}
	o.state = ledger.Cancelled
	return nil
}

// cross fills resting orders against the current book. Callers hold the
// mutex.
func (p *Paper) cross(bid, ask float64) {
	for _, o := range p.orders {
		if o.state.Terminal() {
			continue
		}
		switch o.side {
		case market.Buy:
			if ask <= o.price {
				o.filled = o.size
				o.avgPrice = o.price
				o.fee = o.size * p.feeRate // fee in base on buys
				o.state = ledger.Filled
				p.balances[p.base] += o.size - o.fee
			}
		case market.Sell:
			if bid >= o.price {
				o.filled = o.size
				o.avgPrice = o.price
				o.fee = o.size * o.price * p.feeRate // fee in quote on sells
				o.state = ledger.Filled
				p.balances[p.quote] += o.size*o.price - o.fee
			}
		}
	}
}

func (p *Paper) find(q Query) *paperOrder {
	if q.ClientID != "" {
		if o, ok := p.orders[q.ClientID]; ok {
			return o
		}
	}
	if q.ExchangeID != "" {
		for _, o := range p.orders {
			if o.exchangeID == q.ExchangeID {
				return o
			}
		}
	}
	return nil
}

// SetMid pins the walk to a price, used by tests to force crossings.
func (p *Paper) SetMid(mid float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mid = mid
}
