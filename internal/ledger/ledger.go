// Package ledger tracks the lifecycle of every order the bot has submitted
// and reconciles local state against what the exchange reports.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"momentumbot/internal/market"
)

// State is an order lifecycle state. Transitions only move forward.
type State string

const (
	Pending         State = "pending"
	Open            State = "open"
	PartiallyFilled State = "partially_filled"
	Filled          State = "filled"
	Cancelled       State = "cancelled"
	Rejected        State = "rejected"
	Expired         State = "expired"
)

// stateRank orders states so that any transition to a lower or equal rank
// (other than staying put) is a logic error. Terminal states share the top
// rank; moving between them is equally forbidden.
var stateRank = map[State]int{
	Pending:         0,
	Open:            1,
	PartiallyFilled: 2,
	Filled:          3,
	Cancelled:       3,
	Rejected:        3,
	Expired:         3,
}

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	switch s {
	case Filled, Cancelled, Rejected, Expired:
		return true
	}
	return false
}

// ErrBackwardTransition marks an attempted transition that violates the
// forward-only state machine. It is a logic error, never ignored.
var ErrBackwardTransition = errors.New("backward order state transition")

// Order is the ledger's record of one submission. LocalID doubles as the
// client order id sent to the exchange, which is what makes ambiguous
// placements resolvable.
type Order struct {
	LocalID    string
	ExchangeID string
	Side       market.Side
	Size       float64 // requested base size
	Price      float64 // requested limit price
	State      State
	Created    time.Time
	Updated    time.Time
}

// NewLocalID produces a fresh client order id. OKX accepts at most 32
// alphanumeric characters, so the uuid is sent without hyphens.
func NewLocalID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// StatusReport is one order's latest exchange-side view, keyed by LocalID.
// Found=false means the exchange has no record of the order.
type StatusReport struct {
	LocalID    string
	ExchangeID string
	State      State
	FilledSize float64
	AvgPrice   float64
	Fee        float64
	Found      bool
}

// StateChange describes one transition applied during reconciliation.
type StateChange struct {
	Order      Order
	From       State
	To         State
	FilledSize float64
	AvgPrice   float64
	Fee        float64
}

// FillRecord is an archived terminal fill, the raw material for external
// PnL reporting.
type FillRecord struct {
	LocalID  string
	Side     market.Side
	Size     float64
	AvgPrice float64
	Fee      float64
	Time     time.Time
}

// Ledger maps local ids to orders plus a reverse exchange-id index. At most
// one non-terminal order may exist per side.
type Ledger struct {
	mu         sync.Mutex
	active     map[string]*Order
	byExchange map[string]string
	fills      []FillRecord
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		active:     make(map[string]*Order),
		byExchange: make(map[string]string),
	}
}

// Record inserts a freshly created order. One working order per side is
// the discipline the engine relies on, so a second is refused.
func (l *Ledger) Record(o Order) error {
	if o.LocalID == "" {
		return fmt.Errorf("record: order missing local id")
	}
	if o.State.Terminal() {
		// A terminal order could never leave the active set: transition()
		// is the only archival path and it only moves forward.
		return fmt.Errorf("record: order %s already terminal (%s)", o.LocalID, o.State)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.active[o.LocalID]; exists {
		return fmt.Errorf("record: duplicate local id %s", o.LocalID)
	}
	for _, existing := range l.active {
		if existing.Side == o.Side && !existing.State.Terminal() {
			return fmt.Errorf("record: %s order %s still working", o.Side, existing.LocalID)
		}
	}
	cp := o
	if cp.State == "" {
		cp.State = Pending
	}
	if cp.Updated.IsZero() {
		cp.Updated = cp.Created
	}
	l.active[cp.LocalID] = &cp
	if cp.ExchangeID != "" {
		l.byExchange[cp.ExchangeID] = cp.LocalID
	}
	return nil
}

// Open returns the working order on the given side, if any.
func (l *Ledger) Open(side market.Side) (Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.active {
		if o.Side == side && !o.State.Terminal() {
			return *o, true
		}
	}
	return Order{}, false
}

// NonTerminal returns all orders still awaiting reconciliation.
func (l *Ledger) NonTerminal() []Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Order, 0, len(l.active))
	for _, o := range l.active {
		if !o.State.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// Reconcile applies a batch of exchange status reports. It returns the
// transitions that happened, plus the local ids of orders the exchange
// does not know — those need the cancel-then-requery procedure before
// they may be rejected locally. A backward transition aborts with
// ErrBackwardTransition: that is corrupted state, not noise.
func (l *Ledger) Reconcile(reports []StatusReport) ([]StateChange, []string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var changes []StateChange
	var unknown []string
	for _, rep := range reports {
		o, ok := l.active[rep.LocalID]
		if !ok || o.State.Terminal() {
			continue
		}
		if !rep.Found {
			unknown = append(unknown, rep.LocalID)
			continue
		}
		if rep.ExchangeID != "" && o.ExchangeID == "" {
			o.ExchangeID = rep.ExchangeID
			l.byExchange[rep.ExchangeID] = o.LocalID
		}
		if rep.State == o.State {
			continue
		}
		change, err := l.transition(o, rep.State, rep.FilledSize, rep.AvgPrice, rep.Fee)
		if err != nil {
			return changes, unknown, err
		}
		changes = append(changes, change)
	}
	return changes, unknown, nil
}

// Resolve forces a single order into a new state, used by the engine after
// the cancel-then-requery procedure settles an unknown order's fate.
func (l *Ledger) Resolve(localID string, to State, filledSize, avgPrice, fee float64) (StateChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.active[localID]
	if !ok {
		return StateChange{}, fmt.Errorf("resolve: unknown order %s", localID)
	}
	return l.transition(o, to, filledSize, avgPrice, fee)
}

// transition enforces forward-only movement and archives terminal orders.
// Callers hold the mutex.
func (l *Ledger) transition(o *Order, to State, filledSize, avgPrice, fee float64) (StateChange, error) {
	fromRank, okFrom := stateRank[o.State]
	toRank, okTo := stateRank[to]
	if !okFrom || !okTo {
		return StateChange{}, fmt.Errorf("transition: unknown state %q -> %q", o.State, to)
	}
	if toRank <= fromRank {
		return StateChange{}, fmt.Errorf("%w: %s: %s -> %s", ErrBackwardTransition, o.LocalID, o.State, to)
	}

	from := o.State
	o.State = to
	o.Updated = time.Now()
	change := StateChange{
		Order:      *o,
		From:       from,
		To:         to,
		FilledSize: filledSize,
		AvgPrice:   avgPrice,
		Fee:        fee,
	}

	if to.Terminal() {
		delete(l.active, o.LocalID)
		if o.ExchangeID != "" {
			delete(l.byExchange, o.ExchangeID)
		}
		if filledSize > 0 {
			l.fills = append(l.fills, FillRecord{
				LocalID:  o.LocalID,
				Side:     o.Side,
				Size:     filledSize,
				AvgPrice: avgPrice,
				Fee:      fee,
				Time:     o.Updated,
			})
		}
	}
	return change, nil
}

// Fills returns a copy of the archived fill history.
func (l *Ledger) Fills() []FillRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]FillRecord, len(l.fills))
	copy(out, l.fills)
	return out
}

// LookupByExchangeID resolves an exchange order id back to the local order.
func (l *Ledger) LookupByExchangeID(exchangeID string) (Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	localID, ok := l.byExchange[exchangeID]
	if !ok {
		return Order{}, false
	}
	o, ok := l.active[localID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}
