// Package engine runs the trading loop: fetch a price, update the momentum
// signal, reconcile open orders, and place at most one resting order per
// side, all under the risk manager's sizing rules.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"momentumbot/internal/config"
	"momentumbot/internal/exchange"
	"momentumbot/internal/ledger"
	"momentumbot/internal/market"
	"momentumbot/internal/metrics"
	"momentumbot/internal/momentum"
	"momentumbot/internal/risk"
)

// sanitySkipLimit is how many consecutive out-of-band quotes we tolerate
// before concluding the anchor, not the feed, is stale.
const sanitySkipLimit = 3

// Engine owns one trading pair end to end. It is not safe for concurrent
// Run calls; one engine, one loop.
type Engine struct {
	engCfg  config.Engine
	riskCfg config.Risk

	gw      exchange.Gateway
	filter  *momentum.Filter
	riskMgr *risk.Manager
	book    *ledger.Ledger
	log     zerolog.Logger

	baseAsset  string
	quoteAsset string
	statePath  string

	anchor       float64
	sanitySkips  int
	streak       map[market.Side]int
	reservations map[string]*risk.Reservation
	minSize      float64
	cycles       int
}

// New assembles an engine from config, recovering anchor, streaks, and the
// filter window from the state snapshot when one exists.
func New(cfg *config.Config, gw exchange.Gateway, log zerolog.Logger) (*Engine, error) {
	var snap *Snapshot
	if cfg.App.StatePath != "" {
		loaded, err := LoadSnapshot(cfg.App.StatePath)
		if err != nil {
			return nil, err
		}
		snap = loaded
	}

	var seed []market.Sample
	streak := map[market.Side]int{market.Buy: 0, market.Sell: 0}
	anchor := 0.0
	if snap != nil {
		seed = snap.Window
		anchor = snap.Anchor
		streak[market.Buy] = snap.BuyStreak
		streak[market.Sell] = snap.SellStreak
		log.Info().Float64("anchor", anchor).Int("window", len(seed)).Msg("recovered state snapshot")
	}

	filter := momentum.New(
		cfg.Momentum.WindowSize,
		cfg.Momentum.MinSamples,
		cfg.Momentum.ScoreThreshold,
		cfg.Momentum.VolCeiling,
		scoreFor(cfg.Momentum.ScoreMode),
		seed,
	)
	limits := risk.Limits{
		MaxBalanceFraction: cfg.Risk.MaxBalanceFraction,
		MaxOrderNotional:   cfg.Risk.MaxOrderNotional,
		MaxExposure:        cfg.Risk.MaxExposure,
		MinOrderNotional:   cfg.Risk.MinOrderNotional,
		MakerFeeRate:       cfg.Risk.MakerFeeRate,
		TakerFeeRate:       cfg.Risk.TakerFeeRate,
	}

	return &Engine{
		engCfg:       cfg.Engine,
		riskCfg:      cfg.Risk,
		gw:           gw,
		filter:       filter,
		riskMgr:      risk.NewManager(limits, cfg.Exchange.BaseAsset(), cfg.Exchange.QuoteAsset()),
		book:         ledger.New(),
		log:          log,
		baseAsset:    cfg.Exchange.BaseAsset(),
		quoteAsset:   cfg.Exchange.QuoteAsset(),
		statePath:    cfg.App.StatePath,
		anchor:       anchor,
		streak:       streak,
		reservations: make(map[string]*risk.Reservation),
	}, nil
}

func opposite(side market.Side) market.Side {
	if side == market.Buy {
		return market.Sell
	}
	return market.Buy
}

func scoreFor(mode string) momentum.ScoreFunc {
	if mode == "rate_of_change" {
		return momentum.RateOfChangeScore
	}
	return momentum.WindowChangeScore
}

// Run executes cycles until ctx is cancelled, then cancels every working
// order before returning. A fatal error halts the loop the same way.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.syncBalances(ctx); err != nil {
		return fmt.Errorf("initial balance sync: %w", err)
	}
	minSize, err := e.gw.MinOrderSize(ctx)
	if err != nil {
		return fmt.Errorf("min order size: %w", err)
	}
	e.minSize = minSize
	e.log.Info().Str("exchange", e.gw.Name()).Float64("min_size", minSize).Msg("engine starting")

	ticker := time.NewTicker(e.engCfg.PollInterval())
	defer ticker.Stop()

	for {
		if err := e.cycle(ctx); err != nil {
			if isFatal(err) {
				e.log.Error().Err(err).Msg("fatal engine error, shutting down")
				e.shutdown()
				return err
			}
			e.log.Warn().Err(err).Msg("cycle failed")
		}
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// isFatal classifies errors that mean local and exchange state can no
// longer be trusted to agree. Trading must stop on them.
func isFatal(err error) bool {
	return errors.Is(err, risk.ErrInvariant) ||
		errors.Is(err, ledger.ErrBackwardTransition) ||
		errors.Is(err, exchange.ErrAmbiguous)
}

// cycle is one pass of the loop: fetch, signal, reconcile, evaluate, place.
func (e *Engine) cycle(ctx context.Context) error {
	e.cycles++

	var (
		wg       sync.WaitGroup
		sample   market.Sample
		priceErr error
		balErr   error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sample, priceErr = e.gw.GetPrice(ctx)
	}()
	if e.engCfg.BalanceSyncCycles > 0 && e.cycles%e.engCfg.BalanceSyncCycles == 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			balErr = e.syncBalances(ctx)
		}()
	}
	wg.Wait()
	if balErr != nil {
		if isFatal(balErr) {
			return balErr
		}
		e.log.Warn().Err(balErr).Msg("balance sync failed, keeping last known balances")
	}
	if priceErr != nil {
		return fmt.Errorf("get price: %w", priceErr)
	}
	metrics.PricesObserved.Inc()
	metrics.LastPrice.Set(sample.Mid)

	if !e.priceSane(sample.Mid) {
		return nil
	}
	if e.anchor <= 0 {
		e.anchor = sample.Mid
	}

	sig := e.filter.Observe(sample)
	e.log.Debug().Float64("mid", sample.Mid).Float64("score", sig.Score).Bool("extreme", sig.Extreme).Msg("signal")

	if err := e.reconcile(ctx); err != nil {
		return err
	}

	if sig.Extreme {
		metrics.SignalsExtreme.Inc()
		e.log.Info().Float64("score", sig.Score).Msg("momentum extreme")
	}

	// The risk manager sees every placement attempt, extreme or not, so
	// throttling shows up as a per-side rejection like any other rule.
	for _, side := range []market.Side{market.Buy, market.Sell} {
		if err := e.placeSide(ctx, side, sig, sample.Mid); err != nil {
			return err
		}
	}
	return nil
}

// priceSane rejects quotes too far from the anchor. Repeated rejections
// mean the anchor went stale, so it snaps to the live price instead.
func (e *Engine) priceSane(mid float64) bool {
	if e.anchor <= 0 || e.engCfg.PriceSanityBand <= 0 {
		return true
	}
	dev := math.Abs(mid-e.anchor) / e.anchor
	if dev <= e.engCfg.PriceSanityBand {
		e.sanitySkips = 0
		return true
	}
	e.sanitySkips++
	if e.sanitySkips >= sanitySkipLimit {
		e.log.Warn().Float64("anchor", e.anchor).Float64("mid", mid).Msg("anchor stale, resetting to live price")
		e.anchor = mid
		e.sanitySkips = 0
		return true
	}
	e.log.Warn().Float64("anchor", e.anchor).Float64("mid", mid).Float64("deviation", dev).Msg("quote outside sanity band, skipping cycle")
	return false
}

func (e *Engine) syncBalances(ctx context.Context) error {
	for _, asset := range []string{e.baseAsset, e.quoteAsset} {
		free, err := e.gw.GetBalance(ctx, asset)
		if err != nil {
			return fmt.Errorf("balance %s: %w", asset, err)
		}
		if err := e.riskMgr.Sync(asset, free); err != nil {
			return err
		}
	}
	return nil
}

// reconcile refreshes every working order from the exchange and applies the
// resulting transitions. Orders the exchange does not know get the
// cancel-then-requery treatment before they may be written off.
func (e *Engine) reconcile(ctx context.Context) error {
	working := e.book.NonTerminal()
	if len(working) == 0 {
		return nil
	}

	reports := make([]ledger.StatusReport, 0, len(working))
	for _, o := range working {
		report, err := e.gw.OrderStatus(ctx, exchange.Query{ClientID: o.LocalID, ExchangeID: o.ExchangeID})
		if err != nil {
			e.log.Warn().Err(err).Str("order", o.LocalID).Msg("status query failed, will retry next cycle")
			continue
		}
		report.LocalID = o.LocalID
		reports = append(reports, report)
	}

	changes, unknown, err := e.book.Reconcile(reports)
	if applyErr := e.applyChanges(changes); applyErr != nil {
		return applyErr
	}
	if err != nil {
		return err
	}

	for _, localID := range unknown {
		if err := e.resolveUnknown(ctx, localID); err != nil {
			return err
		}
	}
	return nil
}

// resolveUnknown handles an order the exchange claims not to know: cancel
// by client id to close the race with a delayed accept, query once more,
// and only then write it off locally.
func (e *Engine) resolveUnknown(ctx context.Context, localID string) error {
	e.log.Warn().Str("order", localID).Msg("exchange does not know order, cancelling and requerying")
	if err := e.gw.CancelOrder(ctx, exchange.Query{ClientID: localID}); err != nil {
		e.log.Warn().Err(err).Str("order", localID).Msg("precautionary cancel failed, will retry next cycle")
		return nil
	}
	report, err := e.gw.OrderStatus(ctx, exchange.Query{ClientID: localID})
	if err != nil {
		e.log.Warn().Err(err).Str("order", localID).Msg("requery failed, will retry next cycle")
		return nil
	}
	if report.Found {
		report.LocalID = localID
		changes, _, recErr := e.book.Reconcile([]ledger.StatusReport{report})
		if applyErr := e.applyChanges(changes); applyErr != nil {
			return applyErr
		}
		return recErr
	}

	change, err := e.book.Resolve(localID, ledger.Rejected, 0, 0, 0)
	if err != nil {
		return err
	}
	return e.applyChanges([]ledger.StateChange{change})
}

// applyChanges settles or releases reservations for every terminal
// transition and keeps streaks and the anchor in step with fills.
func (e *Engine) applyChanges(changes []ledger.StateChange) error {
	for _, ch := range changes {
		metrics.OrderTransitions.WithLabelValues(string(ch.To)).Inc()
		e.log.Info().Str("order", ch.Order.LocalID).Str("side", string(ch.Order.Side)).
			Str("from", string(ch.From)).Str("to", string(ch.To)).
			Float64("filled", ch.FilledSize).Msg("order transition")

		if !ch.To.Terminal() {
			continue
		}
		res := e.reservations[ch.Order.LocalID]
		delete(e.reservations, ch.Order.LocalID)
		if res == nil {
			e.log.Warn().Str("order", ch.Order.LocalID).Msg("terminal order without a reservation")
			continue
		}

		if ch.FilledSize > 0 {
			if err := e.riskMgr.Settle(res, ch.Order.Side, ch.FilledSize, ch.AvgPrice, ch.Fee); err != nil {
				return err
			}
		} else if err := e.riskMgr.Release(res); err != nil {
			return err
		}

		if ch.To == ledger.Filled {
			e.streak[ch.Order.Side]++
			e.streak[opposite(ch.Order.Side)] = 0
			e.anchor = ch.AvgPrice
		} else {
			e.streak[ch.Order.Side] = 0
		}
	}
	return nil
}

// placeSide puts a resting order on one side unless one is already working.
func (e *Engine) placeSide(ctx context.Context, side market.Side, sig market.Signal, mid float64) error {
	if _, open := e.book.Open(side); open {
		return nil
	}

	price := e.limitPrice(side, mid)
	if price <= 0 {
		return nil
	}

	approval, rejection, err := e.riskMgr.Evaluate(side, sig, price, e.openExposure())
	if err != nil {
		return err
	}
	if rejection != nil {
		metrics.OrderRejections.WithLabelValues(string(rejection.Side), string(rejection.Reason)).Inc()
		e.log.Debug().Str("side", string(side)).Str("reason", string(rejection.Reason)).Msg("order rejected")
		if rejection.Reason == risk.InsufficientBalance {
			e.reanchorStarvedSide(ctx, side, mid)
		}
		return nil
	}

	notional := e.streakNotional(side, approval.Notional)
	size := notional / price
	if size < e.minSize {
		metrics.OrderRejections.WithLabelValues(string(side), string(risk.BelowMinimumSize)).Inc()
		e.log.Debug().Str("side", string(side)).Float64("size", size).Msg("below venue minimum size")
		return e.riskMgr.Release(approval.Reservation)
	}

	localID := ledger.NewLocalID()
	placed, err := e.gw.PlaceOrder(ctx, exchange.Request{
		ClientID: localID,
		Side:     side,
		Size:     size,
		Price:    price,
	})
	if err != nil {
		if relErr := e.riskMgr.Release(approval.Reservation); relErr != nil {
			return relErr
		}
		if isFatal(err) {
			return err
		}
		e.log.Warn().Err(err).Str("side", string(side)).Msg("order placement failed")
		return nil
	}

	// An ambiguous submission adopted after the fact can come back already
	// terminal. Record it non-terminal, then apply the fill report through
	// the normal transition path so the reservation is settled or released
	// and the order is archived, never stranded in the active set.
	state := placed.State
	if state == "" || state.Terminal() {
		state = ledger.Pending
	}
	if err := e.book.Record(ledger.Order{
		LocalID:    localID,
		ExchangeID: placed.ExchangeID,
		Side:       side,
		Size:       size,
		Price:      price,
		State:      state,
		Created:    placed.Created,
	}); err != nil {
		return err
	}
	e.reservations[localID] = approval.Reservation
	metrics.OrdersPlaced.WithLabelValues(string(side)).Inc()
	e.log.Info().Str("order", localID).Str("side", string(side)).
		Float64("size", size).Float64("price", price).Msg("order placed")

	if placed.State.Terminal() {
		return e.settleAdopted(ctx, localID, placed.ExchangeID)
	}
	return nil
}

// settleAdopted finishes an order that was already terminal when placement
// returned. The fill details are fetched and applied in the same cycle so
// the reservation cannot outlive the order.
func (e *Engine) settleAdopted(ctx context.Context, localID, exchangeID string) error {
	report, err := e.gw.OrderStatus(ctx, exchange.Query{ClientID: localID, ExchangeID: exchangeID})
	if err != nil || !report.Found {
		// The order sits in the book with its reservation attached; the next
		// reconcile pass picks it up.
		e.log.Warn().Err(err).Str("order", localID).Msg("adopted order status query failed, deferring to reconcile")
		return nil
	}
	report.LocalID = localID
	changes, _, recErr := e.book.Reconcile([]ledger.StatusReport{report})
	if applyErr := e.applyChanges(changes); applyErr != nil {
		return applyErr
	}
	return recErr
}

// reanchorStarvedSide handles a side that cannot afford its order while the
// price has drifted a full move away from the anchor: the anchor snaps to
// the live price and the opposite resting order is cancelled so its hold
// can fund the starved side again.
func (e *Engine) reanchorStarvedSide(ctx context.Context, side market.Side, mid float64) {
	if e.anchor <= 0 || math.Abs(mid-e.anchor)/e.anchor <= e.engCfg.PriceMoveThreshold {
		return
	}
	e.log.Info().Str("side", string(side)).Float64("anchor", e.anchor).Float64("mid", mid).
		Msg("side starved and price drifted, re-anchoring")
	e.anchor = mid

	o, open := e.book.Open(opposite(side))
	if !open {
		return
	}
	if err := e.gw.CancelOrder(ctx, exchange.Query{ClientID: o.LocalID, ExchangeID: o.ExchangeID}); err != nil {
		e.log.Warn().Err(err).Str("order", o.LocalID).Msg("re-anchor cancel failed, will retry next cycle")
	}
	// The cancel lands in the ledger on the next reconcile pass.
}

// limitPrice rests the order a threshold away from the anchor, capped so it
// never chases further than the configured offset from the live price.
func (e *Engine) limitPrice(side market.Side, mid float64) float64 {
	move, offset := e.engCfg.PriceMoveThreshold, e.engCfg.PriceOffset
	switch side {
	case market.Buy:
		price := e.anchor * (1 - move)
		if offset > 0 {
			price = math.Min(price, mid*(1+offset))
		}
		return price
	case market.Sell:
		price := e.anchor * (1 + move)
		if offset > 0 {
			price = math.Max(price, mid*(1-offset))
		}
		return price
	}
	return 0
}

// streakNotional scales the approved notional by the fill streak: start at
// the approved amount divided by the multiplier cap and double per
// consecutive fill until the cap is reached.
func (e *Engine) streakNotional(side market.Side, approved float64) float64 {
	maxMult := e.engCfg.MaxSizeMultiplier
	if maxMult <= 1 {
		return approved
	}
	mult := math.Min(math.Pow(2, float64(e.streak[side])), maxMult)
	notional := approved / maxMult * mult
	// Never drop below the exchange-meaningful floor the approval cleared.
	return math.Max(notional, math.Min(approved, e.riskCfg.MinOrderNotional))
}

func (e *Engine) openExposure() float64 {
	var total float64
	for _, o := range e.book.NonTerminal() {
		total += o.Size * o.Price
	}
	return total
}

// shutdown cancels every working order, settles what filled in the
// meantime, and persists the snapshot. It runs on its own deadline because
// the loop context is already cancelled by the time it is called.
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, o := range e.book.NonTerminal() {
		q := exchange.Query{ClientID: o.LocalID, ExchangeID: o.ExchangeID}
		if err := e.gw.CancelOrder(ctx, q); err != nil {
			e.log.Error().Err(err).Str("order", o.LocalID).Msg("shutdown cancel failed")
			continue
		}
		report, err := e.gw.OrderStatus(ctx, q)
		if err != nil {
			e.log.Error().Err(err).Str("order", o.LocalID).Msg("shutdown status query failed")
			continue
		}

		to, filled, avg, fee := ledger.Cancelled, 0.0, 0.0, 0.0
		if report.Found {
			filled, avg, fee = report.FilledSize, report.AvgPrice, report.Fee
			if report.State.Terminal() {
				to = report.State
			}
		} else {
			to = ledger.Rejected
		}
		change, err := e.book.Resolve(o.LocalID, to, filled, avg, fee)
		if err != nil {
			e.log.Error().Err(err).Str("order", o.LocalID).Msg("shutdown resolve failed")
			continue
		}
		if err := e.applyChanges([]ledger.StateChange{change}); err != nil {
			e.log.Error().Err(err).Str("order", o.LocalID).Msg("shutdown settlement failed")
		}
	}

	e.saveSnapshot()
	e.log.Info().Int("cycles", e.cycles).Int("fills", len(e.book.Fills())).Msg("engine stopped")
}

func (e *Engine) saveSnapshot() {
	if e.statePath == "" {
		return
	}
	snap := &Snapshot{
		Anchor:     e.anchor,
		BuyStreak:  e.streak[market.Buy],
		SellStreak: e.streak[market.Sell],
		Window:     e.filter.Window(),
		SavedAt:    time.Now(),
	}
	if err := snap.Save(e.statePath); err != nil {
		e.log.Error().Err(err).Str("path", e.statePath).Msg("failed to save snapshot")
	}
}
