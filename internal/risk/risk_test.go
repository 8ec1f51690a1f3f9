package risk

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"momentumbot/internal/market"
)

func calmSignal() market.Signal {
	return market.Signal{Score: 0.001, Extreme: false, ComputedAt: time.Now()}
}

func testLimits() Limits {
	return Limits{
		MaxBalanceFraction: 0.10,
		MaxOrderNotional:   200,
		MaxExposure:        500,
		MinOrderNotional:   10,
		TakerFeeRate:       0.001,
	}
}

func TestEvaluateRejectsExtremeSignal(t *testing.T) {
	m := NewManager(testLimits(), "BTC", "USDT")
	if err := m.Sync("USDT", 1000); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	app, rej, err := m.Evaluate(market.Buy, market.Signal{Score: 0.08, Extreme: true}, 50000, 0)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if app != nil {
		t.Fatalf("expected no approval during extreme move")
	}
	if rej == nil || rej.Reason != ThrottledByMomentum {
		t.Fatalf("expected ThrottledByMomentum, got %+v", rej)
	}
}

func TestEvaluateSizingScenario(t *testing.T) {
	// free=1000, fraction 10%, abs cap 200, exposure ceiling 500 with 450
	// already open: permissible = min(100, 200, 50) = 50.
	m := NewManager(testLimits(), "BTC", "USDT")
	if err := m.Sync("USDT", 1000); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	app, rej, err := m.Evaluate(market.Buy, calmSignal(), 50000, 450)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if math.Abs(app.Notional-50) > epsilon {
		t.Fatalf("expected approved notional 50, got %f", app.Notional)
	}
	bal, _ := m.Balance("USDT")
	if math.Abs(bal.Free-950) > epsilon || math.Abs(bal.Locked-50) > epsilon {
		t.Fatalf("expected free=950 locked=50, got free=%f locked=%f", bal.Free, bal.Locked)
	}
}

func TestEvaluateBelowMinimumSize(t *testing.T) {
	m := NewManager(testLimits(), "BTC", "USDT")
	if err := m.Sync("USDT", 1000); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	_, rej, err := m.Evaluate(market.Buy, calmSignal(), 50000, 495)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if rej == nil || rej.Reason != BelowMinimumSize {
		t.Fatalf("expected BelowMinimumSize with 5 of headroom, got %+v", rej)
	}
}

func TestSellSizesAgainstBaseBalance(t *testing.T) {
	m := NewManager(testLimits(), "BTC", "USDT")
	if err := m.Sync("BTC", 0.02); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	app, rej, err := m.Evaluate(market.Sell, calmSignal(), 50000, 0)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	// free notional = 0.02*50000 = 1000; 10% = 100 under both caps.
	if math.Abs(app.Notional-100) > epsilon {
		t.Fatalf("expected notional 100, got %f", app.Notional)
	}
	if app.Reservation.Asset != "BTC" {
		t.Fatalf("sell must reserve base, got %s", app.Reservation.Asset)
	}
	bal, _ := m.Balance("BTC")
	if math.Abs(bal.Locked-0.002) > epsilon {
		t.Fatalf("expected 0.002 BTC locked, got %f", bal.Locked)
	}
}

func TestReleaseRestoresBalance(t *testing.T) {
	m := NewManager(testLimits(), "BTC", "USDT")
	if err := m.Sync("USDT", 1000); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	app, _, err := m.Evaluate(market.Buy, calmSignal(), 50000, 0)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if err := m.Release(app.Reservation); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	bal, _ := m.Balance("USDT")
	if math.Abs(bal.Free-1000) > epsilon || bal.Locked > epsilon {
		t.Fatalf("expected full restore, got free=%f locked=%f", bal.Free, bal.Locked)
	}
	// Releasing twice must be a no-op.
	if err := m.Release(app.Reservation); err != nil {
		t.Fatalf("second Release returned error: %v", err)
	}
}

func TestSettleBuyCreditsBaseNetOfFee(t *testing.T) {
	m := NewManager(testLimits(), "BTC", "USDT")
	if err := m.Sync("USDT", 1000); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	app, _, err := m.Evaluate(market.Buy, calmSignal(), 50000, 0)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	// Full fill at the requested price, fee charged in base.
	filled := app.BaseSize
	if err := m.Settle(app.Reservation, market.Buy, filled, 50000, filled*0.001); err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	usdt, _ := m.Balance("USDT")
	if usdt.Locked > epsilon {
		t.Fatalf("expected no locked quote after settle, got %f", usdt.Locked)
	}
	btc, _ := m.Balance("BTC")
	want := filled * 0.999
	if math.Abs(btc.Free-want) > epsilon {
		t.Fatalf("expected %f BTC credited, got %f", want, btc.Free)
	}
}

func TestSettlePartialFillRefundsRemainder(t *testing.T) {
	m := NewManager(testLimits(), "BTC", "USDT")
	if err := m.Sync("USDT", 1000); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	app, _, err := m.Evaluate(market.Buy, calmSignal(), 50000, 0)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	half := app.BaseSize / 2
	if err := m.Settle(app.Reservation, market.Buy, half, 50000, 0); err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	usdt, _ := m.Balance("USDT")
	wantFree := 1000 - app.Notional/2
	if math.Abs(usdt.Free-wantFree) > epsilon {
		t.Fatalf("expected half the notional refunded (free=%f), got %f", wantFree, usdt.Free)
	}
}

func TestSyncNegativeIsInvariantViolation(t *testing.T) {
	m := NewManager(testLimits(), "BTC", "USDT")
	err := m.Sync("USDT", -5)
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
}

// TestNoOvercommitProperty drives random approve/release/settle sequences
// and checks that locked amounts never exceed what was actually free and
// that no balance goes negative.
func TestNoOvercommitProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		limits := Limits{
			MaxBalanceFraction: 0.05 + rng.Float64()*0.9,
			MaxOrderNotional:   50 + rng.Float64()*500,
			MaxExposure:        100 + rng.Float64()*2000,
			MinOrderNotional:   rng.Float64() * 20,
			TakerFeeRate:       0.001,
		}
		m := NewManager(limits, "BTC", "USDT")
		startQuote := rng.Float64() * 2000
		startBase := rng.Float64() * 0.05
		if err := m.Sync("USDT", startQuote); err != nil {
			t.Fatalf("Sync returned error: %v", err)
		}
		if err := m.Sync("BTC", startBase); err != nil {
			t.Fatalf("Sync returned error: %v", err)
		}

		var open []*Approval
		var exposure float64
		price := 20000 + rng.Float64()*40000

		for step := 0; step < 60; step++ {
			side := market.Buy
			if rng.Intn(2) == 1 {
				side = market.Sell
			}
			app, _, err := m.Evaluate(side, calmSignal(), price, exposure)
			if err != nil {
				t.Fatalf("trial %d step %d: Evaluate error: %v", trial, step, err)
			}
			if app != nil {
				open = append(open, app)
				exposure += app.Notional
			}

			// Randomly resolve one outstanding approval.
			if len(open) > 0 && rng.Intn(3) == 0 {
				idx := rng.Intn(len(open))
				done := open[idx]
				open = append(open[:idx], open[idx+1:]...)
				exposure -= done.Notional
				if rng.Intn(2) == 0 {
					if err := m.Release(done.Reservation); err != nil {
						t.Fatalf("trial %d: Release error: %v", trial, err)
					}
				} else {
					frac := rng.Float64()
					if err := m.Settle(done.Reservation, done.Side, done.BaseSize*frac, done.Price, 0); err != nil {
						t.Fatalf("trial %d: Settle error: %v", trial, err)
					}
				}
			}

			for _, asset := range []string{"BTC", "USDT"} {
				bal, _ := m.Balance(asset)
				if bal.Free < -epsilon || bal.Locked < -epsilon {
					t.Fatalf("trial %d: negative balance %+v", trial, bal)
				}
			}
		}
	}
}
