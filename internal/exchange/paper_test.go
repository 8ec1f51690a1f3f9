package exchange

import (
	"context"
	"math"
	"testing"

	"momentumbot/internal/config"
	"momentumbot/internal/ledger"
	"momentumbot/internal/market"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func newTestPaper() *Paper {
	return NewPaper(config.Paper{
		QuoteBalance: 10000,
		BaseBalance:  1,
		StartPrice:   50000,
		SpreadBps:    2,
		DriftBps:     0, // deterministic walk for tests
	}, "BTC-USDT", 0.001)
}

func TestPaperBuyHoldsQuoteUntilFillOrCancel(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	placed, err := p.PlaceOrder(ctx, Request{ClientID: "b1", Side: market.Buy, Size: 0.1, Price: 49000})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if placed.ExchangeID == "" {
		t.Fatalf("expected an exchange id")
	}

	quote, _ := p.GetBalance(ctx, "USDT")
	if !approx(quote, 10000-0.1*49000) {
		t.Fatalf("expected quote hold, got %f", quote)
	}

	report, err := p.OrderStatus(ctx, Query{ClientID: "b1"})
	if err != nil || !report.Found || report.State != ledger.Open {
		t.Fatalf("expected open order, got %+v err=%v", report, err)
	}

	if err := p.CancelOrder(ctx, Query{ClientID: "b1"}); err != nil {
		t.Fatalf("CancelOrder returned error: %v", err)
	}
	quote, _ = p.GetBalance(ctx, "USDT")
	if !approx(quote, 10000) {
		t.Fatalf("cancel should refund the hold, got %f", quote)
	}
}

func TestPaperBuyFillsWhenBookCrosses(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	if _, err := p.PlaceOrder(ctx, Request{ClientID: "b2", Side: market.Buy, Size: 0.1, Price: 49000}); err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}

	p.SetMid(48000)
	if _, err := p.GetPrice(ctx); err != nil {
		t.Fatalf("GetPrice returned error: %v", err)
	}

	report, err := p.OrderStatus(ctx, Query{ClientID: "b2"})
	if err != nil || report.State != ledger.Filled {
		t.Fatalf("expected filled order, got %+v err=%v", report, err)
	}
	if report.FilledSize != 0.1 || report.AvgPrice != 49000 {
		t.Fatalf("unexpected fill: %+v", report)
	}

	base, _ := p.GetBalance(ctx, "BTC")
	wantBase := 1 + 0.1*(1-0.001)
	if !approx(base, wantBase) {
		t.Fatalf("expected base %f after fee, got %f", wantBase, base)
	}
}

func TestPaperSellFillsAndCreditsQuote(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	if _, err := p.PlaceOrder(ctx, Request{ClientID: "s1", Side: market.Sell, Size: 0.5, Price: 51000}); err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	base, _ := p.GetBalance(ctx, "BTC")
	if base != 0.5 {
		t.Fatalf("expected base hold of 0.5, got %f", base)
	}

	p.SetMid(52000)
	if _, err := p.GetPrice(ctx); err != nil {
		t.Fatalf("GetPrice returned error: %v", err)
	}

	report, _ := p.OrderStatus(ctx, Query{ClientID: "s1"})
	if report.State != ledger.Filled {
		t.Fatalf("expected filled sell, got %+v", report)
	}
	quote, _ := p.GetBalance(ctx, "USDT")
	wantQuote := 10000 + 0.5*51000*(1-0.001)
	if !approx(quote, wantQuote) {
		t.Fatalf("expected quote %f, got %f", wantQuote, quote)
	}
}

func TestPaperRejectsOverdraftAndDuplicates(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	if _, err := p.PlaceOrder(ctx, Request{ClientID: "x1", Side: market.Buy, Size: 1, Price: 50000}); err == nil {
		t.Fatalf("expected overdraft rejection")
	}
	if _, err := p.PlaceOrder(ctx, Request{ClientID: "x2", Side: market.Buy, Size: 0.01, Price: 50000}); err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if _, err := p.PlaceOrder(ctx, Request{ClientID: "x2", Side: market.Buy, Size: 0.01, Price: 50000}); err == nil {
		t.Fatalf("expected duplicate client id rejection")
	}
}

func TestPaperUnknownOrderReportsNotFound(t *testing.T) {
	p := newTestPaper()
	report, err := p.OrderStatus(context.Background(), Query{ClientID: "ghost"})
	if err != nil {
		t.Fatalf("OrderStatus returned error: %v", err)
	}
	if report.Found {
		t.Fatalf("expected Found=false, got %+v", report)
	}
	if err := p.CancelOrder(context.Background(), Query{ClientID: "ghost"}); err != nil {
		t.Fatalf("cancelling an unknown order should be a no-op, got %v", err)
	}
}
