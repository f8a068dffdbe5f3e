package portfolio

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

var none = decimal.NullDecimal{}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBuyChargesFeeAndRealizesIt(t *testing.T) {
	p := New(d("1000"))
	if err := p.Buy("BTC", d("1"), d("100"), d("10"), none, none); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !p.Cash.Equal(d("899.9")) {
		t.Fatalf("cash = %s, want 899.9", p.Cash)
	}
	if !p.RealizedPnL.Equal(d("-0.1")) {
		t.Fatalf("realized = %s, want -0.1", p.RealizedPnL)
	}
	if !p.PositionQty("BTC").Equal(d("1")) {
		t.Fatalf("qty = %s, want 1", p.PositionQty("BTC"))
	}
}

func TestSellRealizesPnLAndRemovesPosition(t *testing.T) {
	p := New(d("1000"))
	if err := p.Buy("BTC", d("1"), d("100"), d("10"), none, none); err != nil {
		t.Fatalf("buy: %v", err)
	}
	p.Equity(map[string]decimal.Decimal{"BTC": d("100")})

	if err := p.Sell("BTC", d("1"), d("110"), d("10")); err != nil {
		t.Fatalf("sell: %v", err)
	}
	// -0.1 buy fee, then (110-100)*1 - 0.11
	if !p.RealizedPnL.Equal(d("9.79")) {
		t.Fatalf("realized = %s, want 9.79", p.RealizedPnL)
	}
	if len(p.Positions) != 0 {
		t.Fatalf("expected no positions, got %d", len(p.Positions))
	}
	if _, ok := p.LastPrice("BTC"); ok {
		t.Fatalf("cached price should be dropped with the position")
	}
	if !p.Cash.Equal(d("1009.79")) {
		t.Fatalf("cash = %s, want 1009.79", p.Cash)
	}
}

func TestWeightedAverageCost(t *testing.T) {
	p := New(d("10000"))
	_ = p.Buy("ETH", d("1"), d("100"), decimal.Zero, none, none)
	_ = p.Buy("ETH", d("3"), d("200"), decimal.Zero, none, none)

	pos, ok := p.Position("ETH")
	if !ok {
		t.Fatalf("expected open position")
	}
	if !pos.AvgCost.Equal(d("175")) {
		t.Fatalf("avg cost = %s, want 175", pos.AvgCost)
	}

	// Partial sell keeps the cost basis
	if err := p.Sell("ETH", d("2"), d("300"), decimal.Zero); err != nil {
		t.Fatalf("sell: %v", err)
	}
	pos, _ = p.Position("ETH")
	if !pos.AvgCost.Equal(d("175")) || !pos.Qty.Equal(d("2")) {
		t.Fatalf("got qty=%s avg=%s, want qty=2 avg=175", pos.Qty, pos.AvgCost)
	}
}

func TestStopAndTakeOverwriteOnlyWhenProvided(t *testing.T) {
	p := New(d("1000"))
	stop := decimal.NewNullDecimal(d("90"))
	take := decimal.NewNullDecimal(d("120"))
	_ = p.Buy("BTC", d("1"), d("100"), decimal.Zero, stop, take)
	_ = p.Buy("BTC", d("1"), d("100"), decimal.Zero, decimal.NewNullDecimal(d("95")), none)

	pos, _ := p.Position("BTC")
	if !pos.StopLoss.Decimal.Equal(d("95")) {
		t.Fatalf("stop = %s, want 95", pos.StopLoss.Decimal)
	}
	if !pos.TakeProfit.Valid || !pos.TakeProfit.Decimal.Equal(d("120")) {
		t.Fatalf("take profit should be kept at 120, got %+v", pos.TakeProfit)
	}
}

func TestFailedOperationsLeaveStateUntouched(t *testing.T) {
	tests := []struct {
		name string
		op   func(p *Portfolio) error
		want error
	}{
		{"buy over cash", func(p *Portfolio) error {
			return p.Buy("BTC", d("10"), d("100"), d("10"), none, none)
		}, ErrInsufficientCash},
		{"buy zero qty", func(p *Portfolio) error {
			return p.Buy("BTC", decimal.Zero, d("100"), decimal.Zero, none, none)
		}, ErrInvalidQuantity},
		{"buy negative price", func(p *Portfolio) error {
			return p.Buy("BTC", d("1"), d("-1"), decimal.Zero, none, none)
		}, ErrInvalidPrice},
		{"sell more than held", func(p *Portfolio) error {
			return p.Sell("BTC", d("2"), d("100"), decimal.Zero)
		}, ErrInsufficientPosition},
		{"sell unknown symbol", func(p *Portfolio) error {
			return p.Sell("DOGE", d("1"), d("1"), decimal.Zero)
		}, ErrInsufficientPosition},
		{"sell zero price", func(p *Portfolio) error {
			return p.Sell("BTC", d("1"), decimal.Zero, decimal.Zero)
		}, ErrInvalidPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(d("1000"))
			if err := p.Buy("BTC", d("1"), d("100"), d("10"), none, none); err != nil {
				t.Fatalf("setup buy: %v", err)
			}
			cash, realized, qty := p.Cash, p.RealizedPnL, p.PositionQty("BTC")

			err := tt.op(p)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !IsConstraintViolation(err) {
				t.Fatalf("expected ledger error kind, got %v", err)
			}
			if !p.Cash.Equal(cash) || !p.RealizedPnL.Equal(realized) || !p.PositionQty("BTC").Equal(qty) {
				t.Fatalf("state mutated: cash %s->%s realized %s->%s qty %s->%s",
					cash, p.Cash, realized, p.RealizedPnL, qty, p.PositionQty("BTC"))
			}
			if len(p.Positions) != 1 {
				t.Fatalf("positions changed: %d", len(p.Positions))
			}
		})
	}
}

func TestBuyNeverDrivesCashNegative(t *testing.T) {
	p := New(d("500"))
	prices := []string{"120", "130", "90", "250", "75", "310"}
	for _, px := range prices {
		before := p.Cash
		err := p.Buy("SOL", d("1"), d(px), d("25"), none, none)
		if err != nil && !p.Cash.Equal(before) {
			t.Fatalf("failed buy changed cash %s -> %s", before, p.Cash)
		}
		if p.Cash.IsNegative() {
			t.Fatalf("cash went negative: %s", p.Cash)
		}
	}
}

func TestEquityAfterBuyDropsByFee(t *testing.T) {
	p := New(d("1000"))
	before := p.Equity(nil)
	_ = p.Buy("BTC", d("2"), d("150"), d("20"), none, none)

	after := p.Equity(map[string]decimal.Decimal{"BTC": d("150")})
	fee := Fee(d("300"), d("20"))
	if !after.Equal(before.Sub(fee)) {
		t.Fatalf("equity = %s, want %s", after, before.Sub(fee))
	}
}

func TestEquityUsesCachedPrices(t *testing.T) {
	p := New(d("1000"))
	_ = p.Buy("BTC", d("1"), d("100"), decimal.Zero, none, none)

	withPrices := p.Equity(map[string]decimal.Decimal{"BTC": d("130")})
	cached := p.Equity(nil)
	if !withPrices.Equal(cached) {
		t.Fatalf("cached equity %s != priced equity %s", cached, withPrices)
	}
	if !cached.Equal(d("1030")) {
		t.Fatalf("equity = %s, want 1030", cached)
	}
}

func TestPositionQtyUnknownSymbol(t *testing.T) {
	p := New(d("1"))
	if !p.PositionQty("NOPE").IsZero() {
		t.Fatalf("unknown symbol should report zero")
	}
}

func TestSellWithinEpsilonClosesPosition(t *testing.T) {
	p := New(d("1000"))
	_ = p.Buy("BTC", d("0.3"), d("100"), decimal.Zero, none, none)
	over := d("0.3").Add(d("0.0000000000001"))
	if err := p.Sell("BTC", over, d("100"), decimal.Zero); err != nil {
		t.Fatalf("sell within epsilon: %v", err)
	}
	if _, ok := p.Positions["BTC"]; ok {
		t.Fatalf("position should be closed")
	}
}
