package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/portfolio"
	"github.com/web3guy0/signalbot/types"
)

var (
	one        = decimal.NewFromInt(1)
	bpsDivisor = decimal.NewFromInt(10_000)
)

// PaperBroker simulates fills at the last known price through a Portfolio
type PaperBroker struct {
	mu sync.Mutex

	book        *portfolio.Portfolio
	prices      map[string]decimal.Decimal
	feesBps     decimal.Decimal
	slippageBps decimal.Decimal

	now func() time.Time
}

// NewPaperBroker creates a broker holding only cash
func NewPaperBroker(startingCash, feesBps, slippageBps decimal.Decimal) *PaperBroker {
	log.Info().
		Str("cash", startingCash.StringFixed(2)).
		Str("fees_bps", feesBps.String()).
		Str("slippage_bps", slippageBps.String()).
		Msg("📝 Paper broker initialized")

	return &PaperBroker{
		book:        portfolio.New(startingCash),
		prices:      make(map[string]decimal.Decimal),
		feesBps:     feesBps,
		slippageBps: slippageBps,
		now:         time.Now,
	}
}

func (b *PaperBroker) Name() string { return "paper" }

// SetPrice records the reference price for symbol
func (b *PaperBroker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// Price returns the reference price for symbol
func (b *PaperBroker) Price(symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.price(symbol)
}

func (b *PaperBroker) price(symbol string) (decimal.Decimal, error) {
	px, ok := b.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w %s", ErrNoPrice, symbol)
	}
	return px, nil
}

// Balances returns position quantities plus a "cash" entry
func (b *PaperBroker) Balances() map[string]decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.openPositions()
	out["cash"] = b.book.Cash
	return out
}

// OpenPositions returns quantities keyed by symbol
func (b *PaperBroker) OpenPositions() map[string]decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openPositions()
}

func (b *PaperBroker) openPositions() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(b.book.Positions))
	for sym, pos := range b.book.Positions {
		out[sym] = pos.Qty
	}
	return out
}

// Position returns a copy of the open position for symbol
func (b *PaperBroker) Position(symbol string) (portfolio.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.book.Position(symbol)
}

// Equity marks open positions at the reference prices
func (b *PaperBroker) Equity() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.book.Equity(b.prices)
}

// Cash returns uninvested cash
func (b *PaperBroker) Cash() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.book.Cash
}

// RealizedPnL returns cumulative realized P&L, fees included
func (b *PaperBroker) RealizedPnL() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.book.RealizedPnL
}

// CreateOrder fills a market order at price*(1±slippage). Ledger errors leave
// the book untouched and are returned as-is.
func (b *PaperBroker) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	price, err := b.price(req.Symbol)
	if err != nil {
		return nil, err
	}

	slip := b.slippageBps.Div(bpsDivisor)
	order := &Order{
		ID:        uuid.New().String(),
		Timestamp: b.now().UTC(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Qty:       req.Qty,
		Broker:    b.Name(),
	}

	switch req.Side {
	case types.ActionBuy:
		order.Price = price.Mul(one.Add(slip))
		if err := b.book.Buy(req.Symbol, req.Qty, order.Price, b.feesBps, req.StopLoss, req.TakeProfit); err != nil {
			return nil, err
		}
	case types.ActionSell:
		order.Price = price.Mul(one.Sub(slip))
		before := b.book.RealizedPnL
		if err := b.book.Sell(req.Symbol, req.Qty, order.Price, b.feesBps); err != nil {
			return nil, err
		}
		order.PnL = decimal.NewNullDecimal(b.book.RealizedPnL.Sub(before))
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedSide, req.Side)
	}
	order.Fee = portfolio.Fee(order.Price.Mul(req.Qty), b.feesBps)

	log.Info().
		Str("id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("qty", order.Qty.String()).
		Str("price", order.Price.StringFixed(4)).
		Msg("📝 PAPER: Order filled")

	return order, nil
}
