package exec

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/portfolio"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION CLIENT - Broker abstraction for the live loop
// ═══════════════════════════════════════════════════════════════════════════════
//
// Only market orders are modelled. The paper broker is the sole implementation;
// an exchange-backed broker plugs in behind the same interface.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNoPrice is returned when no reference price is known for a symbol
	ErrNoPrice = errors.New("no price for symbol")
	// ErrUnsupportedSide is returned for anything other than buy/sell
	ErrUnsupportedSide = errors.New("unsupported order side")
)

// Broker places market orders and reports holdings
type Broker interface {
	Name() string
	SetPrice(symbol string, price decimal.Decimal)
	Price(symbol string) (decimal.Decimal, error)
	Balances() map[string]decimal.Decimal
	OpenPositions() map[string]decimal.Decimal
	Position(symbol string) (portfolio.Position, bool)
	Equity() decimal.Decimal
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
}

// OrderRequest is a market order. Stop/take levels attach to the resulting position on buys.
type OrderRequest struct {
	Side       types.Action
	Symbol     string
	Qty        decimal.Decimal
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
}

// Order is a filled market order
type Order struct {
	ID        string
	Timestamp time.Time
	Symbol    string
	Side      types.Action
	Qty       decimal.Decimal
	Price     decimal.Decimal // execution price after slippage
	Fee       decimal.Decimal
	PnL       decimal.NullDecimal // realized P&L net of fee, sells only
	Broker    string
}
