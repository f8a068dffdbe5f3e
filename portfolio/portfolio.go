package portfolio

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PORTFOLIO - Cash + weighted-average-cost spot positions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Accounting convention:
//   - buy fees are realized immediately as a loss
//   - sell P&L = (price - avg_cost) * qty - fee
//
// Every failed Buy/Sell leaves the portfolio untouched: all checks run before
// the first mutation. The ledger is not synchronised; callers serialise access.
//
// ═══════════════════════════════════════════════════════════════════════════════

// QtyEpsilon is the tolerance for "fully closed" and oversell checks
var QtyEpsilon = decimal.New(1, -12)

var bpsDivisor = decimal.NewFromInt(10_000)

var (
	// ErrLedger is wrapped by every constraint violation below
	ErrLedger = errors.New("ledger constraint violated")

	ErrInvalidQuantity      = fmt.Errorf("%w: quantity must be positive", ErrLedger)
	ErrInvalidPrice         = fmt.Errorf("%w: price must be positive", ErrLedger)
	ErrInsufficientCash     = fmt.Errorf("%w: insufficient cash", ErrLedger)
	ErrInsufficientPosition = fmt.Errorf("%w: insufficient position", ErrLedger)
)

// IsConstraintViolation reports whether err is a recoverable ledger error
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrLedger)
}

// Position is a spot holding in a single symbol
type Position struct {
	Symbol     string
	Qty        decimal.Decimal
	AvgCost    decimal.Decimal
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
}

// MarketValue returns qty * price
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return p.Qty.Mul(price)
}

// Portfolio tracks cash, positions and realized P&L
type Portfolio struct {
	Cash        decimal.Decimal
	Positions   map[string]*Position
	RealizedPnL decimal.Decimal

	lastPrices map[string]decimal.Decimal
}

// New creates a portfolio holding only cash
func New(cash decimal.Decimal) *Portfolio {
	return &Portfolio{
		Cash:       cash,
		Positions:  make(map[string]*Position),
		lastPrices: make(map[string]decimal.Decimal),
	}
}

// Fee returns notional * bps / 10_000
func Fee(notional, feeBps decimal.Decimal) decimal.Decimal {
	return notional.Mul(feeBps).Div(bpsDivisor)
}

// Buy adds qty of symbol at price, charging feeBps on the notional.
// Valid stop/take levels overwrite the ones already attached to the position.
func (p *Portfolio) Buy(symbol string, qty, price, feeBps decimal.Decimal, stopLoss, takeProfit decimal.NullDecimal) error {
	if !qty.IsPositive() {
		return ErrInvalidQuantity
	}
	if !price.IsPositive() {
		return ErrInvalidPrice
	}

	cost := price.Mul(qty)
	fee := Fee(cost, feeBps)
	total := cost.Add(fee)
	if total.GreaterThan(p.Cash) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, total.String(), p.Cash.String())
	}

	p.Cash = p.Cash.Sub(total)
	p.RealizedPnL = p.RealizedPnL.Sub(fee)

	pos, ok := p.Positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol, Qty: qty, AvgCost: price}
		p.Positions[symbol] = pos
	} else {
		newQty := pos.Qty.Add(qty)
		pos.AvgCost = pos.AvgCost.Mul(pos.Qty).Add(cost).Div(newQty)
		pos.Qty = newQty
	}

	if stopLoss.Valid {
		pos.StopLoss = stopLoss
	}
	if takeProfit.Valid {
		pos.TakeProfit = takeProfit
	}
	return nil
}

// Sell removes qty of symbol at price. Closing the whole position deletes it
// together with its cached price.
func (p *Portfolio) Sell(symbol string, qty, price, feeBps decimal.Decimal) error {
	if !qty.IsPositive() {
		return ErrInvalidQuantity
	}
	if !price.IsPositive() {
		return ErrInvalidPrice
	}

	pos, ok := p.Positions[symbol]
	if !ok || qty.GreaterThan(pos.Qty.Add(QtyEpsilon)) {
		held := decimal.Zero
		if ok {
			held = pos.Qty
		}
		return fmt.Errorf("%w: want %s %s, hold %s", ErrInsufficientPosition, qty.String(), symbol, held.String())
	}

	proceeds := price.Mul(qty)
	fee := Fee(proceeds, feeBps)

	p.Cash = p.Cash.Add(proceeds.Sub(fee))
	p.RealizedPnL = p.RealizedPnL.Add(price.Sub(pos.AvgCost).Mul(qty).Sub(fee))

	pos.Qty = pos.Qty.Sub(qty)
	if pos.Qty.LessThanOrEqual(QtyEpsilon) {
		delete(p.Positions, symbol)
		delete(p.lastPrices, symbol)
	}
	return nil
}

// Equity returns cash plus the market value of every open position.
// Supplied prices refresh the cache; symbols without a supplied price use the
// last cached one.
func (p *Portfolio) Equity(prices map[string]decimal.Decimal) decimal.Decimal {
	for sym, px := range prices {
		if _, open := p.Positions[sym]; open {
			p.lastPrices[sym] = px
		}
	}
	return p.Cash.Add(p.PositionValue())
}

// PositionValue sums qty * cached price across open positions
func (p *Portfolio) PositionValue() decimal.Decimal {
	value := decimal.Zero
	for sym, pos := range p.Positions {
		if px, ok := p.lastPrices[sym]; ok {
			value = value.Add(pos.MarketValue(px))
		}
	}
	return value
}

// LastPrice returns the cached price for symbol
func (p *Portfolio) LastPrice(symbol string) (decimal.Decimal, bool) {
	px, ok := p.lastPrices[symbol]
	return px, ok
}

// PositionQty returns the held quantity, zero when flat
func (p *Portfolio) PositionQty(symbol string) decimal.Decimal {
	if pos, ok := p.Positions[symbol]; ok {
		return pos.Qty
	}
	return decimal.Zero
}

// Position returns a copy of the open position for symbol
func (p *Portfolio) Position(symbol string) (Position, bool) {
	pos, ok := p.Positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}
