package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Action is the side a signal asks for
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// ParseAction normalises a free-form action string ("BUY", " sell ")
func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy, true
	case ActionSell:
		return ActionSell, true
	}
	return "", false
}

// Candle is one OHLCV bar
type Candle struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Signal represents a buy/sell instruction emitted by a strategy
type Signal struct {
	Timestamp time.Time
	Action    Action
	Price     decimal.Decimal
	Strategy  string // Source strategy name (bookkeeping only)
}

// EquityPoint is the marked-to-market equity after one bar
type EquityPoint struct {
	Timestamp time.Time
	Equity    decimal.Decimal
}

// Closes extracts close prices as float64 for indicator math
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}
