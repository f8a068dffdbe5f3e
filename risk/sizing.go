package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Quantity from equity and price
// ═══════════════════════════════════════════════════════════════════════════════
//
// Modes:
//   fixed_cash      spend min(FixedCash, equity)
//   fixed_fraction  spend equity * Fraction
//   risk_per_trade  spend equity * RiskPct
//
// qty = cash_to_use / price, floored to LotSize and truncated to Precision.
// Anything that cannot produce a tradable lot sizes to zero.
//
// ═══════════════════════════════════════════════════════════════════════════════

// SizingMode selects how much cash a trade may use
type SizingMode string

const (
	SizingFixedCash     SizingMode = "fixed_cash"
	SizingFixedFraction SizingMode = "fixed_fraction"
	SizingRiskPerTrade  SizingMode = "risk_per_trade"
)

// SizingConfig configures a Sizer
type SizingConfig struct {
	Mode      SizingMode
	Fraction  decimal.Decimal // fixed_fraction
	FixedCash decimal.Decimal // fixed_cash
	RiskPct   decimal.Decimal // risk_per_trade

	LotSize   decimal.Decimal // 0 = no lot rounding
	Precision int32           // <0 = no truncation
}

// DefaultSizingConfig spends 10% of equity per trade
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		Mode:      SizingFixedFraction,
		Fraction:  decimal.NewFromFloat(0.10),
		FixedCash: decimal.NewFromInt(100),
		RiskPct:   decimal.NewFromFloat(0.01),
		Precision: -1,
	}
}

// Validate rejects unknown modes and negative amounts
func (c SizingConfig) Validate() error {
	switch c.Mode {
	case SizingFixedCash, SizingFixedFraction, SizingRiskPerTrade:
	default:
		return fmt.Errorf("unknown position sizing mode %q", c.Mode)
	}
	if c.Fraction.IsNegative() || c.FixedCash.IsNegative() || c.RiskPct.IsNegative() || c.LotSize.IsNegative() {
		return fmt.Errorf("position sizing values must be non-negative")
	}
	return nil
}

// Sizer turns equity into order quantities
type Sizer struct {
	cfg SizingConfig
}

// NewSizer creates a sizer, validating its configuration
func NewSizer(cfg SizingConfig) (*Sizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sizer{cfg: cfg}, nil
}

// Calculate returns the trade quantity for price given current equity
func (s *Sizer) Calculate(price, equity decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !equity.IsPositive() {
		return decimal.Zero
	}

	var cash decimal.Decimal
	switch s.cfg.Mode {
	case SizingFixedCash:
		cash = decimal.Min(s.cfg.FixedCash, equity)
	case SizingFixedFraction:
		cash = equity.Mul(s.cfg.Fraction)
	case SizingRiskPerTrade:
		cash = equity.Mul(s.cfg.RiskPct)
	}
	if !cash.IsPositive() {
		return decimal.Zero
	}

	qty := cash.Div(price)
	if s.cfg.LotSize.IsPositive() {
		qty = qty.Div(s.cfg.LotSize).Floor().Mul(s.cfg.LotSize)
		if qty.LessThan(s.cfg.LotSize) {
			return decimal.Zero
		}
	}
	if s.cfg.Precision >= 0 {
		qty = qty.Truncate(s.cfg.Precision)
	}
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return qty
}

// CapToPosition clamps qty so that existing + new exposure stays within
// equity * maxPct. Returns zero when no room is left. maxPct >= 1 or <= 0
// disables the cap.
func CapToPosition(qty, price, existingQty, equity, maxPct decimal.Decimal) decimal.Decimal {
	if !maxPct.IsPositive() || maxPct.GreaterThanOrEqual(one) {
		return qty
	}
	room := equity.Mul(maxPct).Sub(existingQty.Mul(price))
	if !room.IsPositive() || !price.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(qty, room.Div(price))
}
