package risk

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TP/SL MANAGER - Protective exits (virtual OCO) for open positions
// ═══════════════════════════════════════════════════════════════════════════════
//
// One arm per symbol. Each check evaluates, in fixed priority order:
//   1. stop-loss     low  <= stop level
//   2. take-profit   high >= take level
//   3. trailing stop low  <= highest * (1 - trail)
//
// The first match decides the exit and its price (the level, not the bar
// extreme). When a single bar touches both stop and take, stop-loss wins; this
// is a modelling assumption, not exchange behaviour.
//
// Not synchronised: one manager per symbol loop or simulation run.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ExitReason tags which protective level fired
type ExitReason string

const (
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
)

var one = decimal.NewFromInt(1)

// ExitConfig holds exit distances as fractions (0.05 = 5%). Zero disables.
type ExitConfig struct {
	StopLossPct     decimal.Decimal
	TakeProfitPct   decimal.Decimal
	TrailingStopPct decimal.Decimal
}

// ExitArm tracks one open position
type ExitArm struct {
	EntryPrice   decimal.Decimal
	HighestPrice decimal.Decimal

	// Absolute levels; override the percentage-derived ones when valid
	StopPrice decimal.NullDecimal
	TakePrice decimal.NullDecimal
}

// Exit is a fired protective exit
type Exit struct {
	Price  decimal.Decimal
	Reason ExitReason
}

// EntryLevels derives protective levels for a long entry at price:
// stop = price*(1-stopPct), take = price + (price-stop)*rr, and the initial
// trailing level price*(1-trailPct) raises the stop when tighter.
// Take-profit is only set alongside a fixed stop.
func EntryLevels(price, stopPct, rr, trailPct decimal.Decimal) (stop, take decimal.NullDecimal) {
	if stopPct.IsPositive() {
		stopPx := price.Mul(one.Sub(stopPct))
		stop = decimal.NewNullDecimal(stopPx)
		if rr.IsPositive() {
			take = decimal.NewNullDecimal(price.Add(price.Sub(stopPx).Mul(rr)))
		}
	}
	if trailPct.IsPositive() {
		trail := price.Mul(one.Sub(trailPct))
		if !stop.Valid || trail.GreaterThan(stop.Decimal) {
			stop = decimal.NewNullDecimal(trail)
		}
	}
	return stop, take
}

// ExitManager evaluates stop-loss / take-profit / trailing-stop exits
type ExitManager struct {
	cfg  ExitConfig
	arms map[string]*ExitArm
}

// NewExitManager creates a manager with the given distances
func NewExitManager(cfg ExitConfig) *ExitManager {
	return &ExitManager{
		cfg:  cfg,
		arms: make(map[string]*ExitArm),
	}
}

// Enabled reports whether any percentage-based exit is configured
func (m *ExitManager) Enabled() bool {
	return m.cfg.StopLossPct.IsPositive() ||
		m.cfg.TakeProfitPct.IsPositive() ||
		m.cfg.TrailingStopPct.IsPositive()
}

// Arm starts tracking symbol from entry, replacing any previous arm
func (m *ExitManager) Arm(symbol string, entry decimal.Decimal) {
	m.arms[symbol] = &ExitArm{EntryPrice: entry, HighestPrice: entry}
}

// ArmLevels starts tracking with explicit stop/take levels
func (m *ExitManager) ArmLevels(symbol string, entry decimal.Decimal, stop, take decimal.NullDecimal) {
	m.arms[symbol] = &ExitArm{
		EntryPrice:   entry,
		HighestPrice: entry,
		StopPrice:    stop,
		TakePrice:    take,
	}
}

// Disarm stops tracking symbol; no-op when absent
func (m *ExitManager) Disarm(symbol string) {
	delete(m.arms, symbol)
}

// Armed reports whether symbol is tracked
func (m *ExitManager) Armed(symbol string) bool {
	_, ok := m.arms[symbol]
	return ok
}

// ArmFor returns a copy of the arm for symbol
func (m *ExitManager) ArmFor(symbol string) (ExitArm, bool) {
	arm, ok := m.arms[symbol]
	if !ok {
		return ExitArm{}, false
	}
	return *arm, true
}

// CheckOHLC evaluates a bar's extremes against the arm for symbol.
// A fired exit disarms the symbol.
func (m *ExitManager) CheckOHLC(symbol string, high, low decimal.Decimal) (Exit, bool) {
	arm, ok := m.arms[symbol]
	if !ok {
		return Exit{}, false
	}
	if high.GreaterThan(arm.HighestPrice) {
		arm.HighestPrice = high
	}

	if stop, ok := m.stopLevel(arm); ok && low.LessThanOrEqual(stop) {
		return m.fire(symbol, stop, ExitStopLoss), true
	}
	if take, ok := m.takeLevel(arm); ok && high.GreaterThanOrEqual(take) {
		return m.fire(symbol, take, ExitTakeProfit), true
	}
	if m.cfg.TrailingStopPct.IsPositive() {
		trail := arm.HighestPrice.Mul(one.Sub(m.cfg.TrailingStopPct))
		if low.LessThanOrEqual(trail) {
			return m.fire(symbol, trail, ExitTrailingStop), true
		}
	}
	return Exit{}, false
}

// Check is CheckOHLC for tick data: price is both high and low
func (m *ExitManager) Check(symbol string, price decimal.Decimal) (Exit, bool) {
	return m.CheckOHLC(symbol, price, price)
}

func (m *ExitManager) stopLevel(arm *ExitArm) (decimal.Decimal, bool) {
	if arm.StopPrice.Valid {
		return arm.StopPrice.Decimal, true
	}
	if m.cfg.StopLossPct.IsPositive() {
		return arm.EntryPrice.Mul(one.Sub(m.cfg.StopLossPct)), true
	}
	return decimal.Zero, false
}

func (m *ExitManager) takeLevel(arm *ExitArm) (decimal.Decimal, bool) {
	if arm.TakePrice.Valid {
		return arm.TakePrice.Decimal, true
	}
	if m.cfg.TakeProfitPct.IsPositive() {
		return arm.EntryPrice.Mul(one.Add(m.cfg.TakeProfitPct)), true
	}
	return decimal.Zero, false
}

func (m *ExitManager) fire(symbol string, price decimal.Decimal, reason ExitReason) Exit {
	delete(m.arms, symbol)
	log.Debug().
		Str("symbol", symbol).
		Str("reason", string(reason)).
		Str("price", price.String()).
		Msg("Protective exit triggered")
	return Exit{Price: price, Reason: reason}
}
