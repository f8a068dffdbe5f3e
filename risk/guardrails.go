package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// GUARDRAILS - Drawdown halt + daily loss limit + consecutive-loss cooldown
// ═══════════════════════════════════════════════════════════════════════════════
//
// Safeguards for the live loop:
//   - halt when equity falls more than MaxDrawdownPct below month-start equity
//   - halt for the rest of the UTC day once equity is DailyLossPct below day start
//   - after LossLimit consecutive losing trades, block entries for Cooldown
//
// ═══════════════════════════════════════════════════════════════════════════════

// GuardrailConfig configures Guardrails. Zero values disable each check.
type GuardrailConfig struct {
	MaxDrawdownPct decimal.Decimal // 0.10 = 10% from month start
	DailyLossPct   decimal.Decimal // 0.03 = 3% from day start
	LossLimit      int
	Cooldown       time.Duration
}

// Guardrails holds runtime protection state
type Guardrails struct {
	mu sync.RWMutex

	cfg GuardrailConfig
	now func() time.Time

	monthStartEquity  decimal.NullDecimal
	month             time.Month
	dayStartEquity    decimal.NullDecimal
	day               string
	consecutiveLosses int
	cooldownUntil     time.Time
	haltReason        string
}

// NewGuardrails creates guardrails using the wall clock
func NewGuardrails(cfg GuardrailConfig) *Guardrails {
	return &Guardrails{cfg: cfg, now: time.Now}
}

// WithClock swaps the time source (tests, replay)
func (g *Guardrails) WithClock(now func() time.Time) *Guardrails {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
	return g
}

// ResetMonth pins the drawdown reference to equity
func (g *Guardrails) ResetMonth(equity decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.monthStartEquity = decimal.NewNullDecimal(equity)
	g.month = g.now().Month()
	g.dayStartEquity = decimal.NewNullDecimal(equity)
	g.day = g.now().UTC().Format("2006-01-02")
}

// Drawdown returns the fractional decline from month-start equity
func (g *Guardrails) Drawdown(equity decimal.Decimal) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.drawdown(equity)
}

func (g *Guardrails) drawdown(equity decimal.Decimal) decimal.Decimal {
	if current := g.now().Month(); !g.monthStartEquity.Valid || current != g.month {
		g.monthStartEquity = decimal.NewNullDecimal(equity)
		g.month = current
		return decimal.Zero
	}
	start := g.monthStartEquity.Decimal
	if !start.IsPositive() {
		return decimal.Zero
	}
	return start.Sub(equity).Div(start)
}

// DailyLoss returns the fractional decline from the UTC day's starting equity
func (g *Guardrails) DailyLoss(equity decimal.Decimal) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyLoss(equity)
}

func (g *Guardrails) dailyLoss(equity decimal.Decimal) decimal.Decimal {
	if today := g.now().UTC().Format("2006-01-02"); !g.dayStartEquity.Valid || today != g.day {
		g.dayStartEquity = decimal.NewNullDecimal(equity)
		g.day = today
		return decimal.Zero
	}
	start := g.dayStartEquity.Decimal
	if !start.IsPositive() {
		return decimal.Zero
	}
	return start.Sub(equity).Div(start)
}

// ShouldHalt reports whether the drawdown or daily loss limit is breached
func (g *Guardrails) ShouldHalt(equity decimal.Decimal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	reason := ""
	var value, limit decimal.Decimal
	if g.cfg.MaxDrawdownPct.IsPositive() {
		if dd := g.drawdown(equity); dd.GreaterThan(g.cfg.MaxDrawdownPct) {
			reason, value, limit = "max drawdown exceeded", dd, g.cfg.MaxDrawdownPct
		}
	}
	if reason == "" && g.cfg.DailyLossPct.IsPositive() {
		if loss := g.dailyLoss(equity); loss.GreaterThan(g.cfg.DailyLossPct) {
			reason, value, limit = "daily loss limit hit", loss, g.cfg.DailyLossPct
		}
	}

	if reason == "" {
		g.haltReason = ""
		return false
	}
	if g.haltReason != reason {
		log.Warn().
			Str("reason", reason).
			Str("value", value.Mul(hundred).StringFixed(2)+"%").
			Str("limit", limit.Mul(hundred).StringFixed(2)+"%").
			Msg("🚨 Guardrail halt")
	}
	g.haltReason = reason
	return true
}

var hundred = decimal.NewFromInt(100)

// RecordTrade feeds a closed trade's P&L into the loss counter
func (g *Guardrails) RecordTrade(pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !pnl.IsNegative() {
		g.consecutiveLosses = 0
		return
	}
	g.consecutiveLosses++
	if g.cfg.Cooldown > 0 && g.cfg.LossLimit > 0 && g.consecutiveLosses >= g.cfg.LossLimit {
		g.cooldownUntil = g.now().Add(g.cfg.Cooldown)
		log.Warn().
			Int("consecutive_losses", g.consecutiveLosses).
			Dur("cooldown", g.cfg.Cooldown).
			Msg("🧊 Loss cooldown started")
	}
}

// CoolingDown reports whether a loss cooldown is active
func (g *Guardrails) CoolingDown() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return !g.cooldownUntil.IsZero() && g.now().Before(g.cooldownUntil)
}

// AllowTrade is false while halted or cooling down
func (g *Guardrails) AllowTrade(equity decimal.Decimal) bool {
	if g.ShouldHalt(equity) {
		return false
	}
	return !g.CoolingDown()
}

// Stats returns guardrail state for reporting
func (g *Guardrails) Stats() (consecutiveLosses int, cooldownUntil time.Time, haltReason string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.consecutiveLosses, g.cooldownUntil, g.haltReason
}
