package backtest

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/portfolio"
	"github.com/web3guy0/signalbot/risk"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EQUITY SIMULATOR - Bar-by-bar replay of signals through the ledger
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per bar, in strict order:
//   a. protective exits against the bar's high/low
//   b. every pending signal with timestamp <= bar timestamp
//   c. equity mark at the close (always appended)
//
// Deterministic: no clock, no randomness, no shared state between runs.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	hundred    = decimal.NewFromInt(100)
	one        = decimal.NewFromInt(1)
	bpsDivisor = decimal.NewFromInt(10_000)
)

// ReasonSignal tags fills driven by strategy signals
const ReasonSignal = "SIGNAL"

// SimConfig parameterises one simulation. Zero disables the optional exits
// and the position cap; MaxPositionPct >= 1 also disables the cap.
type SimConfig struct {
	Symbol         string
	InitialCapital decimal.Decimal
	TradeSize      decimal.Decimal
	FeesBps        decimal.Decimal
	SlippageBps    decimal.Decimal

	StopLossPct     decimal.Decimal
	TakeProfitRR    decimal.Decimal
	TrailingStopPct decimal.Decimal
	MaxPositionPct  decimal.Decimal
}

// DefaultSimConfig returns a 10k capital, 1 unit, fee-free configuration
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Symbol:         "asset",
		InitialCapital: decimal.NewFromInt(10_000),
		TradeSize:      decimal.NewFromInt(1),
	}
}

// Trade is one executed fill
type Trade struct {
	Timestamp time.Time
	Side      types.Action
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	PnL       decimal.NullDecimal // set on sells that close tracked exposure
	Reason    string
}

// Stats summarises a run
type Stats struct {
	NetPnL           decimal.Decimal
	WinRate          decimal.Decimal // percent, 0..100
	MaxDrawdown      decimal.Decimal // percent, 0..100
	FinalPositionQty decimal.Decimal
	Cash             decimal.Decimal
	TotalTrades      int
	WinningTrades    int
}

// MarshalJSON writes stats as plain floats
func (s Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		NetPnL           float64 `json:"net_pnl"`
		WinRate          float64 `json:"win_rate"`
		MaxDrawdown      float64 `json:"max_drawdown"`
		FinalPositionQty float64 `json:"final_position_qty"`
		Cash             float64 `json:"cash"`
		TotalTrades      float64 `json:"total_trades"`
		WinningTrades    float64 `json:"winning_trades"`
	}{
		NetPnL:           s.NetPnL.InexactFloat64(),
		WinRate:          s.WinRate.InexactFloat64(),
		MaxDrawdown:      s.MaxDrawdown.InexactFloat64(),
		FinalPositionQty: s.FinalPositionQty.InexactFloat64(),
		Cash:             s.Cash.InexactFloat64(),
		TotalTrades:      float64(s.TotalTrades),
		WinningTrades:    float64(s.WinningTrades),
	})
}

// Result is the output of SimulateEquity
type Result struct {
	Equity []types.EquityPoint
	Trades []Trade
	Stats  Stats
}

// EquityValues returns the bare equity series
func (r *Result) EquityValues() []decimal.Decimal {
	out := make([]decimal.Decimal, len(r.Equity))
	for i, p := range r.Equity {
		out[i] = p.Equity
	}
	return out
}

type simulation struct {
	cfg     SimConfig
	book    *portfolio.Portfolio
	exits   *risk.ExitManager
	trades  []Trade
	profits []decimal.Decimal
}

// SimulateEquity replays signals over candles and returns the equity curve,
// executed trades and summary stats. Ledger constraint violations are
// skipped per signal; they never abort the run.
func SimulateEquity(candles []types.Candle, signals []types.Signal, cfg SimConfig) Result {
	sim := &simulation{
		cfg:   cfg,
		book:  portfolio.New(cfg.InitialCapital),
		exits: risk.NewExitManager(risk.ExitConfig{TrailingStopPct: cfg.TrailingStopPct}),
	}

	pending := make([]types.Signal, len(signals))
	copy(pending, signals)
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Timestamp.Before(pending[j].Timestamp)
	})

	curve := make([]types.EquityPoint, 0, len(candles))
	cursor := 0

	for _, bar := range candles {
		sim.checkExits(bar)

		for cursor < len(pending) && !pending[cursor].Timestamp.After(bar.Timestamp) {
			sim.apply(pending[cursor], bar)
			cursor++
		}

		equity := sim.book.Equity(map[string]decimal.Decimal{cfg.Symbol: bar.Close})
		curve = append(curve, types.EquityPoint{Timestamp: bar.Timestamp, Equity: equity})
	}

	return Result{
		Equity: curve,
		Trades: sim.trades,
		Stats:  sim.stats(curve),
	}
}

func (s *simulation) checkExits(bar types.Candle) {
	sym := s.cfg.Symbol
	if s.book.PositionQty(sym).IsZero() || !s.exits.Armed(sym) {
		return
	}
	exit, fired := s.exits.CheckOHLC(sym, bar.High, bar.Low)
	if !fired {
		return
	}

	pos, _ := s.book.Position(sym)
	execPrice := exit.Price.Mul(one.Sub(s.cfg.SlippageBps.Div(bpsDivisor)))
	if err := s.book.Sell(sym, pos.Qty, execPrice, s.cfg.FeesBps); err != nil {
		log.Debug().Err(err).Str("reason", string(exit.Reason)).Msg("Protective exit skipped")
		return
	}

	pnl := execPrice.Sub(pos.AvgCost).Mul(pos.Qty)
	s.profits = append(s.profits, pnl)
	s.trades = append(s.trades, Trade{
		Timestamp: bar.Timestamp,
		Side:      types.ActionSell,
		Qty:       pos.Qty,
		Price:     execPrice,
		Fee:       portfolio.Fee(execPrice.Mul(pos.Qty), s.cfg.FeesBps),
		PnL:       decimal.NewNullDecimal(pnl),
		Reason:    string(exit.Reason),
	})
}

func (s *simulation) apply(sig types.Signal, bar types.Candle) {
	var err error
	switch sig.Action {
	case types.ActionBuy:
		err = s.buy(bar)
	case types.ActionSell:
		err = s.sell(bar)
	default:
		log.Warn().Str("action", string(sig.Action)).Msg("Unknown signal action, skipping")
		return
	}
	if err == nil {
		return
	}
	if portfolio.IsConstraintViolation(err) {
		log.Debug().Err(err).Str("action", string(sig.Action)).Time("ts", sig.Timestamp).Msg("Signal skipped")
		return
	}
	log.Warn().Err(err).Msg("Signal failed")
}

func (s *simulation) buy(bar types.Candle) error {
	cfg := s.cfg
	price := bar.Close.Mul(one.Add(cfg.SlippageBps.Div(bpsDivisor)))

	stop, take := risk.EntryLevels(price, cfg.StopLossPct, cfg.TakeProfitRR, cfg.TrailingStopPct)

	qty := cfg.TradeSize
	if capped(cfg.MaxPositionPct) {
		equity := s.book.Equity(map[string]decimal.Decimal{cfg.Symbol: bar.Close})
		qty = risk.CapToPosition(qty, price, s.book.PositionQty(cfg.Symbol), equity, cfg.MaxPositionPct)
		if !qty.IsPositive() {
			log.Debug().Str("symbol", cfg.Symbol).Msg("Position cap reached, buy skipped")
			return nil
		}
	}

	if err := s.book.Buy(cfg.Symbol, qty, price, cfg.FeesBps, stop, take); err != nil {
		return err
	}
	s.exits.ArmLevels(cfg.Symbol, price, stop, take)
	s.trades = append(s.trades, Trade{
		Timestamp: bar.Timestamp,
		Side:      types.ActionBuy,
		Qty:       qty,
		Price:     price,
		Fee:       portfolio.Fee(price.Mul(qty), cfg.FeesBps),
		Reason:    ReasonSignal,
	})
	return nil
}

func (s *simulation) sell(bar types.Candle) error {
	cfg := s.cfg
	price := bar.Close.Mul(one.Sub(cfg.SlippageBps.Div(bpsDivisor)))

	pos, open := s.book.Position(cfg.Symbol)
	if err := s.book.Sell(cfg.Symbol, cfg.TradeSize, price, cfg.FeesBps); err != nil {
		return err
	}
	s.exits.Disarm(cfg.Symbol)

	trade := Trade{
		Timestamp: bar.Timestamp,
		Side:      types.ActionSell,
		Qty:       cfg.TradeSize,
		Price:     price,
		Fee:       portfolio.Fee(price.Mul(cfg.TradeSize), cfg.FeesBps),
		Reason:    ReasonSignal,
	}
	if open && pos.Qty.GreaterThanOrEqual(cfg.TradeSize) {
		pnl := price.Sub(pos.AvgCost).Mul(cfg.TradeSize)
		s.profits = append(s.profits, pnl)
		trade.PnL = decimal.NewNullDecimal(pnl)
	}
	s.trades = append(s.trades, trade)
	return nil
}

func (s *simulation) stats(curve []types.EquityPoint) Stats {
	final := s.cfg.InitialCapital
	values := make([]decimal.Decimal, len(curve))
	for i, p := range curve {
		values[i] = p.Equity
	}
	if len(values) > 0 {
		final = values[len(values)-1]
	}

	wins := 0
	for _, p := range s.profits {
		if p.IsPositive() {
			wins++
		}
	}
	winRate := decimal.Zero
	if len(s.profits) > 0 {
		winRate = decimal.NewFromInt(int64(wins)).Mul(hundred).Div(decimal.NewFromInt(int64(len(s.profits))))
	}

	return Stats{
		NetPnL:           final.Sub(s.cfg.InitialCapital),
		WinRate:          winRate,
		MaxDrawdown:      MaxDrawdown(values),
		FinalPositionQty: s.book.PositionQty(s.cfg.Symbol),
		Cash:             s.book.Cash,
		TotalTrades:      len(s.profits),
		WinningTrades:    wins,
	}
}

func capped(pct decimal.Decimal) bool {
	return pct.IsPositive() && pct.LessThan(one)
}

// MaxDrawdown returns the largest peak-to-trough decline of curve in percent
func MaxDrawdown(curve []decimal.Decimal) decimal.Decimal {
	maxDD := decimal.Zero
	if len(curve) == 0 {
		return maxDD
	}
	peak := curve[0]
	for _, v := range curve {
		if v.GreaterThan(peak) {
			peak = v
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(v).Div(peak).Mul(hundred)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}
