package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/bot"
	"github.com/web3guy0/signalbot/exec"
	"github.com/web3guy0/signalbot/feeds"
	"github.com/web3guy0/signalbot/internal/metrics"
	"github.com/web3guy0/signalbot/portfolio"
	"github.com/web3guy0/signalbot/risk"
	"github.com/web3guy0/signalbot/storage"
	"github.com/web3guy0/signalbot/strategy"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Live paper-trading loop
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow per interval, per symbol (sequential):
//   Feed → Exits → Strategy → Dedup → Guardrails → Sizing → Broker → Storage
//
// Only signals on the newest closed bar are acted on. Still-forming bars are
// dropped before the strategy runs.
//
// ═══════════════════════════════════════════════════════════════════════════════

// MarketData is the candle + last price source
type MarketData interface {
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Store persists signals and fills
type Store interface {
	LogSignals(ctx context.Context, symbol, timeframe string, signals []types.Signal) error
	MarkSignalHandled(ctx context.Context, symbol, strategy, timeframe string, ts time.Time, action types.Action) (bool, error)
	SaveTrade(ctx context.Context, trade *storage.TradeRecord) error
	RecentTrades(ctx context.Context, limit int) ([]storage.TradeRecord, error)
}

// Notifier receives live events (Telegram)
type Notifier interface {
	NotifySignal(ctx context.Context, symbol string, sig types.Signal)
	NotifyTrade(ctx context.Context, t bot.TradeInfo)
	NotifyHalt(ctx context.Context, symbol, reason string)
	NotifyError(ctx context.Context, err error)
}

// Config holds live loop settings
type Config struct {
	Symbols     []string
	Timeframe   string
	CandleLimit int
	Interval    time.Duration

	Strategy string
	Params   strategy.Params

	StopLossPct     decimal.Decimal
	TakeProfitRR    decimal.Decimal
	TrailingStopPct decimal.Decimal
	MaxPositionPct  decimal.Decimal
}

// Deps are the engine's collaborators. Store and Notifier are optional.
type Deps struct {
	Feed       MarketData
	Broker     exec.Broker
	Registry   *strategy.Registry
	Sizer      *risk.Sizer
	Guardrails *risk.Guardrails
	Store      Store
	Notifier   Notifier
}

type Engine struct {
	mu sync.RWMutex

	cfg    Config
	barLen time.Duration

	// Components
	feed     MarketData
	broker   exec.Broker
	registry *strategy.Registry
	sizer    *risk.Sizer
	guard    *risk.Guardrails
	store    Store
	notifier Notifier
	symbols  *Symbols

	now func() time.Time

	// State
	paused bool
	halted bool

	// Stats
	totalTrades int
	winCount    int
	totalPnL    decimal.Decimal
}

// NewEngine validates the configuration and wires the components
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Feed == nil || deps.Broker == nil || deps.Registry == nil || deps.Sizer == nil || deps.Guardrails == nil {
		return nil, fmt.Errorf("engine: feed, broker, registry, sizer and guardrails are required")
	}
	if _, _, err := deps.Registry.Lookup(cfg.Strategy); err != nil {
		return nil, err
	}
	barLen, ok := feeds.IntervalDuration(cfg.Timeframe)
	if !ok {
		return nil, fmt.Errorf("engine: unsupported timeframe %q", cfg.Timeframe)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("engine: interval must be positive")
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = 500
	}

	symbols := NewSymbols(cfg.Symbols, risk.ExitConfig{TrailingStopPct: cfg.TrailingStopPct})
	if len(symbols.List()) == 0 {
		return nil, fmt.Errorf("engine: no symbols configured")
	}

	return &Engine{
		cfg:      cfg,
		barLen:   barLen,
		feed:     deps.Feed,
		broker:   deps.Broker,
		registry: deps.Registry,
		sizer:    deps.Sizer,
		guard:    deps.Guardrails,
		store:    deps.Store,
		notifier: deps.Notifier,
		symbols:  symbols,
		now:      time.Now,
	}, nil
}

// Run polls every interval until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	e.guard.ResetMonth(e.broker.Equity())

	log.Info().
		Strs("symbols", e.symbols.List()).
		Str("strategy", e.cfg.Strategy).
		Str("timeframe", e.cfg.Timeframe).
		Dur("interval", e.cfg.Interval).
		Msg("⚡ Engine started")

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		e.RunOnce(ctx)

		select {
		case <-ctx.Done():
			log.Info().Msg("Engine stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes every symbol once
func (e *Engine) RunOnce(ctx context.Context) {
	for _, sym := range e.symbols.List() {
		if ctx.Err() != nil {
			return
		}
		if err := e.processSymbol(ctx, e.symbols.get(sym)); err != nil {
			log.Error().Err(err).Str("symbol", sym).Msg("Cycle failed")
		}
	}

	equity := e.broker.Equity()
	metrics.Equity.Set(equity.InexactFloat64())

	halt := e.guard.ShouldHalt(equity)
	e.mu.Lock()
	wasHalted := e.halted
	e.halted = halt
	e.mu.Unlock()

	if halt && !wasHalted {
		_, _, reason := e.guard.Stats()
		e.notifyHalt(ctx, "*", reason)
	}
}

// Pause stops new entries; exits keep running
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	log.Info().Msg("⏸️ Engine paused")
}

// Resume re-enables entries
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	log.Info().Msg("▶️ Engine resumed")
}

// Paused reports whether entries are suspended
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

func (e *Engine) processSymbol(ctx context.Context, st *symbolState) error {
	candles, err := e.feed.FetchCandles(ctx, st.Symbol, e.cfg.Timeframe, e.cfg.CandleLimit)
	if err != nil {
		metrics.Errors.WithLabelValues("feed").Inc()
		return err
	}
	candles = closedBars(candles, e.now(), e.barLen)
	if len(candles) == 0 {
		return nil
	}
	last := candles[len(candles)-1]

	price := last.Close
	if px, err := e.feed.FetchPrice(ctx, st.Symbol); err == nil {
		price = px
	} else {
		metrics.Errors.WithLabelValues("feed").Inc()
		log.Warn().Err(err).Str("symbol", st.Symbol).Msg("Ticker unavailable, using last close")
	}
	e.broker.SetPrice(st.Symbol, price)

	e.checkExit(ctx, st, price)

	if !last.Timestamp.After(e.symbols.LastBar(st.Symbol)) {
		return nil
	}

	signals, err := strategy.GenerateSignals(e.registry, candles, e.cfg.Strategy, e.cfg.Params)
	if err != nil {
		metrics.Errors.WithLabelValues("strategy").Inc()
		return err
	}
	// a failed generation leaves the bar unmarked so the next cycle retries it
	e.symbols.setLastBar(st.Symbol, last.Timestamp)

	for _, sig := range signals {
		if !sig.Timestamp.Equal(last.Timestamp) {
			continue
		}
		if !e.claim(ctx, st.Symbol, sig) {
			continue
		}
		metrics.SignalsGenerated.WithLabelValues(sig.Strategy).Inc()
		log.Info().
			Str("symbol", st.Symbol).
			Str("action", string(sig.Action)).
			Str("price", sig.Price.String()).
			Msg("📊 Signal")
		if e.notifier != nil {
			e.notifier.NotifySignal(ctx, st.Display, sig)
		}
		e.execute(ctx, st, sig)
	}
	return nil
}

// closedBars drops a trailing bar that has not finished yet
func closedBars(candles []types.Candle, now time.Time, barLen time.Duration) []types.Candle {
	if n := len(candles); n > 0 && candles[n-1].Timestamp.Add(barLen).After(now) {
		return candles[:n-1]
	}
	return candles
}

// claim dedups a signal across cycles and restarts, then logs it
func (e *Engine) claim(ctx context.Context, symbol string, sig types.Signal) bool {
	if e.store == nil {
		return true
	}
	fresh, err := e.store.MarkSignalHandled(ctx, symbol, e.cfg.Strategy, e.cfg.Timeframe, sig.Timestamp, sig.Action)
	if err != nil {
		metrics.Errors.WithLabelValues("storage").Inc()
		log.Error().Err(err).Str("symbol", symbol).Msg("Signal dedup failed, skipping")
		return false
	}
	if !fresh {
		return false
	}
	if err := e.store.LogSignals(ctx, symbol, e.cfg.Timeframe, []types.Signal{sig}); err != nil {
		metrics.Errors.WithLabelValues("storage").Inc()
		log.Error().Err(err).Msg("Failed to log signal")
	}
	return true
}

func (e *Engine) checkExit(ctx context.Context, st *symbolState, price decimal.Decimal) {
	qty := e.broker.OpenPositions()[st.Symbol]
	if !qty.IsPositive() {
		st.exits.Disarm(st.Symbol)
		return
	}
	exit, fired := st.exits.Check(st.Symbol, price)
	if !fired {
		return
	}

	log.Warn().
		Str("symbol", st.Symbol).
		Str("reason", string(exit.Reason)).
		Str("level", exit.Price.String()).
		Msg("🛑 Protective exit")
	metrics.Exits.WithLabelValues(string(exit.Reason)).Inc()

	order, err := e.broker.CreateOrder(ctx, exec.OrderRequest{Side: types.ActionSell, Symbol: st.Symbol, Qty: qty})
	if err != nil {
		e.orderFailed(ctx, err, st.Symbol)
		return
	}
	e.record(ctx, st, order, string(exit.Reason))
}

func (e *Engine) execute(ctx context.Context, st *symbolState, sig types.Signal) {
	switch sig.Action {
	case types.ActionBuy:
		e.buy(ctx, st)
	case types.ActionSell:
		e.sell(ctx, st)
	default:
		log.Warn().Str("action", string(sig.Action)).Msg("Unknown signal action, skipping")
	}
}

func (e *Engine) buy(ctx context.Context, st *symbolState) {
	if e.Paused() {
		log.Info().Str("symbol", st.Symbol).Msg("⏸️ Paused, buy skipped")
		return
	}
	equity := e.broker.Equity()
	if !e.guard.AllowTrade(equity) {
		_, until, reason := e.guard.Stats()
		if reason == "" {
			reason = "loss cooldown until " + until.UTC().Format(time.RFC3339)
		}
		log.Warn().Str("symbol", st.Symbol).Str("reason", reason).Msg("🚨 Guardrail blocked buy")
		e.notifyHalt(ctx, st.Display, reason)
		return
	}

	price, err := e.broker.Price(st.Symbol)
	if err != nil {
		e.orderFailed(ctx, err, st.Symbol)
		return
	}
	qty := e.sizer.Calculate(price, equity)
	qty = risk.CapToPosition(qty, price, e.broker.OpenPositions()[st.Symbol], equity, e.cfg.MaxPositionPct)
	if !qty.IsPositive() {
		log.Debug().Str("symbol", st.Symbol).Msg("Sized to zero, buy skipped")
		return
	}

	stop, take := risk.EntryLevels(price, e.cfg.StopLossPct, e.cfg.TakeProfitRR, e.cfg.TrailingStopPct)
	order, err := e.broker.CreateOrder(ctx, exec.OrderRequest{
		Side:       types.ActionBuy,
		Symbol:     st.Symbol,
		Qty:        qty,
		StopLoss:   stop,
		TakeProfit: take,
	})
	if err != nil {
		e.orderFailed(ctx, err, st.Symbol)
		return
	}
	st.exits.ArmLevels(st.Symbol, order.Price, stop, take)
	e.record(ctx, st, order, "SIGNAL")
}

func (e *Engine) sell(ctx context.Context, st *symbolState) {
	qty := e.broker.OpenPositions()[st.Symbol]
	if !qty.IsPositive() {
		log.Debug().Str("symbol", st.Symbol).Msg("No position, sell skipped")
		return
	}
	order, err := e.broker.CreateOrder(ctx, exec.OrderRequest{Side: types.ActionSell, Symbol: st.Symbol, Qty: qty})
	if err != nil {
		e.orderFailed(ctx, err, st.Symbol)
		return
	}
	st.exits.Disarm(st.Symbol)
	e.record(ctx, st, order, "SIGNAL")
}

func (e *Engine) orderFailed(ctx context.Context, err error, symbol string) {
	if portfolio.IsConstraintViolation(err) {
		log.Debug().Err(err).Str("symbol", symbol).Msg("Order skipped")
		return
	}
	metrics.Errors.WithLabelValues("broker").Inc()
	log.Error().Err(err).Str("symbol", symbol).Msg("Order failed")
	if e.notifier != nil {
		e.notifier.NotifyError(ctx, fmt.Errorf("%s order: %w", symbol, err))
	}
}

func (e *Engine) record(ctx context.Context, st *symbolState, order *exec.Order, reason string) {
	metrics.TradesExecuted.WithLabelValues(string(order.Side)).Inc()

	if order.PnL.Valid {
		pnl := order.PnL.Decimal
		e.guard.RecordTrade(pnl)

		e.mu.Lock()
		e.totalTrades++
		if pnl.IsPositive() {
			e.winCount++
		}
		e.totalPnL = e.totalPnL.Add(pnl)
		total := e.totalPnL
		e.mu.Unlock()

		metrics.PnL.Set(total.InexactFloat64())
	}

	if e.store != nil {
		rec := &storage.TradeRecord{
			ID:         order.ID,
			Mode:       e.broker.Name(),
			Symbol:     order.Symbol,
			Strategy:   e.cfg.Strategy,
			Side:       string(order.Side),
			Qty:        order.Qty,
			Price:      order.Price,
			Fee:        order.Fee,
			PnL:        order.PnL,
			Reason:     reason,
			ExecutedAt: order.Timestamp,
		}
		if err := e.store.SaveTrade(ctx, rec); err != nil {
			metrics.Errors.WithLabelValues("storage").Inc()
			log.Error().Err(err).Msg("Failed to save trade")
		}
	}

	if e.notifier != nil {
		e.notifier.NotifyTrade(ctx, tradeInfo(st.Display, order, reason))
	}
}

func (e *Engine) notifyHalt(ctx context.Context, symbol, reason string) {
	if e.notifier != nil {
		e.notifier.NotifyHalt(ctx, symbol, reason)
	}
}

func tradeInfo(display string, o *exec.Order, reason string) bot.TradeInfo {
	return bot.TradeInfo{
		Time:   o.Timestamp,
		Symbol: display,
		Side:   string(o.Side),
		Qty:    o.Qty,
		Price:  o.Price,
		PnL:    o.PnL,
		Reason: reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATS (Telegram /status, /stats, /trades)
// ═══════════════════════════════════════════════════════════════════════════════

// Status implements bot.StatsProvider
func (e *Engine) Status() bot.Status {
	balances := e.broker.Balances()
	positions := e.broker.OpenPositions()

	e.mu.RLock()
	s := bot.Status{
		Mode:        e.broker.Name(),
		Strategy:    e.cfg.Strategy,
		Symbols:     e.symbols.List(),
		Paused:      e.paused,
		Halted:      e.halted,
		Equity:      e.broker.Equity(),
		Cash:        balances["cash"],
		RealizedPnL: e.totalPnL,
		Trades:      e.totalTrades,
		Wins:        e.winCount,
	}
	e.mu.RUnlock()

	for _, sym := range e.symbols.List() {
		qty, ok := positions[sym]
		if !ok {
			continue
		}
		info := bot.PositionInfo{Symbol: sym, Qty: qty}
		if px, err := e.broker.Price(sym); err == nil {
			info.Last = px
		}
		if pos, ok := e.broker.Position(sym); ok {
			info.AvgCost = pos.AvgCost
		}
		s.Positions = append(s.Positions, info)
	}
	return s
}

// RecentTrades implements bot.StatsProvider
func (e *Engine) RecentTrades(ctx context.Context, limit int) ([]bot.TradeInfo, error) {
	if e.store == nil {
		return nil, nil
	}
	rows, err := e.store.RecentTrades(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]bot.TradeInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, bot.TradeInfo{
			Time:   r.ExecutedAt,
			Symbol: r.Symbol,
			Side:   r.Side,
			Qty:    r.Qty,
			Price:  r.Price,
			PnL:    r.PnL,
			Reason: r.Reason,
		})
	}
	return out, nil
}
