package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/backtest"
	"github.com/web3guy0/signalbot/bot"
	"github.com/web3guy0/signalbot/core"
	"github.com/web3guy0/signalbot/exec"
	"github.com/web3guy0/signalbot/feeds"
	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/internal/dashboard"
	"github.com/web3guy0/signalbot/internal/metrics"
	"github.com/web3guy0/signalbot/risk"
	"github.com/web3guy0/signalbot/storage"
	"github.com/web3guy0/signalbot/strategy"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FLAG HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// paramList collects repeated -param key=value flags
type paramList []string

func (p *paramList) String() string { return strings.Join(*p, ",") }

func (p *paramList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

// decimalValue binds a flag to a decimal.Decimal
type decimalValue struct{ d *decimal.Decimal }

func (v decimalValue) String() string {
	if v.d == nil {
		return ""
	}
	return v.d.String()
}

func (v decimalValue) Set(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	*v.d = d
	return nil
}

// parseFlags treats -h as success
func parseFlags(fs *flag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// strategyFlags registers the flags shared by every strategy-running command
func strategyFlags(fs *flag.FlagSet, cfg *config.Config) (name *string, params *paramList) {
	params = &paramList{}
	name = fs.String("strategy", cfg.Strategy, "strategy name (see: signalbot strategies)")
	fs.Var(params, "param", "strategy parameter key=value (repeatable)")
	return name, params
}

func openDatabase(cfg *config.Config) (*storage.Database, error) {
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// loadCandles reads csvPath, or fetches from the exchange when it is empty
func loadCandles(ctx context.Context, cfg *config.Config, csvPath, symbol string, limit int) ([]types.Candle, string, error) {
	if csvPath != "" {
		candles, err := backtest.LoadCSV(csvPath)
		return candles, csvPath, err
	}
	client := feeds.NewBinanceClient(cfg.ExchangeURL, nil)
	candles, err := client.FetchCandles(ctx, symbol, cfg.Timeframe, limit)
	source := fmt.Sprintf("binance:%s:%s", feeds.NormalizeSymbol(symbol), cfg.Timeframe)
	return candles, source, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// BACKTEST
// ═══════════════════════════════════════════════════════════════════════════════

func runBacktest(ctx context.Context, base *config.Config, args []string) error {
	cfg := *base
	fs := flag.NewFlagSet("backtest", flag.ContinueOnError)
	csvPath := fs.String("csv", "", "candles CSV (timestamp,open,high,low,close,volume); empty fetches from the exchange")
	symbol := fs.String("symbol", cfg.Symbols[0], "symbol")
	limit := fs.Int("limit", cfg.CandleLimit, "candles to fetch when -csv is empty")
	outDir := fs.String("out", "results", "artifact directory; empty disables artifacts")
	save := fs.Bool("save", false, "store the run and its trades in the database")
	notify := fs.Bool("notify", false, "send a Telegram summary")
	name, params := strategyFlags(fs, &cfg)

	fs.Var(decimalValue{&cfg.InitialCapital}, "capital", "initial capital")
	fs.Var(decimalValue{&cfg.TradeSize}, "size", "trade size in units")
	fs.Var(decimalValue{&cfg.FeesBps}, "fees", "fees in basis points")
	fs.Var(decimalValue{&cfg.SlippageBps}, "slippage", "slippage in basis points")
	fs.Var(decimalValue{&cfg.StopLossPct}, "sl", "stop-loss fraction (0.02 = 2%)")
	fs.Var(decimalValue{&cfg.TakeProfitRR}, "rr", "take-profit reward:risk multiple")
	fs.Var(decimalValue{&cfg.TrailingStopPct}, "trail", "trailing stop fraction")
	fs.Var(decimalValue{&cfg.MaxPositionPct}, "max-pos", "max position as fraction of equity")

	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	p, err := strategy.ParseAssignments(*params)
	if err != nil {
		return err
	}

	runner := backtest.NewRunner(strategy.NewDefaultRegistry(cfg.StrategyDefaults()))
	if *save {
		db, err := openDatabase(&cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		runner.Recorder = db
	}
	if *notify {
		n, err := bot.NewNotifier(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			return err
		}
		if !n.Enabled() {
			log.Warn().Msg("-notify set but Telegram is not configured")
		}
		runner.Notifier = n
	}

	candles, source, err := loadCandles(ctx, &cfg, *csvPath, *symbol, *limit)
	if err != nil {
		return err
	}

	report, err := runner.RunCandles(ctx, candles, backtest.Options{
		Source:   source,
		Strategy: *name,
		Params:   p,
		Sim:      cfg.SimConfig(feeds.NormalizeSymbol(*symbol)),
		Outputs:  outputsIn(*outDir),
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report.Stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func outputsIn(dir string) backtest.Outputs {
	if dir == "" {
		return backtest.Outputs{}
	}
	return backtest.Outputs{
		EquityCSV: filepath.Join(dir, "equity.csv"),
		StatsJSON: filepath.Join(dir, "stats.json"),
		ChartSVG:  filepath.Join(dir, "equity.svg"),
		TradesCSV: filepath.Join(dir, "trades.csv"),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// TUNE
// ═══════════════════════════════════════════════════════════════════════════════

func runTune(ctx context.Context, base *config.Config, args []string) error {
	cfg := *base
	fs := flag.NewFlagSet("tune", flag.ContinueOnError)
	csvPath := fs.String("csv", "", "candles CSV; empty fetches from the exchange")
	symbol := fs.String("symbol", cfg.Symbols[0], "symbol")
	limit := fs.Int("limit", cfg.CandleLimit, "candles to fetch when -csv is empty")
	split := fs.Float64("split", 0, "train share for train/validation search (0.7 = 70%); 0 ranks by net P&L over all candles")
	metricName := fs.String("metric", string(backtest.MetricSharpe), "validation metric: sharpe or net_pnl")
	outDir := fs.String("out", "results", "directory for optimization.csv and best_params.json; empty disables")
	top := fs.Int("top", 10, "rows to print")
	grid := &paramList{}
	fs.Var(grid, "grid", "parameter values key=v1,v2 (repeatable); empty uses the strategy's default grid")
	name, params := strategyFlags(fs, &cfg)

	fs.Var(decimalValue{&cfg.InitialCapital}, "capital", "initial capital")
	fs.Var(decimalValue{&cfg.TradeSize}, "size", "trade size in units")
	fs.Var(decimalValue{&cfg.FeesBps}, "fees", "fees in basis points")
	fs.Var(decimalValue{&cfg.SlippageBps}, "slippage", "slippage in basis points")

	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	p, err := strategy.ParseAssignments(*params)
	if err != nil {
		return err
	}
	g, err := backtest.ParseGrid(*grid)
	if err != nil {
		return err
	}
	metric, err := backtest.ParseMetric(*metricName)
	if err != nil {
		return err
	}

	candles, _, err := loadCandles(ctx, &cfg, *csvPath, *symbol, *limit)
	if err != nil {
		return err
	}
	runner := backtest.NewRunner(strategy.NewDefaultRegistry(cfg.StrategyDefaults()))
	opts := backtest.Options{
		Strategy: *name,
		Params:   p,
		Sim:      cfg.SimConfig(feeds.NormalizeSymbol(*symbol)),
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if *split == 0 {
		results, err := runner.Tune(ctx, candles, opts, g)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "RANK\tPARAMS\tNET_PNL\tTRADES\tWIN%\tMAX_DD%")
		for i, r := range results {
			if i >= *top {
				break
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", i+1, formatParams(r.Params),
				r.Stats.NetPnL.StringFixed(2), r.Stats.TotalTrades,
				r.Stats.WinRate.StringFixed(1), r.Stats.MaxDrawdown.StringFixed(2))
		}
		return w.Flush()
	}

	o, err := runner.Optimize(ctx, candles, opts, g, backtest.OptimizeConfig{TrainFrac: *split, Metric: metric})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "RANK\tPARAMS\tTRAIN_%s\tVALID_%s\n", strings.ToUpper(string(metric)), strings.ToUpper(string(metric)))
	for i, r := range o.Results {
		if i >= *top {
			break
		}
		fmt.Fprintf(w, "%d\t%s\t%.4f\t%.4f\n", i+1, formatParams(r.Params), r.Train, r.Validation)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if *outDir != "" {
		if err := backtest.WriteOptimization(filepath.Join(*outDir, "optimization.csv"), o); err != nil {
			return err
		}
		if err := backtest.WriteBestParams(filepath.Join(*outDir, "best_params.json"), o); err != nil {
			return err
		}
		log.Info().Str("dir", *outDir).Msg("💾 Optimization results saved")
	}
	return nil
}

// formatParams renders params as sorted key=value pairs
func formatParams(p strategy.Params) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p[k])
	}
	return strings.Join(parts, " ")
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIVE
// ═══════════════════════════════════════════════════════════════════════════════

func runLive(ctx context.Context, base *config.Config, args []string) error {
	cfg := *base
	fs := flag.NewFlagSet("live", flag.ContinueOnError)
	name, params := strategyFlags(fs, &cfg)
	fs.DurationVar(&cfg.LiveInterval, "interval", cfg.LiveInterval, "poll interval")
	showDash := fs.Bool("dashboard", false, "draw a terminal dashboard instead of streaming logs")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if !cfg.DryRun {
		return fmt.Errorf("only paper trading is supported; set DRY_RUN=true")
	}
	p, err := strategy.ParseAssignments(*params)
	if err != nil {
		return err
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("              SIGNALBOT v%s - PAPER TRADING", version)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	// 1. Storage
	db, err := openDatabase(&cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info().Str("path", cfg.DatabasePath).Msg("✅ Storage layer initialized")

	// 2. Telegram
	notifier, err := bot.NewNotifier(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		return err
	}

	// 3. Risk
	sizer, err := risk.NewSizer(cfg.Sizing())
	if err != nil {
		return err
	}

	// 4. Engine
	engine, err := core.NewEngine(core.Config{
		Symbols:         cfg.Symbols,
		Timeframe:       cfg.Timeframe,
		CandleLimit:     cfg.CandleLimit,
		Interval:        cfg.LiveInterval,
		Strategy:        *name,
		Params:          p,
		StopLossPct:     cfg.StopLossPct,
		TakeProfitRR:    cfg.TakeProfitRR,
		TrailingStopPct: cfg.TrailingStopPct,
		MaxPositionPct:  cfg.MaxPositionPct,
	}, core.Deps{
		Feed:       feeds.NewBinanceClient(cfg.ExchangeURL, nil),
		Broker:     exec.NewPaperBroker(cfg.InitialCapital, cfg.FeesBps, cfg.SlippageBps),
		Registry:   strategy.NewDefaultRegistry(cfg.StrategyDefaults()),
		Sizer:      sizer,
		Guardrails: risk.NewGuardrails(cfg.Guardrails()),
		Store:      db,
		Notifier:   notifier,
	})
	if err != nil {
		return err
	}

	notifier.SetStatsProvider(engine)
	notifier.SetControlCallbacks(engine.Pause, engine.Resume)
	notifier.Start()
	defer notifier.Stop()
	notifier.NotifyStartup(ctx, "paper", *name, cfg.Symbols, cfg.LiveInterval)

	// 5. Dashboard
	if *showDash {
		dash := dashboard.New(engine)
		prev := log.Logger
		log.Logger = zerolog.New(dash.Writer()).With().Timestamp().Logger()
		defer func() { log.Logger = prev }()
		dash.Start(ctx, time.Second)
		defer dash.Stop()
	}

	// 6. Metrics
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	log.Info().Msg("✅ All systems online")
	err = engine.Run(ctx)
	log.Info().Msg("👋 Goodbye!")
	return err
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNALS / HISTORY / STRATEGIES
// ═══════════════════════════════════════════════════════════════════════════════

func runSignals(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("signals", flag.ContinueOnError)
	csvPath := fs.String("csv", "", "candles CSV; empty fetches from the exchange")
	symbol := fs.String("symbol", cfg.Symbols[0], "symbol")
	limit := fs.Int("limit", cfg.CandleLimit, "candles to fetch")
	persist := fs.Bool("log", false, "log the signals to the database")
	name, params := strategyFlags(fs, cfg)
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	p, err := strategy.ParseAssignments(*params)
	if err != nil {
		return err
	}

	candles, _, err := loadCandles(ctx, cfg, *csvPath, *symbol, *limit)
	if err != nil {
		return err
	}
	registry := strategy.NewDefaultRegistry(cfg.StrategyDefaults())
	signals, err := strategy.GenerateSignals(registry, candles, *name, p)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTION\tPRICE")
	for _, s := range signals {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Timestamp.UTC().Format(time.RFC3339), s.Action, s.Price.String())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	log.Info().Int("candles", len(candles)).Int("signals", len(signals)).Str("strategy", *name).Msg("📊 Signals generated")

	if *persist {
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.LogSignals(ctx, feeds.NormalizeSymbol(*symbol), cfg.Timeframe, signals); err != nil {
			return err
		}
	}
	return nil
}

func runHistory(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	symbol := fs.String("symbol", "", "filter by symbol")
	strat := fs.String("strategy", "", "filter by strategy")
	limit := fs.Int("limit", 50, "rows to show")
	runs := fs.Bool("runs", false, "show backtest runs instead of signals")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if *runs {
		rows, err := db.GetBacktestRuns(ctx, *limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "STARTED\tID\tSTRATEGY\tSYMBOL\tTRADES\tNET_PNL\tWIN%\tMAX_DD%")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				r.StartedAt.UTC().Format(time.RFC3339), r.ID, r.Strategy, r.Symbol, r.TotalTrades,
				r.NetPnL.StringFixed(2), r.WinRate.StringFixed(1), r.MaxDrawdown.StringFixed(2))
		}
		return w.Flush()
	}

	rows, err := db.GetSignals(ctx, storage.SignalFilter{
		Symbol:   feeds.NormalizeSymbol(*symbol),
		Strategy: *strat,
		Limit:    *limit,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "TIMESTAMP\tSYMBOL\tSTRATEGY\tACTION\tPRICE")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.UTC().Format(time.RFC3339), r.Symbol, r.Strategy, r.Action, r.Price.String())
	}
	return w.Flush()
}

func runStrategies(cfg *config.Config) error {
	registry := strategy.NewDefaultRegistry(cfg.StrategyDefaults())
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION\tDEFAULTS")
	for _, name := range registry.Names() {
		_, meta, err := registry.Lookup(name)
		if err != nil {
			return err
		}
		defaults, _ := json.Marshal(meta.Defaults)
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, meta.Description, defaults)
	}
	return w.Flush()
}
