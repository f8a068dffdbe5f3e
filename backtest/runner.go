package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/internal/metrics"
	"github.com/web3guy0/signalbot/strategy"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BACKTEST RUNNER - Load -> generate -> simulate -> persist
// ═══════════════════════════════════════════════════════════════════════════════
//
// Validation errors (bad CSV, unknown strategy, bad params) abort the run.
// Artifact, storage and notification failures are logged and skipped; they
// never change the computed stats.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Recorder persists finished runs
type Recorder interface {
	SaveBacktestRun(ctx context.Context, report *Report) error
}

// Notifier delivers a plain-text run summary
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Outputs lists optional artifact paths; empty paths are skipped
type Outputs struct {
	EquityCSV string
	StatsJSON string
	ChartSVG  string
	TradesCSV string
}

// Options describes one backtest
type Options struct {
	Source   string // CSV path, used by Run
	Strategy string
	Params   strategy.Params
	Sim      SimConfig
	Outputs  Outputs
}

// Report is a finished run
type Report struct {
	ID        string
	Strategy  string
	Symbol    string
	Source    string
	Params    strategy.Params
	Config    SimConfig
	Signals   []types.Signal
	Candles   int
	StartedAt time.Time
	Duration  time.Duration
	Result
}

// Runner wires the registry to optional persistence and notifications
type Runner struct {
	Registry *strategy.Registry
	Recorder Recorder // optional
	Notifier Notifier // optional
}

// NewRunner creates a runner over registry
func NewRunner(registry *strategy.Registry) *Runner {
	return &Runner{Registry: registry}
}

// Run loads opts.Source and backtests it
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	candles, err := LoadCSV(opts.Source)
	if err != nil {
		return nil, err
	}
	return r.RunCandles(ctx, candles, opts)
}

// RunCandles backtests already-loaded candles
func (r *Runner) RunCandles(ctx context.Context, candles []types.Candle, opts Options) (*Report, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrInvalidData)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started := time.Now()
	signals, result, err := r.evaluate(candles, opts.Strategy, opts.Params, opts.Sim)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ID:        uuid.NewString(),
		Strategy:  opts.Strategy,
		Symbol:    opts.Sim.Symbol,
		Source:    opts.Source,
		Params:    opts.Params,
		Config:    opts.Sim,
		Signals:   signals,
		Candles:   len(candles),
		StartedAt: started,
		Duration:  time.Since(started),
		Result:    result,
	}

	log.Info().
		Str("strategy", opts.Strategy).
		Int("candles", len(candles)).
		Int("signals", len(signals)).
		Str("net_pnl", result.Stats.NetPnL.StringFixed(2)).
		Str("win_rate", result.Stats.WinRate.StringFixed(1)).
		Str("max_dd", result.Stats.MaxDrawdown.StringFixed(2)).
		Msg("📊 Backtest complete")

	r.writeArtifacts(report, opts.Outputs)

	if r.Recorder != nil {
		if err := r.Recorder.SaveBacktestRun(ctx, report); err != nil {
			metrics.Errors.WithLabelValues("storage").Inc()
			log.Warn().Err(err).Msg("Failed to save backtest run")
		}
	}
	if r.Notifier != nil {
		if err := r.Notifier.Send(ctx, Summary(report)); err != nil {
			metrics.Errors.WithLabelValues("notify").Inc()
			log.Warn().Err(err).Msg("Failed to send backtest summary")
		}
	}
	return report, nil
}

// evaluate generates signals and simulates them without side effects
func (r *Runner) evaluate(candles []types.Candle, name string, params strategy.Params, sim SimConfig) ([]types.Signal, Result, error) {
	signals, err := strategy.GenerateSignals(r.Registry, candles, name, params)
	if err != nil {
		return nil, Result{}, err
	}
	metrics.SignalsGenerated.WithLabelValues(name).Add(float64(len(signals)))
	return signals, SimulateEquity(candles, signals, sim), nil
}

func (r *Runner) writeArtifacts(report *Report, out Outputs) {
	title := fmt.Sprintf("%s %s", report.Strategy, report.Symbol)
	artifacts := []struct {
		kind, path string
		write      func(string) error
	}{
		{"equity", out.EquityCSV, func(p string) error { return WriteEquityCSV(p, report.Equity) }},
		{"stats", out.StatsJSON, func(p string) error { return WriteStatsJSON(p, report.Stats) }},
		{"chart", out.ChartSVG, func(p string) error { return WriteEquitySVG(p, report.Equity, report.Trades, title) }},
		{"trades", out.TradesCSV, func(p string) error { return WriteTradesCSV(p, report.Trades) }},
	}
	for _, a := range artifacts {
		if a.path == "" {
			continue
		}
		if err := a.write(a.path); err != nil {
			metrics.Errors.WithLabelValues("artifact").Inc()
			log.Warn().Err(err).Str("artifact", a.kind).Msg("Failed to write artifact")
			continue
		}
		log.Debug().Str("artifact", a.kind).Str("path", a.path).Msg("Artifact written")
	}
}

// Summary formats a short Markdown summary of a run
func Summary(r *Report) string {
	s := r.Stats
	return fmt.Sprintf("📊 *Backtest* `%s` on %s\n"+
		"Candles: %d | Signals: %d | Trades: %d\n"+
		"Net P&L: %s | Win rate: %s%%\n"+
		"Max DD: %s%% | Final qty: %s | Cash: %s",
		r.Strategy, r.Symbol,
		r.Candles, len(r.Signals), s.TotalTrades,
		s.NetPnL.StringFixed(2), s.WinRate.StringFixed(1),
		s.MaxDrawdown.StringFixed(2), s.FinalPositionQty.String(), s.Cash.StringFixed(2))
}
