package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/strategy"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PARAMETER SEARCH - Grid tuning and train/validation optimization
// ═══════════════════════════════════════════════════════════════════════════════
//
// Tune ranks every grid combination by net P&L over the full history.
// Optimize scores each combination on a train slice and a later validation
// slice and ranks by the validation score. Neither writes run artifacts,
// saves runs or sends notifications.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrNoGrid is returned when a strategy has no default grid and none was given
var ErrNoGrid = errors.New("no parameter grid")

// overfitRatio flags a best combination whose train score exceeds its
// validation score by this factor
const overfitRatio = 1.5

// Grid maps parameter names to the values to try
type Grid map[string][]interface{}

// Metric scores an equity curve
type Metric string

const (
	MetricSharpe Metric = "sharpe"
	MetricNetPnL Metric = "net_pnl"
)

// ParseMetric accepts "sharpe" and "net_pnl"
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case MetricSharpe, MetricNetPnL:
		return m, nil
	}
	return "", fmt.Errorf("unknown metric %q, want sharpe or net_pnl", s)
}

// DefaultGrid returns the stock search grid for a built-in strategy
func DefaultGrid(name string) (Grid, bool) {
	switch name {
	case "sma":
		return Grid{"sma_short": {5, 10, 15}, "sma_long": {20, 30, 50}}, true
	case "rsi":
		return Grid{"period": {14, 21}}, true
	case "macd":
		return Grid{"fast_period": {12, 15}, "slow_period": {26, 30}, "signal_period": {9}}, true
	case "bbands":
		return Grid{"window": {20, 30}, "num_std": {2.0, 3.0}}, true
	}
	return nil, false
}

// ParseGrid turns ["sma_short=5,10", "sma_long=20,30"] into a Grid
func ParseGrid(specs []string) (Grid, error) {
	grid := make(Grid, len(specs))
	for _, s := range specs {
		key, raw, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid grid %q, want key=v1,v2", s)
		}
		var values []interface{}
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, strategy.ParseValue(v))
			}
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("grid %q has no values", key)
		}
		grid[key] = values
	}
	return grid, nil
}

// Combinations expands the grid in key order, last key varying fastest
func (g Grid) Combinations() []strategy.Params {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []strategy.Params{{}}
	for _, k := range keys {
		next := make([]strategy.Params, 0, len(combos)*len(g[k]))
		for _, base := range combos {
			for _, v := range g[k] {
				p := make(strategy.Params, len(base)+1)
				for bk, bv := range base {
					p[bk] = bv
				}
				p[k] = v
				next = append(next, p)
			}
		}
		combos = next
	}
	if len(keys) == 0 {
		return nil
	}
	return combos
}

// Score computes metric over an equity curve. Sharpe is the mean of bar
// returns over their sample deviation, scaled by sqrt(n). A curve with fewer
// than two returns or no return variance scores zero.
func Score(curve []decimal.Decimal, metric Metric) float64 {
	if len(curve) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].InexactFloat64()
		if prev == 0 {
			continue
		}
		returns = append(returns, curve[i].InexactFloat64()/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)-1))
	if std == 0 {
		return 0
	}

	if metric == MetricSharpe {
		return mean / std * math.Sqrt(float64(len(returns)))
	}
	return curve[len(curve)-1].Sub(curve[0]).InexactFloat64()
}

// TuneResult is one ranked grid combination
type TuneResult struct {
	Params strategy.Params
	Stats  Stats
}

// Tune runs every grid combination over candles and ranks by net P&L.
// opts.Params are the base parameters each combination overrides. A nil grid
// falls back to DefaultGrid. Combinations the strategy rejects are skipped.
func (r *Runner) Tune(ctx context.Context, candles []types.Candle, opts Options, grid Grid) ([]TuneResult, error) {
	combos, err := r.combinations(opts.Strategy, grid)
	if err != nil {
		return nil, err
	}

	results := make([]TuneResult, 0, len(combos))
	for _, combo := range combos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		params := combo.Merge(opts.Params)
		_, res, err := r.evaluate(candles, opts.Strategy, params, opts.Sim)
		if err != nil {
			if errors.Is(err, strategy.ErrUnknownStrategy) {
				return nil, err
			}
			log.Warn().Err(err).Interface("params", combo).Msg("Combination skipped")
			continue
		}
		log.Debug().Interface("params", combo).Str("net_pnl", res.Stats.NetPnL.StringFixed(2)).Msg("Combination tested")
		results = append(results, TuneResult{Params: combo, Stats: res.Stats})
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("tune %s: every combination failed", opts.Strategy)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Stats.NetPnL.GreaterThan(results[j].Stats.NetPnL)
	})
	log.Info().
		Str("strategy", opts.Strategy).
		Int("combinations", len(results)).
		Interface("best", results[0].Params).
		Str("net_pnl", results[0].Stats.NetPnL.StringFixed(2)).
		Msg("🔧 Tuning complete")
	return results, nil
}

// OptimizeConfig controls a train/validation search
type OptimizeConfig struct {
	TrainFrac float64 // share of candles used for training, 0 < f < 1
	Metric    Metric
}

// OptimizeResult is one combination scored on both slices
type OptimizeResult struct {
	Params     strategy.Params
	Train      float64
	Validation float64
}

// Optimization is a finished search, best first
type Optimization struct {
	Metric    Metric
	TrainBars int
	ValidBars int
	Results   []OptimizeResult
	Overfit   bool
}

// Best returns the top-ranked combination
func (o *Optimization) Best() (OptimizeResult, bool) {
	if len(o.Results) == 0 {
		return OptimizeResult{}, false
	}
	return o.Results[0], true
}

// Optimize scores every grid combination on the leading TrainFrac of candles
// and on the remainder, ranking by the validation score
func (r *Runner) Optimize(ctx context.Context, candles []types.Candle, opts Options, grid Grid, cfg OptimizeConfig) (*Optimization, error) {
	if cfg.TrainFrac <= 0 || cfg.TrainFrac >= 1 {
		return nil, fmt.Errorf("train fraction must be between 0 and 1, got %v", cfg.TrainFrac)
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricSharpe
	}
	split := int(float64(len(candles)) * cfg.TrainFrac)
	if split == 0 || split == len(candles) {
		return nil, fmt.Errorf("%w: %d candles cannot be split %.0f/%.0f",
			ErrInvalidData, len(candles), cfg.TrainFrac*100, (1-cfg.TrainFrac)*100)
	}
	train, valid := candles[:split], candles[split:]

	combos, err := r.combinations(opts.Strategy, grid)
	if err != nil {
		return nil, err
	}

	out := &Optimization{Metric: cfg.Metric, TrainBars: len(train), ValidBars: len(valid)}
	for _, combo := range combos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		params := combo.Merge(opts.Params)
		_, trainRes, err := r.evaluate(train, opts.Strategy, params, opts.Sim)
		if err == nil {
			var validRes Result
			_, validRes, err = r.evaluate(valid, opts.Strategy, params, opts.Sim)
			if err == nil {
				out.Results = append(out.Results, OptimizeResult{
					Params:     combo,
					Train:      Score(trainRes.EquityValues(), cfg.Metric),
					Validation: Score(validRes.EquityValues(), cfg.Metric),
				})
				continue
			}
		}
		if errors.Is(err, strategy.ErrUnknownStrategy) {
			return nil, err
		}
		log.Warn().Err(err).Interface("params", combo).Msg("Combination skipped")
	}
	if len(out.Results) == 0 {
		return nil, fmt.Errorf("optimize %s: every combination failed", opts.Strategy)
	}

	sort.SliceStable(out.Results, func(i, j int) bool {
		return out.Results[i].Validation > out.Results[j].Validation
	})
	best := out.Results[0]
	if best.Train > best.Validation*overfitRatio {
		out.Overfit = true
		log.Warn().
			Float64("train", best.Train).
			Float64("validation", best.Validation).
			Msg("⚠️ Possible overfitting: train score far above validation")
	}
	log.Info().
		Str("strategy", opts.Strategy).
		Str("metric", string(cfg.Metric)).
		Int("combinations", len(out.Results)).
		Interface("best", best.Params).
		Float64("validation", best.Validation).
		Msg("🔧 Optimization complete")
	return out, nil
}

func (r *Runner) combinations(name string, grid Grid) ([]strategy.Params, error) {
	if len(grid) == 0 {
		g, ok := DefaultGrid(name)
		if !ok {
			return nil, fmt.Errorf("%w for strategy %q", ErrNoGrid, name)
		}
		grid = g
	}
	return grid.Combinations(), nil
}

// WriteOptimization writes every scored combination as CSV, best first.
// Parameter columns are sorted by name.
func WriteOptimization(path string, o *Optimization) error {
	var keys []string
	if len(o.Results) > 0 {
		for k := range o.Results[0].Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	rows := make([][]string, 0, len(o.Results)+1)
	rows = append(rows, append(append([]string{}, keys...), "train_metric", "valid_metric"))
	for _, res := range o.Results {
		row := make([]string, 0, len(keys)+2)
		for _, k := range keys {
			row = append(row, fmt.Sprint(res.Params[k]))
		}
		row = append(row,
			strconv.FormatFloat(res.Train, 'f', 6, 64),
			strconv.FormatFloat(res.Validation, 'f', 6, 64))
		rows = append(rows, row)
	}
	return writeCSV(path, rows)
}

// WriteBestParams writes the best combination and its scores as JSON
func WriteBestParams(path string, o *Optimization) error {
	best, ok := o.Best()
	if !ok {
		return fmt.Errorf("no results to write")
	}
	out := make(map[string]interface{}, len(best.Params)+2)
	for k, v := range best.Params {
		out[k] = v
	}
	out["train_metric"] = best.Train
	out["valid_metric"] = best.Validation

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode best params: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}
