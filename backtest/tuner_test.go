package backtest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/strategy"
	"github.com/web3guy0/signalbot/types"
)

// holdStrategy buys on the first candle and sells after "exit" bars
type holdStrategy struct{}

func (holdStrategy) Name() string { return "hold" }

func (holdStrategy) Generate(candles []types.Candle, p strategy.Params) ([]types.Signal, error) {
	exit := p.Int("exit", 0)
	if exit <= 0 || exit >= len(candles) {
		return nil, fmt.Errorf("exit %d out of range", exit)
	}
	return []types.Signal{
		{Timestamp: candles[0].Timestamp, Action: types.ActionBuy},
		{Timestamp: candles[exit].Timestamp, Action: types.ActionSell},
	}, nil
}

func newTuneRunner() *Runner {
	reg := strategy.NewRegistry()
	reg.Register(holdStrategy{}, strategy.Metadata{Description: "test"})
	return NewRunner(reg)
}

// prices builds consecutive flat candles at the given closes
func prices(px ...int) []types.Candle {
	out := make([]types.Candle, len(px))
	for i, p := range px {
		out[i] = flat(i, strconv.Itoa(p))
	}
	return out
}

// ramp returns n closes from start, step apart
func ramp(start, step, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = start + i*step
	}
	return out
}

func TestParseGrid(t *testing.T) {
	g, err := ParseGrid([]string{"sma_short=5, 10", "num_std=2.5"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(g["sma_short"]) != 2 || g["sma_short"][1] != 10 || g["num_std"][0] != 2.5 {
		t.Fatalf("grid = %#v", g)
	}

	for _, bad := range []string{"novalues", "=1,2", "window=,"} {
		if _, err := ParseGrid([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestGridCombinations(t *testing.T) {
	combos := Grid{"b": {1, 2}, "a": {"x", "y"}}.Combinations()
	want := []string{"x/1", "x/2", "y/1", "y/2"}
	if len(combos) != len(want) {
		t.Fatalf("combos = %v", combos)
	}
	for i, c := range combos {
		if got := fmt.Sprintf("%v/%v", c["a"], c["b"]); got != want[i] {
			t.Errorf("combo %d = %s, want %s", i, got, want[i])
		}
	}
	if (Grid{}).Combinations() != nil {
		t.Fatal("empty grid should have no combinations")
	}
}

func TestDefaultGrids(t *testing.T) {
	for _, name := range []string{"sma", "rsi", "macd", "bbands"} {
		g, ok := DefaultGrid(name)
		if !ok || len(g.Combinations()) == 0 {
			t.Errorf("%s has no default grid", name)
		}
	}
	if _, ok := DefaultGrid("confluence"); ok {
		t.Fatal("confluence should have no default grid")
	}
}

func TestScore(t *testing.T) {
	curve := func(vals ...string) []decimal.Decimal {
		out := make([]decimal.Decimal, len(vals))
		for i, v := range vals {
			out[i] = d(v)
		}
		return out
	}

	tests := []struct {
		name   string
		curve  []decimal.Decimal
		metric Metric
		check  func(float64) bool
	}{
		{"flat", curve("100", "100", "100", "100"), MetricSharpe, func(s float64) bool { return s == 0 }},
		{"too short", curve("100", "110"), MetricSharpe, func(s float64) bool { return s == 0 }},
		{"rising", curve("100", "101", "103", "104", "106"), MetricSharpe, func(s float64) bool { return s > 0 }},
		{"falling", curve("100", "99", "97", "96", "94"), MetricSharpe, func(s float64) bool { return s < 0 }},
		{"net pnl", curve("100", "101", "103", "104", "106"), MetricNetPnL, func(s float64) bool { return s == 6 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.curve, tt.metric); !tt.check(got) || math.IsNaN(got) {
				t.Fatalf("score = %v", got)
			}
		})
	}
}

func TestParseMetric(t *testing.T) {
	if m, err := ParseMetric(" Sharpe "); err != nil || m != MetricSharpe {
		t.Fatalf("metric = %q, %v", m, err)
	}
	if _, err := ParseMetric("sortino"); err == nil {
		t.Fatal("expected error for unknown metric")
	}
}

func TestTune(t *testing.T) {
	runner := newTuneRunner()
	candles := prices(ramp(100, 1, 10)...)
	sim := baseConfig()

	tests := []struct {
		name     string
		strategy string
		grid     Grid
		wantErr  error
		wantExit []int
	}{
		{"ranked by net pnl", "hold", Grid{"exit": {2, 8, 5}}, nil, []int{8, 5, 2}},
		{"failing combos skipped", "hold", Grid{"exit": {3, 0, 99}}, nil, []int{3}},
		{"no default grid", "hold", nil, ErrNoGrid, nil},
		{"unknown strategy", "nope", Grid{"exit": {2}}, strategy.ErrUnknownStrategy, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := runner.Tune(context.Background(), candles, Options{Strategy: tt.strategy, Sim: sim}, tt.grid)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("tune: %v", err)
			}
			if len(results) != len(tt.wantExit) {
				t.Fatalf("results = %+v", results)
			}
			for i, exit := range tt.wantExit {
				if results[i].Params["exit"] != exit {
					t.Errorf("rank %d exit = %v, want %d", i, results[i].Params["exit"], exit)
				}
				if !results[i].Stats.NetPnL.Equal(decimal.NewFromInt(int64(exit))) {
					t.Errorf("rank %d net pnl = %s, want %d", i, results[i].Stats.NetPnL, exit)
				}
			}
		})
	}
}

func TestTuneAllCombosFail(t *testing.T) {
	_, err := newTuneRunner().Tune(context.Background(), prices(100, 101), Options{Strategy: "hold", Sim: baseConfig()}, Grid{"exit": {5}})
	if err == nil {
		t.Fatal("expected error when every combination fails")
	}
}

func TestOptimizeRanksByValidation(t *testing.T) {
	runner := newTuneRunner()
	// train climbs 2 per bar, validation only 1
	candles := prices(append(ramp(100, 2, 10), ramp(120, 1, 10)...)...)
	grid := Grid{"exit": {2, 8, 5, 0}}

	o, err := runner.Optimize(context.Background(), candles, Options{Strategy: "hold", Sim: baseConfig()}, grid,
		OptimizeConfig{TrainFrac: 0.5, Metric: MetricNetPnL})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if o.TrainBars != 10 || o.ValidBars != 10 || len(o.Results) != 3 {
		t.Fatalf("optimization = %+v", o)
	}
	best, ok := o.Best()
	if !ok || best.Params["exit"] != 8 || best.Train != 16 || best.Validation != 8 {
		t.Fatalf("best = %+v", best)
	}
	if !o.Overfit {
		t.Fatal("train score double validation should flag overfitting")
	}

	steady := prices(ramp(100, 1, 20)...)
	o, err = runner.Optimize(context.Background(), steady, Options{Strategy: "hold", Sim: baseConfig()}, grid,
		OptimizeConfig{TrainFrac: 0.5, Metric: MetricNetPnL})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if o.Overfit {
		t.Fatal("matching train and validation scores flagged as overfit")
	}
}

func TestOptimizeDefaultsToSharpe(t *testing.T) {
	candles := prices(ramp(100, 1, 20)...)
	o, err := newTuneRunner().Optimize(context.Background(), candles, Options{Strategy: "hold", Sim: baseConfig()},
		Grid{"exit": {8}}, OptimizeConfig{TrainFrac: 0.5})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if o.Metric != MetricSharpe || o.Results[0].Validation <= 0 {
		t.Fatalf("optimization = %+v", o)
	}
}

func TestOptimizeSplitErrors(t *testing.T) {
	runner := newTuneRunner()
	opts := Options{Strategy: "hold", Sim: baseConfig()}
	grid := Grid{"exit": {1}}

	for _, frac := range []float64{0, 1, -0.2, 1.5} {
		if _, err := runner.Optimize(context.Background(), prices(ramp(100, 1, 10)...), opts, grid, OptimizeConfig{TrainFrac: frac}); err == nil {
			t.Errorf("expected error for train fraction %v", frac)
		}
	}
	if _, err := runner.Optimize(context.Background(), prices(100), opts, grid, OptimizeConfig{TrainFrac: 0.5}); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("err = %v, want ErrInvalidData", err)
	}
}

func TestWriteOptimization(t *testing.T) {
	o := &Optimization{
		Metric: MetricNetPnL,
		Results: []OptimizeResult{
			{Params: strategy.Params{"window": 20, "num_std": 2.0}, Train: 16, Validation: 8},
			{Params: strategy.Params{"window": 30, "num_std": 3.0}, Train: 4, Validation: 2.5},
		},
	}
	dir := filepath.Join(t.TempDir(), "tune")
	csvPath := filepath.Join(dir, "optimization.csv")
	jsonPath := filepath.Join(dir, "best_params.json")

	if err := WriteOptimization(csvPath, o); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := WriteBestParams(jsonPath, o); err != nil {
		t.Fatalf("write json: %v", err)
	}

	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 || fmt.Sprint(rows[0]) != "[num_std window train_metric valid_metric]" {
		t.Fatalf("rows = %v", rows)
	}
	if fmt.Sprint(rows[1]) != "[2 20 16.000000 8.000000]" {
		t.Fatalf("best row = %v", rows[1])
	}

	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var best map[string]float64
	if err := json.Unmarshal(raw, &best); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if best["window"] != 20 || best["valid_metric"] != 8 || best["train_metric"] != 16 {
		t.Fatalf("best params = %v", best)
	}

	if err := WriteBestParams(jsonPath, &Optimization{}); err == nil {
		t.Fatal("expected error for empty optimization")
	}
}
