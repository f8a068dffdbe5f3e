package backtest

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/types"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func at(i int) time.Time { return t0.Add(time.Duration(i) * time.Hour) }

// bar builds a candle from "open high low close"
func bar(i int, o, h, l, c string) types.Candle {
	return types.Candle{Timestamp: at(i), Open: d(o), High: d(h), Low: d(l), Close: d(c), Volume: d("1")}
}

func flat(i int, px string) types.Candle { return bar(i, px, px, px, px) }

func buyAt(i int) types.Signal  { return types.Signal{Timestamp: at(i), Action: types.ActionBuy} }
func sellAt(i int) types.Signal { return types.Signal{Timestamp: at(i), Action: types.ActionSell} }

func baseConfig() SimConfig {
	return SimConfig{
		Symbol:         "BTCUSDT",
		InitialCapital: d("1000"),
		TradeSize:      d("1"),
	}
}

func TestRoundTripFeesAndSlippage(t *testing.T) {
	cfg := baseConfig()
	cfg.FeesBps = d("10")
	cfg.SlippageBps = d("25")

	res := SimulateEquity(
		[]types.Candle{flat(0, "100"), flat(1, "110")},
		[]types.Signal{buyAt(0), sellAt(1)},
		cfg,
	)

	// (110*0.9975 - 100*1.0025) - (0.10025 + 0.109725)
	want := d("9.265025")
	if !res.Stats.NetPnL.Equal(want) {
		t.Fatalf("net pnl = %s, want %s", res.Stats.NetPnL, want)
	}
	if !res.Stats.FinalPositionQty.IsZero() {
		t.Fatalf("position should be flat, got %s", res.Stats.FinalPositionQty)
	}
	if res.Stats.TotalTrades != 1 || res.Stats.WinningTrades != 1 || !res.Stats.WinRate.Equal(d("100")) {
		t.Fatalf("unexpected trade stats: %+v", res.Stats)
	}
	if !res.Stats.Cash.Equal(d("1009.265025")) {
		t.Fatalf("cash = %s", res.Stats.Cash)
	}
}

func TestMaxPositionCap(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPositionPct = d("0.5")

	res := SimulateEquity(
		[]types.Candle{flat(0, "400"), flat(1, "400"), flat(2, "400")},
		[]types.Signal{buyAt(0), buyAt(1), buyAt(2)},
		cfg,
	)

	if !res.Stats.FinalPositionQty.Equal(d("1.25")) {
		t.Fatalf("final qty = %s, want 1.25", res.Stats.FinalPositionQty)
	}
	if !res.Stats.Cash.Equal(d("500")) {
		t.Fatalf("cash = %s, want 500", res.Stats.Cash)
	}
	buys := 0
	for _, tr := range res.Trades {
		if tr.Side == types.ActionBuy {
			buys++
		}
	}
	if buys != 2 {
		t.Fatalf("expected the third buy to be skipped, got %d buys", buys)
	}
}

func TestMaxPositionPctOneDisablesCap(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPositionPct = d("1")

	res := SimulateEquity(
		[]types.Candle{flat(0, "400"), flat(1, "400")},
		[]types.Signal{buyAt(0), buyAt(1)},
		cfg,
	)
	if !res.Stats.FinalPositionQty.Equal(d("2")) {
		t.Fatalf("final qty = %s, want 2", res.Stats.FinalPositionQty)
	}
}

func TestStopLossFiresAtLevel(t *testing.T) {
	cfg := baseConfig()
	cfg.StopLossPct = d("0.10")

	res := SimulateEquity(
		[]types.Candle{flat(0, "100"), bar(1, "100", "105", "89", "95")},
		[]types.Signal{buyAt(0)},
		cfg,
	)

	if !res.Stats.NetPnL.Equal(d("-10")) {
		t.Fatalf("net pnl = %s, want -10", res.Stats.NetPnL)
	}
	last := res.Trades[len(res.Trades)-1]
	if last.Reason != "STOP_LOSS" || !last.Price.Equal(d("90")) {
		t.Fatalf("exit = %+v, want STOP_LOSS at 90", last)
	}
	if res.Stats.TotalTrades != 1 || res.Stats.WinningTrades != 0 {
		t.Fatalf("unexpected trade stats: %+v", res.Stats)
	}
}

func TestTrailingStop(t *testing.T) {
	cfg := baseConfig()
	cfg.TrailingStopPct = d("0.05")

	res := SimulateEquity(
		[]types.Candle{
			flat(0, "100"),
			bar(1, "100", "120", "118", "119"),
			bar(2, "119", "116", "113", "115"),
		},
		[]types.Signal{buyAt(0)},
		cfg,
	)

	if !res.Stats.NetPnL.Equal(d("14")) {
		t.Fatalf("net pnl = %s, want 14", res.Stats.NetPnL)
	}
	last := res.Trades[len(res.Trades)-1]
	if last.Reason != "TRAILING_STOP" || !last.Price.Equal(d("114")) {
		t.Fatalf("exit = %+v, want TRAILING_STOP at 114", last)
	}
}

func TestStopBeatsTakeProfitOnSameBar(t *testing.T) {
	cfg := baseConfig()
	cfg.StopLossPct = d("0.10")
	cfg.TakeProfitRR = d("2") // take at 120

	res := SimulateEquity(
		[]types.Candle{flat(0, "100"), bar(1, "100", "125", "85", "100")},
		[]types.Signal{buyAt(0)},
		cfg,
	)
	last := res.Trades[len(res.Trades)-1]
	if last.Reason != "STOP_LOSS" || !last.Price.Equal(d("90")) {
		t.Fatalf("exit = %+v, want STOP_LOSS at 90", last)
	}
}

func TestTakeProfitFromRewardRisk(t *testing.T) {
	cfg := baseConfig()
	cfg.StopLossPct = d("0.10")
	cfg.TakeProfitRR = d("2")

	res := SimulateEquity(
		[]types.Candle{flat(0, "100"), bar(1, "100", "121", "95", "118")},
		[]types.Signal{buyAt(0)},
		cfg,
	)
	if !res.Stats.NetPnL.Equal(d("20")) {
		t.Fatalf("net pnl = %s, want 20", res.Stats.NetPnL)
	}
}

func TestExitsRunBeforeSignals(t *testing.T) {
	cfg := baseConfig()
	cfg.StopLossPct = d("0.10")

	// The bar that stops out the first entry also carries a new buy: the
	// exit must settle before the buy re-enters at the close
	res := SimulateEquity(
		[]types.Candle{flat(0, "100"), bar(1, "100", "100", "80", "85")},
		[]types.Signal{buyAt(0), buyAt(1)},
		cfg,
	)
	if !res.Stats.FinalPositionQty.Equal(d("1")) {
		t.Fatalf("final qty = %s, want 1", res.Stats.FinalPositionQty)
	}
	if res.Trades[1].Reason != "STOP_LOSS" || res.Trades[2].Side != types.ActionBuy {
		t.Fatalf("unexpected fill order: %+v", res.Trades)
	}
}

func TestNoSignalsFlatCurve(t *testing.T) {
	candles := []types.Candle{flat(0, "100"), flat(1, "90"), flat(2, "120")}
	res := SimulateEquity(candles, nil, baseConfig())

	if len(res.Equity) != len(candles) {
		t.Fatalf("curve length = %d, want %d", len(res.Equity), len(candles))
	}
	for _, p := range res.Equity {
		if !p.Equity.Equal(d("1000")) {
			t.Fatalf("equity = %s, want flat 1000", p.Equity)
		}
	}
	if !res.Stats.WinRate.IsZero() || !res.Stats.MaxDrawdown.IsZero() || !res.Stats.NetPnL.IsZero() {
		t.Fatalf("unexpected stats: %+v", res.Stats)
	}
}

func TestSignalTimingEdges(t *testing.T) {
	candles := []types.Candle{flat(1, "100"), flat(2, "100")}
	early := types.Signal{Timestamp: at(0), Action: types.ActionBuy}
	late := types.Signal{Timestamp: at(5), Action: types.ActionSell}

	res := SimulateEquity(candles, []types.Signal{late, early}, baseConfig())
	if !res.Stats.FinalPositionQty.Equal(d("1")) {
		t.Fatalf("early buy should apply on the first bar and late sell never, qty = %s", res.Stats.FinalPositionQty)
	}
	if !res.Trades[0].Timestamp.Equal(at(1)) {
		t.Fatalf("early buy filled at %s", res.Trades[0].Timestamp)
	}
}

func TestLedgerViolationsAreSkipped(t *testing.T) {
	cfg := baseConfig()
	cfg.TradeSize = d("6") // 600 per unit-lot at 100

	res := SimulateEquity(
		[]types.Candle{flat(0, "100"), flat(1, "100"), flat(2, "100")},
		[]types.Signal{sellAt(0), buyAt(1), buyAt(1), sellAt(2)},
		cfg,
	)
	if len(res.Equity) != 3 {
		t.Fatalf("curve length = %d", len(res.Equity))
	}
	// one buy fits, the second exceeds cash, the sell closes it
	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 fills, got %+v", res.Trades)
	}
	if !res.Stats.Cash.Equal(d("1000")) {
		t.Fatalf("cash = %s", res.Stats.Cash)
	}
}

func TestDeterministic(t *testing.T) {
	cfg := baseConfig()
	cfg.FeesBps = d("7")
	cfg.SlippageBps = d("3")
	cfg.TrailingStopPct = d("0.02")
	candles := []types.Candle{
		flat(0, "100"), bar(1, "100", "104", "99", "103"), bar(2, "103", "103", "97", "98"), flat(3, "101"),
	}
	signals := []types.Signal{buyAt(0), buyAt(3)}

	a := SimulateEquity(candles, signals, cfg)
	b := SimulateEquity(candles, signals, cfg)
	for i := range a.Equity {
		if !a.Equity[i].Equity.Equal(b.Equity[i].Equity) {
			t.Fatalf("run differs at bar %d", i)
		}
	}
	ja, _ := json.Marshal(a.Stats)
	jb, _ := json.Marshal(b.Stats)
	if string(ja) != string(jb) {
		t.Fatalf("stats differ: %s vs %s", ja, jb)
	}
}

func TestMaxDrawdown(t *testing.T) {
	tests := []struct {
		curve []string
		want  string
	}{
		{[]string{"100", "120", "90", "130", "117"}, "25"},
		{[]string{"100", "110", "120"}, "0"},
		{[]string{"0", "0"}, "0"},
		{nil, "0"},
	}
	for _, tt := range tests {
		curve := make([]decimal.Decimal, len(tt.curve))
		for i, v := range tt.curve {
			curve[i] = d(v)
		}
		if got := MaxDrawdown(curve); !got.Equal(d(tt.want)) {
			t.Fatalf("MaxDrawdown(%v) = %s, want %s", tt.curve, got, tt.want)
		}
	}
}

func TestStatsJSONUsesFloats(t *testing.T) {
	stats := Stats{
		NetPnL:           d("9.265025"),
		WinRate:          d("100"),
		MaxDrawdown:      d("1.5"),
		FinalPositionQty: d("0"),
		Cash:             d("1009.265025"),
		TotalTrades:      1,
		WinningTrades:    1,
	}
	data, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]float64
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("stats JSON should hold plain numbers: %v (%s)", err, data)
	}
	if math.Abs(out["net_pnl"]-9.265025) > 1e-9 || out["win_rate"] != 100 || out["total_trades"] != 1 {
		t.Fatalf("unexpected JSON: %s", data)
	}
	for _, key := range []string{"max_drawdown", "final_position_qty", "cash", "winning_trades"} {
		if _, ok := out[key]; !ok {
			t.Fatalf("missing %s in %s", key, data)
		}
	}
}
