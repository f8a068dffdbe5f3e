package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/types"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func candlesFrom(closes ...float64) []types.Candle {
	out := make([]types.Candle, len(closes))
	for i, c := range closes {
		px := decimal.NewFromFloat(c)
		out[i] = types.Candle{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      px,
			High:      px,
			Low:       px,
			Close:     px,
			Volume:    decimal.NewFromInt(1),
		}
	}
	return out
}

type expect struct {
	idx    int
	action types.Action
}

func checkSignals(t *testing.T, got []types.Signal, want []expect) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d signals %+v, want %d", len(got), got, len(want))
	}
	for i, w := range want {
		ts := t0.Add(time.Duration(w.idx) * time.Hour)
		if !got[i].Timestamp.Equal(ts) || got[i].Action != w.action {
			t.Fatalf("signal %d = %s@%s, want %s@%s", i, got[i].Action, got[i].Timestamp, w.action, ts)
		}
	}
}

func TestSMACrossover(t *testing.T) {
	reg := NewDefaultRegistry(DefaultSettings())
	candles := candlesFrom(10, 10, 10, 5, 5, 20, 20, 5, 5)

	got, err := GenerateSignals(reg, candles, "sma", Params{"sma_short": 2, "sma_long": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkSignals(t, got, []expect{
		{3, types.ActionSell},
		{5, types.ActionBuy},
		{7, types.ActionSell},
	})
	for _, s := range got {
		if s.Strategy != "sma" {
			t.Fatalf("signal not tagged: %+v", s)
		}
	}
}

func TestRSIThresholdCrossings(t *testing.T) {
	reg := NewDefaultRegistry(DefaultSettings())

	buys, err := GenerateSignals(reg, candlesFrom(10, 9, 8, 9), "rsi", Params{"period": 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkSignals(t, buys, []expect{{3, types.ActionBuy}})

	sells, err := GenerateSignals(reg, candlesFrom(10, 9, 12, 15, 10), "rsi", Params{"period": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkSignals(t, sells, []expect{{4, types.ActionSell}})
}

func TestMACDBuysOnReversal(t *testing.T) {
	var closes []float64
	for i := 0; i < 20; i++ {
		closes = append(closes, 100-float64(i))
	}
	for i := 0; i < 20; i++ {
		closes = append(closes, 81+float64(i))
	}

	reg := NewDefaultRegistry(DefaultSettings())
	got, err := GenerateSignals(reg, candlesFrom(closes...), "macd", Params{
		"fast_period": 3, "slow_period": 6, "signal_period": 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) == 0 || got[0].Action != types.ActionBuy {
		t.Fatalf("expected a buy after the reversal, got %+v", got)
	}
	if got[0].Timestamp.Before(t0.Add(20 * time.Hour)) {
		t.Fatalf("buy fired before the reversal: %s", got[0].Timestamp)
	}
}

func TestBollingerBuyOnReentry(t *testing.T) {
	reg := NewDefaultRegistry(DefaultSettings())
	got, err := GenerateSignals(reg, candlesFrom(10, 10, 10, 10, 4, 10, 10), "bbands", Params{
		"window": 3, "num_std": 1.0,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkSignals(t, got, []expect{{5, types.ActionBuy}})
}

func TestShortInputYieldsNoSignals(t *testing.T) {
	reg := NewDefaultRegistry(DefaultSettings())
	for _, name := range reg.Names() {
		got, err := GenerateSignals(reg, candlesFrom(1, 2, 3), name, nil)
		if err != nil {
			t.Fatalf("%s: short input should not error: %v", name, err)
		}
		if len(got) != 0 {
			t.Fatalf("%s: expected no signals, got %+v", name, got)
		}

		got, err = GenerateSignals(reg, nil, name, nil)
		if err != nil || len(got) != 0 {
			t.Fatalf("%s: empty input should give no signals, got %+v / %v", name, got, err)
		}
	}
}

func TestInvalidParams(t *testing.T) {
	reg := NewDefaultRegistry(DefaultSettings())
	candles := candlesFrom(1, 2, 3, 4, 5)

	tests := []struct {
		name   string
		params Params
	}{
		{"sma", Params{"sma_short": 0}},
		{"rsi", Params{"period": -1}},
		{"macd", Params{"fast_period": 26, "slow_period": 12}},
		{"bbands", Params{"window": 1}},
		{"confluence", Params{"required": 0}},
	}
	for _, tt := range tests {
		if _, err := GenerateSignals(reg, candles, tt.name, tt.params); err == nil {
			t.Fatalf("%s %v: expected error", tt.name, tt.params)
		}
	}
}

func TestUnknownStrategy(t *testing.T) {
	reg := NewDefaultRegistry(DefaultSettings())
	_, err := GenerateSignals(reg, candlesFrom(1), "nope", nil)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewDefaultRegistry(DefaultSettings())
	want := []string{"bbands", "confluence", "macd", "rsi", "sma"}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names = %v, want %v", got, want)
		}
	}
}

// stub emits fixed signals and records the params it was called with
type stub struct {
	name    string
	signals []types.Signal
	err     error
	seen    Params
}

func (s *stub) Name() string { return s.name }

func (s *stub) Generate(_ []types.Candle, p Params) ([]types.Signal, error) {
	s.seen = p
	if s.err != nil {
		return nil, s.err
	}
	out := make([]types.Signal, len(s.signals))
	copy(out, s.signals)
	return out, nil
}

func sig(hour int, action types.Action, price string) types.Signal {
	return types.Signal{
		Timestamp: t0.Add(time.Duration(hour) * time.Hour),
		Action:    action,
		Price:     decimal.RequireFromString(price),
	}
}

func TestMetadataDefaultsMerge(t *testing.T) {
	reg := NewRegistry()
	s := &stub{name: "merged"}
	reg.Register(s, Metadata{Defaults: Params{"a": 1, "b": 2}})

	if _, err := GenerateSignals(reg, candlesFrom(1), "merged", Params{"b": 5, "extra": "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.seen.Int("a", 0) != 1 || s.seen.Int("b", 0) != 5 || s.seen["extra"] != "x" {
		t.Fatalf("merged params = %v", s.seen)
	}
}

func TestGenerateSignalsSortsStable(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stub{name: "sorted", signals: []types.Signal{
		sig(2, types.ActionSell, "1"),
		sig(1, types.ActionBuy, "1"),
		sig(2, types.ActionBuy, "1"),
	}}, Metadata{})

	got, err := GenerateSignals(reg, candlesFrom(1), "sorted", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkSignals(t, got, []expect{
		{1, types.ActionBuy},
		{2, types.ActionSell},
		{2, types.ActionBuy},
	})
}

func TestConfluenceQuorum(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stub{name: "a", signals: []types.Signal{
		sig(1, types.ActionBuy, "100"),
		sig(2, types.ActionSell, "110"),
		sig(3, types.ActionSell, "120"),
	}}, Metadata{})
	reg.Register(&stub{name: "b", signals: []types.Signal{
		sig(1, types.ActionBuy, "102"),
		sig(3, types.ActionBuy, "120"),
	}}, Metadata{})
	reg.Register(&stub{name: "c", signals: []types.Signal{
		sig(3, types.ActionBuy, "120"),
		sig(3, types.ActionSell, "120"),
	}}, Metadata{})
	reg.Register(&stub{name: "broken", err: errors.New("boom")}, Metadata{})
	reg.Register(NewConfluence(reg, DefaultSettings()), Metadata{})

	got, err := GenerateSignals(reg, candlesFrom(1), "confluence", Params{
		"members":  []string{"a", "b", "c", "broken", "missing"},
		"required": 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// hour 2 has a single vote; hour 3 ties, sell was seen first
	checkSignals(t, got, []expect{
		{1, types.ActionBuy},
		{3, types.ActionSell},
	})
	if !got[0].Price.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("mean price = %s, want 101", got[0].Price)
	}
	if got[0].Strategy != "confluence" {
		t.Fatalf("strategy tag = %q", got[0].Strategy)
	}
}

func TestParamsStrings(t *testing.T) {
	p := Params{"csv": "sma, rsi,,macd", "list": []interface{}{"x", 1, "y"}}
	if got := p.Strings("csv", nil); len(got) != 3 || got[2] != "macd" {
		t.Fatalf("csv = %v", got)
	}
	if got := p.Strings("list", nil); len(got) != 2 || got[1] != "y" {
		t.Fatalf("list = %v", got)
	}
	if got := p.Strings("missing", []string{"d"}); len(got) != 1 || got[0] != "d" {
		t.Fatalf("default = %v", got)
	}
}

func TestParseAssignments(t *testing.T) {
	p, err := ParseAssignments([]string{"sma_short=5", "num_std = 1.5", "members=sma,rsi"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p["sma_short"] != 5 || p["num_std"] != 1.5 {
		t.Fatalf("numbers not typed: %#v", p)
	}
	if got := p.Strings("members", nil); len(got) != 2 || got[1] != "rsi" {
		t.Fatalf("members = %v", got)
	}

	for _, bad := range []string{"novalue", "=3"} {
		if _, err := ParseAssignments([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		raw  string
		want interface{}
	}{
		{"20", 20},
		{" 2.5 ", 2.5},
		{"-3", -3},
		{"sma", "sma"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ParseValue(tt.raw); got != tt.want {
			t.Errorf("ParseValue(%q) = %#v, want %#v", tt.raw, got, tt.want)
		}
	}
}
