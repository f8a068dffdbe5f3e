package strategy

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/internal/indicators"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CROSSOVER STRATEGIES - SMA / RSI / MACD / Bollinger
// ═══════════════════════════════════════════════════════════════════════════════

// Defaults are the fallback indicator settings used when neither the caller
// nor the registry metadata supply a parameter
type Defaults struct {
	SMAShort int
	SMALong  int

	RSIPeriod int
	RSILower  float64
	RSIUpper  float64

	MACDFast   int
	MACDSlow   int
	MACDSignal int

	BBandsWindow int
	BBandsStd    float64

	ConfluenceMembers  []string
	ConfluenceRequired int
}

// DefaultSettings returns the stock indicator settings
func DefaultSettings() Defaults {
	return Defaults{
		SMAShort:           5,
		SMALong:            20,
		RSIPeriod:          14,
		RSILower:           30,
		RSIUpper:           70,
		MACDFast:           12,
		MACDSlow:           26,
		MACDSignal:         9,
		BBandsWindow:       20,
		BBandsStd:          2,
		ConfluenceMembers:  []string{"sma", "rsi", "macd"},
		ConfluenceRequired: 2,
	}
}

func signalAt(c types.Candle, action types.Action, name string) types.Signal {
	return types.Signal{Timestamp: c.Timestamp, Action: action, Price: c.Close, Strategy: name}
}

func tooShort(name string, candles []types.Candle, need int) bool {
	if len(candles) == 0 {
		log.Warn().Str("strategy", name).Msg("Empty candle series, no signals")
		return true
	}
	if len(candles) < need {
		log.Warn().
			Str("strategy", name).
			Int("candles", len(candles)).
			Int("need", need).
			Msg("Not enough data, no signals")
		return true
	}
	return false
}

func defined(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

// ───────────────────────────────────────────────────────────────────────────────
// SMA
// ───────────────────────────────────────────────────────────────────────────────

// SMACrossover buys when the short SMA crosses above the long SMA and sells
// on the opposite cross
type SMACrossover struct {
	short, long int
}

// NewSMACrossover creates the strategy with default windows
func NewSMACrossover(d Defaults) *SMACrossover {
	return &SMACrossover{short: d.SMAShort, long: d.SMALong}
}

func (s *SMACrossover) Name() string { return "sma" }

func (s *SMACrossover) Generate(candles []types.Candle, params Params) ([]types.Signal, error) {
	short := params.Int("sma_short", s.short)
	long := params.Int("sma_long", s.long)
	if short <= 0 || long <= 0 {
		return nil, fmt.Errorf("sma_short and sma_long must be positive, got %d/%d", short, long)
	}
	if short >= long {
		log.Warn().Int("sma_short", short).Int("sma_long", long).Msg("sma_short >= sma_long may reduce signal quality")
	}
	if tooShort(s.Name(), candles, long) {
		return nil, nil
	}

	closes := types.Closes(candles)
	fast := indicators.SMA(closes, short)
	slow := indicators.SMA(closes, long)

	var signals []types.Signal
	for i := 1; i < len(candles); i++ {
		if !defined(fast[i-1], slow[i-1], fast[i], slow[i]) {
			continue
		}
		switch {
		case fast[i-1] <= slow[i-1] && fast[i] > slow[i]:
			signals = append(signals, signalAt(candles[i], types.ActionBuy, s.Name()))
		case fast[i-1] >= slow[i-1] && fast[i] < slow[i]:
			signals = append(signals, signalAt(candles[i], types.ActionSell, s.Name()))
		}
	}
	log.Debug().Int("signals", len(signals)).Msg("Generated SMA signals")
	return signals, nil
}

// ───────────────────────────────────────────────────────────────────────────────
// RSI
// ───────────────────────────────────────────────────────────────────────────────

// RSIThreshold buys when RSI crosses up through the lower threshold and sells
// when it crosses down through the upper threshold
type RSIThreshold struct {
	period       int
	lower, upper float64
}

// NewRSIThreshold creates the strategy with default settings
func NewRSIThreshold(d Defaults) *RSIThreshold {
	return &RSIThreshold{period: d.RSIPeriod, lower: d.RSILower, upper: d.RSIUpper}
}

func (s *RSIThreshold) Name() string { return "rsi" }

func (s *RSIThreshold) Generate(candles []types.Candle, params Params) ([]types.Signal, error) {
	period := params.Int("period", s.period)
	lower := params.Float("lower_thresh", s.lower)
	upper := params.Float("upper_thresh", s.upper)
	if period <= 0 {
		return nil, fmt.Errorf("rsi period must be positive, got %d", period)
	}
	if tooShort(s.Name(), candles, period) {
		return nil, nil
	}

	rsi := indicators.RSI(types.Closes(candles), period)

	var signals []types.Signal
	for i := 1; i < len(candles); i++ {
		prev, curr := rsi[i-1], rsi[i]
		if !defined(prev, curr) {
			continue
		}
		switch {
		case prev <= lower && curr > lower:
			signals = append(signals, signalAt(candles[i], types.ActionBuy, s.Name()))
		case prev >= upper && curr < upper:
			signals = append(signals, signalAt(candles[i], types.ActionSell, s.Name()))
		}
	}
	log.Debug().Int("signals", len(signals)).Msg("Generated RSI signals")
	return signals, nil
}

// ───────────────────────────────────────────────────────────────────────────────
// MACD
// ───────────────────────────────────────────────────────────────────────────────

// MACDCrossover trades crosses of the MACD line over its signal line
type MACDCrossover struct {
	fast, slow, signal int
}

// NewMACDCrossover creates the strategy with default periods
func NewMACDCrossover(d Defaults) *MACDCrossover {
	return &MACDCrossover{fast: d.MACDFast, slow: d.MACDSlow, signal: d.MACDSignal}
}

func (s *MACDCrossover) Name() string { return "macd" }

func (s *MACDCrossover) Generate(candles []types.Candle, params Params) ([]types.Signal, error) {
	fast := params.Int("fast_period", s.fast)
	slow := params.Int("slow_period", s.slow)
	sig := params.Int("signal_period", s.signal)
	if fast <= 0 || slow <= 0 || sig <= 0 {
		return nil, fmt.Errorf("macd periods must be positive, got %d/%d/%d", fast, slow, sig)
	}
	if fast >= slow {
		return nil, fmt.Errorf("macd fast_period (%d) must be below slow_period (%d)", fast, slow)
	}
	// Let the slow EMA and the signal line settle before trading crosses
	warmup := slow + sig
	if tooShort(s.Name(), candles, warmup) {
		return nil, nil
	}

	macd, line := indicators.MACD(types.Closes(candles), fast, slow, sig)

	var signals []types.Signal
	for i := warmup - 1; i < len(candles); i++ {
		if !defined(macd[i-1], line[i-1], macd[i], line[i]) {
			continue
		}
		switch {
		case macd[i-1] <= line[i-1] && macd[i] > line[i]:
			signals = append(signals, signalAt(candles[i], types.ActionBuy, s.Name()))
		case macd[i-1] >= line[i-1] && macd[i] < line[i]:
			signals = append(signals, signalAt(candles[i], types.ActionSell, s.Name()))
		}
	}
	log.Debug().Int("signals", len(signals)).Msg("Generated MACD signals")
	return signals, nil
}

// ───────────────────────────────────────────────────────────────────────────────
// BOLLINGER BANDS
// ───────────────────────────────────────────────────────────────────────────────

// BollingerBands buys when close crosses back above the lower band and sells
// when it crosses back below the upper band
type BollingerBands struct {
	window int
	numStd float64
}

// NewBollingerBands creates the strategy with default settings
func NewBollingerBands(d Defaults) *BollingerBands {
	return &BollingerBands{window: d.BBandsWindow, numStd: d.BBandsStd}
}

func (s *BollingerBands) Name() string { return "bbands" }

func (s *BollingerBands) Generate(candles []types.Candle, params Params) ([]types.Signal, error) {
	window := params.Int("window", s.window)
	numStd := params.Float("num_std", s.numStd)
	if window <= 1 {
		return nil, fmt.Errorf("bbands window must be greater than 1, got %d", window)
	}
	if tooShort(s.Name(), candles, window) {
		return nil, nil
	}

	closes := types.Closes(candles)
	_, upper, lower := indicators.BollingerBands(closes, window, numStd)

	var signals []types.Signal
	for i := 1; i < len(candles); i++ {
		if !defined(lower[i-1], upper[i-1], lower[i], upper[i]) {
			continue
		}
		switch {
		case closes[i-1] < lower[i-1] && closes[i] >= lower[i]:
			signals = append(signals, signalAt(candles[i], types.ActionBuy, s.Name()))
		case closes[i-1] > upper[i-1] && closes[i] <= upper[i]:
			signals = append(signals, signalAt(candles[i], types.ActionSell, s.Name()))
		}
	}
	log.Debug().Int("signals", len(signals)).Msg("Generated Bollinger band signals")
	return signals, nil
}
