package strategy

import (
	"fmt"
	"sort"

	"github.com/web3guy0/signalbot/types"
)

// NewDefaultRegistry registers the built-in strategies with d as fallback settings
func NewDefaultRegistry(d Defaults) *Registry {
	reg := NewRegistry()

	reg.Register(NewSMACrossover(d), Metadata{
		Description: "Short/long simple moving average crossover",
		Defaults:    Params{"sma_short": d.SMAShort, "sma_long": d.SMALong},
	})
	reg.Register(NewRSIThreshold(d), Metadata{
		Description: "RSI crossing back through oversold/overbought thresholds",
		Defaults: Params{
			"period":       d.RSIPeriod,
			"lower_thresh": d.RSILower,
			"upper_thresh": d.RSIUpper,
		},
	})
	reg.Register(NewMACDCrossover(d), Metadata{
		Description: "MACD line crossing its signal line",
		Defaults: Params{
			"fast_period":   d.MACDFast,
			"slow_period":   d.MACDSlow,
			"signal_period": d.MACDSignal,
		},
	})
	reg.Register(NewBollingerBands(d), Metadata{
		Description: "Close re-entering the Bollinger bands",
		Defaults:    Params{"window": d.BBandsWindow, "num_std": d.BBandsStd},
	})
	reg.Register(NewConfluence(reg, d), Metadata{
		Description: "Quorum vote across member strategies",
		Defaults:    Params{"members": d.ConfluenceMembers, "required": d.ConfluenceRequired},
	})

	return reg
}

// GenerateSignals resolves name in reg and runs it over candles. Metadata
// defaults fill keys the caller left out. Output is sorted by timestamp and
// tagged with the strategy name.
func GenerateSignals(reg *Registry, candles []types.Candle, name string, params Params) ([]types.Signal, error) {
	s, meta, err := reg.Lookup(name)
	if err != nil {
		return nil, err
	}

	signals, err := s.Generate(candles, params.Merge(meta.Defaults))
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", name, err)
	}

	for i := range signals {
		signals[i].Strategy = name
	}
	sort.SliceStable(signals, func(i, j int) bool {
		return signals[i].Timestamp.Before(signals[j].Timestamp)
	})
	return signals, nil
}
