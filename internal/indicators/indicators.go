package indicators

import (
	"math"
)

// Series helpers return one value per input point. Points where the
// indicator is not yet defined hold NaN.

// SMA calculates a simple moving average series
func SMA(prices []float64, period int) []float64 {
	out := nanSeries(len(prices))
	if period <= 0 || len(prices) < period {
		return out
	}
	sum := 0.0
	for i, p := range prices {
		sum += p
		if i >= period {
			sum -= prices[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA calculates an exponential moving average series (alpha = 2/(period+1)),
// seeded with the first price like pandas ewm(adjust=False)
func EMA(prices []float64, period int) []float64 {
	out := nanSeries(len(prices))
	if period <= 0 || len(prices) == 0 {
		return out
	}
	alpha := 2.0 / float64(period+1)
	out[0] = prices[0]
	for i := 1; i < len(prices); i++ {
		out[i] = alpha*prices[i] + (1-alpha)*out[i-1]
	}
	return out
}

// EMAOf is EMA over a series that may start with NaN values
func EMAOf(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	start := -1
	for i, v := range values {
		if !math.IsNaN(v) {
			start = i
			break
		}
	}
	if start < 0 {
		return out
	}
	tail := EMA(values[start:], period)
	copy(out[start:], tail)
	return out
}

// StdDev calculates the rolling sample standard deviation (n-1)
func StdDev(prices []float64, period int) []float64 {
	out := nanSeries(len(prices))
	if period <= 1 || len(prices) < period {
		return out
	}
	for i := period - 1; i < len(prices); i++ {
		window := prices[i-period+1 : i+1]
		mean := average(window)
		ss := 0.0
		for _, p := range window {
			ss += (p - mean) * (p - mean)
		}
		out[i] = math.Sqrt(ss / float64(period-1))
	}
	return out
}

// RSI calculates Relative Strength Index using rolling means of gains and
// losses. A window with no losses yields NaN (undefined), not 100.
func RSI(prices []float64, period int) []float64 {
	out := nanSeries(len(prices))
	if period <= 0 || len(prices) <= period {
		return out
	}

	gains := make([]float64, len(prices))
	losses := make([]float64, len(prices))
	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	// The first diff is undefined, so the first full window ends at index period
	for i := period; i < len(prices); i++ {
		avgGain := average(gains[i-period+1 : i+1])
		avgLoss := average(losses[i-period+1 : i+1])
		if avgLoss == 0 {
			continue
		}
		rs := avgGain / avgLoss
		out[i] = 100 - (100 / (1 + rs))
	}
	return out
}

// MACD returns the MACD line (EMA fast - EMA slow) and its signal line
func MACD(prices []float64, fast, slow, signal int) (macd, signalLine []float64) {
	fastEMA := EMA(prices, fast)
	slowEMA := EMA(prices, slow)
	macd = make([]float64, len(prices))
	for i := range prices {
		macd[i] = fastEMA[i] - slowEMA[i]
	}
	signalLine = EMAOf(macd, signal)
	return macd, signalLine
}

// BollingerBands returns middle, upper and lower bands
func BollingerBands(prices []float64, window int, numStd float64) (middle, upper, lower []float64) {
	middle = SMA(prices, window)
	std := StdDev(prices, window)
	upper = nanSeries(len(prices))
	lower = nanSeries(len(prices))
	for i := range prices {
		if math.IsNaN(middle[i]) || math.IsNaN(std[i]) {
			continue
		}
		upper[i] = middle[i] + numStd*std[i]
		lower[i] = middle[i] - numStd*std[i]
	}
	return middle, upper, lower
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
