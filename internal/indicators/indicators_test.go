package indicators

import (
	"math"
	"testing"
)

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSMA(t *testing.T) {
	got := SMA([]float64{1, 2, 3, 4, 5}, 3)
	if !math.IsNaN(got[0]) || !math.IsNaN(got[1]) {
		t.Fatalf("warm-up values should be NaN: %v", got)
	}
	want := []float64{2, 3, 4}
	for i, w := range want {
		if !almost(got[i+2], w) {
			t.Fatalf("sma[%d] = %f, want %f", i+2, got[i+2], w)
		}
	}
}

func TestEMASeededWithFirstPrice(t *testing.T) {
	got := EMA([]float64{10, 20}, 3)
	// alpha = 0.5
	if !almost(got[0], 10) || !almost(got[1], 15) {
		t.Fatalf("ema = %v, want [10 15]", got)
	}
}

func TestRSI(t *testing.T) {
	prices := []float64{10, 11, 10, 12, 11}
	got := RSI(prices, 2)
	// window ending at idx 2: gains [1,0] losses [0,1] -> 50
	if !almost(got[2], 50) {
		t.Fatalf("rsi[2] = %f, want 50", got[2])
	}
	// idx 3: gains [0,2] losses [1,0] -> rs=2 -> 66.67
	if !almost(got[3], 100-100/3.0) {
		t.Fatalf("rsi[3] = %f", got[3])
	}

	rising := RSI([]float64{1, 2, 3, 4}, 2)
	for i, v := range rising {
		if !math.IsNaN(v) {
			t.Fatalf("rsi without losses should be undefined, got %f at %d", v, i)
		}
	}
}

func TestStdDevSample(t *testing.T) {
	got := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 8)
	// population std is 2, sample std is sqrt(32/7)
	if !almost(got[7], math.Sqrt(32.0/7.0)) {
		t.Fatalf("std = %f", got[7])
	}
}

func TestBollingerBands(t *testing.T) {
	mid, up, low := BollingerBands([]float64{1, 1, 1, 1}, 3, 2)
	if !almost(mid[3], 1) || !almost(up[3], 1) || !almost(low[3], 1) {
		t.Fatalf("flat series should collapse bands: %v %v %v", mid, up, low)
	}
}

func TestMACDLengths(t *testing.T) {
	prices := make([]float64, 40)
	for i := range prices {
		prices[i] = float64(i)
	}
	macd, sig := MACD(prices, 3, 6, 4)
	if len(macd) != len(prices) || len(sig) != len(prices) {
		t.Fatalf("length mismatch")
	}
	if macd[len(macd)-1] <= 0 {
		t.Fatalf("rising series should have positive MACD")
	}
}
