package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE MARKET DATA - OHLCV klines + last price over REST
// ═══════════════════════════════════════════════════════════════════════════════
//
// Used for:
//   - Candles for the live signal loop and `signals` command
//   - Last trade price for protective exit checks between bars
//
// Every request goes through a RetryPolicy (backoff + circuit breaker).
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultBinanceURL = "https://api.binance.com"
	maxKlinesLimit    = 1000
)

// ErrBadResponse marks an unparseable exchange payload
var ErrBadResponse = errors.New("bad exchange response")

var intervals = map[string]time.Duration{
	"1m": time.Minute, "3m": 3 * time.Minute, "5m": 5 * time.Minute,
	"15m": 15 * time.Minute, "30m": 30 * time.Minute,
	"1h": time.Hour, "2h": 2 * time.Hour, "4h": 4 * time.Hour, "6h": 6 * time.Hour,
	"8h": 8 * time.Hour, "12h": 12 * time.Hour,
	"1d": 24 * time.Hour, "3d": 72 * time.Hour, "1w": 7 * 24 * time.Hour,
	"1M": 30 * 24 * time.Hour, // approximate
}

// IntervalDuration returns the bar length of a kline interval
func IntervalDuration(interval string) (time.Duration, bool) {
	d, ok := intervals[interval]
	return d, ok
}

// BinanceClient fetches market data from the Binance spot REST API
type BinanceClient struct {
	baseURL string
	http    *http.Client
	retry   *RetryPolicy
}

// NewBinanceClient creates a client; empty baseURL uses the public endpoint
func NewBinanceClient(baseURL string, retry *RetryPolicy) *BinanceClient {
	if baseURL == "" {
		baseURL = DefaultBinanceURL
	}
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &BinanceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		retry:   retry,
	}
}

// NormalizeSymbol converts "BTC/USDT", "btc-usdt" or "BTC_USDT" to "BTCUSDT"
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s)
}

// FetchCandles returns up to limit closed and open bars, oldest first
func (c *BinanceClient) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	if _, ok := intervals[interval]; !ok {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}
	if limit <= 0 || limit > maxKlinesLimit {
		return nil, fmt.Errorf("limit must be in 1..%d, got %d", maxKlinesLimit, limit)
	}

	q := url.Values{}
	q.Set("symbol", NormalizeSymbol(symbol))
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	var rows [][]json.RawMessage
	err := c.retry.Do(ctx, "klines", func(ctx context.Context) error {
		return c.getJSON(ctx, "/api/v3/klines?"+q.Encode(), &rows)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s: %w", symbol, err)
	}

	candles := make([]types.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("kline %d: %w", i, err)
		}
		candles = append(candles, candle)
	}

	log.Debug().Str("symbol", symbol).Str("interval", interval).Int("candles", len(candles)).Msg("Fetched klines")
	return candles, nil
}

// FetchPrice gets the last trade price for a symbol
func (c *BinanceClient) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var result struct {
		Price string `json:"price"`
	}
	err := c.retry.Do(ctx, "ticker", func(ctx context.Context) error {
		return c.getJSON(ctx, "/api/v3/ticker/price?symbol="+url.QueryEscape(NormalizeSymbol(symbol)), &result)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch price %s: %w", symbol, err)
	}

	price, err := decimal.NewFromString(result.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: price %q", ErrBadResponse, result.Price)
	}
	return price, nil
}

func (c *BinanceClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return Permanent(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		// 4xx other than rate limiting will not improve on retry
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return Permanent(err)
		}
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return Permanent(fmt.Errorf("%w: %v", ErrBadResponse, err))
	}
	return nil
}

// parseKline decodes [openTime, open, high, low, close, volume, ...]
func parseKline(row []json.RawMessage) (types.Candle, error) {
	if len(row) < 6 {
		return types.Candle{}, fmt.Errorf("%w: kline has %d fields", ErrBadResponse, len(row))
	}

	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return types.Candle{}, fmt.Errorf("%w: open time: %v", ErrBadResponse, err)
	}

	var vals [5]decimal.Decimal
	for i := range vals {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return types.Candle{}, fmt.Errorf("%w: field %d: %v", ErrBadResponse, i+1, err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return types.Candle{}, fmt.Errorf("%w: field %d: %v", ErrBadResponse, i+1, err)
		}
		vals[i] = d
	}

	return types.Candle{
		Timestamp: time.UnixMilli(openTime).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}
