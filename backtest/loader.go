package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/types"
)

// ErrInvalidData is wrapped by every CSV validation failure
var ErrInvalidData = errors.New("invalid OHLCV data")

// RequiredColumns must all be present in the CSV header; others are ignored
var RequiredColumns = []string{"timestamp", "open", "high", "low", "close", "volume"}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02",
}

// LoadCSV reads and validates an OHLCV file
func LoadCSV(path string) ([]types.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	candles, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debug().Str("path", path).Int("rows", len(candles)).Msg("Loaded candles")
	return candles, nil
}

// ReadCSV parses OHLCV rows. The header must carry every required column,
// there must be at least one row and timestamps must strictly increase.
func ReadCSV(r io.Reader) ([]types.Candle, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidData)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidData, err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	cols := make([]int, len(RequiredColumns))
	for i, name := range RequiredColumns {
		pos, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing required column %q", ErrInvalidData, name)
		}
		cols[i] = pos
	}

	var candles []types.Candle
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidData, line, err)
		}

		c, err := parseRow(record, cols)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidData, line, err)
		}
		if n := len(candles); n > 0 && !c.Timestamp.After(candles[n-1].Timestamp) {
			return nil, fmt.Errorf("%w: line %d: timestamps must be strictly increasing", ErrInvalidData, line)
		}
		candles = append(candles, c)
	}

	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrInvalidData)
	}
	return candles, nil
}

func parseRow(record []string, cols []int) (types.Candle, error) {
	field := func(i int) string { return strings.TrimSpace(record[cols[i]]) }

	ts, err := ParseTimestamp(field(0))
	if err != nil {
		return types.Candle{}, err
	}

	var vals [5]decimal.Decimal
	for i := range vals {
		raw := field(i + 1)
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return types.Candle{}, fmt.Errorf("column %s: bad number %q", RequiredColumns[i+1], raw)
		}
		vals[i] = v
	}

	return types.Candle{
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

// ParseTimestamp accepts RFC3339, "2006-01-02 15:04:05" (UTC) or unix
// seconds / milliseconds
func ParseTimestamp(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// 1e11 seconds is year 5138, anything larger is milliseconds
		if n > 100_000_000_000 || n < -100_000_000_000 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
