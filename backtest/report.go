package backtest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"time"

	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ARTIFACTS - Equity CSV, stats JSON, trades CSV, SVG chart
// ═══════════════════════════════════════════════════════════════════════════════

// WriteEquityCSV writes one timestamp,equity row per bar
func WriteEquityCSV(path string, curve []types.EquityPoint) error {
	rows := make([][]string, 0, len(curve)+1)
	rows = append(rows, []string{"timestamp", "equity"})
	for _, p := range curve {
		rows = append(rows, []string{p.Timestamp.Format(time.RFC3339), p.Equity.String()})
	}
	return writeCSV(path, rows)
}

// WriteTradesCSV writes the executed fills
func WriteTradesCSV(path string, trades []Trade) error {
	rows := make([][]string, 0, len(trades)+1)
	rows = append(rows, []string{"timestamp", "side", "qty", "price", "fee", "pnl", "reason"})
	for _, t := range trades {
		pnl := ""
		if t.PnL.Valid {
			pnl = t.PnL.Decimal.String()
		}
		rows = append(rows, []string{
			t.Timestamp.Format(time.RFC3339),
			string(t.Side),
			t.Qty.String(),
			t.Price.String(),
			t.Fee.String(),
			pnl,
			t.Reason,
		})
	}
	return writeCSV(path, rows)
}

// WriteStatsJSON writes stats as an indented JSON object
func WriteStatsJSON(path string, stats Stats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

// WriteEquitySVG renders the equity curve with buy/sell markers
func WriteEquitySVG(path string, curve []types.EquityPoint, trades []Trade, title string) error {
	if len(curve) == 0 {
		return fmt.Errorf("empty equity curve")
	}
	return writeFile(path, EquitySVG(900, 300, curve, trades, title))
}

// EquitySVG is a minimal single-line SVG chart
func EquitySVG(w, h int, curve []types.EquityPoint, trades []Trade, title string) []byte {
	if w <= 0 {
		w = 900
	}
	if h <= 0 {
		h = 300
	}
	plotW, plotH := float64(w-80), float64(h-60)

	minX := float64(curve[0].Timestamp.Unix())
	maxX := float64(curve[len(curve)-1].Timestamp.Unix())
	minY, maxY := curve[0].Equity.InexactFloat64(), curve[0].Equity.InexactFloat64()
	for _, p := range curve {
		v := p.Equity.InexactFloat64()
		if v < minY {
			minY = v
		}
		if v > maxY {
			maxY = v
		}
	}
	sx := plotW / (maxX - minX + 1e-9)
	sy := plotH / (maxY - minY + 1e-9)
	project := func(ts time.Time, v float64) (float64, float64) {
		return (float64(ts.Unix()) - minX) * sx, plotH - (v-minY)*sy
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "<svg xmlns='http://www.w3.org/2000/svg' width='%d' height='%d' viewBox='0 0 %d %d'>", w, h, w, h)
	b.WriteString("<rect width='100%' height='100%' fill='#0b0f17'/>")
	b.WriteString("<g transform='translate(40,20)'>")
	fmt.Fprintf(&b, "<line x1='0' y1='0' x2='0' y2='%.0f' stroke='#1f2837'/>", plotH)
	fmt.Fprintf(&b, "<line x1='0' y1='%.0f' x2='%.0f' y2='%.0f' stroke='#1f2837'/>", plotH, plotW, plotH)

	b.WriteString("<polyline fill='none' stroke='#59a6ff' stroke-width='1.5' points='")
	for i, p := range curve {
		x, y := project(p.Timestamp, p.Equity.InexactFloat64())
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%.2f,%.2f", x, y)
	}
	b.WriteString("'/>")

	// Markers sit on the equity line at the fill's bar
	byTime := make(map[int64]float64, len(curve))
	for _, p := range curve {
		byTime[p.Timestamp.Unix()] = p.Equity.InexactFloat64()
	}
	for _, t := range trades {
		v, ok := byTime[t.Timestamp.Unix()]
		if !ok {
			continue
		}
		x, y := project(t.Timestamp, v)
		color := "#8bff9b"
		if t.Side == types.ActionSell {
			color = "#ff7a7a"
		}
		fmt.Fprintf(&b, "<circle cx='%.2f' cy='%.2f' r='3' fill='%s'/>", x, y, color)
	}
	b.WriteString("</g>")
	fmt.Fprintf(&b, "<text x='16' y='18' fill='#e6edf3' font-family='Inter' font-size='14'>%s</text>", html.EscapeString(title))
	b.WriteString("</svg>")
	return b.Bytes()
}

func writeCSV(path string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}
	return writeFile(path, buf.Bytes())
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
