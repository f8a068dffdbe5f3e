package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"github.com/web3guy0/signalbot/bot"
)

// ═══════════════════════════════════════════════════════════════════════════
// TERMINAL DASHBOARD - live engine status
// ═══════════════════════════════════════════════════════════════════════════
//
// Redraws the whole frame from the engine's Status on every tick. Log lines
// arrive through Writer() so zerolog output lands in the activity panel
// instead of scrolling the screen.

const (
	homeCursor  = "\033[H"
	clearScreen = "\033[2J"
	hideCursor  = "\033[?25l"
	showCursor  = "\033[?25h"
	clearLine   = "\033[K"

	reset    = "\033[0m"
	bold     = "\033[1m"
	dim      = "\033[2m"
	fgRed    = "\033[31m"
	fgGreen  = "\033[32m"
	fgYellow = "\033[33m"
	fgCyan   = "\033[36m"

	maxLogs      = 50
	minWidth     = 60
	defaultWidth = 100
)

// Dashboard renders engine state to a terminal
type Dashboard struct {
	mu sync.Mutex

	stats bot.StatsProvider
	out   io.Writer
	fd    int

	started time.Time
	logs    []string
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a dashboard that draws to stdout
func New(stats bot.StatsProvider) *Dashboard {
	return &Dashboard{
		stats:   stats,
		out:     os.Stdout,
		fd:      int(os.Stdout.Fd()),
		started: time.Now(),
		logs:    make([]string, 0, maxLogs),
	}
}

// Start begins redrawing every refresh until ctx ends or Stop is called
func (d *Dashboard) Start(ctx context.Context, refresh time.Duration) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.done = make(chan struct{})
	d.mu.Unlock()

	fmt.Fprint(d.out, hideCursor+clearScreen)

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()

		lastWidth := 0
		for {
			width := d.width()
			if width != lastWidth {
				fmt.Fprint(d.out, clearScreen)
				lastWidth = width
			}
			fmt.Fprint(d.out, d.Render(width))

			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts the render loop and restores the cursor
func (d *Dashboard) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	done := d.done
	d.mu.Unlock()

	<-done
	fmt.Fprint(d.out, showCursor+reset+"\n")
}

func (d *Dashboard) width() int {
	width, _, err := term.GetSize(d.fd)
	if err != nil || width <= 0 {
		return defaultWidth
	}
	if width < minWidth {
		return minWidth
	}
	return width
}

// Render builds one full frame for a terminal of the given width
func (d *Dashboard) Render(width int) string {
	if width < minWidth {
		width = minWidth
	}
	s := d.stats.Status()
	trades, _ := d.stats.RecentTrades(context.Background(), 5)

	var buf strings.Builder
	buf.WriteString(homeCursor)

	// Header
	mode := strings.ToUpper(s.Mode)
	state := fgGreen + "RUNNING" + reset
	switch {
	case s.Halted:
		state = fgRed + "HALTED" + reset
	case s.Paused:
		state = fgYellow + "PAUSED" + reset
	}
	d.line(&buf, width, fmt.Sprintf("%s📈 SIGNALBOT%s  %s  %s  %s  up %s",
		bold+fgCyan, reset, mode, s.Strategy, state, formatDuration(time.Since(d.started))))
	d.rule(&buf, width)

	// Account
	winRate := 0.0
	if s.Trades > 0 {
		winRate = float64(s.Wins) / float64(s.Trades) * 100
	}
	d.line(&buf, width, fmt.Sprintf("Equity %s   Cash %s   P&L %s   Trades %d   Win %.1f%%",
		bold+"$"+s.Equity.StringFixed(2)+reset,
		"$"+s.Cash.StringFixed(2),
		colorPnL(s.RealizedPnL),
		s.Trades, winRate))
	d.rule(&buf, width)

	// Positions
	d.line(&buf, width, bold+"POSITIONS"+reset)
	if len(s.Positions) == 0 {
		d.line(&buf, width, dim+"  (flat)"+reset)
	}
	for _, p := range s.Positions {
		unrealized := p.Last.Sub(p.AvgCost).Mul(p.Qty)
		d.line(&buf, width, fmt.Sprintf("  %-10s qty %-12s avg %-12s last %-12s %s",
			p.Symbol, p.Qty.String(), p.AvgCost.StringFixed(2), p.Last.StringFixed(2), colorPnL(unrealized)))
	}
	d.rule(&buf, width)

	// Trades
	d.line(&buf, width, bold+"RECENT TRADES"+reset)
	if len(trades) == 0 {
		d.line(&buf, width, dim+"  (none)"+reset)
	}
	for _, t := range trades {
		pnl := ""
		if t.PnL.Valid {
			pnl = colorPnL(t.PnL.Decimal)
		}
		d.line(&buf, width, fmt.Sprintf("  %s %-10s %-4s %-12s @ %-12s %-14s %s",
			t.Time.UTC().Format("01-02 15:04"), t.Symbol, strings.ToUpper(t.Side),
			t.Qty.String(), t.Price.StringFixed(2), t.Reason, pnl))
	}
	d.rule(&buf, width)

	// Activity
	d.line(&buf, width, bold+"ACTIVITY"+reset)
	d.mu.Lock()
	logs := d.logs
	if len(logs) > 8 {
		logs = logs[len(logs)-8:]
	}
	for _, l := range logs {
		d.line(&buf, width, "  "+l)
	}
	d.mu.Unlock()

	return buf.String()
}

func (d *Dashboard) line(buf *strings.Builder, width int, text string) {
	buf.WriteString(truncateAnsi(text, width))
	buf.WriteString(clearLine + "\n")
}

func (d *Dashboard) rule(buf *strings.Builder, width int) {
	buf.WriteString(dim + strings.Repeat("═", width) + reset + clearLine + "\n")
}

// AddLog appends a line to the activity panel
func (d *Dashboard) AddLog(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	line := time.Now().Format("15:04:05") + " " + msg
	if len(d.logs) >= maxLogs {
		d.logs = append(d.logs[:0], d.logs[1:]...)
	}
	d.logs = append(d.logs, line)
}

// Writer returns an io.Writer that feeds zerolog JSON into the activity panel
func (d *Dashboard) Writer() io.Writer {
	return logWriter{dash: d}
}

type logWriter struct {
	dash *Dashboard
}

func (w logWriter) Write(p []byte) (int, error) {
	if msg := formatLogLine(strings.TrimSpace(string(p))); msg != "" {
		w.dash.AddLog(msg)
	}
	return len(p), nil
}

// formatLogLine keeps the message plus symbol/reason fields; debug is dropped
func formatLogLine(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "{") {
		return raw
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return raw
	}
	if level, _ := data["level"].(string); level == "debug" || level == "trace" {
		return ""
	}

	message, _ := data["message"].(string)
	var sb strings.Builder
	sb.WriteString(message)
	for _, key := range []string{"symbol", "reason", "error"} {
		if v, ok := data[key].(string); ok && v != "" && !strings.Contains(message, v) {
			sb.WriteString(" [" + v + "]")
		}
	}
	return sb.String()
}

func colorPnL(v decimal.Decimal) string {
	switch {
	case v.IsPositive():
		return fgGreen + "+$" + v.StringFixed(2) + reset
	case v.IsNegative():
		return fgRed + "-$" + v.Abs().StringFixed(2) + reset
	}
	return "$" + v.StringFixed(2)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// truncateAnsi cuts s to maxLen visible runes, keeping escape sequences intact
func truncateAnsi(s string, maxLen int) string {
	var out strings.Builder
	visible := 0
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\033':
			inEscape = true
			out.WriteRune(r)
		case inEscape:
			out.WriteRune(r)
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
		default:
			if visible >= maxLen {
				continue
			}
			out.WriteRune(r)
			visible++
		}
	}
	if visible >= maxLen {
		out.WriteString(reset)
	}
	return out.String()
}
