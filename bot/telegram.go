package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - Signal / trade alerts and bot control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   📊 Signal alerts
//   💰 Trade + protective exit notifications
//   🚨 Guardrail halts
//   🎛️ Commands (/status, /stats, /trades, /pause, /resume)
//
// Without credentials the notifier is a silent no-op.
//
// ═══════════════════════════════════════════════════════════════════════════════

// sender is the subset of the Bot API used for outgoing messages
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// StatsProvider feeds the /status, /stats and /trades commands
type StatsProvider interface {
	Status() Status
	RecentTrades(ctx context.Context, limit int) ([]TradeInfo, error)
}

// Status is a snapshot of the live loop
type Status struct {
	Mode        string
	Strategy    string
	Symbols     []string
	Paused      bool
	Halted      bool
	Equity      decimal.Decimal
	Cash        decimal.Decimal
	RealizedPnL decimal.Decimal
	Trades      int
	Wins        int
	Positions   []PositionInfo
}

// PositionInfo represents a position for display
type PositionInfo struct {
	Symbol  string
	Qty     decimal.Decimal
	AvgCost decimal.Decimal
	Last    decimal.Decimal
}

// TradeInfo represents a fill for display
type TradeInfo struct {
	Time   time.Time
	Symbol string
	Side   string
	Qty    decimal.Decimal
	Price  decimal.Decimal
	PnL    decimal.NullDecimal
	Reason string
}

// Notifier manages the Telegram interface
type Notifier struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI // nil when disabled or in tests
	out     sender
	chatID  int64
	running bool
	stopCh  chan struct{}

	stats StatsProvider

	// Control callbacks
	onPause  func()
	onResume func()
}

// NewNotifier connects to Telegram. An empty token yields a disabled notifier.
func NewNotifier(token string, chatID int64) (*Notifier, error) {
	if token == "" {
		log.Debug().Msg("Telegram disabled (no TELEGRAM_BOT_TOKEN)")
		return &Notifier{}, nil
	}
	if chatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return &Notifier{api: api, out: api, chatID: chatID, stopCh: make(chan struct{})}, nil
}

func newWithSender(out sender, chatID int64) *Notifier {
	return &Notifier{out: out, chatID: chatID, stopCh: make(chan struct{})}
}

// Enabled reports whether messages are delivered
func (n *Notifier) Enabled() bool {
	return n != nil && n.out != nil
}

// SetStatsProvider wires the command handlers to the live loop
func (n *Notifier) SetStatsProvider(p StatsProvider) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats = p
}

// SetControlCallbacks sets pause/resume handlers
func (n *Notifier) SetControlCallbacks(onPause, onResume func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onPause = onPause
	n.onResume = onResume
}

// Start begins listening for commands
func (n *Notifier) Start() {
	if n.api == nil {
		return
	}
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()

	go n.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the command loop
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return
	}
	n.running = false
	close(n.stopCh)
	if n.api != nil {
		n.api.StopReceivingUpdates()
	}
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Send delivers a Markdown message; a no-op when disabled
func (n *Notifier) Send(ctx context.Context, text string) error {
	if !n.Enabled() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.out.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// NotifySignal sends a signal alert
func (n *Notifier) NotifySignal(ctx context.Context, symbol string, sig types.Signal) {
	n.deliver(ctx, FormatSignal(symbol, sig))
}

// NotifyTrade sends a trade execution alert
func (n *Notifier) NotifyTrade(ctx context.Context, t TradeInfo) {
	n.deliver(ctx, FormatTrade(t))
}

// NotifyHalt sends a guardrail alert
func (n *Notifier) NotifyHalt(ctx context.Context, symbol, reason string) {
	n.deliver(ctx, fmt.Sprintf("🚨 *TRADING HALTED*\n\n📊 %s\n📝 %s", symbol, reason))
}

// NotifyError sends an error alert
func (n *Notifier) NotifyError(ctx context.Context, err error) {
	n.deliver(ctx, fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error()))
}

// NotifyStartup sends startup notification
func (n *Notifier) NotifyStartup(ctx context.Context, mode, strategyName string, symbols []string, interval time.Duration) {
	msg := fmt.Sprintf(`🚀 *SIGNALBOT STARTED*
━━━━━━━━━━━━━━━━━━━━

🎯 Strategy: *%s*
📊 Mode: *%s*
🪙 Symbols: *%s*
⏱️ Interval: *%s*

━━━━━━━━━━━━━━━━━━━━
Use /help for commands`, strategyName, mode, strings.Join(symbols, ", "), interval)
	n.deliver(ctx, msg)
}

func (n *Notifier) deliver(ctx context.Context, text string) {
	if err := n.Send(ctx, text); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

// FormatSignal renders a signal alert
func FormatSignal(symbol string, sig types.Signal) string {
	emoji := "🟢"
	if sig.Action == types.ActionSell {
		emoji = "🔴"
	}
	return fmt.Sprintf(`%s *SIGNAL*

📊 *%s* — %s
💵 Price: *%s*
🧠 Strategy: %s
🕐 %s`,
		emoji,
		symbol, strings.ToUpper(string(sig.Action)),
		sig.Price.StringFixed(2),
		sig.Strategy,
		sig.Timestamp.UTC().Format("2006-01-02 15:04"),
	)
}

// FormatTrade renders a fill, with P&L for closing fills
func FormatTrade(t TradeInfo) string {
	var emoji string
	switch t.Reason {
	case "TAKE_PROFIT":
		emoji = "💰"
	case "STOP_LOSS":
		emoji = "🛑"
	case "TRAILING_STOP":
		emoji = "📉"
	default:
		emoji = "✅"
	}

	msg := fmt.Sprintf(`%s *%s %s*

📊 %s
💵 Price: *%s*
📦 Qty: *%s*`,
		emoji, strings.ToUpper(t.Side), t.Reason,
		t.Symbol,
		t.Price.StringFixed(2),
		t.Qty.String(),
	)
	if t.PnL.Valid {
		sign := "+"
		if t.PnL.Decimal.IsNegative() {
			sign = ""
		}
		msg += fmt.Sprintf("\n💵 P&L: *%s$%s*", sign, t.PnL.Decimal.StringFixed(2))
	}
	return msg
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (n *Notifier) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case <-n.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != n.chatID {
				continue
			}

			n.handleCommand(update.Message.Command())
		}
	}
}

func (n *Notifier) handleCommand(cmd string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch strings.ToLower(cmd) {
	case "start", "help":
		n.deliver(ctx, helpText)
	case "status":
		n.cmdStatus(ctx)
	case "stats":
		n.cmdStats(ctx)
	case "trades":
		n.cmdTrades(ctx)
	case "pause":
		n.cmdControl(ctx, true)
	case "resume":
		n.cmdControl(ctx, false)
	case "ping":
		n.deliver(ctx, "🏓 Pong!")
	default:
		n.deliver(ctx, "❓ Unknown command. Use /help")
	}
}

const helpText = `🤖 *SIGNALBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Mode, equity, positions
📈 /stats — Trade statistics
📜 /trades — Recent fills
⏸️ /pause — Stop opening positions
▶️ /resume — Resume trading
🏓 /ping — Health check`

func (n *Notifier) provider() StatsProvider {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

func (n *Notifier) cmdStatus(ctx context.Context) {
	p := n.provider()
	if p == nil {
		n.deliver(ctx, "📊 No live session")
		return
	}
	s := p.Status()

	state := "▶️ Running"
	switch {
	case s.Halted:
		state = "🚨 Halted"
	case s.Paused:
		state = "⏸️ Paused"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 *STATUS* — %s\n━━━━━━━━━━━━━━━━━━━━\n\n", state)
	fmt.Fprintf(&b, "🎯 Strategy: *%s* (%s)\n", s.Strategy, s.Mode)
	fmt.Fprintf(&b, "💰 Equity: *$%s*\n💵 Cash: *$%s*\n", s.Equity.StringFixed(2), s.Cash.StringFixed(2))
	if len(s.Positions) == 0 {
		b.WriteString("\n📭 No open positions")
	}
	for _, p := range s.Positions {
		fmt.Fprintf(&b, "\n• %s %s @ %s (last %s)", p.Symbol, p.Qty.String(), p.AvgCost.StringFixed(2), p.Last.StringFixed(2))
	}
	n.deliver(ctx, b.String())
}

func (n *Notifier) cmdStats(ctx context.Context) {
	p := n.provider()
	if p == nil {
		n.deliver(ctx, "📈 No live session")
		return
	}
	s := p.Status()
	winRate := 0.0
	if s.Trades > 0 {
		winRate = float64(s.Wins) / float64(s.Trades) * 100
	}
	n.deliver(ctx, fmt.Sprintf(`📈 *STATS*
━━━━━━━━━━━━━━━━━━━━

📊 Trades: *%d*
✅ Wins: *%d*
📈 Win Rate: *%.1f%%*
💵 Realized P&L: *$%s*`,
		s.Trades, s.Wins, winRate, s.RealizedPnL.StringFixed(2)))
}

func (n *Notifier) cmdTrades(ctx context.Context) {
	p := n.provider()
	if p == nil {
		n.deliver(ctx, "📜 No live session")
		return
	}
	trades, err := p.RecentTrades(ctx, 10)
	if err != nil {
		n.deliver(ctx, "⚠️ Failed to load trades")
		return
	}
	if len(trades) == 0 {
		n.deliver(ctx, "📜 No trades yet")
		return
	}

	var b strings.Builder
	b.WriteString("📜 *RECENT TRADES*\n━━━━━━━━━━━━━━━━━━━━\n")
	for _, t := range trades {
		pnl := ""
		if t.PnL.Valid {
			pnl = " | P&L " + t.PnL.Decimal.StringFixed(2)
		}
		fmt.Fprintf(&b, "\n%s %s %s %s @ %s%s",
			t.Time.UTC().Format("01-02 15:04"), strings.ToUpper(t.Side), t.Symbol, t.Qty.String(), t.Price.StringFixed(2), pnl)
	}
	n.deliver(ctx, b.String())
}

func (n *Notifier) cmdControl(ctx context.Context, pause bool) {
	n.mu.RLock()
	cb := n.onResume
	if pause {
		cb = n.onPause
	}
	n.mu.RUnlock()

	if cb != nil {
		cb()
	}

	if pause {
		n.deliver(ctx, "⏸️ Trading paused")
		log.Info().Msg("Trading paused via Telegram")
		return
	}
	n.deliver(ctx, "▶️ Trading resumed")
	log.Info().Msg("Trading resumed via Telegram")
}
