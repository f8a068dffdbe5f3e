package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/backtest"
	"github.com/web3guy0/signalbot/risk"
	"github.com/web3guy0/signalbot/strategy"
)

// Config holds all configuration for the bot
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Market data
	Symbols     []string // e.g. BTC/USDT,ETH/USDT
	Timeframe   string
	CandleLimit int
	ExchangeURL string

	// Mode
	DryRun   bool
	Debug    bool
	LogLevel string

	// Strategy
	Strategy string
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

	// Backtest / execution
	InitialCapital  decimal.Decimal
	TradeSize       decimal.Decimal
	FeesBps         decimal.Decimal
	SlippageBps     decimal.Decimal
	StopLossPct     decimal.Decimal // 0.02 = 2%
	TakeProfitRR    decimal.Decimal // reward:risk multiple of the stop distance
	TrailingStopPct decimal.Decimal
	MaxPositionPct  decimal.Decimal // 0 or >= 1 disables the cap

	// Position sizing (live)
	SizingMode      string
	SizingFraction  decimal.Decimal
	SizingFixedCash decimal.Decimal
	RiskPct         decimal.Decimal
	LotSize         decimal.Decimal
	QtyPrecision    int

	// Guardrails (live)
	MaxDrawdownPct decimal.Decimal
	DailyLossPct   decimal.Decimal
	LossLimit      int
	LossCooldown   time.Duration

	// Live loop
	LiveInterval time.Duration
	MetricsAddr  string // empty disables the metrics server

	// Database
	DatabasePath string
}

// Load reads .env (when present) and the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	cfg := &Config{
		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Market data
		Symbols:     getEnvList("SYMBOLS", []string{"BTC/USDT"}),
		Timeframe:   getEnv("TIMEFRAME", "1h"),
		CandleLimit: getEnvInt("CANDLE_LIMIT", 500),
		ExchangeURL: getEnv("BINANCE_API_URL", "https://api.binance.com"),

		// Mode
		DryRun:   getEnvBool("DRY_RUN", true),
		Debug:    getEnvBool("DEBUG", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Strategy
		Strategy:           getEnv("STRATEGY", "sma"),
		SMAShort:           getEnvInt("SMA_SHORT", 5),
		SMALong:            getEnvInt("SMA_LONG", 20),
		RSIPeriod:          getEnvInt("RSI_PERIOD", 14),
		RSILower:           getEnvFloat("RSI_LOWER", 30),
		RSIUpper:           getEnvFloat("RSI_UPPER", 70),
		MACDFast:           getEnvInt("MACD_FAST", 12),
		MACDSlow:           getEnvInt("MACD_SLOW", 26),
		MACDSignal:         getEnvInt("MACD_SIGNAL", 9),
		BBandsWindow:       getEnvInt("BBANDS_WINDOW", 20),
		BBandsStd:          getEnvFloat("BBANDS_STD", 2),
		ConfluenceMembers:  getEnvList("CONFLUENCE_MEMBERS", []string{"sma", "rsi", "macd"}),
		ConfluenceRequired: getEnvInt("CONFLUENCE_REQUIRED", 2),

		// Backtest / execution
		InitialCapital:  getEnvDecimal("INITIAL_CAPITAL", decimal.NewFromInt(10_000)),
		TradeSize:       getEnvDecimal("TRADE_SIZE", decimal.NewFromInt(1)),
		FeesBps:         getEnvDecimal("FEES_BPS", decimal.Zero),
		SlippageBps:     getEnvDecimal("SLIPPAGE_BPS", decimal.Zero),
		StopLossPct:     getEnvDecimal("STOP_LOSS_PCT", decimal.Zero),
		TakeProfitRR:    getEnvDecimal("TAKE_PROFIT_RR", decimal.Zero),
		TrailingStopPct: getEnvDecimal("TRAILING_STOP_PCT", decimal.Zero),
		MaxPositionPct:  getEnvDecimal("MAX_POSITION_PCT", decimal.Zero),

		// Position sizing
		SizingMode:      getEnv("POSITION_SIZING", string(risk.SizingFixedFraction)),
		SizingFraction:  getEnvDecimal("SIZING_FRACTION", decimal.NewFromFloat(0.10)),
		SizingFixedCash: getEnvDecimal("SIZING_FIXED_CASH", decimal.NewFromInt(100)),
		RiskPct:         getEnvDecimal("RISK_PCT", decimal.NewFromFloat(0.01)),
		LotSize:         getEnvDecimal("LOT_SIZE", decimal.Zero),
		QtyPrecision:    getEnvInt("QTY_PRECISION", -1),

		// Guardrails
		MaxDrawdownPct: getEnvDecimal("MAX_DRAWDOWN_PCT", decimal.NewFromFloat(0.20)),
		DailyLossPct:   getEnvDecimal("MAX_DAILY_LOSS_PCT", decimal.NewFromFloat(0.05)),
		LossLimit:      getEnvInt("LOSS_LIMIT", 3),
		LossCooldown:   getEnvDuration("LOSS_COOLDOWN", 30*time.Minute),

		// Live loop
		LiveInterval: getEnvDuration("LIVE_INTERVAL", time.Minute),
		MetricsAddr:  getEnv("METRICS_ADDR", ""),

		// Database
		DatabasePath: getEnv("DATABASE_PATH", "data/signals.db"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the simulator and broker cannot work with
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must list at least one symbol")
	}
	if !c.InitialCapital.IsPositive() {
		return fmt.Errorf("INITIAL_CAPITAL must be positive")
	}
	if !c.TradeSize.IsPositive() {
		return fmt.Errorf("TRADE_SIZE must be positive")
	}
	if c.FeesBps.IsNegative() || c.SlippageBps.IsNegative() {
		return fmt.Errorf("FEES_BPS and SLIPPAGE_BPS must be non-negative")
	}
	for name, v := range map[string]decimal.Decimal{
		"STOP_LOSS_PCT":      c.StopLossPct,
		"TRAILING_STOP_PCT":  c.TrailingStopPct,
		"TAKE_PROFIT_RR":     c.TakeProfitRR,
		"MAX_POSITION_PCT":   c.MaxPositionPct,
		"MAX_DRAWDOWN_PCT":   c.MaxDrawdownPct,
		"MAX_DAILY_LOSS_PCT": c.DailyLossPct,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%s must be non-negative", name)
		}
	}
	if c.StopLossPct.GreaterThanOrEqual(decimal.NewFromInt(1)) || c.TrailingStopPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("stop distances must be below 1 (100%%)")
	}
	if c.LiveInterval <= 0 {
		return fmt.Errorf("LIVE_INTERVAL must be positive")
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	return c.Sizing().Validate()
}

// StrategyDefaults returns the fallback indicator settings
func (c *Config) StrategyDefaults() strategy.Defaults {
	return strategy.Defaults{
		SMAShort:           c.SMAShort,
		SMALong:            c.SMALong,
		RSIPeriod:          c.RSIPeriod,
		RSILower:           c.RSILower,
		RSIUpper:           c.RSIUpper,
		MACDFast:           c.MACDFast,
		MACDSlow:           c.MACDSlow,
		MACDSignal:         c.MACDSignal,
		BBandsWindow:       c.BBandsWindow,
		BBandsStd:          c.BBandsStd,
		ConfluenceMembers:  c.ConfluenceMembers,
		ConfluenceRequired: c.ConfluenceRequired,
	}
}

// SimConfig returns simulator parameters for symbol
func (c *Config) SimConfig(symbol string) backtest.SimConfig {
	return backtest.SimConfig{
		Symbol:          symbol,
		InitialCapital:  c.InitialCapital,
		TradeSize:       c.TradeSize,
		FeesBps:         c.FeesBps,
		SlippageBps:     c.SlippageBps,
		StopLossPct:     c.StopLossPct,
		TakeProfitRR:    c.TakeProfitRR,
		TrailingStopPct: c.TrailingStopPct,
		MaxPositionPct:  c.MaxPositionPct,
	}
}

// Sizing returns the live position sizing configuration
func (c *Config) Sizing() risk.SizingConfig {
	return risk.SizingConfig{
		Mode:      risk.SizingMode(c.SizingMode),
		Fraction:  c.SizingFraction,
		FixedCash: c.SizingFixedCash,
		RiskPct:   c.RiskPct,
		LotSize:   c.LotSize,
		Precision: int32(c.QtyPrecision),
	}
}

// Guardrails returns the live guardrail configuration
func (c *Config) Guardrails() risk.GuardrailConfig {
	return risk.GuardrailConfig{
		MaxDrawdownPct: c.MaxDrawdownPct,
		DailyLossPct:   c.DailyLossPct,
		LossLimit:      c.LossLimit,
		Cooldown:       c.LossCooldown,
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
