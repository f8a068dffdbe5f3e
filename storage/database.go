package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/signalbot/backtest"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Signal / trade / backtest-run persistence
// ═══════════════════════════════════════════════════════════════════════════════
//
// SQLite by default; a postgres:// URL switches to PostgreSQL.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// Models

// SignalRecord is one logged strategy signal
type SignalRecord struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time       `gorm:"index"`
	Action    string          `gorm:"size:8"`
	Price     decimal.Decimal `gorm:"type:decimal(24,8)"`
	Symbol    string          `gorm:"index"`
	Strategy  string          `gorm:"index"`
	Timeframe string
	CreatedAt time.Time
}

// HandledSignal marks a live signal as acted upon; the composite unique key
// makes the insert the dedup check
type HandledSignal struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Symbol    string    `gorm:"uniqueIndex:idx_handled_signal"`
	Strategy  string    `gorm:"uniqueIndex:idx_handled_signal"`
	Timeframe string    `gorm:"uniqueIndex:idx_handled_signal"`
	Timestamp time.Time `gorm:"uniqueIndex:idx_handled_signal"`
	Action    string    `gorm:"uniqueIndex:idx_handled_signal"`
	CreatedAt time.Time
}

// TradeRecord is an executed fill, from a backtest run or the live loop
type TradeRecord struct {
	ID         string              `gorm:"primaryKey"`
	RunID      string              `gorm:"index"` // empty for live fills
	Mode       string              `gorm:"index"` // "backtest", "paper"
	Symbol     string              `gorm:"index"`
	Strategy   string
	Side       string
	Qty        decimal.Decimal     `gorm:"type:decimal(24,8)"`
	Price      decimal.Decimal     `gorm:"type:decimal(24,8)"`
	Fee        decimal.Decimal     `gorm:"type:decimal(24,8)"`
	PnL        decimal.NullDecimal `gorm:"column:pnl;type:decimal(24,8)"`
	Reason     string
	Seq        int       // fill order within a run
	ExecutedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// BacktestRun is the summary row of one backtest
type BacktestRun struct {
	ID               string `gorm:"primaryKey"`
	Strategy         string `gorm:"index"`
	Symbol           string
	Source           string
	Params           string // JSON
	Candles          int
	Signals          int
	NetPnL           decimal.Decimal `gorm:"column:net_pnl;type:decimal(24,8)"`
	WinRate          decimal.Decimal `gorm:"type:decimal(10,4)"`
	MaxDrawdown      decimal.Decimal `gorm:"type:decimal(10,4)"`
	FinalPositionQty decimal.Decimal `gorm:"type:decimal(24,8)"`
	Cash             decimal.Decimal `gorm:"type:decimal(24,8)"`
	TotalTrades      int
	WinningTrades    int
	StartedAt        time.Time
	DurationMs       int64
	CreatedAt        time.Time
}

// SignalFilter narrows GetSignals; zero values match everything
type SignalFilter struct {
	Symbol   string
	Strategy string
	Limit    int
}

func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", dbPath).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&SignalRecord{}, &HandledSignal{}, &TradeRecord{}, &BacktestRun{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Database{db: db}, nil
}

// Close releases the underlying connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============ SIGNALS ============

// LogSignals stores signals for symbol/timeframe in one batch
func (d *Database) LogSignals(ctx context.Context, symbol, timeframe string, signals []types.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	rows := make([]SignalRecord, len(signals))
	for i, s := range signals {
		rows[i] = SignalRecord{
			Timestamp: s.Timestamp.UTC(),
			Action:    string(s.Action),
			Price:     s.Price,
			Symbol:    symbol,
			Strategy:  s.Strategy,
			Timeframe: timeframe,
		}
	}
	return d.db.WithContext(ctx).Create(&rows).Error
}

// GetSignals returns logged signals, newest first
func (d *Database) GetSignals(ctx context.Context, f SignalFilter) ([]SignalRecord, error) {
	q := d.db.WithContext(ctx).Model(&SignalRecord{})
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Strategy != "" {
		q = q.Where("strategy = ?", f.Strategy)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []SignalRecord
	err := q.Order("timestamp DESC").Order("id DESC").Find(&out).Error
	return out, err
}

// MarkSignalHandled records a signal as acted upon. It returns false when the
// same signal was already handled.
func (d *Database) MarkSignalHandled(ctx context.Context, symbol, strategy, timeframe string, ts time.Time, action types.Action) (bool, error) {
	row := HandledSignal{
		Symbol:    symbol,
		Strategy:  strategy,
		Timeframe: timeframe,
		Timestamp: ts.UTC(),
		Action:    string(action),
	}
	res := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ============ TRADES ============

// SaveTrade stores a fill, assigning an ID when missing
func (d *Database) SaveTrade(ctx context.Context, trade *TradeRecord) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	return d.db.WithContext(ctx).Create(trade).Error
}

// RecentTrades returns the latest fills, newest first
func (d *Database) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	var trades []TradeRecord
	err := d.db.WithContext(ctx).Order("executed_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// TotalRealizedPnL sums the P&L of closing fills
func (d *Database) TotalRealizedPnL(ctx context.Context) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := d.db.WithContext(ctx).Model(&TradeRecord{}).
		Select("COALESCE(SUM(pnl), 0) as total").
		Where("pnl IS NOT NULL").
		Scan(&result).Error
	return result.Total, err
}

// ============ BACKTEST RUNS ============

// SaveBacktestRun stores the run summary and its fills in one transaction
func (d *Database) SaveBacktestRun(ctx context.Context, r *backtest.Report) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	run := BacktestRun{
		ID:               r.ID,
		Strategy:         r.Strategy,
		Symbol:           r.Symbol,
		Source:           r.Source,
		Params:           string(params),
		Candles:          r.Candles,
		Signals:          len(r.Signals),
		NetPnL:           r.Stats.NetPnL,
		WinRate:          r.Stats.WinRate,
		MaxDrawdown:      r.Stats.MaxDrawdown,
		FinalPositionQty: r.Stats.FinalPositionQty,
		Cash:             r.Stats.Cash,
		TotalTrades:      r.Stats.TotalTrades,
		WinningTrades:    r.Stats.WinningTrades,
		StartedAt:        r.StartedAt,
		DurationMs:       r.Duration.Milliseconds(),
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		if len(r.Trades) == 0 {
			return nil
		}
		rows := make([]TradeRecord, len(r.Trades))
		for i, t := range r.Trades {
			rows[i] = TradeRecord{
				ID:         uuid.NewString(),
				RunID:      run.ID,
				Mode:       "backtest",
				Symbol:     r.Symbol,
				Strategy:   r.Strategy,
				Side:       string(t.Side),
				Qty:        t.Qty,
				Price:      t.Price,
				Fee:        t.Fee,
				PnL:        t.PnL,
				Reason:     t.Reason,
				Seq:        i,
				ExecutedAt: t.Timestamp,
			}
		}
		return tx.Create(&rows).Error
	})
}

// GetBacktestRuns returns recent runs, newest first
func (d *Database) GetBacktestRuns(ctx context.Context, limit int) ([]BacktestRun, error) {
	var runs []BacktestRun
	err := d.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

// RunTrades returns the fills of one backtest run in execution order
func (d *Database) RunTrades(ctx context.Context, runID string) ([]TradeRecord, error) {
	var trades []TradeRecord
	err := d.db.WithContext(ctx).Where("run_id = ?", runID).Order("executed_at ASC").Order("seq ASC").Find(&trades).Error
	return trades, err
}
