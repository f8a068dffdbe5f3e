package core

import (
	"sync"
	"time"

	"github.com/web3guy0/signalbot/feeds"
	"github.com/web3guy0/signalbot/risk"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SYMBOLS - Per-symbol live state
// ═══════════════════════════════════════════════════════════════════════════════

// symbolState is owned by the engine loop; only the last bar is read elsewhere
type symbolState struct {
	Display string // as configured, e.g. BTC/USDT
	Symbol  string // exchange form, e.g. BTCUSDT
	exits   *risk.ExitManager
	lastBar time.Time
}

// Symbols maps configured pairs to their state
type Symbols struct {
	mu    sync.RWMutex
	order []string
	byKey map[string]*symbolState
}

// NewSymbols normalises and de-duplicates the configured pairs
func NewSymbols(pairs []string, exitCfg risk.ExitConfig) *Symbols {
	s := &Symbols{byKey: make(map[string]*symbolState)}
	for _, p := range pairs {
		sym := feeds.NormalizeSymbol(p)
		if sym == "" {
			continue
		}
		if _, dup := s.byKey[sym]; dup {
			continue
		}
		s.order = append(s.order, sym)
		s.byKey[sym] = &symbolState{
			Display: p,
			Symbol:  sym,
			exits:   risk.NewExitManager(exitCfg),
		}
	}
	return s
}

// List returns exchange symbols in configuration order
func (s *Symbols) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *Symbols) get(sym string) *symbolState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byKey[sym]
}

// LastBar returns the newest closed bar processed for sym
func (s *Symbols) LastBar(sym string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.byKey[sym]; ok {
		return st.lastBar
	}
	return time.Time{}
}

func (s *Symbols) setLastBar(sym string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.byKey[sym]; ok {
		st.lastBar = ts
	}
}
