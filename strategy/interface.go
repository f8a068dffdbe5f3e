package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY INTERFACE - Plug-in pattern for strategies
// ═══════════════════════════════════════════════════════════════════════════════
//
// All strategies implement this interface:
//   Generate(candles, params) -> []Signal
//
// Strategies are registered by name in a Registry together with Metadata
// whose Defaults are merged into caller params (explicit params always win).
// Strategies ignore params they do not recognise.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrUnknownStrategy is returned when a name is not registered
var ErrUnknownStrategy = errors.New("unknown strategy")

// Strategy is the interface all signal strategies must implement
type Strategy interface {
	// Name returns the strategy identifier
	Name() string

	// Generate returns chronologically non-decreasing signals for candles.
	// Empty or too-short input yields no signals and no error.
	Generate(candles []types.Candle, params Params) ([]types.Signal, error)
}

// Metadata describes a registered strategy
type Metadata struct {
	Description string
	Defaults    Params
}

type entry struct {
	strategy Strategy
	meta     Metadata
}

// Registry maps strategy names to implementations
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces a strategy under its Name()
func (r *Registry) Register(s Strategy, meta Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[s.Name()] = entry{strategy: s, meta: meta}
}

// Lookup returns the strategy and metadata registered under name
func (r *Registry) Lookup(name string) (Strategy, Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, Metadata{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return e.strategy, e.meta, nil
}

// Names returns registered strategy names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
