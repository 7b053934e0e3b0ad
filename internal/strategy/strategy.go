// Package strategy holds the pure signal strategies. A strategy is a function
// of a candle window only: no I/O, no mutation, same output for the same
// input. The bot engine consumes strategies by registry name.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"binance-bot-fleet/internal/errs"
	"binance-bot-fleet/internal/exchange"
)

// Signal is the strategy verdict for the latest bar.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Analysis is the full output of one strategy evaluation.
type Analysis struct {
	Signal     Signal             `json:"signal"`
	Confidence float64            `json:"confidence"` // [0,1]
	Reason     string             `json:"reason"`
	Indicators map[string]float64 `json:"indicators"`
}

// Params are per-bot overridable strategy parameters.
type Params map[string]float64

// Get returns the parameter value, falling back to def when absent.
func (p Params) Get(key string, def float64) float64 {
	if p != nil {
		if v, ok := p[key]; ok {
			return v
		}
	}
	return def
}

// AnalyzeFunc evaluates a candle window. The window is ordered ascending by
// time and is at least MinWindow candles long when called via the registry.
type AnalyzeFunc func(window []exchange.Kline, params Params) (*Analysis, error)

// Strategy is a named, registered analyzer.
type Strategy struct {
	Name      string
	MinWindow int
	Analyze   AnalyzeFunc
}

// Registry maps strategy names to implementations.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]*Strategy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]*Strategy)}
}

// DefaultRegistry returns a registry with all built-in strategies installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(MACrossover())
	r.Register(RSI())
	r.Register(MACD())
	r.Register(BollingerBands())
	r.Register(Combined())
	r.Register(Grid())
	return r
}

// Register adds or replaces a strategy.
func (r *Registry) Register(s *Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name] = s
}

// Get returns a strategy by name.
func (r *Registry) Get(name string) (*Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q not registered", name)
	}
	return s, nil
}

// Names returns registered strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Analyze looks up a strategy and evaluates it, enforcing the minimum window.
func (r *Registry) Analyze(name string, window []exchange.Kline, params Params) (*Analysis, error) {
	s, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if len(window) < s.MinWindow {
		return nil, errs.Newf(errs.KindStrategyInput,
			"strategy %s needs %d candles, got %d", name, s.MinWindow, len(window))
	}
	analysis, err := s.Analyze(window, params)
	if err != nil {
		return nil, err
	}
	analysis.Confidence = clamp01(analysis.Confidence)
	return analysis, nil
}

func hold(reason string, indicators map[string]float64) *Analysis {
	return &Analysis{Signal: SignalHold, Confidence: 0, Reason: reason, Indicators: indicators}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
