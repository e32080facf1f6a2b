package engine

import (
	"sort"
	"strings"
	"sync"

	"scalpctl/internal/trader"
)

// Registry holds one machine per symbol. Symbols outside the universe get
// a machine on first use so reconcile can adopt them.
type Registry struct {
	mu       sync.RWMutex
	machines map[string]*trader.Machine
	factory  func(symbol string) *trader.Machine
}

func NewRegistry(factory func(symbol string) *trader.Machine) *Registry {
	return &Registry{machines: make(map[string]*trader.Machine), factory: factory}
}

// Machine returns the machine of symbol, creating it if needed.
func (r *Registry) Machine(symbol string) *trader.Machine {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil
	}
	r.mu.RLock()
	m, ok := r.machines[symbol]
	r.mu.RUnlock()
	if ok {
		return m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[symbol]; ok {
		return m
	}
	m = r.factory(symbol)
	r.machines[symbol] = m
	return m
}

func (r *Registry) Lookup(symbol string) (*trader.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[strings.ToUpper(strings.TrimSpace(symbol))]
	return m, ok
}

// All returns machines sorted by symbol.
func (r *Registry) All() []*trader.Machine {
	r.mu.RLock()
	out := make([]*trader.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol() < out[j].Symbol() })
	return out
}

// Positions snapshots every machine that is not idle.
func (r *Registry) Positions() []trader.Position {
	var out []trader.Position
	for _, m := range r.All() {
		p := m.Snapshot()
		if p.State == trader.StateIdle || p.State == trader.StateWatching {
			continue
		}
		out = append(out, p)
	}
	return out
}
