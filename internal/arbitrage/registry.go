package arbitrage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// Registry holds strategies keyed by the pair kind they evaluate.
type Registry struct {
	strategies map[domain.PairKind]Strategy
	mu         sync.RWMutex
}

// NewRegistry returns an empty registry. Call Register to add strategies.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[domain.PairKind]Strategy)}
}

// DefaultRegistry returns a registry with the basis and funding-spread
// strategies registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(domain.PairKindBasis, NewBasis())
	r.Register(domain.PairKindFundingSpread, NewFundingSpread())
	return r
}

// Register adds a strategy for the given pair kind.
func (r *Registry) Register(kind domain.PairKind, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[kind] = s
}

// Get returns the strategy for kind, or an error if none is registered.
func (r *Registry) Get(kind domain.PairKind) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("arbitrage: no strategy for pair kind %q", kind)
	}
	return s, nil
}

// List returns all registered pair kinds, sorted.
func (r *Registry) List() []domain.PairKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]domain.PairKind, 0, len(r.strategies))
	for k := range r.strategies {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
