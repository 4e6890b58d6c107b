// Package strategy defines the Strategy interface driven by the live bar
// feed, a Registry for managing implementations, and the Runner that wires a
// strategy to its broker.
package strategy

import (
	"context"
	"sort"

	"quikbridge/internal/broker"
	"quikbridge/internal/domain"
)

// Strategy is the interface all trading strategies implement. The runner
// calls OnNotification for every order update queued since the previous bar,
// then OnBar with the new bar, always from a single goroutine.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init performs one-time setup before the first bar.
	Init(ctx context.Context, b broker.Broker) error

	// OnBar is called for every in-session bar.
	OnBar(ctx context.Context, b broker.Broker, bar domain.Bar) error

	// OnNotification is called for every order status change.
	OnNotification(ctx context.Context, b broker.Broker, n *domain.Notification)
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
