// Package strategy selects one variant of a process per dispatch.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"process-dispatcher/backend/pkg/models"
)

// SelectionContext is what a strategy may look at when choosing a variant.
// Arguments are the already validated arguments of the call.
type SelectionContext struct {
	ProcessName string
	Arguments   interface{}
	Context     map[string]string
}

// Strategy picks a variant id. Implementations must be safe for concurrent use.
type Strategy interface {
	Kind() models.StrategyKind
	// RequiresWeights reports whether every variant must carry a weight and
	// the weights must sum to one.
	RequiresWeights() bool
	Select(desc models.StrategyDescriptor, variants []models.Variant, sc SelectionContext) (string, error)
}

// ArgsChecker is implemented by strategies that validate their args when a
// manifest is loaded.
type ArgsChecker interface {
	CheckArgs(desc models.StrategyDescriptor, variants []models.Variant) []string
}

// MissingBucketingKeyError is returned when the bucketing key is absent from
// both the request context and the arguments.
type MissingBucketingKeyError struct {
	Key string
}

func (e *MissingBucketingKeyError) Error() string {
	return fmt.Sprintf("bucketing key %q not found in request context or arguments", e.Key)
}

// ResolutionError reports a selection that cannot be honored. It is never
// papered over with a default variant.
type ResolutionError struct {
	Kind      models.StrategyKind
	VariantID string
	Reason    string
}

func (e *ResolutionError) Error() string {
	if e.VariantID != "" {
		return fmt.Sprintf("strategy %q resolved variant %q: %s", e.Kind, e.VariantID, e.Reason)
	}
	return fmt.Sprintf("strategy %q: %s", e.Kind, e.Reason)
}

// Registry maps strategy kinds to implementations.
type Registry struct {
	mu         sync.RWMutex
	strategies map[models.StrategyKind]Strategy
}

// NewRegistry creates a registry holding the given strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[models.StrategyKind]Strategy)}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// DefaultRegistry holds the percentage, bucketed and fixed strategies.
func DefaultRegistry() *Registry {
	return NewRegistry(NewPercentage(nil), Bucketed{}, Fixed{})
}

// Register adds or replaces the strategy for its kind.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Kind()] = s
}

// Lookup returns the strategy registered for kind.
func (r *Registry) Lookup(kind models.StrategyKind) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[kind]
	return s, ok
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []models.StrategyKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]models.StrategyKind, 0, len(r.strategies))
	for k := range r.strategies {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Selector resolves a descriptor to a variant id through a Registry.
type Selector struct {
	registry *Registry
}

// NewSelector creates a Selector.
func NewSelector(registry *Registry) *Selector {
	return &Selector{registry: registry}
}

// Select runs the strategy named by desc.Kind and checks that the id it
// returns names one of variants.
func (s *Selector) Select(desc models.StrategyDescriptor, variants []models.Variant, sc SelectionContext) (string, error) {
	st, ok := s.registry.Lookup(desc.Kind)
	if !ok {
		return "", &ResolutionError{Kind: desc.Kind, Reason: "unknown strategy kind"}
	}
	id, err := st.Select(desc, variants, sc)
	if err != nil {
		return "", err
	}
	for _, v := range variants {
		if v.ID == id {
			return id, nil
		}
	}
	return "", &ResolutionError{Kind: desc.Kind, VariantID: id, Reason: "variant is not declared by the manifest"}
}
