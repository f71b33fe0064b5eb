// Package repair owns the repair engine: a registry of pattern-matched
// strategies, a bounded-concurrency work queue, and the session state machine
// that tracks each error's repair attempts through to a terminal outcome.
package repair

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/mendlabs/pagemend/internal/types"
)

// Strategy is a named, priority-ordered matcher mapping an error to one or
// more corrective actions. Strategies are immutable after registration.
type Strategy struct {
	// Name uniquely identifies the strategy
	Name string
	// Description explains what the strategy repairs
	Description string
	// Priority orders selection; higher priority strategies are tried first
	Priority int
	// Risk gates whether the strategy may run unattended. High-risk
	// strategies are selected but flagged; the confirmation flow is an
	// external concern.
	Risk types.RiskLevel
	// ErrorPattern matches against the error message. Required.
	ErrorPattern *regexp.Regexp
	// SourcePattern matches against the error source locator. Optional;
	// a strategy applies when ErrorPattern matches AND (SourcePattern
	// matches OR the error's category is in Categories).
	SourcePattern *regexp.Regexp
	// Categories lists the error categories this strategy applies to
	Categories []string
	// Generate produces the corrective actions for a matched error.
	// Must be a pure function of the error.
	Generate func(err types.BrowserError) []types.RepairAction
}

// Matches reports whether the strategy applies to the error: the message
// pattern must match, and either the source pattern matches or the error's
// category is listed.
func (s *Strategy) Matches(err types.BrowserError) bool {
	if s.ErrorPattern == nil || !s.ErrorPattern.MatchString(err.Message) {
		return false
	}
	if s.SourcePattern != nil && s.SourcePattern.MatchString(err.Source) {
		return true
	}
	for _, cat := range s.Categories {
		if cat == err.Category {
			return true
		}
	}
	return false
}

// Registry holds strategies sorted by descending priority so the
// highest-priority applicable strategy is always tried first.
type Registry struct {
	mu         sync.RWMutex
	strategies []*Strategy
}

// NewRegistry creates a registry pre-populated with the given strategies
func NewRegistry(strategies ...*Strategy) (*Registry, error) {
	r := &Registry{}
	for _, s := range strategies {
		if err := r.Add(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a strategy, keeping the registry priority-sorted
func (r *Registry) Add(s *Strategy) error {
	if s == nil {
		return fmt.Errorf("strategy is nil")
	}
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if s.ErrorPattern == nil {
		return fmt.Errorf("strategy %q has no error pattern", s.Name)
	}
	if s.Generate == nil {
		return fmt.Errorf("strategy %q has no generator", s.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.strategies {
		if existing.Name == s.Name {
			return fmt.Errorf("strategy %q already registered", s.Name)
		}
	}

	r.strategies = append(r.strategies, s)
	sort.SliceStable(r.strategies, func(i, j int) bool {
		return r.strategies[i].Priority > r.strategies[j].Priority
	})
	return nil
}

// Remove unregisters a strategy by name
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.strategies {
		if s.Name == name {
			r.strategies = append(r.strategies[:i], r.strategies[i+1:]...)
			return true
		}
	}
	return false
}

// Select returns the highest-priority strategy that matches the error, or
// nil if none applies.
func (r *Registry) Select(err types.BrowserError) *Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.strategies {
		if s.Matches(err) {
			return s
		}
	}
	return nil
}

// List returns the registered strategies in priority order
func (r *Registry) List() []*Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Strategy{}, r.strategies...)
}

// Len returns the number of registered strategies
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.strategies)
}
