// Package policy maps event types to their sync policies. The transport
// manager consults the registry before any envelope is constructed; an event
// whose requested scope is not allowed never leaves the local bus.
package policy

import (
	"sync"

	"github.com/canvasmesh/canvasmesh/transport"
)

// Policy describes how far events of one type may travel.
type Policy struct {
	// MaxScope is the widest scope delivery may use.
	MaxScope transport.Scope
	// RequiresTrust demands an approved connection before multi-user
	// delivery, even when MaxScope allows it.
	RequiresTrust bool
}

// Resolution is the outcome of resolving an event type against a requested
// scope.
type Resolution struct {
	Allowed       bool
	MaxScope      transport.Scope
	RequiresTrust bool
}

// Registry holds the registered policies. Registration is additive and the
// last registration for a type wins. Unregistered event types are local-only.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry creates an empty policy registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// Register sets the policy for an event type, replacing any earlier one.
func (r *Registry) Register(eventType string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[eventType] = p
}

// RegisterAll sets policies in bulk.
func (r *Registry) RegisterAll(policies map[string]Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eventType, p := range policies {
		r.policies[eventType] = p
	}
}

// Resolve reports whether events of the given type may travel at the
// requested scope. The default policy for unregistered types is local only.
func (r *Registry) Resolve(eventType string, requested transport.Scope) Resolution {
	r.mu.RLock()
	p, ok := r.policies[eventType]
	r.mu.RUnlock()

	if !ok {
		p = Policy{MaxScope: transport.ScopeLocal}
	}

	return Resolution{
		Allowed:       requested.Valid() && requested.Rank() <= p.MaxScope.Rank(),
		MaxScope:      p.MaxScope,
		RequiresTrust: p.RequiresTrust,
	}
}

// Snapshot returns a copy of the registered policies for debug output.
func (r *Registry) Snapshot() map[string]Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Policy, len(r.policies))
	for eventType, p := range r.policies {
		out[eventType] = p
	}
	return out
}
