// Package gate holds the admission state that gates both enqueue and
// delivery. An external consent or quota source flips the state at runtime;
// the pipeline checks it on every submit and again immediately before every
// send, so a batch cut before revocation is never delivered after it.
package gate

import (
	"sync"
	"time"
)

// AdmissionGate is a runtime-togglable allow/deny flag.
// Allowed is safe to call from any goroutine.
type AdmissionGate struct {
	mu        sync.RWMutex
	allowed   bool
	changedAt time.Time

	// onRevoke is invoked synchronously inside SetAllowed on every
	// true→false transition. The pipeline registers a func that posts a
	// revoke command into its owner loop.
	onRevoke func()
}

// New creates a gate with the given initial state.
func New(allowed bool) *AdmissionGate {
	return &AdmissionGate{allowed: allowed, changedAt: time.Now().UTC()}
}

// OnRevoke registers fn to be called on every true→false transition.
// Must be called before the gate is shared with other goroutines.
func (g *AdmissionGate) OnRevoke(fn func()) {
	g.mu.Lock()
	g.onRevoke = fn
	g.mu.Unlock()
}

// Allowed reports whether collection is currently permitted.
func (g *AdmissionGate) Allowed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.allowed
}

// ChangedAt returns when the state last flipped.
func (g *AdmissionGate) ChangedAt() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.changedAt
}

// SetAllowed flips the state. Setting the same value twice is a no-op and
// does not update ChangedAt or fire the revoke hook.
func (g *AdmissionGate) SetAllowed(allowed bool) {
	g.mu.Lock()
	if g.allowed == allowed {
		g.mu.Unlock()
		return
	}
	revoked := g.allowed && !allowed
	g.allowed = allowed
	g.changedAt = time.Now().UTC()
	fn := g.onRevoke
	g.mu.Unlock()

	if revoked && fn != nil {
		fn()
	}
}
