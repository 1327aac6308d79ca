package release

import (
	"sync"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// Registry is the in-memory allowlist of trusted counterparties, keyed by the
// immutable marketplace account id. It is read on every release and replaced
// wholesale by the refresher job.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]model.TrustedCounterparty
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]model.TrustedCounterparty)}
}

// IsTrusted is true only for active entries.
func (r *Registry) IsTrusted(counterpartyID string) bool {
	if counterpartyID == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[counterpartyID]
	return ok && e.Active
}

// Replace swaps in a complete new set.
func (r *Registry) Replace(list []model.TrustedCounterparty) {
	next := make(map[string]model.TrustedCounterparty, len(list))
	for _, e := range list {
		if e.CounterpartyID != "" {
			next[e.CounterpartyID] = e
		}
	}
	r.mu.Lock()
	r.entries = next
	r.mu.Unlock()
}

// Len returns the number of entries, active or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Active returns the number of entries IsTrusted accepts.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.Active {
			n++
		}
	}
	return n
}
