package worker

import (
	"fmt"
	"sync"

	"github.com/dealbrain/valuation/internal/domain"
)

// ScopeQueue coalesces pending recompute scopes under a mutex so a burst of
// enqueues for the same ruleset, catalog entity, or "all" scope dispatches
// as a single background job instead of reprocessing the same listings
// once per enqueue.
type ScopeQueue struct {
	mu      sync.Mutex
	pending map[string]domain.RecomputeScope
}

// NewScopeQueue creates an empty scope queue.
func NewScopeQueue() *ScopeQueue {
	return &ScopeQueue{pending: make(map[string]domain.RecomputeScope)}
}

// Enqueue adds scope to the pending set. Returns false if an equivalent
// scope is already pending, meaning the caller need not dispatch a new job.
func (q *ScopeQueue) Enqueue(scope domain.RecomputeScope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := scopeKey(scope)
	if _, exists := q.pending[key]; exists {
		return false
	}
	q.pending[key] = scope
	return true
}

// Drain removes and returns every currently pending scope.
func (q *ScopeQueue) Drain() []domain.RecomputeScope {
	q.mu.Lock()
	defer q.mu.Unlock()

	scopes := make([]domain.RecomputeScope, 0, len(q.pending))
	for _, scope := range q.pending {
		scopes = append(scopes, scope)
	}
	q.pending = make(map[string]domain.RecomputeScope)
	return scopes
}

// Remove clears scope from the pending set once its job has been
// dispatched, so a later enqueue for the same scope starts a fresh job
// instead of being coalesced into one already in flight.
func (q *ScopeQueue) Remove(scope domain.RecomputeScope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, scopeKey(scope))
}

// Len returns the number of distinct scopes currently pending.
func (q *ScopeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func scopeKey(scope domain.RecomputeScope) string {
	switch scope.Kind {
	case domain.ScopeRuleset:
		return fmt.Sprintf("%s:%d", scope.Kind, scope.RulesetID)
	case domain.ScopeCatalogEntity:
		return fmt.Sprintf("%s:%s", scope.Kind, scope.CatalogEntityRef)
	default:
		return string(scope.Kind)
	}
}
