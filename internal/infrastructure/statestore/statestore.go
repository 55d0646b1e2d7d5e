// Package statestore provides the optional execution-result audit sink
// behind the engine's ResultSink interface: a decorator the
// ExecutionEngine is configured with, never a requirement of its core
// semantics. The engine.StateManager's in-memory per-execution slots
// already satisfy every requirement on their own; this package only adds
// an optional durable trail of terminal results.
package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/flowkit/wfengine/internal/domain"
)

// ExecutionSummary is the reduced view of a terminal ExecutionResult a
// StateStore exposes through List.
type ExecutionSummary struct {
	ExecutionID string
	WorkflowID  string
	Status      string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// StateStore is the audit-sink contract: record a terminal result, and list
// what has been recorded.
type StateStore interface {
	RecordResult(ctx context.Context, result *domain.ExecutionResult)
	List(ctx context.Context) ([]ExecutionSummary, error)
}

// MemoryStateStore is the default, in-process StateStore: a map keyed by
// executionId, matching the actual behavior the engine's core state
// management requires without any external dependency.
type MemoryStateStore struct {
	mu      sync.RWMutex
	results map[string]*domain.ExecutionResult
}

// NewMemoryStateStore returns an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{results: make(map[string]*domain.ExecutionResult)}
}

// RecordResult stores a defensive copy of result, keyed by its ExecutionID.
func (s *MemoryStateStore) RecordResult(_ context.Context, result *domain.ExecutionResult) {
	if result == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *result
	s.results[result.ExecutionID] = &cp
}

// List returns a summary of every recorded result, in no particular order.
func (s *MemoryStateStore) List(_ context.Context) ([]ExecutionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ExecutionSummary, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, ExecutionSummary{
			ExecutionID: r.ExecutionID,
			WorkflowID:  r.WorkflowID,
			Status:      r.Status.String(),
			StartedAt:   r.StartedAt,
			FinishedAt:  r.FinishedAt,
		})
	}
	return out, nil
}

// Get returns the stored result for execID, if any.
func (s *MemoryStateStore) Get(execID string) (*domain.ExecutionResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[execID]
	return r, ok
}
