// Package engine implements the StateManager and ExecutionEngine: the
// per-execution shared state with its concurrency discipline, and the
// traversal that drives node invocation and edge resolution.
package engine

import (
	"sync"
	"time"

	"github.com/flowkit/wfengine/internal/domain"
)

// DefaultStateRetention is how long a terminated execution's state and
// edge-context stay readable before Cleanup removes them.
const DefaultStateRetention = 60 * time.Second

// executionSlot holds one execution's live state plus its single-slot edge
// context. mu serializes every state mutation for this execution: if an
// update is in flight, subsequent calls for the same execution wait for it.
type executionSlot struct {
	mu          sync.Mutex
	state       map[string]any
	edgeContext map[string]any
	cleanupAt   *time.Timer
}

// StateManager is the per-execution keyed store of shared state and
// transient edge context. It is safe for concurrent use across executions;
// there is no cross-execution state sharing.
type StateManager struct {
	mu        sync.RWMutex
	slots     map[string]*executionSlot
	retention time.Duration
}

// NewStateManager returns a StateManager that retains a terminated
// execution's data for retention before Cleanup runs automatically.
func NewStateManager(retention time.Duration) *StateManager {
	if retention <= 0 {
		retention = DefaultStateRetention
	}
	return &StateManager{slots: make(map[string]*executionSlot), retention: retention}
}

// Initialize creates a fresh slot for execID seeded with a defensive copy of
// seed. An execution owns exactly one state blob, created here at the start
// of execute().
func (sm *StateManager) Initialize(execID string, seed map[string]any) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.slots[execID] = &executionSlot{state: deepCopyMap(seed)}
}

func (sm *StateManager) slot(execID string) (*executionSlot, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.slots[execID]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrorKindResourceExceeded,
			"no state for execution "+execID, nil)
	}
	return s, nil
}

// GetState returns a defensive copy of the current state snapshot.
func (sm *StateManager) GetState(execID string) (map[string]any, error) {
	s, err := sm.slot(execID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopyMap(s.state), nil
}

// UpdateState deep-merges partial into the execution's state. Calls for the
// same execID are strictly serialized by the slot's own mutex; a call in
// flight blocks later callers until it completes.
func (sm *StateManager) UpdateState(execID string, partial map[string]any) error {
	s, err := sm.slot(execID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = make(map[string]any)
	}
	deepMerge(s.state, partial)
	return nil
}

// ReplaceState overwrites the execution's state wholesale with newState.
// The engine's node-invocation step uses this rather than UpdateState: a
// node is handed the complete state as its mutable view,
// so writing it back is a replace, not a partial merge: a deep-merge of the
// full view into itself would silently resurrect keys the node deleted.
func (sm *StateManager) ReplaceState(execID string, newState map[string]any) error {
	s, err := sm.slot(execID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = deepCopyMap(newState)
	return nil
}

// SetEdgeContext deposits data into the single-slot edge-context staging
// area, overwriting whatever was there.
func (sm *StateManager) SetEdgeContext(execID string, data map[string]any) error {
	s, err := sm.slot(execID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edgeContext = data
	return nil
}

// GetAndClearEdgeContext atomically returns and clears the edge context, so
// it is visible to exactly the next node invocation.
func (sm *StateManager) GetAndClearEdgeContext(execID string) (map[string]any, error) {
	s, err := sm.slot(execID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.edgeContext
	s.edgeContext = nil
	return data, nil
}

// ScheduleCleanup arranges for Cleanup(execID) to run after the retention
// window, so a short-lived execution slot is reclaimed without requiring
// every caller to remember to clean up.
func (sm *StateManager) ScheduleCleanup(execID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.slots[execID]
	if !ok {
		return
	}
	if s.cleanupAt != nil {
		s.cleanupAt.Stop()
	}
	s.cleanupAt = time.AfterFunc(sm.retention, func() { sm.Cleanup(execID) })
}

// Cleanup removes all per-execution data for execID immediately. After this
// call, GetState/UpdateState/edge-context access for execID fail.
func (sm *StateManager) Cleanup(execID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.slots[execID]; ok {
		if s.cleanupAt != nil {
			s.cleanupAt.Stop()
		}
		delete(sm.slots, execID)
	}
}

// deepCopyMap returns a recursive copy of m so callers can mutate the result
// without affecting the stored state.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return t
	}
}

// deepMerge recursively merges src into dst: nested maps merge key by key,
// every other value (including slices) overwrites dst's entry outright.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
			dst[k] = deepCopyMap(srcMap)
			continue
		}
		dst[k] = deepCopyValue(v)
	}
}
