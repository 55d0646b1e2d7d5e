// Package node defines the WorkflowNode contract every executable node
// implements, and EdgeMap, the ordered lazy-edge return value the engine
// resolves to pick a routing action.
package node

import (
	"context"

	"github.com/flowkit/wfengine/internal/domain"
)

// EdgeData is the payload a taken edge carries into routing/template
// resolution and into the next node's inputs.
type EdgeData map[string]any

// EdgeThunk is a deferred edge evaluation. ok=false is the not-taken
// sentinel: the edge was offered but not selected.
type EdgeThunk func() (EdgeData, bool)

// edgeEntry pairs an edge name with its thunk, preserving the order edges
// were added so resolution can apply first-non-sentinel-wins.
type edgeEntry struct {
	name  string
	thunk EdgeThunk
}

// EdgeMap is what WorkflowNode.Execute returns: an ordered sequence of
// (name, Lazy<Data>) pairs. Canonical
// nodes add exactly one edge, already resolved; EdgeMap exists to let a node
// defer evaluation when probing an edge is itself costly.
type EdgeMap struct {
	entries []edgeEntry
}

// NewEdgeMap returns an empty EdgeMap ready for Add/AddLazy calls.
func NewEdgeMap() *EdgeMap {
	return &EdgeMap{}
}

// Add registers an edge with a precomputed, already-taken payload.
func (m *EdgeMap) Add(name string, data EdgeData) *EdgeMap {
	return m.AddLazy(name, func() (EdgeData, bool) { return data, true })
}

// AddLazy registers an edge whose payload (and whether it's taken at all) is
// only computed when resolution reaches it.
func (m *EdgeMap) AddLazy(name string, thunk EdgeThunk) *EdgeMap {
	m.entries = append(m.entries, edgeEntry{name: name, thunk: thunk})
	return m
}

// Len reports how many edges were added, taken or not.
func (m *EdgeMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Resolve walks entries in insertion order and returns the first one whose
// thunk yields ok=true, mirroring the engine's edge-selection rule.
func (m *EdgeMap) Resolve() (name string, data EdgeData, ok bool) {
	if m == nil {
		return "", nil, false
	}
	for _, e := range m.entries {
		if d, taken := e.thunk(); taken {
			return e.name, d, true
		}
	}
	return "", nil, false
}

// EdgeResult is one entry's outcome after InvokeAll calls every thunk.
type EdgeResult struct {
	Name  string
	Data  EdgeData
	Taken bool
}

// InvokeAll calls every thunk in insertion order and returns every result,
// so the engine can both select the first taken edge and detect (and warn
// on) multiple edges taken in one invocation.
func (m *EdgeMap) InvokeAll() []EdgeResult {
	if m == nil {
		return nil
	}
	out := make([]EdgeResult, len(m.entries))
	for i, e := range m.entries {
		d, ok := e.thunk()
		out[i] = EdgeResult{Name: e.name, Data: d, Taken: ok}
	}
	return out
}

// Names returns the edge names in insertion order, for diagnostics such as
// the "multiple edges taken" warning.
func (m *EdgeMap) Names() []string {
	if m == nil {
		return nil
	}
	names := make([]string, len(m.entries))
	for i, e := range m.entries {
		names[i] = e.name
	}
	return names
}

// WorkflowNode is the single behavior every registered node type
// implements. Execute may perform I/O and mutate ectx.State; it must not
// retain ctx/ectx/config across invocations, and must check ctx for
// cancellation on any long-running step.
type WorkflowNode interface {
	Metadata() domain.WorkflowNodeMetadata
	Execute(ctx context.Context, ectx *domain.ExecutionContext, config map[string]any) (*EdgeMap, error)
}

// ConfigValidator is an optional extra a node implements to reject malformed
// config before the engine ever calls Execute; the parser and registry both
// call it during validation passes when a node supports it.
type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}
