package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/wfengine/internal/domain"
	"github.com/flowkit/wfengine/internal/node"
	"github.com/flowkit/wfengine/internal/parser"
)

// counterNode increments state.n on every invocation and always selects
// "continue".
type counterNode struct{}

func (counterNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{ID: "counter", Name: "Counter", Version: "1.0.0"}
}

func (counterNode) Execute(_ context.Context, ectx *domain.ExecutionContext, _ map[string]any) (*node.EdgeMap, error) {
	n, _ := ectx.State["n"].(int)
	ectx.State["n"] = n + 1
	return node.NewEdgeMap().Add("continue", node.EdgeData{}), nil
}

// flakyNode always raises.
type flakyNode struct{}

func (flakyNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{ID: "flaky", Name: "Flaky", Version: "1.0.0"}
}

func (flakyNode) Execute(context.Context, *domain.ExecutionContext, map[string]any) (*node.EdgeMap, error) {
	return nil, fmt.Errorf("boom")
}

// fallbackNode is a no-op success node used as an error-edge recovery
// target.
type fallbackNode struct{}

func (fallbackNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{ID: "fallback", Name: "Fallback", Version: "1.0.0"}
}

func (fallbackNode) Execute(context.Context, *domain.ExecutionContext, map[string]any) (*node.EdgeMap, error) {
	return node.NewEdgeMap().Add("success", node.EdgeData{}), nil
}

// rootNode selects "success" unconditionally, used as a sequence entry
// point.
type rootNode struct{}

func (rootNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{ID: "root", Name: "Root", Version: "1.0.0"}
}

func (rootNode) Execute(_ context.Context, ectx *domain.ExecutionContext, _ map[string]any) (*node.EdgeMap, error) {
	return node.NewEdgeMap().Add("success", node.EdgeData{}), nil
}

// markNode appends its id to state.order, used to observe execution
// order.
type markNode struct{ id string }

func (m markNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{ID: m.id, Name: m.id, Version: "1.0.0"}
}

func (m markNode) Execute(_ context.Context, ectx *domain.ExecutionContext, _ map[string]any) (*node.EdgeMap, error) {
	order, _ := ectx.State["order"].([]any)
	ectx.State["order"] = append(order, m.id)
	return node.NewEdgeMap().Add("success", node.EdgeData{}), nil
}

func newTestRegistry(t *testing.T) *node.Registry {
	t.Helper()
	r := node.NewRegistry()
	for _, f := range []node.Factory{
		func() node.WorkflowNode { return counterNode{} },
		func() node.WorkflowNode { return flakyNode{} },
		func() node.WorkflowNode { return fallbackNode{} },
		func() node.WorkflowNode { return rootNode{} },
		func() node.WorkflowNode { return markNode{id: "a"} },
		func() node.WorkflowNode { return markNode{id: "b"} },
	} {
		require.NoError(t, r.Register(f, node.RegisterOptions{Source: domain.NodeSourceUniversal}))
	}
	return r
}

func parseOrFail(t *testing.T, registry *node.Registry, doc map[string]any) *domain.ParsedWorkflow {
	t.Helper()
	p := parser.New(registry)
	wf, result, err := p.Parse(doc)
	if err != nil {
		for _, issue := range result.Issues {
			t.Logf("%s %s: %s", issue.Severity, issue.Code, issue.Message)
		}
	}
	require.NoError(t, err)
	return wf
}

// Consecutive state setters build up nested state in document order.
func TestEngine_LinearStateAssignment(t *testing.T) {
	registry := newTestRegistry(t)
	doc := map[string]any{
		"id":   "w1",
		"name": "W",
		"workflow": []any{
			map[string]any{"$.config.timeout": map[string]any{"value": 30}},
			map[string]any{"$.config.retries": map[string]any{"value": 3}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusCompleted, result.Status)
	cfg := result.FinalState["config"].(map[string]any)
	assert.Equal(t, 30, cfg["timeout"])
	assert.Equal(t, 3, cfg["retries"])
}

// Shorthand preserves object structure and does not record _lastStateSet;
// the explicit form does.
func TestEngine_ShorthandPreservesObject(t *testing.T) {
	registry := newTestRegistry(t)
	doc := map[string]any{
		"id":   "w2",
		"name": "W",
		"workflow": []any{
			map[string]any{"$.author": map[string]any{"name": "Narcis"}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusCompleted, result.Status)
	author := result.FinalState["author"].(map[string]any)
	assert.Equal(t, "Narcis", author["name"])
	_, hasMarker := result.FinalState["_lastStateSet"]
	assert.False(t, hasMarker, "shorthand form must not record _lastStateSet")
}

func TestEngine_ExplicitFormRecordsLastStateSet(t *testing.T) {
	registry := newTestRegistry(t)
	doc := map[string]any{
		"id":   "w2b",
		"name": "W",
		"workflow": []any{
			map[string]any{"$.author": map[string]any{"value": map[string]any{"name": "Narcis"}}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusCompleted, result.Status)
	author := result.FinalState["author"].(map[string]any)
	assert.Equal(t, "Narcis", author["name"])
	marker := result.FinalState["_lastStateSet"].(map[string]any)
	assert.Equal(t, "$.author", marker["path"])
}

// {{key}} templates resolve against seeded state before assignment.
func TestEngine_TemplateResolution(t *testing.T) {
	registry := newTestRegistry(t)
	doc := map[string]any{
		"id":           "w3",
		"name":         "W",
		"initialState": map[string]any{"baseUrl": "https://x", "apiKey": "k"},
		"workflow": []any{
			map[string]any{"$.config.url": map[string]any{"value": "{{baseUrl}}/v1"}},
			map[string]any{"$.config.auth": map[string]any{"value": "Bearer {{apiKey}}"}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusCompleted, result.Status)
	cfg := result.FinalState["config"].(map[string]any)
	assert.Equal(t, "https://x/v1", cfg["url"])
	assert.Equal(t, "Bearer k", cfg["auth"])
}

// A loop node whose selected edge has no route re-invokes itself until
// MAX_LOOP_ITERATIONS is exceeded.
func TestEngine_LoopNodeExceedsLimit(t *testing.T) {
	registry := newTestRegistry(t)
	doc := map[string]any{
		"id":   "w4",
		"name": "W",
		"workflow": []any{
			map[string]any{"counter...": map[string]any{}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry, WithMaxLoopIterations(1000))
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.ErrorKindLoopLimit, result.Error.Kind)
	assert.Equal(t, 1000, result.FinalState["n"])
}

// An error edge routes a failing node's failure to a fallback node rather
// than failing the execution.
func TestEngine_ErrorEdgeRouting(t *testing.T) {
	registry := newTestRegistry(t)
	doc := map[string]any{
		"id":   "w5",
		"name": "W",
		"workflow": []any{
			map[string]any{"flaky": map[string]any{"error?": "fallback"}},
			map[string]any{"fallback": map[string]any{}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusCompleted, result.Status)
	require.Len(t, result.Nodes, 2)
	assert.Equal(t, domain.NodeExecutionStatusFailed, result.Nodes[0].Status)
	assert.Equal(t, "flaky", result.Nodes[0].NodeID)
	assert.Equal(t, "fallback", result.Nodes[1].NodeID)
}

// A sequence edge runs a nested state setter between two ordinary nodes,
// in document order.
func TestEngine_SequenceWithNestedStateSetter(t *testing.T) {
	registry := newTestRegistry(t)
	doc := map[string]any{
		"id":   "w6",
		"name": "W",
		"workflow": []any{
			map[string]any{"root": map[string]any{
				"success": []any{
					"a",
					map[string]any{"$.marker": map[string]any{"value": true}},
					"b",
				},
			}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, true, result.FinalState["marker"])
	order := result.FinalState["order"].([]any)
	assert.Equal(t, []any{"a", "b"}, order)
}

// boundedCounterNode increments state.n and selects "continue" until n
// reaches its limit, then selects no edge at all.
type boundedCounterNode struct{ limit int }

func (b boundedCounterNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{ID: "bounded-counter", Name: "Bounded Counter", Version: "1.0.0"}
}

func (b boundedCounterNode) Execute(_ context.Context, ectx *domain.ExecutionContext, _ map[string]any) (*node.EdgeMap, error) {
	n, _ := ectx.State["n"].(int)
	n++
	ectx.State["n"] = n
	edges := node.NewEdgeMap()
	if n < b.limit {
		edges.Add("continue", node.EdgeData{})
	}
	return edges, nil
}

// A loop node that stops selecting an edge falls through; running for
// exactly the limit completes.
func TestEngine_LoopNodeCompletesAtLimit(t *testing.T) {
	registry := newTestRegistry(t)
	require.NoError(t, registry.Register(
		func() node.WorkflowNode { return boundedCounterNode{limit: 1000} },
		node.RegisterOptions{Source: domain.NodeSourceUniversal}))

	doc := map[string]any{
		"id":   "w8",
		"name": "W",
		"workflow": []any{
			map[string]any{"bounded-counter...": map[string]any{}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry, WithMaxLoopIterations(1000))
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, 1000, result.FinalState["n"])
}

// A state-setter block's own "?"-suffixed edge routes like any other edge:
// the setter selects "success", and the configured target gets the cursor.
func TestEngine_StateSetterSuccessEdgeRoutes(t *testing.T) {
	registry := newTestRegistry(t)
	doc := map[string]any{
		"id":   "w8b",
		"name": "W",
		"workflow": []any{
			map[string]any{"$.flag": map[string]any{"value": true, "success?": "b"}},
			map[string]any{"a": map[string]any{}},
			map[string]any{"b": map[string]any{}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, true, result.FinalState["flag"])
	order := result.FinalState["order"].([]any)
	assert.Equal(t, []any{"b"}, order, "the success edge jumps straight past a")
}

// emitterNode selects "success" carrying a token payload into edge context.
type emitterNode struct{}

func (emitterNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{ID: "emitter", Name: "Emitter", Version: "1.0.0"}
}

func (emitterNode) Execute(context.Context, *domain.ExecutionContext, map[string]any) (*node.EdgeMap, error) {
	return node.NewEdgeMap().Add("success", node.EdgeData{"token": "t-1"}), nil
}

// probeNode records whether its inputs carried a token, keyed by its own id.
type probeNode struct{ id string }

func (p probeNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{ID: p.id, Name: p.id, Version: "1.0.0"}
}

func (p probeNode) Execute(_ context.Context, ectx *domain.ExecutionContext, _ map[string]any) (*node.EdgeMap, error) {
	_, sawToken := ectx.Inputs["token"]
	ectx.State["saw_"+p.id] = sawToken
	return node.NewEdgeMap(), nil
}

// Edge context is visible to exactly the next node invocation, then
// cleared.
func TestEngine_EdgeContextConsumedOnce(t *testing.T) {
	registry := newTestRegistry(t)
	require.NoError(t, registry.Register(func() node.WorkflowNode { return emitterNode{} }, node.RegisterOptions{}))
	require.NoError(t, registry.Register(func() node.WorkflowNode { return probeNode{id: "p1"} }, node.RegisterOptions{}))
	require.NoError(t, registry.Register(func() node.WorkflowNode { return probeNode{id: "p2"} }, node.RegisterOptions{}))

	doc := map[string]any{
		"id":   "w9",
		"name": "W",
		"workflow": []any{
			map[string]any{"emitter": map[string]any{}},
			map[string]any{"p1": map[string]any{}},
			map[string]any{"p2": map[string]any{}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, true, result.FinalState["saw_p1"])
	assert.Equal(t, false, result.FinalState["saw_p2"])
}

// greedyNode returns two taken edges; the engine must pick the first and
// warn rather than fail.
type greedyNode struct{}

func (greedyNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{ID: "greedy", Name: "Greedy", Version: "1.0.0"}
}

func (greedyNode) Execute(context.Context, *domain.ExecutionContext, map[string]any) (*node.EdgeMap, error) {
	edges := node.NewEdgeMap()
	edges.Add("first", node.EdgeData{"from": "first"})
	edges.Add("second", node.EdgeData{"from": "second"})
	return edges, nil
}

func TestEngine_MultiEdgeReturnFirstWins(t *testing.T) {
	registry := newTestRegistry(t)
	require.NoError(t, registry.Register(func() node.WorkflowNode { return greedyNode{} }, node.RegisterOptions{}))

	doc := map[string]any{
		"id":   "w10",
		"name": "W",
		"workflow": []any{
			map[string]any{"greedy": map[string]any{}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusCompleted, result.Status)
	require.Len(t, result.Nodes, 1)
	assert.Equal(t, "first", result.Nodes[0].EdgeTaken)
}

// A simple edge targeting a top-level node sets the cursor there; nodes in
// between never run.
func TestEngine_SimpleJumpSetsCursor(t *testing.T) {
	registry := newTestRegistry(t)
	require.NoError(t, registry.Register(func() node.WorkflowNode { return markNode{id: "c"} }, node.RegisterOptions{}))

	doc := map[string]any{
		"id":   "w11",
		"name": "W",
		"workflow": []any{
			map[string]any{"a": map[string]any{"success": "c"}},
			map[string]any{"b": map[string]any{}},
			map[string]any{"c": map[string]any{}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusCompleted, result.Status)
	order := result.FinalState["order"].([]any)
	assert.Equal(t, []any{"a", "c"}, order)
}

// A simple edge targeting a registered-but-not-top-level node runs it as a
// one-shot side call without moving the cursor.
func TestEngine_SimpleEdgeSideCall(t *testing.T) {
	registry := newTestRegistry(t)

	doc := map[string]any{
		"id":   "w12",
		"name": "W",
		"workflow": []any{
			map[string]any{"root": map[string]any{"success": "counter"}},
			map[string]any{"a": map[string]any{}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, 1, result.FinalState["n"], "side-called counter runs exactly once")
	require.Len(t, result.Nodes, 3)
	assert.Equal(t, "root", result.Nodes[0].NodeID)
	assert.Equal(t, "counter", result.Nodes[1].NodeID)
	assert.Equal(t, "a", result.Nodes[2].NodeID)
}

// sleeperNode blocks until its context is done.
type sleeperNode struct{}

func (sleeperNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{ID: "sleeper", Name: "Sleeper", Version: "1.0.0"}
}

func (sleeperNode) Execute(ctx context.Context, _ *domain.ExecutionContext, _ map[string]any) (*node.EdgeMap, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEngine_NodeTimeoutFailsExecution(t *testing.T) {
	registry := newTestRegistry(t)
	require.NoError(t, registry.Register(func() node.WorkflowNode { return sleeperNode{} }, node.RegisterOptions{}))

	doc := map[string]any{
		"id":   "w13",
		"name": "W",
		"workflow": []any{
			map[string]any{"sleeper": map[string]any{"timeout": 20}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.ErrorKindNodeTimeout, result.Error.Kind)
}

func TestEngine_MaxNodeExecutionsCap(t *testing.T) {
	registry := newTestRegistry(t)
	doc := map[string]any{
		"id":   "w14",
		"name": "W",
		"workflow": []any{
			map[string]any{"counter...": map[string]any{}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry, WithMaxNodeExecutions(5))
	result := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.ErrorKindResourceExceeded, result.Error.Kind)
	assert.Equal(t, 5, result.FinalState["n"])
}

// Re-running a deterministic workflow yields an equal final state.
func TestEngine_DeterministicRerun(t *testing.T) {
	registry := newTestRegistry(t)
	doc := map[string]any{
		"id":           "w15",
		"name":         "W",
		"initialState": map[string]any{"baseUrl": "https://x"},
		"workflow": []any{
			map[string]any{"$.config.url": map[string]any{"value": "{{baseUrl}}/v1"}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	first := eng.ExecuteSync(context.Background(), wf, nil)
	second := eng.ExecuteSync(context.Background(), wf, nil)

	require.Equal(t, domain.ExecutionStatusCompleted, first.Status)
	require.Equal(t, domain.ExecutionStatusCompleted, second.Status)
	assert.Equal(t, first.FinalState, second.FinalState)
}

// blockingNode waits for a release signal before completing, letting a test
// reliably observe the engine between node invocations.
type blockingNode struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{ID: "blocker", Name: "Blocker", Version: "1.0.0"}
}

func (b *blockingNode) Execute(ctx context.Context, _ *domain.ExecutionContext, _ map[string]any) (*node.EdgeMap, error) {
	close(b.started)
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return node.NewEdgeMap().Add("success", node.EdgeData{}), nil
}

func TestEngine_CancelBetweenNodes(t *testing.T) {
	registry := newTestRegistry(t)
	blocker := &blockingNode{started: make(chan struct{}), release: make(chan struct{})}
	require.NoError(t, registry.Register(func() node.WorkflowNode { return blocker }, node.RegisterOptions{Singleton: true}))

	doc := map[string]any{
		"id":   "w7",
		"name": "W",
		"workflow": []any{
			map[string]any{"blocker": map[string]any{}},
			map[string]any{"a": map[string]any{}},
		},
	}
	wf := parseOrFail(t, registry, doc)

	eng := New(registry)
	execID, err := eng.Execute(context.Background(), wf, nil)
	require.NoError(t, err)

	<-blocker.started
	assert.True(t, eng.Cancel(execID))
	close(blocker.release)

	require.Eventually(t, func() bool {
		status, err := eng.GetStatus(execID)
		return err == nil && status.Status.IsTerminal()
	}, time.Second, time.Millisecond)

	status, err := eng.GetStatus(execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCancelled, status.Status)

	// Cancelling an already-terminal or unknown execution reports false.
	assert.False(t, eng.Cancel("does-not-exist"))
	assert.False(t, eng.Cancel(execID))
}
