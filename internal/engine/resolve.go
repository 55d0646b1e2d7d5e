package engine

import (
	"context"
	"fmt"

	"github.com/flowkit/wfengine/internal/domain"
)

// resolveEdge dispatches a taken ParsedEdge to its routing action based on
// its kind. It returns jumped=true when a simple edge redirected the
// execution's top-level cursor in place; the caller must not also apply the
// generic loop-back/advance rule in that case.
func (e *Engine) resolveEdge(ctx context.Context, execID string, r *run, edge *domain.ParsedEdge, depth int) (jumped bool, err error) {
	if depth > e.maxNestedDepth {
		return false, domain.NewEngineError(domain.ErrorKindNestingLimit,
			fmt.Sprintf("edge resolution exceeded MAX_NESTED_DEPTH=%d", e.maxNestedDepth), nil).
			WithContext(r.workflow.ID, execID, "")
	}

	switch edge.Kind {
	case domain.ParsedEdgeSimple:
		if idx, ok := r.topLevel[edge.Target]; ok {
			r.cursor = idx
			return true, nil
		}
		if e.registry.Has(edge.Target, e.env) {
			if err := e.sideCall(ctx, execID, r.workflow.ID, edge.Target, depth); err != nil {
				return false, err
			}
		}
		return false, nil

	case domain.ParsedEdgeSequence:
		for _, item := range edge.Items {
			if r.cancelled.Load() {
				return false, nil
			}
			if item.IsNode() {
				if err := e.runInline(ctx, execID, r, item.Node, depth); err != nil {
					return false, err
				}
				continue
			}
			if err := e.sideCall(ctx, execID, r.workflow.ID, item.Target, depth); err != nil {
				return false, err
			}
		}
		return false, nil

	case domain.ParsedEdgeNested:
		if edge.Node == nil {
			return false, nil
		}
		return e.runNested(ctx, execID, r, edge.Node, depth)

	default:
		return false, nil
	}
}

// sideCall invokes a registered node id as a one-shot call that does not
// affect the execution's cursor and whose own edges are not followed.
func (e *Engine) sideCall(ctx context.Context, execID, workflowID, nodeID string, depth int) error {
	pn := &domain.ParsedNode{NodeID: nodeID, RawNodeID: nodeID, Depth: depth}
	_, rec, err := e.invokeNode(ctx, execID, workflowID, pn, 0)
	if err != nil {
		return err
	}
	if rec.Status == domain.NodeExecutionStatusFailed && rec.Error != nil {
		return rec.Error
	}
	return nil
}

// runInline executes a ParsedNode that appeared as a sequence item: invoke
// it and resolve whichever edge it selects, recursively, but never let it
// redirect the outer cursor's semantics beyond what resolveEdge already
// allows.
func (e *Engine) runInline(ctx context.Context, execID string, r *run, pn *domain.ParsedNode, depth int) error {
	_, jumped, err := e.invokeAndResolve(ctx, execID, r, pn, depth)
	_ = jumped // a jump inside a sequence item still only moves r.cursor;
	// the sequence loop keeps running its remaining items in order, and the
	// jump takes effect once control returns to the top-level loop.
	return err
}

// runNested recursively executes a nested ParsedNode. A non-loop node is
// invoked once and its selected edge resolved by the usual rules. A loop
// node runs its own loop: invoke, follow the selected edge's action, repeat
// until an iteration returns no defined edge or MAX_LOOP_ITERATIONS is
// exceeded.
func (e *Engine) runNested(ctx context.Context, execID string, r *run, pn *domain.ParsedNode, depth int) (jumped bool, err error) {
	if !pn.IsLoopNode {
		_, jumped, err = e.invokeAndResolve(ctx, execID, r, pn, depth)
		return jumped, err
	}

	iterations := 0
	for {
		iterations++
		if iterations > e.maxLoopIterations {
			return false, domain.NewEngineError(domain.ErrorKindLoopLimit,
				fmt.Sprintf("nested loop node %q exceeded MAX_LOOP_ITERATIONS=%d", pn.NodeID, e.maxLoopIterations), nil).
				WithContext(r.workflow.ID, execID, pn.RawNodeID)
		}
		hadEdge, jumpedNow, err := e.invokeAndResolveIter(ctx, execID, r, pn, depth, iterations)
		if err != nil {
			return false, err
		}
		if jumpedNow {
			return true, nil
		}
		if !hadEdge {
			return false, nil
		}
		if r.cancelled.Load() {
			return false, nil
		}
	}
}

// invokeAndResolve invokes pn once and, if it selected a defined edge,
// resolves that edge by the same rules. It reports whether an edge was
// defined (hadEdge) and whether resolution jumped the top-level cursor.
func (e *Engine) invokeAndResolve(ctx context.Context, execID string, r *run, pn *domain.ParsedNode, depth int) (hadEdge bool, jumped bool, err error) {
	return e.invokeAndResolveIter(ctx, execID, r, pn, depth, 0)
}

func (e *Engine) invokeAndResolveIter(ctx context.Context, execID string, r *run, pn *domain.ParsedNode, depth, iteration int) (hadEdge bool, jumped bool, err error) {
	selected, _, err := e.invokeNode(ctx, execID, r.workflow.ID, pn, iteration)
	if err != nil {
		return false, false, err
	}
	// selected may name an "error" edge from a failed-but-routable node;
	// that routes exactly like a success edge.
	if selected == "" {
		return false, false, nil
	}
	edge, ok := pn.Edges[selected]
	if !ok {
		return false, false, nil
	}
	jumped, err = e.resolveEdge(ctx, execID, r, edge, depth+1)
	if err != nil {
		return true, false, err
	}
	return true, jumped, nil
}

