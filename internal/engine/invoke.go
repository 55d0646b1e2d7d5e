package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flowkit/wfengine/internal/domain"
	"github.com/flowkit/wfengine/internal/node"
)

// invokeNode builds the ExecutionContext for a single node invocation, calls
// the node instance with a timeout, converts a raised error into a routable
// "error" edge when the node declares one, and merges the node's mutated
// state back into the execution's shared state.
func (e *Engine) invokeNode(ctx context.Context, execID, workflowID string, pn *domain.ParsedNode, iteration int) (selectedEdge string, rec *domain.NodeExecution, err error) {
	start := time.Now()
	rec = &domain.NodeExecution{
		UniqueID:  pn.UniqueID,
		NodeID:    pn.RawNodeID,
		StartedAt: start,
		Attempt:   1,
	}
	defer func() { e.recordExecution(execID, rec) }()

	instance, instErr := e.registry.Instantiate(pn.NodeID, e.env)
	if instErr != nil {
		rec.FinishedAt = time.Now()
		rec.Status = domain.NodeExecutionStatusFailed
		wrapped := domain.NewEngineError(domain.ErrorKindNodeNotFound, instErr.Error(), instErr).
			WithContext(workflowID, execID, pn.RawNodeID)
		rec.Error = wrapped
		return "", rec, wrapped
	}

	edgeContext, _ := e.states.GetAndClearEdgeContext(execID)
	state, stateErr := e.states.GetState(execID)
	if stateErr != nil {
		rec.FinishedAt = time.Now()
		rec.Status = domain.NodeExecutionStatusFailed
		rec.Error = asEngineError(stateErr)
		return "", rec, stateErr
	}

	if e.maxStateSizeBytes > 0 {
		if sz := estimateStateSize(state); sz > e.maxStateSizeBytes {
			wrapped := domain.NewEngineError(domain.ErrorKindResourceExceeded,
				fmt.Sprintf("state size %d exceeds maxStateSizeBytes=%d", sz, e.maxStateSizeBytes), nil).
				WithContext(workflowID, execID, pn.RawNodeID)
			rec.FinishedAt = time.Now()
			rec.Status = domain.NodeExecutionStatusFailed
			rec.Error = wrapped
			return "", rec, wrapped
		}
	}

	inputs := make(map[string]any, len(edgeContext)+len(state)+1)
	for k, v := range edgeContext {
		inputs[k] = v
	}
	for k, v := range state {
		inputs[k] = v
	}
	inputs["_nodeConfig"] = pn.Config

	ectx := &domain.ExecutionContext{
		WorkflowID:  workflowID,
		ExecutionID: execID,
		NodeID:      pn.RawNodeID,
		State:       state,
		Inputs:      inputs,
		Depth:       pn.Depth,
	}
	if iteration > 0 {
		it := iteration
		ectx.Iteration = &it
	}

	timeout := e.nodeTimeout(pn.Config)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	edgeMap, execErr := e.callNode(callCtx, instance, ectx, pn.Config)

	var cancelled bool
	e.mu.Lock()
	if r, ok := e.runs[execID]; ok {
		r.nodeCalls++
		cancelled = r.cancelled.Load()
	}
	e.mu.Unlock()

	// The cancel signal does not interrupt a node mid-flight, but a node
	// that was still running when it fired has its result discarded: no
	// state merge, no edge context, no edge selection.
	if cancelled && execErr == nil {
		rec.FinishedAt = time.Now()
		rec.Status = domain.NodeExecutionStatusSkipped
		return "", rec, nil
	}

	if execErr != nil {
		kind := domain.ErrorKindNodeExecution
		if callCtx.Err() == context.DeadlineExceeded {
			kind = domain.ErrorKindNodeTimeout
		}
		wrapped := domain.NewEngineError(kind, execErr.Error(), execErr).WithContext(workflowID, execID, pn.RawNodeID)

		log.Warn().Str("workflow_id", workflowID).Str("execution_id", execID).
			Str("node_id", pn.RawNodeID).Err(execErr).Msg("node execution failed")

		if errEdge, ok := pn.Edges["error"]; ok && errEdge.Kind == domain.ParsedEdgeSimple {
			_ = e.states.SetEdgeContext(execID, map[string]any{"error": execErr.Error()})
			rec.FinishedAt = time.Now()
			rec.Status = domain.NodeExecutionStatusFailed
			rec.EdgeTaken = "error"
			rec.Error = wrapped
			return "error", rec, nil
		}

		rec.FinishedAt = time.Now()
		rec.Status = domain.NodeExecutionStatusFailed
		rec.Error = wrapped
		return "", rec, wrapped
	}

	results := edgeMap.InvokeAll()
	taken := 0
	name := ""
	var data node.EdgeData
	for _, res := range results {
		if res.Taken {
			taken++
			if name == "" {
				name = res.Name
				data = res.Data
			}
		}
	}
	if taken > 1 {
		log.Warn().Str("workflow_id", workflowID).Str("execution_id", execID).
			Str("node_id", pn.RawNodeID).Int("edges_taken", taken).
			Msg("node returned more than one taken edge; first wins")
	}

	if name != "" && data != nil {
		_ = e.states.SetEdgeContext(execID, data)
	}

	if err := e.states.ReplaceState(execID, ectx.State); err != nil {
		rec.FinishedAt = time.Now()
		rec.Status = domain.NodeExecutionStatusFailed
		rec.Error = asEngineError(err)
		return "", rec, err
	}

	rec.FinishedAt = time.Now()
	rec.Status = domain.NodeExecutionStatusCompleted
	rec.EdgeTaken = name
	return name, rec, nil
}

// callNode invokes instance.Execute, recovering from a panic and converting
// it into an error so Execute is always treated as a total function.
func (e *Engine) callNode(ctx context.Context, instance node.WorkflowNode, ectx *domain.ExecutionContext, config map[string]any) (edgeMap *node.EdgeMap, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node panicked: %v", r)
		}
	}()
	return instance.Execute(ctx, ectx, config)
}

func (e *Engine) nodeTimeout(config map[string]any) time.Duration {
	if config == nil {
		return e.defaultTimeout
	}
	switch v := config["timeout"].(type) {
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	default:
		return e.defaultTimeout
	}
}

func estimateStateSize(state map[string]any) int64 {
	var size int64
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			size += int64(len(t))
		case map[string]any:
			for k, vv := range t {
				size += int64(len(k))
				walk(vv)
			}
		case []any:
			for _, vv := range t {
				walk(vv)
			}
		default:
			size += 8
		}
	}
	walk(state)
	return size
}
