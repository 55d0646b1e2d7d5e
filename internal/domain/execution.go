package domain

import "time"

// NodeExecution records one node invocation within an ExecutionResult: a
// plain snapshot, since the engine reports outcomes at the end of a run
// rather than replaying an event log.
type NodeExecution struct {
	UniqueID   string
	NodeID     string
	Status     NodeExecutionStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Attempt    int
	EdgeTaken  string
	Error      *EngineError
}

// Duration returns how long the node ran, or zero if it hasn't finished.
func (n *NodeExecution) Duration() time.Duration {
	if n.FinishedAt.IsZero() {
		return 0
	}
	return n.FinishedAt.Sub(n.StartedAt)
}

// Metrics summarizes one execution run for observability.
type Metrics struct {
	NodesExecuted  int
	NodesFailed    int
	NodesSkipped   int
	LoopIterations map[string]int
	MaxDepth       int
	Duration       time.Duration
}

// ExecutionResult is what the engine returns for a completed, failed, or
// cancelled run: the final status, the resulting state
// snapshot, per-node history, and an error when Status is Failed.
type ExecutionResult struct {
	ExecutionID string
	WorkflowID  string
	Status      ExecutionStatus
	StartedAt   time.Time
	FinishedAt  time.Time
	FinalState  map[string]any
	Nodes       []*NodeExecution
	Metrics     Metrics
	Error       *EngineError
}

// NewExecutionResult starts a fresh, running result for executionID.
func NewExecutionResult(executionID, workflowID string, initialState map[string]any) *ExecutionResult {
	state := make(map[string]any, len(initialState))
	for k, v := range initialState {
		state[k] = v
	}
	return &ExecutionResult{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      ExecutionStatusRunning,
		StartedAt:   time.Now(),
		FinalState:  state,
		Metrics:     Metrics{LoopIterations: make(map[string]int)},
	}
}

// RecordNode appends a completed NodeExecution and rolls it into Metrics.
func (r *ExecutionResult) RecordNode(n *NodeExecution) {
	r.Nodes = append(r.Nodes, n)
	switch n.Status {
	case NodeExecutionStatusFailed:
		r.Metrics.NodesFailed++
	case NodeExecutionStatusSkipped:
		r.Metrics.NodesSkipped++
	default:
		r.Metrics.NodesExecuted++
	}
}

// Finish marks the result terminal with status and, for failures, the cause.
func (r *ExecutionResult) Finish(status ExecutionStatus, err *EngineError) {
	r.Status = status
	r.Error = err
	r.FinishedAt = time.Now()
	r.Metrics.Duration = r.FinishedAt.Sub(r.StartedAt)
}
