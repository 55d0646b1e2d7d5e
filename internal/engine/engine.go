package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/flowkit/wfengine/internal/domain"
	"github.com/flowkit/wfengine/internal/node"
)

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMaxLoopIterations overrides domain.MaxLoopIterations.
func WithMaxLoopIterations(n int) Option {
	return func(e *Engine) { e.maxLoopIterations = n }
}

// WithMaxNestedDepth overrides domain.MaxNestedDepth.
func WithMaxNestedDepth(n int) Option {
	return func(e *Engine) { e.maxNestedDepth = n }
}

// WithDefaultTimeout overrides the per-node timeout used when a node's
// config carries no "timeout" key.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithEnvironment scopes every registry lookup this engine makes to env.
func WithEnvironment(env domain.NodeSource) Option {
	return func(e *Engine) { e.env = env }
}

// WithMaxStateSizeBytes enforces an optional cap on estimated state size in
// bytes; 0 disables the check.
func WithMaxStateSizeBytes(n int64) Option {
	return func(e *Engine) { e.maxStateSizeBytes = n }
}

// WithMaxNodeExecutions enforces an optional cap on total node invocations
// per execution; 0 disables the check.
func WithMaxNodeExecutions(n int) Option {
	return func(e *Engine) { e.maxNodeExecutions = n }
}

// WithStateRetention overrides how long a terminated execution's state stays
// readable before Cleanup.
func WithStateRetention(d time.Duration) Option {
	return func(e *Engine) { e.states = NewStateManager(d) }
}

// ResultSink receives every terminal ExecutionResult, letting a caller plug
// in an audit/persistence collaborator without the engine depending on one;
// the optional Postgres statestore package wires a ResultSink this way.
type ResultSink interface {
	RecordResult(ctx context.Context, result *domain.ExecutionResult)
}

// WithResultSink registers a ResultSink invoked once per execution after it
// reaches a terminal status.
func WithResultSink(sink ResultSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sink) }
}

// Engine traverses a ParsedWorkflow, invoking nodes through the Registry and
// carrying state through the StateManager, resolving each returned edge to a
// routing action.
type Engine struct {
	registry *node.Registry
	states   *StateManager
	env      domain.NodeSource

	maxLoopIterations int
	maxNestedDepth    int
	defaultTimeout    time.Duration
	maxStateSizeBytes int64
	maxNodeExecutions int

	sinks []ResultSink

	mu      sync.RWMutex
	runs    map[string]*run
	results map[string]*domain.ExecutionResult
}

// New returns an Engine bound to registry, ready to execute workflows.
func New(registry *node.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:          registry,
		states:            NewStateManager(DefaultStateRetention),
		maxLoopIterations: domain.MaxLoopIterations,
		maxNestedDepth:    domain.MaxNestedDepth,
		defaultTimeout:    domain.DefaultTimeoutMS * time.Millisecond,
		maxStateSizeBytes: 10 * 1024 * 1024,
		maxNodeExecutions: 10_000,
		runs:              make(map[string]*run),
		results:           make(map[string]*domain.ExecutionResult),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run holds the per-execution mutable traversal state: the top-level cursor,
// loop-iteration counters, and the cooperative cancel flag.
type run struct {
	workflow     *domain.ParsedWorkflow
	topLevel     map[string]int // nodeId -> index in workflow.Nodes
	cursor       int
	loopCounters map[string]int
	cancelled    atomic.Bool
	nodeCalls    int
}

// leaveScope resets the iteration counters of every loop node other than
// keep: moving the cursor forward leaves the scope of any loop whose id
// differs from the node just executed, and a later re-entry into such a
// loop starts a fresh iteration count.
func (r *run) leaveScope(keep string) {
	for id := range r.loopCounters {
		if id != keep {
			delete(r.loopCounters, id)
		}
	}
}

// Execute begins a workflow run and returns its executionId immediately; the
// run itself proceeds on a background goroutine.
func (e *Engine) Execute(ctx context.Context, workflow *domain.ParsedWorkflow, seedInputs map[string]any) (string, error) {
	execID := newExecutionID()
	e.prepare(execID, workflow, seedInputs)
	go e.runToCompletion(context.Background(), execID)
	return execID, nil
}

// ExecuteSync runs workflow to completion on the caller's goroutine and
// returns its final result directly; used by tests and CLI callers that want
// a blocking call rather than polling GetStatus.
func (e *Engine) ExecuteSync(ctx context.Context, workflow *domain.ParsedWorkflow, seedInputs map[string]any) *domain.ExecutionResult {
	execID := newExecutionID()
	e.prepare(execID, workflow, seedInputs)
	return e.runToCompletion(ctx, execID)
}

func newExecutionID() string { return uuid.NewString() }

func (e *Engine) prepare(execID string, workflow *domain.ParsedWorkflow, seedInputs map[string]any) {
	seed := make(map[string]any, len(workflow.InitialState)+len(seedInputs))
	for k, v := range workflow.InitialState {
		seed[k] = v
	}
	for k, v := range seedInputs {
		seed[k] = v
	}
	e.states.Initialize(execID, seed)

	topLevel := make(map[string]int, len(workflow.Nodes))
	for i, n := range workflow.Nodes {
		topLevel[n.NodeID] = i
	}

	r := &run{
		workflow:     workflow,
		topLevel:     topLevel,
		loopCounters: make(map[string]int),
	}

	result := domain.NewExecutionResult(execID, workflow.ID, seed)

	e.mu.Lock()
	e.runs[execID] = r
	e.results[execID] = result
	e.mu.Unlock()
}

// GetStatus returns a snapshot of the execution's current result.
func (e *Engine) GetStatus(execID string) (*domain.ExecutionResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	result, ok := e.results[execID]
	if !ok {
		return nil, fmt.Errorf("unknown execution %s", execID)
	}
	return snapshotResult(result), nil
}

func snapshotResult(r *domain.ExecutionResult) *domain.ExecutionResult {
	cp := *r
	cp.FinalState = deepCopyMap(r.FinalState)
	cp.Nodes = append([]*domain.NodeExecution(nil), r.Nodes...)
	return &cp
}

// Cancel requests cooperative cancellation of execID. It returns
// true if the execution was found and not already terminal.
func (e *Engine) Cancel(execID string) bool {
	e.mu.RLock()
	r, okRun := e.runs[execID]
	result, okResult := e.results[execID]
	e.mu.RUnlock()
	if !okRun || !okResult || result.Status.IsTerminal() {
		return false
	}
	r.cancelled.Store(true)
	return true
}

// recordExecution appends nodeExec to execID's result regardless of whether
// the invocation came from the top-level cursor, a sequence item, a nested
// loop re-entry, or a side-call: every node invocation belongs in the
// execution's history, not just the ones that advance the top-level cursor.
func (e *Engine) recordExecution(execID string, nodeExec *domain.NodeExecution) {
	if nodeExec == nil {
		return
	}
	// A write lock, not a read lock: GetStatus snapshots the result under
	// RLock from other goroutines while the run goroutine appends here.
	e.mu.Lock()
	defer e.mu.Unlock()
	if result, ok := e.results[execID]; ok {
		result.RecordNode(nodeExec)
	}
}

// scheduleResultCleanup drops the run bookkeeping and the result snapshot
// after the same retention window the StateManager grants, so status
// readers keep their grace period without the engine's maps growing
// unboundedly across executions.
func (e *Engine) scheduleResultCleanup(execID string) {
	time.AfterFunc(e.states.retention, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.runs, execID)
		delete(e.results, execID)
	})
}

// ListRegistered proxies to the Registry.
func (e *Engine) ListRegistered() []domain.WorkflowNodeMetadata {
	return e.registry.List(e.env)
}

// runToCompletion drives the top-level node cursor to a terminal status and
// returns the final ExecutionResult.
func (e *Engine) runToCompletion(ctx context.Context, execID string) *domain.ExecutionResult {
	e.mu.RLock()
	r := e.runs[execID]
	result := e.results[execID]
	e.mu.RUnlock()

	logEvt := log.Info().Str("workflow_id", r.workflow.ID).Str("execution_id", execID)
	logEvt.Msg("execution started")

	var finalErr *domain.EngineError
	status := domain.ExecutionStatusCompleted

	nodes := r.workflow.Nodes
	for {
		if r.cancelled.Load() {
			status = domain.ExecutionStatusCancelled
			break
		}
		if r.cursor >= len(nodes) {
			break
		}

		pn := nodes[r.cursor]

		if pn.IsLoopNode {
			r.loopCounters[pn.NodeID]++
			if r.loopCounters[pn.NodeID] > e.maxLoopIterations {
				finalErr = domain.NewEngineError(domain.ErrorKindLoopLimit,
					fmt.Sprintf("loop node %q exceeded MAX_LOOP_ITERATIONS=%d", pn.NodeID, e.maxLoopIterations), nil).
					WithContext(r.workflow.ID, execID, pn.NodeID)
				status = domain.ExecutionStatusFailed
				break
			}
		}

		if e.maxNodeExecutions > 0 && r.nodeCalls >= e.maxNodeExecutions {
			finalErr = domain.NewEngineError(domain.ErrorKindResourceExceeded,
				fmt.Sprintf("execution exceeded maxNodeExecutions=%d", e.maxNodeExecutions), nil).
				WithContext(r.workflow.ID, execID, pn.NodeID)
			status = domain.ExecutionStatusFailed
			break
		}

		iteration := 0
		if pn.IsLoopNode {
			iteration = r.loopCounters[pn.NodeID]
		}
		selectedEdge, _, err := e.invokeNode(ctx, execID, r.workflow.ID, pn, iteration)
		if err != nil {
			finalErr = asEngineError(err)
			status = domain.ExecutionStatusFailed
			break
		}

		var edge *domain.ParsedEdge
		if selectedEdge != "" {
			edge = pn.Edges[selectedEdge]
		}

		if edge == nil {
			// A loop node that selected an edge with no route configured
			// for it re-invokes itself rather than falling through, so the
			// iteration cap is what eventually bounds it. Selecting no edge
			// at all is plain fall-through even for a loop node: that is
			// how a loop terminates before the cap.
			if pn.IsLoopNode && selectedEdge != "" {
				continue
			}
			r.leaveScope(pn.NodeID)
			r.cursor++
			continue
		}

		jumped, err := e.resolveEdge(ctx, execID, r, edge, 1)
		if err != nil {
			finalErr = asEngineError(err)
			status = domain.ExecutionStatusFailed
			break
		}
		if jumped {
			r.leaveScope(pn.NodeID)
			continue
		}
		if pn.IsLoopNode {
			continue // loop back to the same node (cursor unchanged)
		}
		r.leaveScope(pn.NodeID)
		r.cursor++
	}

	finalState, stateErr := e.states.GetState(execID)

	e.mu.Lock()
	if stateErr == nil {
		result.FinalState = finalState
	}
	result.Finish(status, finalErr)
	e.mu.Unlock()

	e.states.ScheduleCleanup(execID)
	e.scheduleResultCleanup(execID)

	evt := log.Info()
	if status == domain.ExecutionStatusFailed {
		evt = log.Error()
	}
	evt.Str("workflow_id", r.workflow.ID).Str("execution_id", execID).
		Str("status", status.String()).Dur("duration", result.Metrics.Duration).
		Msg("execution finished")

	for _, sink := range e.sinks {
		sink.RecordResult(ctx, snapshotResult(result))
	}

	return snapshotResult(result)
}

func asEngineError(err error) *domain.EngineError {
	if ee, ok := err.(*domain.EngineError); ok {
		return ee
	}
	return domain.NewEngineError(domain.ErrorKindNodeExecution, err.Error(), err)
}
