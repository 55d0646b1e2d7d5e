package domain

// ParsedWorkflow is the output of the parser: a workflow document reduced to
// an ordered node sequence plus whatever seed state the document declared.
type ParsedWorkflow struct {
	ID           string
	Name         string
	Version      string
	Description  string
	InitialState map[string]any
	Nodes        []*ParsedNode
}

// ParsedEdgeKind discriminates the closed edge sum type:
// Simple | Sequence | Nested. StateSetter is never constructed directly by
// the parser (a state-setter edge value is reduced to Nested over the
// synthetic __state_setter__ node) but the tag is kept so callers can
// recognize that shape without inspecting the synthetic ref.
type ParsedEdgeKind string

const (
	ParsedEdgeSimple      ParsedEdgeKind = "simple"
	ParsedEdgeSequence    ParsedEdgeKind = "sequence"
	ParsedEdgeNested      ParsedEdgeKind = "nested"
	ParsedEdgeStateSetter ParsedEdgeKind = "stateSetter"
)

// SequenceItem is one element of a ParsedEdge's Sequence: either a bare
// string reference to a node, or a fully parsed inline ParsedNode.
type SequenceItem struct {
	Target string
	Node   *ParsedNode
}

// IsNode reports whether this item carries an inline ParsedNode rather than
// a bare string reference.
func (s SequenceItem) IsNode() bool { return s.Node != nil }

// ParsedEdge is one entry in a ParsedNode's edge map. Exactly one of the
// variant-specific fields is populated, selected by Kind.
type ParsedEdge struct {
	Kind ParsedEdgeKind

	// Simple
	Target string

	// Sequence
	Items []SequenceItem

	// Nested
	Node *ParsedNode

	// StateSetter fields are informational only; the parser always populates
	// Kind=Nested/Node with the synthetic setter node so resolution never
	// needs a separate code path.
	StatePath  string
	StateValue any
}

// ParsedNode is one node occurrence in the AST.
type ParsedNode struct {
	// NodeID is the registry key after stripping the optional "..." loop
	// suffix. RawNodeID preserves the form as written in the document.
	NodeID     string
	RawNodeID  string
	IsLoopNode bool

	Config map[string]any

	// Edges maps edge name -> ParsedEdge. EdgeOrder records the order in
	// which the parser added them; the parser walks the decoded block map,
	// so this is not guaranteed to be document order. Edge selection does
	// not use it: the node's returned EdgeMap decides which edge is taken.
	Edges     map[string]*ParsedEdge
	EdgeOrder []string

	// Children are the direct nested ParsedNodes reachable from Edges,
	// kept for cycle/topology analysis independent of edge resolution.
	Children []*ParsedNode

	Depth    int
	UniqueID string
	Parent   *ParsedNode
}

// AddEdge appends a ParsedEdge under name, preserving insertion order.
func (n *ParsedNode) AddEdge(name string, edge *ParsedEdge) {
	if n.Edges == nil {
		n.Edges = make(map[string]*ParsedEdge)
	}
	if _, exists := n.Edges[name]; !exists {
		n.EdgeOrder = append(n.EdgeOrder, name)
	}
	n.Edges[name] = edge
}

// ExecutionContext is handed to a WorkflowNode on each invocation. State is
// a copy of the execution's shared state that the node may read and mutate;
// the engine writes it back as the new shared state after the node returns.
// Inputs merges the edge context left by the previous node, the current
// state, and the node's static config under the "_nodeConfig" key.
type ExecutionContext struct {
	WorkflowID  string
	ExecutionID string
	NodeID      string
	State       map[string]any
	Inputs      map[string]any
	Depth       int

	// Iteration is present (non-nil) only while invoking a loop node,
	// carrying the 1-based iteration count.
	Iteration *int
}
