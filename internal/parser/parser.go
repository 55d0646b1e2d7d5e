package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/flowkit/wfengine/internal/domain"
	"github.com/flowkit/wfengine/internal/node"
)

var (
	idPattern      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

	// statePattern loosely recognizes state-setter intent (any "$."-prefixed
	// key); strictStatePattern is what a path must actually satisfy. Keeping
	// the two apart means a malformed path like "$.1bad" or "$.a..." is
	// still parsed as a state setter and rejected with
	// INVALID_STATE_SETTER_SYNTAX rather than mistaken for a node id.
	statePattern       = regexp.MustCompile(`^\$\.`)
	strictStatePattern = regexp.MustCompile(`^\$\.[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// conventionalEdgeNames are edge names recognized when a node's registered
// metadata.Outputs doesn't already declare them, provided the key's value
// is routing-shaped (a string, an array or an object).
var conventionalEdgeNames = map[string]bool{
	"success": true, "error": true, "next": true,
	"true": true, "false": true, "default": true,
}

// Parser parses workflow documents against a Registry used for reference
// and node-shape resolution.
type Parser struct {
	registry *node.Registry
}

// New returns a Parser bound to registry.
func New(registry *node.Registry) *Parser {
	return &Parser{registry: registry}
}

type parseState struct {
	result       *ValidationResult
	uniqueSeq    int
	topLevelByID map[string]int // nodeId -> index in workflow.Nodes
	allNodes     []*domain.ParsedNode
}

// Parse decodes doc into a ParsedWorkflow. The returned ValidationResult
// always describes everything found, including when the returned error is
// non-nil because ValidationResult.HasErrors() is true.
func (p *Parser) Parse(doc map[string]any) (*domain.ParsedWorkflow, *ValidationResult, error) {
	result := &ValidationResult{}

	id, _ := doc["id"].(string)
	name, _ := doc["name"].(string)
	version, hasVersion := doc["version"].(string)
	description, _ := doc["description"].(string)

	if !idPattern.MatchString(id) || len(id) > 64 {
		result.AddError("id", CodeInvalidSchema, "workflow id %q must match %s and be 1-64 chars", id, idPattern.String())
	}
	if len(name) == 0 || len(name) > 256 {
		result.AddError("name", CodeInvalidSchema, "workflow name must be 1-256 chars")
	}
	if hasVersion && version != "" && !versionPattern.MatchString(version) {
		result.AddError("version", CodeInvalidSchema, "workflow version %q must be semver MAJOR.MINOR.PATCH", version)
	}

	var initialState map[string]any
	if raw, exists := doc["initialState"]; exists {
		m, ok := raw.(map[string]any)
		if !ok {
			result.AddError("initialState", CodeInvalidSchema, "initialState must be an object")
		} else {
			initialState = m
		}
	}

	blocks, err := normalizeWorkflowField(doc["workflow"])
	if err != nil {
		result.AddError("workflow", CodeInvalidSchema, "%s", err.Error())
		return nil, result, fmt.Errorf("parser: %w", err)
	}
	if len(blocks) == 0 {
		result.AddError("workflow", CodeInvalidSchema, "workflow must have at least one top-level node")
	}

	st := &parseState{result: result, topLevelByID: make(map[string]int)}

	nodes := make([]*domain.ParsedNode, 0, len(blocks))
	for i, b := range blocks {
		path := fmt.Sprintf("workflow[%d].%s", i, b.key)
		pn := p.parseNodeBlock(st, path, b.key, b.value, 0, nil)
		st.topLevelByID[pn.NodeID] = i
		nodes = append(nodes, pn)
	}

	p.checkReferences(st, nodes)
	p.checkCycles(st, nodes)

	workflow := &domain.ParsedWorkflow{
		ID:           id,
		Name:         name,
		Version:      version,
		Description:  description,
		InitialState: initialState,
		Nodes:        nodes,
	}

	if result.HasErrors() {
		return workflow, result, fmt.Errorf("parser: workflow %q failed validation with %d issue(s)", id, len(result.Issues))
	}
	return workflow, result, nil
}

// Validate runs the full parse pass over doc and returns only the
// ValidationResult, for callers that want to check a document without
// keeping the AST.
func (p *Parser) Validate(doc map[string]any) *ValidationResult {
	_, result, _ := p.Parse(doc)
	return result
}

// ParseJSON decodes a UTF-8 JSON workflow document and parses it; the
// decoded form goes through exactly the same Parse pass an already-decoded
// object does.
func (p *Parser) ParseJSON(data []byte) (*domain.ParsedWorkflow, *ValidationResult, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		result := &ValidationResult{}
		result.AddError("", CodeInvalidSchema, "document is not valid JSON: %s", err.Error())
		return nil, result, fmt.Errorf("parser: %w", err)
	}
	return p.Parse(doc)
}

type workflowBlock struct {
	key   string
	value any
}

// normalizeWorkflowField accepts either an ordered sequence of single-key
// node-blocks or a map of nodeId -> config, producing the same ordered block
// list either way. The map form has no document-defined
// order, so node ids are sorted lexicographically; JSON object decoding in
// Go does not preserve key order.
func normalizeWorkflowField(raw any) ([]workflowBlock, error) {
	switch v := raw.(type) {
	case []any:
		blocks := make([]workflowBlock, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok || len(m) != 1 {
				return nil, fmt.Errorf("workflow[%d] must be a single-key node block", i)
			}
			for k, val := range m {
				blocks = append(blocks, workflowBlock{key: k, value: val})
			}
		}
		return blocks, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sortStrings(keys)
		blocks := make([]workflowBlock, 0, len(keys))
		for _, k := range keys {
			blocks = append(blocks, workflowBlock{key: k, value: v[k]})
		}
		return blocks, nil
	default:
		return nil, fmt.Errorf("workflow must be an array of node-blocks or an object of nodeId -> config")
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// parseNodeBlock parses one {key: value} node-block, recognizing the
// state-setter sugar, the "..." loop suffix, and splitting value's keys
// into config vs edges.
func (p *Parser) parseNodeBlock(st *parseState, path, key string, value any, depth int, parent *domain.ParsedNode) *domain.ParsedNode {
	st.uniqueSeq++
	uniqueID := fmt.Sprintf("%s_%d", sanitizeID(key), st.uniqueSeq)

	if statePattern.MatchString(key) {
		return p.makeStateSetterNode(st, path, key, value, depth, uniqueID, parent)
	}

	baseID, isLoop := trimLoopSuffix(key)
	pn := &domain.ParsedNode{
		NodeID:     baseID,
		RawNodeID:  key,
		IsLoopNode: isLoop,
		Depth:      depth,
		UniqueID:   uniqueID,
		Parent:     parent,
	}
	st.allNodes = append(st.allNodes, pn)

	body, ok := value.(map[string]any)
	if !ok {
		pn.Config = map[string]any{"_value": value}
		return pn
	}

	meta, _ := p.registry.Metadata(baseID)
	config := make(map[string]any)
	for k, v := range body {
		edgeName, isEdge := classifyEdgeKey(k, v, meta)
		if !isEdge {
			config[k] = v
			continue
		}
		edgePath := fmt.Sprintf("%s.%s", path, k)
		if strings.HasSuffix(edgeName, "...") {
			st.result.AddError(edgePath, CodeInvalidSchema, "loop suffix \"...\" is only legal on a node identifier, not on edge name %q", k)
			continue
		}
		edge := p.parseEdgeValue(st, edgePath, v, depth+1, pn)
		if edge == nil {
			continue
		}
		pn.AddEdge(edgeName, edge)
		if edge.Node != nil {
			pn.Children = append(pn.Children, edge.Node)
		}
		for _, item := range edge.Items {
			if item.Node != nil {
				pn.Children = append(pn.Children, item.Node)
			}
		}
	}
	pn.Config = config

	// Only probe config shape for nodes actually registered; an unresolved
	// baseID is already reported separately by checkReferences/checkTarget
	// for anything that flows through an edge, and parseNodeBlock itself has
	// no opinion on whether a bare, unreferenced node id should exist.
	if p.registry.Has(baseID, "") {
		if err := p.registry.ValidateConfig(baseID, "", config); err != nil {
			st.result.AddError(path, CodeInvalidSchema, "node %q rejected its config: %s", baseID, err.Error())
		}
	}
	return pn
}

// makeStateSetterNode builds the synthetic __state_setter__ ParsedNode for a
// "$."-keyed block, validating the path against the strict grammar and
// extracting the block's own edge declarations. Inside a setter block only
// "?"-suffixed keys are edges; a bare key is always part of the shorthand
// value, never routing.
func (p *Parser) makeStateSetterNode(st *parseState, path, key string, value any, depth int, uniqueID string, parent *domain.ParsedNode) *domain.ParsedNode {
	if !strictStatePattern.MatchString(key) {
		st.result.AddError(path, CodeInvalidStateSetter, "state setter path %q does not match %s", key, strictStatePattern.String())
	}

	valueArg, explicit := extractStateSetterArgs(value)
	pn := &domain.ParsedNode{
		NodeID:    node.StateSetterNodeID,
		RawNodeID: key,
		Config:    map[string]any{"path": key, "value": valueArg, "shorthand": !explicit},
		Depth:     depth,
		UniqueID:  uniqueID,
		Parent:    parent,
	}
	st.allNodes = append(st.allNodes, pn)

	if body, ok := value.(map[string]any); ok {
		for k, v := range body {
			if !strings.HasSuffix(k, "?") {
				continue
			}
			edgeName := strings.TrimSuffix(k, "?")
			edge := p.parseEdgeValue(st, fmt.Sprintf("%s.%s", path, k), v, depth+1, pn)
			if edge == nil {
				continue
			}
			pn.AddEdge(edgeName, edge)
			if edge.Node != nil {
				pn.Children = append(pn.Children, edge.Node)
			}
			for _, item := range edge.Items {
				if item.Node != nil {
					pn.Children = append(pn.Children, item.Node)
				}
			}
		}
	}
	return pn
}

// classifyEdgeKey decides whether key/value is an edge declaration rather
// than node config: edge keys are those that end with "?", appear in the
// node's declared outputs, or are one of conventionalEdgeNames carrying a
// routing-shaped value. Any other key is config, whatever its value.
func classifyEdgeKey(key string, value any, meta domain.WorkflowNodeMetadata) (edgeName string, isEdge bool) {
	if strings.HasSuffix(key, "?") {
		return strings.TrimSuffix(key, "?"), true
	}
	if meta.Outputs != nil {
		if _, declared := meta.Outputs[key]; declared {
			return key, true
		}
	}
	if conventionalEdgeNames[key] {
		switch value.(type) {
		case string, []any, map[string]any:
			return key, true
		}
	}
	return "", false
}

// parseEdgeValue converts a recognized edge value into a ParsedEdge.
func (p *Parser) parseEdgeValue(st *parseState, path string, value any, depth int, owner *domain.ParsedNode) *domain.ParsedEdge {
	if depth > domain.MaxNestedDepth {
		st.result.AddError(path, CodeNestingLimitAtParse, "edge nesting exceeds MAX_NESTED_DEPTH=%d", domain.MaxNestedDepth)
		return nil
	}

	switch v := value.(type) {
	case string:
		return &domain.ParsedEdge{Kind: domain.ParsedEdgeSimple, Target: v}

	case []any:
		items := make([]domain.SequenceItem, 0, len(v))
		for i, el := range v {
			itemPath := fmt.Sprintf("%s[%d]", path, i)
			switch ev := el.(type) {
			case string:
				items = append(items, domain.SequenceItem{Target: ev})
			case map[string]any:
				child, ok := singleKeyOf(ev)
				if !ok {
					st.result.AddError(itemPath, CodeAmbiguousEdgeShape, "sequence item object must have exactly one key naming a node or state-setter path")
					continue
				}
				childNode := p.parseNodeBlock(st, itemPath, child.key, child.value, depth+1, owner)
				items = append(items, domain.SequenceItem{Node: childNode})
			default:
				st.result.AddError(itemPath, CodeAmbiguousEdgeShape, "sequence item must be a string or a single-key object")
			}
		}
		return &domain.ParsedEdge{Kind: domain.ParsedEdgeSequence, Items: items}

	case map[string]any:
		if len(v) == 1 {
			kv, _ := singleKeyOf(v)
			if statePattern.MatchString(kv.key) {
				st.uniqueSeq++
				uniqueID := fmt.Sprintf("%s_%d", sanitizeID(kv.key), st.uniqueSeq)
				childNode := p.makeStateSetterNode(st, path+"."+kv.key, kv.key, kv.value, depth, uniqueID, owner)
				return &domain.ParsedEdge{
					Kind: domain.ParsedEdgeNested, Node: childNode,
					StatePath: kv.key, StateValue: childNode.Config["value"],
				}
			}

			baseID, isLoop := trimLoopSuffix(kv.key)
			if isLoop || p.registry.Has(baseID, "") || st.topLevelByID == nil {
				childNode := p.parseNodeBlock(st, path+"."+kv.key, kv.key, kv.value, depth+1, owner)
				return &domain.ParsedEdge{Kind: domain.ParsedEdgeNested, Node: childNode}
			}
		}

		// Multiple keys, or a single key resolving to neither a registered
		// node nor a loop marker: treated as edge configuration with no
		// singular node-shaped key. There is no host node to attach further
		// routing to at this position, so the shape is recorded and produces
		// no ParsedEdge.
		st.result.AddWarning(path, CodeAmbiguousEdgeShape, "object edge value has no singular node-shaped key; treated as inert edge configuration")
		return nil

	default:
		st.result.AddWarning(path, CodeAmbiguousEdgeShape, "edge value of type %T is not a recognized shape", value)
		return nil
	}
}

type keyValue struct {
	key   string
	value any
}

func singleKeyOf(m map[string]any) (keyValue, bool) {
	if len(m) != 1 {
		return keyValue{}, false
	}
	for k, v := range m {
		return keyValue{key: k, value: v}, true
	}
	return keyValue{}, false
}

// extractStateSetterArgs splits the two state-setter block forms:
// {value: X, ...} means value=X (explicit form); a block lacking a literal
// "value" key means value = the whole block minus edge keys (shorthand
// form, which preserves object structure but does not carry the explicit
// "value" marker StateSetterNode uses to decide whether to also record
// _lastStateSet).
func extractStateSetterArgs(block any) (value any, explicit bool) {
	m, ok := block.(map[string]any)
	if !ok {
		return block, true
	}
	if v, has := m["value"]; has {
		return v, true
	}
	shorthand := make(map[string]any, len(m))
	for k, v := range m {
		if strings.HasSuffix(k, "?") {
			continue
		}
		shorthand[k] = v
	}
	return shorthand, false
}

func trimLoopSuffix(key string) (baseID string, isLoop bool) {
	if strings.HasSuffix(key, "...") {
		return strings.TrimSuffix(key, "..."), true
	}
	return key, false
}

func sanitizeID(key string) string {
	return strings.NewReplacer("$", "setter", ".", "_", "...", "").Replace(key)
}

// checkReferences requires every simple target and sequence string item to
// name either a top-level node or a registered node.
func (p *Parser) checkReferences(st *parseState, nodes []*domain.ParsedNode) {
	topLevel := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		topLevel[n.NodeID] = true
	}

	var walk func(n *domain.ParsedNode, path string)
	walk = func(n *domain.ParsedNode, path string) {
		for _, name := range n.EdgeOrder {
			edge := n.Edges[name]
			edgePath := fmt.Sprintf("%s.%s", path, name)
			switch edge.Kind {
			case domain.ParsedEdgeSimple:
				p.checkTarget(st, edgePath, edge.Target, topLevel)
			case domain.ParsedEdgeSequence:
				for i, item := range edge.Items {
					if item.IsNode() {
						walk(item.Node, fmt.Sprintf("%s[%d]", edgePath, i))
					} else {
						p.checkTarget(st, fmt.Sprintf("%s[%d]", edgePath, i), item.Target, topLevel)
					}
				}
			case domain.ParsedEdgeNested:
				if edge.Node != nil {
					walk(edge.Node, edgePath)
				}
			}
		}
	}
	for i, n := range nodes {
		walk(n, fmt.Sprintf("workflow[%d]", i))
	}
}

func (p *Parser) checkTarget(st *parseState, path, target string, topLevel map[string]bool) {
	if topLevel[target] {
		return
	}
	if p.registry.Has(target, "") {
		return
	}
	st.result.AddError(path, CodeUnknownReference, "edge target %q is neither a top-level node nor a registered node", target)
}

// checkCycles reports CIRCULAR_REFERENCE for any cycle among top-level
// nodes via simple-target jumps that does not pass through a loop node.
// The graph it searches holds only the simple edges declared directly on
// top-level nodes: simple edges on nested or sequence-item nodes, which
// also move the top-level cursor when taken, are not part of it, so cycles
// formed through them are not reported.
func (p *Parser) checkCycles(st *parseState, nodes []*domain.ParsedNode) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.NodeID] = i
	}

	adj := make([][]int, len(nodes))
	for i, n := range nodes {
		for _, name := range n.EdgeOrder {
			edge := n.Edges[name]
			if edge.Kind == domain.ParsedEdgeSimple {
				if j, ok := index[edge.Target]; ok {
					adj[i] = append(adj[i], j)
				}
			}
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(nodes))
	var stack []int

	var dfs func(i int) bool
	dfs = func(i int) bool {
		color[i] = gray
		stack = append(stack, i)
		for _, j := range adj[i] {
			if color[j] == gray {
				cycleHasLoopNode := false
				for k := len(stack) - 1; k >= 0; k-- {
					if nodes[stack[k]].IsLoopNode {
						cycleHasLoopNode = true
					}
					if stack[k] == j {
						break
					}
				}
				if !cycleHasLoopNode {
					st.result.AddError(fmt.Sprintf("workflow[%d]", i), CodeCircularReference,
						"cycle detected reaching node %q with no loop node in the cycle", nodes[j].NodeID)
				}
				continue
			}
			if color[j] == white && dfs(j) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return false
	}

	for i := range nodes {
		if color[i] == white {
			dfs(i)
		}
	}
}
