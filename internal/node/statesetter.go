package node

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/flowkit/wfengine/internal/domain"
)

// identifierPattern constrains each dotted segment of a state-setter path:
// a letter or underscore, then letters, digits, or underscores.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// simpleVarPattern matches {{key}} / {{a.b.c}} placeholders. The setter
// only substitutes dotted lookups; it never evaluates expressions.
var simpleVarPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// StateSetterNode implements the reserved __state_setter__ node:
// assigns config.value at config.path inside the execution state, creating
// intermediate maps as needed and resolving {{key}} placeholders first.
type StateSetterNode struct{}

// NewStateSetterNode is the Factory the registry self-registers at startup.
func NewStateSetterNode() WorkflowNode { return &StateSetterNode{} }

func (n *StateSetterNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{
		ID:          StateSetterNodeID,
		Name:        "State Setter",
		Version:     "1.0.0",
		Description: "Assigns a value at a dotted path inside the execution state.",
		Inputs:      map[string]string{"path": "string", "value": "any"},
		Outputs:     map[string]string{"path": "string", "value": "any"},
		Source:      domain.NodeSourceUniversal,
	}
}

func (n *StateSetterNode) ValidateConfig(config map[string]any) error {
	path, ok := config["path"].(string)
	if !ok || path == "" {
		return domain.NewEngineError(domain.ErrorKindValidation, "state setter config.path must be a non-empty string", nil)
	}
	if _, err := splitPath(path); err != nil {
		return domain.NewEngineError(domain.ErrorKindValidation, err.Error(), nil)
	}
	return nil
}

func (n *StateSetterNode) Execute(_ context.Context, ectx *domain.ExecutionContext, config map[string]any) (*EdgeMap, error) {
	path, _ := config["path"].(string)
	segments, err := splitPath(path)
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrorKindValidation, err.Error(), nil)
	}

	value := resolveTemplates(config["value"], ectx.State)

	if ectx.State == nil {
		ectx.State = make(map[string]any)
	}
	assignPath(ectx.State, segments, value)

	// Shorthand ({ $.path: <object> } with no literal "value" key) writes
	// only the assigned value; the explicit form ({ $.path: { value: ... } })
	// additionally records the diagnostic marker. The two forms produce
	// identical state content everywhere except this marker.
	if shorthand, _ := config["shorthand"].(bool); !shorthand {
		ectx.State["_lastStateSet"] = map[string]any{"path": path, "value": value}
	}

	edges := NewEdgeMap()
	edges.Add("success", EdgeData{"path": path, "value": value})
	return edges, nil
}

// splitPath strips the leading "$." and validates each dotted segment
// against identifierPattern.
func splitPath(path string) ([]string, error) {
	trimmed := strings.TrimPrefix(path, "$.")
	if trimmed == "" {
		return nil, fmt.Errorf("state setter path %q resolves to no segments", path)
	}
	segments := strings.Split(trimmed, ".")
	for _, seg := range segments {
		if !identifierPattern.MatchString(seg) {
			return nil, fmt.Errorf("state setter path segment %q is not a valid identifier", seg)
		}
	}
	return segments, nil
}

// assignPath walks segments, creating intermediate map[string]any entries as
// needed, and overwrites whatever sits at the final segment.
func assignPath(root map[string]any, segments []string, value any) {
	cur := root
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segments[len(segments)-1]] = value
}

// resolveTemplates walks value recursively, replacing {{key}} (including
// nested {{a.b}} paths) in every string with its stringified lookup in
// state; non-string scalars pass through unchanged.
func resolveTemplates(value any, state map[string]any) any {
	switch v := value.(type) {
	case string:
		return resolveTemplateString(v, state)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = resolveTemplates(item, state)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = resolveTemplates(item, state)
		}
		return out
	default:
		return value
	}
}

func resolveTemplateString(s string, state map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return simpleVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := strings.TrimSpace(simpleVarPattern.FindStringSubmatch(match)[1])
		val, ok := lookupDotted(state, key)
		if !ok {
			return match
		}
		return fmt.Sprint(val)
	})
}

func lookupDotted(state map[string]any, key string) (any, bool) {
	segments := strings.Split(key, ".")
	var cur any = state
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := m[seg]
		if !exists {
			return nil, false
		}
		cur = val
	}
	return cur, true
}
