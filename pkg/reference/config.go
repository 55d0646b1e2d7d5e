// Package reference implements the small set of reference WorkflowNode
// types shipped alongside the engine core: an HTTP caller, an LLM
// completion node, an expression-based router, and a JSON parser. None of
// them are built-ins the registry self-registers; a caller wires them in
// explicitly via RegisterDefaults.
package reference

import (
	"encoding/json"
	"fmt"

	"github.com/flowkit/wfengine/internal/domain"
)

// parseConfig converts a node's raw config map into a typed struct via a
// JSON marshal/unmarshal round trip; the round trip handles the
// float64-from-JSON-decoding conversions a hand-rolled type switch would
// otherwise need to repeat per field.
func parseConfig[T any](config map[string]any) (*T, error) {
	if config == nil {
		return nil, fmt.Errorf("config is nil")
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &result, nil
}

// validateConfigShape derives a VariableSchema from T's json tags (every
// field without "omitempty" is required) and validates config against it,
// giving each reference node's ConfigValidator a one-line implementation
// instead of hand-rolled required-field checks.
func validateConfigShape[T any](config map[string]any) error {
	schema, err := domain.ParseStructToVariableSchema(new(T))
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return schema.Validate(config)
}
