package reference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/flowkit/wfengine/internal/domain"
	"github.com/flowkit/wfengine/internal/node"
)

// JSONParserConfig is the config shape json-parser accepts.
type JSONParserConfig struct {
	InputKey    string `json:"input_key"`
	OutputKey   string `json:"output_key,omitempty"`
	FailOnError *bool  `json:"fail_on_error,omitempty"`
}

// JSONParserNode parses a string state or input value as JSON.
type JSONParserNode struct{}

// NewJSONParserNode returns the json-parser node.Factory.
func NewJSONParserNode() node.WorkflowNode { return &JSONParserNode{} }

func (n *JSONParserNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{
		ID:          "json-parser",
		Name:        "JSON Parser",
		Version:     "1.0.0",
		Description: "Parses a string input value as JSON into a structured object.",
		Inputs:      map[string]string{"input_key": "string"},
		Outputs:     map[string]string{"output_key": "any"},
		Source:      domain.NodeSourceUniversal,
	}
}

func (n *JSONParserNode) ValidateConfig(config map[string]any) error {
	return validateConfigShape[JSONParserConfig](config)
}

func (n *JSONParserNode) Execute(_ context.Context, ectx *domain.ExecutionContext, config map[string]any) (*node.EdgeMap, error) {
	cfg, err := parseConfig[JSONParserConfig](config)
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrorKindValidation, fmt.Sprintf("json-parser: %v", err), err)
	}
	if cfg.InputKey == "" {
		return nil, domain.NewEngineError(domain.ErrorKindValidation, "json-parser config.input_key is required", nil)
	}
	if cfg.OutputKey == "" {
		cfg.OutputKey = cfg.InputKey
	}
	failOnError := true
	if cfg.FailOnError != nil {
		failOnError = *cfg.FailOnError
	}

	raw, ok := ectx.Inputs[cfg.InputKey]
	if !ok {
		return edgeFromError("json-parser", fmt.Errorf("input variable %q not found", cfg.InputKey))
	}

	var jsonStr string
	switch v := raw.(type) {
	case string:
		jsonStr = strings.TrimSpace(v)
	case []byte:
		jsonStr = strings.TrimSpace(string(v))
	default:
		ectx.State[cfg.OutputKey] = raw
		edges := node.NewEdgeMap()
		edges.Add("success", node.EdgeData{"status": "passthrough", "already_parsed": true})
		return edges, nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(jsonStr), &decoded); err != nil {
		if failOnError {
			return edgeFromError("json-parser", fmt.Errorf("failed to parse JSON: %w", err))
		}
		log.Warn().Str("node_id", ectx.NodeID).Str("input_key", cfg.InputKey).Err(err).
			Msg("json-parser: failed to parse JSON, passing through original value")
		ectx.State[cfg.OutputKey] = raw
		edges := node.NewEdgeMap()
		edges.Add("success", node.EdgeData{"status": "parse_error", "passthrough": true})
		return edges, nil
	}

	ectx.State[cfg.OutputKey] = decoded
	edges := node.NewEdgeMap()
	edges.Add("success", node.EdgeData{"status": "success", "output_key": cfg.OutputKey})
	return edges, nil
}
