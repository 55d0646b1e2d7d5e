package reference

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/flowkit/wfengine/internal/domain"
	"github.com/flowkit/wfengine/internal/node"
)

// ExpressionConfig is the config shape expr-route accepts.
type ExpressionConfig struct {
	Expression string `json:"expression"`
	OutputKey  string `json:"output_key,omitempty"`
}

// ExpressionNode evaluates config.expression against the node's inputs
// using github.com/expr-lang/expr. A boolean result routes to the
// true/false edges; any other result routes to result.
type ExpressionNode struct{}

// NewExpressionNode returns the expr-route node.Factory.
func NewExpressionNode() node.WorkflowNode { return &ExpressionNode{} }

func (n *ExpressionNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{
		ID:          "expr-route",
		Name:        "Expression Router",
		Version:     "1.0.0",
		Description: "Evaluates an expr-lang expression against the node's inputs.",
		Inputs:      map[string]string{"expression": "string"},
		Outputs:     map[string]string{"result": "any"},
		Source:      domain.NodeSourceUniversal,
	}
}

func (n *ExpressionNode) ValidateConfig(config map[string]any) error {
	if err := validateConfigShape[ExpressionConfig](config); err != nil {
		return err
	}
	cfg, err := parseConfig[ExpressionConfig](config)
	if err != nil {
		return err
	}
	_, err = expr.Compile(cfg.Expression)
	return err
}

func (n *ExpressionNode) Execute(_ context.Context, ectx *domain.ExecutionContext, config map[string]any) (*node.EdgeMap, error) {
	cfg, err := parseConfig[ExpressionConfig](config)
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrorKindValidation, fmt.Sprintf("expr-route: %v", err), err)
	}
	if cfg.Expression == "" {
		return nil, domain.NewEngineError(domain.ErrorKindValidation, "expr-route config.expression is required", nil)
	}

	program, err := expr.Compile(cfg.Expression, expr.Env(ectx.Inputs))
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrorKindValidation, fmt.Sprintf("expr-route: %v", err), err)
	}

	result, err := expr.Run(program, ectx.Inputs)
	if err != nil {
		return edgeFromError("expr-route", err)
	}

	if cfg.OutputKey != "" {
		ectx.State[cfg.OutputKey] = result
	}

	edges := node.NewEdgeMap()
	if b, ok := result.(bool); ok {
		if b {
			edges.Add("true", node.EdgeData{"result": result})
		} else {
			edges.Add("false", node.EdgeData{"result": result})
		}
		return edges, nil
	}
	edges.Add("result", node.EdgeData{"result": result})
	return edges, nil
}
