package reference

import (
	"github.com/flowkit/wfengine/internal/domain"
	"github.com/flowkit/wfengine/internal/node"
)

// RegisterDefaults registers the four reference nodes into registry.
// openAIAPIKey is used by LLMCompletionNode whenever neither a workflow's
// node config nor its execution state supplies one; pass "" to require one
// of those.
func RegisterDefaults(registry *node.Registry, openAIAPIKey string) error {
	factories := []struct {
		factory node.Factory
	}{
		{func() node.WorkflowNode { return NewHTTPRequestNode() }},
		{NewLLMCompletionNode(openAIAPIKey)},
		{func() node.WorkflowNode { return NewExpressionNode() }},
		{func() node.WorkflowNode { return NewJSONParserNode() }},
	}
	for _, f := range factories {
		if err := registry.Register(f.factory, node.RegisterOptions{Source: domain.NodeSourceUniversal}); err != nil {
			return err
		}
	}
	return nil
}
