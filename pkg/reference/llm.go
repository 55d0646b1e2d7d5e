package reference

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/flowkit/wfengine/internal/domain"
	"github.com/flowkit/wfengine/internal/node"
)

// LLMCompletionConfig is the config shape llm-completion accepts.
type LLMCompletionConfig struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	APIKey      string  `json:"api_key,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	OutputKey   string  `json:"output_key,omitempty"`
}

// LLMCompletionNode sends a templated prompt to an OpenAI chat completion
// model via github.com/sashabaranov/go-openai.
type LLMCompletionNode struct {
	defaultAPIKey string
}

// NewLLMCompletionNode returns the llm-completion node.Factory. apiKey is
// used when neither config nor execution state carries one.
func NewLLMCompletionNode(apiKey string) func() node.WorkflowNode {
	return func() node.WorkflowNode { return &LLMCompletionNode{defaultAPIKey: apiKey} }
}

func (n *LLMCompletionNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{
		ID:          "llm-completion",
		Name:        "LLM Completion",
		Version:     "1.0.0",
		Description: "Sends a templated prompt to an OpenAI chat completion model.",
		Inputs:      map[string]string{"prompt": "string", "model": "string"},
		Outputs:     map[string]string{"content": "string"},
		Source:      domain.NodeSourceUniversal,
	}
}

func (n *LLMCompletionNode) resolveAPIKey(cfg *LLMCompletionConfig, ectx *domain.ExecutionContext) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	if v, ok := ectx.Inputs["openai_api_key"].(string); ok && v != "" {
		return v, nil
	}
	if v, ok := ectx.Inputs["OPENAI_API_KEY"].(string); ok && v != "" {
		return v, nil
	}
	if n.defaultAPIKey != "" {
		return n.defaultAPIKey, nil
	}
	return "", fmt.Errorf("API key not found in node config, execution state, or default configuration")
}

func (n *LLMCompletionNode) ValidateConfig(config map[string]any) error {
	return validateConfigShape[LLMCompletionConfig](config)
}

func (n *LLMCompletionNode) Execute(ctx context.Context, ectx *domain.ExecutionContext, config map[string]any) (*node.EdgeMap, error) {
	cfg, err := parseConfig[LLMCompletionConfig](config)
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrorKindValidation, fmt.Sprintf("llm-completion: %v", err), err)
	}
	if cfg.Prompt == "" {
		return nil, domain.NewEngineError(domain.ErrorKindValidation, "llm-completion config.prompt is required", nil)
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.OutputKey == "" {
		cfg.OutputKey = "output"
	}

	apiKey, err := n.resolveAPIKey(cfg, ectx)
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrorKindValidation, fmt.Sprintf("llm-completion: %v", err), err)
	}

	client := openai.NewClient(apiKey)
	prompt := substituteVariables(cfg.Prompt, ectx.Inputs)

	req := openai.ChatCompletionRequest{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: float32(cfg.Temperature),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return edgeFromError("llm-completion", fmt.Errorf("OpenAI API error: %w", err))
	}
	if len(resp.Choices) == 0 {
		return edgeFromError("llm-completion", fmt.Errorf("OpenAI returned no choices"))
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	ectx.State[cfg.OutputKey] = content

	edges := node.NewEdgeMap()
	edges.Add("success", node.EdgeData{
		"content":           content,
		"model":             resp.Model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})
	return edges, nil
}
