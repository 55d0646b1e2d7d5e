package reference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flowkit/wfengine/internal/domain"
	"github.com/flowkit/wfengine/internal/node"
)

// HTTPRequestConfig is the config shape http-request accepts.
type HTTPRequestConfig struct {
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      any               `json:"body,omitempty"`
	OutputKey string            `json:"output_key,omitempty"`
}

// HTTPRequestNode issues an HTTP request and routes its outcome to a
// success/error edge.
type HTTPRequestNode struct {
	client *http.Client
}

// NewHTTPRequestNode returns the http-request node.Factory.
func NewHTTPRequestNode() node.WorkflowNode {
	return &HTTPRequestNode{client: &http.Client{Timeout: 30 * time.Second}}
}

func (n *HTTPRequestNode) Metadata() domain.WorkflowNodeMetadata {
	return domain.WorkflowNodeMetadata{
		ID:          "http-request",
		Name:        "HTTP Request",
		Version:     "1.0.0",
		Description: "Issues an HTTP request with templated url/headers/body.",
		Inputs:      map[string]string{"method": "string", "url": "string", "headers": "object", "body": "any"},
		Outputs:     map[string]string{"status_code": "int", "body": "any"},
		Source:      domain.NodeSourceUniversal,
	}
}

func (n *HTTPRequestNode) ValidateConfig(config map[string]any) error {
	return validateConfigShape[HTTPRequestConfig](config)
}

func (n *HTTPRequestNode) Execute(ctx context.Context, ectx *domain.ExecutionContext, config map[string]any) (*node.EdgeMap, error) {
	cfg, err := parseConfig[HTTPRequestConfig](config)
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrorKindValidation, fmt.Sprintf("http-request: %v", err), err)
	}
	if cfg.URL == "" {
		return nil, domain.NewEngineError(domain.ErrorKindValidation, "http-request config.url is required", nil)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.OutputKey == "" {
		cfg.OutputKey = "output"
	}

	vars := ectx.Inputs
	url := substituteVariables(cfg.URL, vars)

	var body io.Reader
	if cfg.Body != nil {
		var bodyBytes []byte
		switch v := cfg.Body.(type) {
		case string:
			bodyBytes = []byte(substituteVariables(v, vars))
		default:
			bodyBytes, err = json.Marshal(v)
			if err != nil {
				return nil, domain.NewEngineError(domain.ErrorKindValidation, fmt.Sprintf("http-request: failed to marshal body: %v", err), err)
			}
		}
		body = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, url, body)
	if err != nil {
		return edgeFromError("http-request", fmt.Errorf("failed to create request: %w", err))
	}
	for key, value := range cfg.Headers {
		req.Header.Set(key, substituteVariables(value, vars))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		log.Warn().Str("node_id", ectx.NodeID).Str("url", url).Err(err).Msg("http-request failed")
		return edgeFromError("http-request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return edgeFromError("http-request", fmt.Errorf("failed to read response: %w", err))
	}

	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		decoded = string(respBody)
	}

	ectx.State[cfg.OutputKey] = decoded

	edges := node.NewEdgeMap()
	edges.Add("success", node.EdgeData{"status_code": resp.StatusCode, "body": decoded})
	return edges, nil
}

func edgeFromError(nodeType string, cause error) (*node.EdgeMap, error) {
	edges := node.NewEdgeMap()
	edges.Add("error", node.EdgeData{"message": cause.Error(), "node_type": nodeType})
	return edges, nil
}
