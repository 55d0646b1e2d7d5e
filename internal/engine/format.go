package engine

import (
	"fmt"

	"github.com/flowkit/wfengine/internal/domain"
)

// FormatMetrics renders a one-line human-readable summary of a terminal
// ExecutionResult for CLI and debug output. It is peripheral formatting,
// never called by the engine itself.
func FormatMetrics(r *domain.ExecutionResult) string {
	if r == nil {
		return "<nil result>"
	}
	return fmt.Sprintf("execution %s: status=%s nodes=%d failed=%d duration=%s",
		r.ExecutionID, r.Status, r.Metrics.NodesExecuted, r.Metrics.NodesFailed, r.Metrics.Duration)
}
