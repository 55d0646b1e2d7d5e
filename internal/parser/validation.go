// Package parser turns a workflow document into a domain.ParsedWorkflow:
// schema check, node-block parse, edge parse, reference check, cycle
// check, state-setter syntax check, and uniqueId assignment.
package parser

import "fmt"

// Severity is the issue's severity: Error fails the parse, Warning does not.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue codes.
const (
	CodeUnknownReference       = "UNKNOWN_REFERENCE"
	CodeCircularReference      = "CIRCULAR_REFERENCE"
	CodeInvalidStateSetter     = "INVALID_STATE_SETTER_SYNTAX"
	CodeInvalidSchema          = "INVALID_SCHEMA"
	CodeAmbiguousEdgeShape     = "AMBIGUOUS_EDGE_SHAPE"
	CodeNestingLimitAtParse    = "NESTING_LIMIT_EXCEEDED"
)

// Issue is one parse finding, carrying enough context for a caller to locate
// and fix the offending part of the document.
type Issue struct {
	Path     string
	Code     string
	Message  string
	Severity Severity
}

// ValidationResult accumulates Issues across a parse pass.
type ValidationResult struct {
	Issues []Issue
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityError})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning})
}

// HasErrors reports whether any issue is error-severity; any error makes
// the parse fail.
func (r *ValidationResult) HasErrors() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}
