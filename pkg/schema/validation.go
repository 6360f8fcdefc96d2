package schema

import "fmt"

// ValidationSeverity indicates whether an issue blocks a definition from running.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates every issue found by the validation pipeline.
// NodeErrors indexes hard errors by the node that caused them, for editors
// that want to mark offending nodes in place.
type ValidationResult struct {
	Errors     []ValidationIssue   `json:"errors,omitempty"`
	Warnings   []ValidationIssue   `json:"warnings,omitempty"`
	NodeErrors map[string][]string `json:"node_errors,omitempty"`
}

// Valid returns true if there are no errors. Warnings are acceptable.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddNodeError appends an error-severity issue attributed to a node.
func (r *ValidationResult) AddNodeError(nodeID, code, message string) {
	r.AddError("nodes/"+nodeID, code, message)
	if r.NodeErrors == nil {
		r.NodeErrors = make(map[string][]string)
	}
	r.NodeErrors[nodeID] = append(r.NodeErrors[nodeID], message)
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	for nodeID, msgs := range other.NodeErrors {
		if r.NodeErrors == nil {
			r.NodeErrors = make(map[string][]string)
		}
		r.NodeErrors[nodeID] = append(r.NodeErrors[nodeID], msgs...)
	}
}

// ToError converts the result to an Error if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
			"node_errors":   r.NodeErrors,
		})
}
