// Package validation checks workflow definitions before they become
// runnable. The pipeline has five stages: structural (JSON Schema), graph
// (cycles, reachability, depth), per-node config, connections, and a
// security scan over every user-authored expression.
package validation

import (
	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/pkg/schema"
)

// Validator is the narrow interface the engine and stores depend on.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// WorkflowValidator runs the full validation pipeline. Safe for concurrent
// use.
type WorkflowValidator struct {
	structural  *structuralValidator
	sandbox     *expressions.Sandbox
	transformer *expressions.Transformer
}

// NewWorkflowValidator creates a WorkflowValidator with the embedded
// workflow schema pre-compiled.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	structural, err := newStructuralValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		structural:  structural,
		sandbox:     expressions.NewSandbox(),
		transformer: expressions.NewTransformer(),
	}, nil
}

// Validate runs all five stages and returns the aggregated result.
// Structural errors short-circuit: the later stages assume a well-shaped
// definition. Graph errors skip nothing further; config, connection, and
// security findings are still useful alongside a bad graph.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := wv.structural.validate(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateGraph(def))
	result.Merge(validateConfigs(def))
	result.Merge(validateConnections(def))
	result.Merge(validateSecurity(def, wv.sandbox, wv.transformer))

	return result
}

// ValidateDefinition runs Validate and collapses the result to an error.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

var _ Validator = (*WorkflowValidator)(nil)
