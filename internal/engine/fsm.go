package engine

import "github.com/loomhq/loom/pkg/schema"

// validExecutionTransitions defines the allowed state transitions for runs.
// Terminal states have no exits; a finished run never resumes.
var validExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

// validNodeTransitions defines the allowed state transitions for nodes
// within a run. A failed node re-enters running on retry.
var validNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodePending:   {schema.NodeRunning, schema.NodeSkipped},
	schema.NodeRunning:   {schema.NodeCompleted, schema.NodeFailed, schema.NodeSkipped},
	schema.NodeFailed:    {schema.NodeRunning},
	schema.NodeCompleted: {schema.NodeRunning},
	schema.NodeSkipped:   {},
}

// TransitionExecution validates a run status change. An invalid transition
// is a programming error surfaced as a structured error rather than a
// silent state clobber.
func TransitionExecution(from, to schema.ExecutionStatus) error {
	for _, allowed := range validExecutionTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// TransitionNode validates a node status change. Completed -> running is
// legal because loop bodies re-execute their nodes each iteration.
func TransitionNode(nodeID string, from, to schema.NodeStatus) error {
	for _, allowed := range validNodeTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid node transition: %s -> %s", from, to).
		WithNode(nodeID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}
