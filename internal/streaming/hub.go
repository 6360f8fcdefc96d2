// Package streaming provides pub/sub for live execution events. The engine
// publishes node and run lifecycle events here so callers can watch a
// workflow execute without polling the store.
package streaming

import (
	"context"
	"time"
)

// Event types published by the engine.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventNodeStarted        = "node_started"
	EventNodeCompleted      = "node_completed"
	EventNodeFailed         = "node_failed"
	EventNodeRetrying       = "node_retrying"
)

// ExecutionEvent is a single lifecycle event from a running workflow.
type ExecutionEvent struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	NodeID      string    `json:"node_id,omitempty"`
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     any       `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive. Zero
// values match everything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// EventHub is the pub/sub surface between the engine and its watchers.
type EventHub interface {
	Publish(ctx context.Context, event ExecutionEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan ExecutionEvent, func(), error)
}
