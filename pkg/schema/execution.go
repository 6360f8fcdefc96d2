package schema

import "time"

// ExecutionStatus is the lifecycle state of a workflow run.
// Terminal states (completed, failed, cancelled) are final; runs do not resume.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// NodeStatus is the lifecycle state of a single node within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// ExecutionContext carries the mutable state of one run. It has a single
// owner (the goroutine driving the run); node execution and expression
// evaluation read it through snapshots taken by the engine.
type ExecutionContext struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	Version     int    `json:"version"`
	SessionID   string `json:"session_id,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Platform    string `json:"platform,omitempty"`

	// Variables is the sole piece of cross-node shared state, seeded from
	// the definition's global variables and the trigger payload.
	Variables map[string]any `json:"variables"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	CurrentNodeID string   `json:"current_node_id,omitempty"`
	Cancelled     bool     `json:"cancelled"`
	ExecutionPath []string `json:"execution_path,omitempty"`
}

// NodeExecutionState records the outcome of one node within a run.
type NodeExecutionState struct {
	NodeID       string         `json:"node_id"`
	Status       NodeStatus     `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	RetryCount   int            `json:"retry_count"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
}

// ExecutionResult is the persisted record of a run, checkpointed after
// every node and finalized at a terminal status.
type ExecutionResult struct {
	ExecutionID          string                         `json:"execution_id"`
	WorkflowID           string                         `json:"workflow_id"`
	Status               ExecutionStatus                `json:"status"`
	NodeStates           map[string]*NodeExecutionState `json:"node_states"`
	ExecutionPath        []string                       `json:"execution_path,omitempty"`
	StartTime            time.Time                      `json:"start_time"`
	EndTime              *time.Time                     `json:"end_time,omitempty"`
	ExecutionTimeSeconds float64                        `json:"execution_time_seconds,omitempty"`
	ErrorNodeID          string                         `json:"error_node_id,omitempty"`
	ErrorMessage         string                         `json:"error_message,omitempty"`
	FinalVariables       map[string]any                 `json:"final_variables,omitempty"`
}

// ExecutionMetrics summarizes a run for the operational surface.
type ExecutionMetrics struct {
	ExecutionID          string             `json:"execution_id"`
	WorkflowID           string             `json:"workflow_id"`
	Status               ExecutionStatus    `json:"status"`
	NodesByStatus        map[NodeStatus]int `json:"nodes_by_status"`
	TotalRetries         int                `json:"total_retries"`
	PathLength           int                `json:"path_length"`
	ExecutionTimeSeconds float64            `json:"execution_time_seconds"`
}
