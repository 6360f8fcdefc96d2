// Package schema defines the public data model of the workflow automation
// engine: workflow definitions, nodes and connections, execution results,
// schedules, and the structured error and validation types shared across
// the engine, validator, and scheduler.
package schema

import "sort"

// WorkflowConnection wires an output port of one node to an input port of
// another. Connections are followed in their persisted order.
//
// Conditional is parsed, validated, and stored, but never gates traversal:
// the engine follows every enabled connection regardless. The field is
// informational until product semantics for edge gating are settled.
type WorkflowConnection struct {
	ID          string `json:"connection_id"`
	FromNodeID  string `json:"from_node_id"`
	FromPort    string `json:"from_port_name"`
	ToNodeID    string `json:"to_node_id"`
	ToPort      string `json:"to_port_name"`
	Enabled     bool   `json:"enabled"`
	Conditional string `json:"conditional,omitempty"`
}

// WorkflowDefinition is the persisted, validator-approved description of a
// workflow. The engine trusts its structural invariants (existing endpoints,
// legal cycles only through loop nodes); the validator enforces them before
// a definition becomes runnable.
type WorkflowDefinition struct {
	WorkflowID      string                   `json:"workflow_id"`
	Version         int                      `json:"version"`
	Name            string                   `json:"name,omitempty"`
	Nodes           map[string]*WorkflowNode `json:"nodes"`
	Connections     []*WorkflowConnection    `json:"connections"`
	GlobalVariables map[string]any           `json:"global_variables,omitempty"`

	MaxExecutionTimeSeconds float64 `json:"max_execution_time_seconds,omitempty"`
	MaxRetries              int     `json:"max_retries,omitempty"`
	RetryFailedNodes        bool    `json:"retry_failed_nodes,omitempty"`
}

// TriggerNodes returns the IDs of all enabled trigger nodes, in sorted order
// for deterministic walks.
func (d *WorkflowDefinition) TriggerNodes() []string {
	var ids []string
	for id, node := range d.Nodes {
		if node.Type.IsTrigger() && node.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// EnabledConnections returns the connections the engine actually follows,
// preserving persisted order.
func (d *WorkflowDefinition) EnabledConnections() []*WorkflowConnection {
	out := make([]*WorkflowConnection, 0, len(d.Connections))
	for _, c := range d.Connections {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

