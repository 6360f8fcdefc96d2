package store

import (
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// Workflow is the persisted representation of a workflow definition.
// The definition is stored validator-approved; the engine loads and runs
// it without re-validating.
type Workflow struct {
	WorkflowID string                    `json:"workflow_id"`
	Name       string                    `json:"name,omitempty"`
	Definition schema.WorkflowDefinition `json:"definition"`
	IsActive   bool                      `json:"is_active"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}
