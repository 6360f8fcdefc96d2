// Package store is the persistence layer: workflow definitions, execution
// results, and schedules. Two implementations: LibSQLStore (embedded
// libSQL) and MemoryStore (mutex-guarded maps for tests and dev runs).
package store

import (
	"context"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	PutWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, workflowID string) error

	// Executions. SaveExecution is called after every node as a checkpoint
	// (final=false) and once more at terminal status (final=true).
	SaveExecution(ctx context.Context, result *schema.ExecutionResult, final bool) error
	GetExecution(ctx context.Context, executionID string) (*schema.ExecutionResult, error)
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*schema.ExecutionResult, error)

	// Schedules
	CreateSchedule(ctx context.Context, s *schema.Schedule) error
	GetSchedule(ctx context.Context, scheduleID string) (*schema.Schedule, error)
	UpdateSchedule(ctx context.Context, s *schema.Schedule) error
	DeleteSchedule(ctx context.Context, scheduleID string) error
	ListSchedules(ctx context.Context) ([]*schema.Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]*schema.Schedule, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
