package schema

import "time"

// ScheduleType selects how a schedule computes its next fire time.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOneTime  ScheduleType = "one_time"
)

// Schedule is a persisted time-driven trigger for a workflow. All timestamps
// are UTC. NextExecutionAt is precomputed so the due-scan is a plain
// timestamp comparison.
type Schedule struct {
	ID         string       `json:"schedule_id"  validate:"required"`
	WorkflowID string       `json:"workflow_id"  validate:"required"`
	Type       ScheduleType `json:"schedule_type" validate:"required,oneof=cron interval one_time"`

	CronExpression  string     `json:"cron_expression,omitempty"  validate:"required_if=Type cron"`
	IntervalSeconds int        `json:"interval_seconds,omitempty" validate:"required_if=Type interval,omitempty,gt=0"`
	ScheduledTime   *time.Time `json:"scheduled_time,omitempty"   validate:"required_if=Type one_time"`

	Timezone        string         `json:"timezone,omitempty"`
	IsActive        bool           `json:"is_active"`
	NextExecutionAt *time.Time     `json:"next_execution_at,omitempty"`
	ExecutionCount  int            `json:"execution_count"`
	MaxExecutions   *int           `json:"max_executions,omitempty" validate:"omitempty,gt=0"`
	ContextData     map[string]any `json:"context_data,omitempty"`
	LastExecutionAt *time.Time     `json:"last_execution_at,omitempty"`
	LastExecutionID string         `json:"last_execution_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsDue reports whether the schedule should be considered by a due-scan at now.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.IsActive && s.NextExecutionAt != nil && !s.NextExecutionAt.After(now)
}

// Exhausted reports whether the schedule has reached its execution limit.
func (s *Schedule) Exhausted() bool {
	return s.MaxExecutions != nil && s.ExecutionCount >= *s.MaxExecutions
}
