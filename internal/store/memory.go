package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// MemoryStore is an in-memory Store backed by mutex-guarded maps. Values
// are deep-copied on the way in and out so callers cannot alias stored
// state. Suitable for tests and single-process dev runs; nothing survives
// a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*Workflow
	executions map[string]*schema.ExecutionResult
	schedules  map[string]*schema.Schedule
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*Workflow),
		executions: make(map[string]*schema.ExecutionResult),
		schedules:  make(map[string]*schema.Schedule),
	}
}

// --- Workflows ---

func (m *MemoryStore) PutWorkflow(_ context.Context, wf *Workflow) error {
	if wf == nil || wf.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow requires a workflow_id")
	}
	cp, err := deepCopy(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "copy workflow").WithCause(err)
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.workflows[wf.WorkflowID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	m.workflows[wf.WorkflowID] = cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, workflowID string) (*Workflow, error) {
	m.mu.RLock()
	wf, ok := m.workflows[workflowID]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound("workflow", workflowID)
	}
	return deepCopy(wf)
}

func (m *MemoryStore) ListWorkflows(_ context.Context) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		cp, err := deepCopy(wf)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "copy workflow").WithCause(err)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[workflowID]; !ok {
		return notFound("workflow", workflowID)
	}
	delete(m.workflows, workflowID)
	return nil
}

// --- Executions ---

func (m *MemoryStore) SaveExecution(_ context.Context, result *schema.ExecutionResult, _ bool) error {
	if result == nil || result.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution result requires an execution_id")
	}
	cp, err := deepCopy(result)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "copy execution").WithCause(err)
	}
	m.mu.Lock()
	m.executions[result.ExecutionID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, executionID string) (*schema.ExecutionResult, error) {
	m.mu.RLock()
	res, ok := m.executions[executionID]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound("execution", executionID)
	}
	return deepCopy(res)
}

func (m *MemoryStore) ListExecutions(_ context.Context, workflowID string, limit int) ([]*schema.ExecutionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.ExecutionResult
	for _, res := range m.executions {
		if workflowID != "" && res.WorkflowID != workflowID {
			continue
		}
		cp, err := deepCopy(res)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "copy execution").WithCause(err)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Schedules ---

func (m *MemoryStore) CreateSchedule(_ context.Context, s *schema.Schedule) error {
	if s == nil || s.ID == "" {
		return schema.NewError(schema.ErrCodeInvalidSchedule, "schedule requires an id")
	}
	cp, err := deepCopy(s)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "copy schedule").WithCause(err)
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeInvalidSchedule, "schedule %q already exists", s.ID)
	}
	m.schedules[s.ID] = cp
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, scheduleID string) (*schema.Schedule, error) {
	m.mu.RLock()
	s, ok := m.schedules[scheduleID]
	m.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeScheduleNotFound, "schedule %q not found", scheduleID)
	}
	return deepCopy(s)
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, s *schema.Schedule) error {
	if s == nil || s.ID == "" {
		return schema.NewError(schema.ErrCodeInvalidSchedule, "schedule requires an id")
	}
	cp, err := deepCopy(s)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "copy schedule").WithCause(err)
	}
	cp.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.schedules[s.ID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeScheduleNotFound, "schedule %q not found", s.ID)
	}
	cp.CreatedAt = existing.CreatedAt
	m.schedules[s.ID] = cp
	return nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, scheduleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[scheduleID]; !ok {
		return schema.NewErrorf(schema.ErrCodeScheduleNotFound, "schedule %q not found", scheduleID)
	}
	delete(m.schedules, scheduleID)
	return nil
}

func (m *MemoryStore) ListSchedules(_ context.Context) ([]*schema.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*schema.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		cp, err := deepCopy(s)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "copy schedule").WithCause(err)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListDueSchedules(_ context.Context, now time.Time) ([]*schema.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.Schedule
	for _, s := range m.schedules {
		if !s.IsDue(now) {
			continue
		}
		cp, err := deepCopy(s)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "copy schedule").WithCause(err)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Maintenance / lifecycle ---

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

func notFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

// deepCopy clones a value through JSON so stored state never aliases
// caller-held maps.
func deepCopy[T any](v *T) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}
