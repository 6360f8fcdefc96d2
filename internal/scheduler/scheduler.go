// Package scheduler fires workflows from persisted schedules: cron
// expressions, fixed intervals, and one-time timestamps. A background loop
// scans the store for due schedules once a minute.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// graceWindow bounds how late a due schedule may fire. A schedule found
// past the window is skipped for that occurrence, never caught up.
const graceWindow = 15 * time.Minute

const tickInterval = 60 * time.Second

// WorkflowRunner triggers a workflow run for a due schedule. Satisfied by
// the engine wiring (interface avoids the import cycle).
type WorkflowRunner interface {
	RunScheduled(ctx context.Context, workflowID string, contextData map[string]any) (executionID string, err error)
}

// Service owns schedule lifecycle and the due-scan loop.
type Service struct {
	store    store.Store
	runner   WorkflowRunner
	parser   cron.Parser
	validate *validator.Validate
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewService creates a schedule service.
func NewService(s store.Store, runner WorkflowRunner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		validate: validator.New(),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// AddSchedule validates a schedule, computes its first fire time, and
// persists it. An empty ID is filled in.
func (s *Service) AddSchedule(ctx context.Context, sched *schema.Schedule) error {
	if sched != nil && sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if err := s.validateSchedule(sched); err != nil {
		return err
	}

	now := time.Now().UTC()
	next, err := s.CalculateNextExecution(sched, now)
	if err != nil {
		return err
	}
	if next == nil {
		return schema.NewErrorf(schema.ErrCodeInvalidSchedule,
			"schedule %q would never fire", sched.ID)
	}

	sched.NextExecutionAt = next
	sched.CreatedAt = now
	sched.UpdatedAt = now
	return s.store.CreateSchedule(ctx, sched)
}

// UpdateSchedule revalidates and replaces a stored schedule, recomputing
// the next fire time from now.
func (s *Service) UpdateSchedule(ctx context.Context, sched *schema.Schedule) error {
	if err := s.validateSchedule(sched); err != nil {
		return err
	}

	existing, err := s.store.GetSchedule(ctx, sched.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	next, err := s.CalculateNextExecution(sched, now)
	if err != nil {
		return err
	}

	sched.NextExecutionAt = next
	sched.ExecutionCount = existing.ExecutionCount
	sched.LastExecutionAt = existing.LastExecutionAt
	sched.LastExecutionID = existing.LastExecutionID
	sched.CreatedAt = existing.CreatedAt
	sched.UpdatedAt = now
	return s.store.UpdateSchedule(ctx, sched)
}

// RemoveSchedule deactivates a schedule. The record and its execution
// history survive; only store maintenance hard-deletes.
func (s *Service) RemoveSchedule(ctx context.Context, scheduleID string) error {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	sched.IsActive = false
	sched.NextExecutionAt = nil
	sched.UpdatedAt = time.Now().UTC()
	return s.store.UpdateSchedule(ctx, sched)
}

// GetSchedule returns a stored schedule.
func (s *Service) GetSchedule(ctx context.Context, scheduleID string) (*schema.Schedule, error) {
	return s.store.GetSchedule(ctx, scheduleID)
}

// ListSchedules returns all stored schedules.
func (s *Service) ListSchedules(ctx context.Context) ([]*schema.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Start launches the background due-scan loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "tick", tickInterval.String())
	return nil
}

// Stop shuts the loop down and waits for the in-progress tick.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// Initial scan right away so restarts pick up due work immediately.
	if _, err := s.CheckDueSchedules(ctx); err != nil {
		s.logger.Error("due-scan failed", "error", err.Error())
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CheckDueSchedules(ctx); err != nil {
				s.logger.Error("due-scan failed", "error", err.Error())
			}
		}
	}
}

// CheckDueSchedules scans for due schedules and fires each at most once.
// It returns the number of workflow runs triggered.
func (s *Service) CheckDueSchedules(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, sched := range due {
		if !s.tryAcquire(sched.ID) {
			continue
		}
		if s.fireSchedule(ctx, sched, now) {
			fired++
		}
		s.release(sched.ID)
	}
	return fired, nil
}

// fireSchedule runs one due schedule and advances its bookkeeping. A
// schedule past the grace window skips the occurrence without running.
func (s *Service) fireSchedule(ctx context.Context, sched *schema.Schedule, now time.Time) bool {
	log := s.logger.With("schedule_id", sched.ID, "workflow_id", sched.WorkflowID)

	lateness := now.Sub(*sched.NextExecutionAt)
	if lateness > graceWindow {
		log.Warn("schedule missed its grace window, skipping occurrence",
			"lateness", lateness.String())
		s.advance(ctx, sched, now, "", false)
		return false
	}

	execID, err := s.runner.RunScheduled(ctx, sched.WorkflowID, sched.ContextData)
	if err != nil {
		log.Error("scheduled run failed", "error", err.Error())
		s.advance(ctx, sched, now, "", true)
		return false
	}

	log.Info("schedule fired", "execution_id", execID)
	s.advance(ctx, sched, now, execID, true)
	return true
}

// advance moves a schedule to its next occurrence. One-time schedules and
// schedules at their execution limit deactivate instead.
func (s *Service) advance(ctx context.Context, sched *schema.Schedule, now time.Time, execID string, executed bool) {
	if executed {
		sched.ExecutionCount++
		sched.LastExecutionAt = &now
		if execID != "" {
			sched.LastExecutionID = execID
		}
	}

	next, err := s.CalculateNextExecution(sched, now)
	if err != nil {
		s.logger.Error("failed to compute next execution",
			"schedule_id", sched.ID, "error", err.Error())
		next = nil
	}

	sched.NextExecutionAt = next
	if next == nil || sched.Exhausted() {
		sched.IsActive = false
		sched.NextExecutionAt = nil
	}
	sched.UpdatedAt = now

	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.logger.Error("failed to persist schedule state",
			"schedule_id", sched.ID, "error", err.Error())
	}
}

// CalculateNextExecution computes when the schedule fires next after from.
// Nil with no error means the schedule has no future occurrence.
func (s *Service) CalculateNextExecution(sched *schema.Schedule, from time.Time) (*time.Time, error) {
	switch sched.Type {
	case schema.ScheduleCron:
		loc := time.UTC
		if sched.Timezone != "" {
			var err error
			loc, err = time.LoadLocation(sched.Timezone)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidSchedule,
					"unknown timezone %q", sched.Timezone).WithCause(err)
			}
		}
		expr, err := s.parser.Parse(sched.CronExpression)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidSchedule,
				"invalid cron expression %q: %s", sched.CronExpression, err.Error()).WithCause(err)
		}
		next := expr.Next(from.In(loc)).UTC()
		if next.IsZero() {
			return nil, nil
		}
		return &next, nil

	case schema.ScheduleInterval:
		next := from.Add(time.Duration(sched.IntervalSeconds) * time.Second)
		return &next, nil

	case schema.ScheduleOneTime:
		if sched.ScheduledTime == nil || !sched.ScheduledTime.After(from) {
			return nil, nil
		}
		t := sched.ScheduledTime.UTC()
		return &t, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidSchedule,
			"unknown schedule type %q", string(sched.Type))
	}
}

// validateSchedule runs struct tag validation plus the checks tags cannot
// express.
func (s *Service) validateSchedule(sched *schema.Schedule) error {
	if sched == nil {
		return schema.NewError(schema.ErrCodeInvalidSchedule, "schedule is nil")
	}
	if err := s.validate.Struct(sched); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidSchedule,
			"schedule %q failed validation: %s", sched.ID, err.Error()).WithCause(err)
	}

	if sched.Type == schema.ScheduleCron {
		if _, err := s.parser.Parse(sched.CronExpression); err != nil {
			return schema.NewErrorf(schema.ErrCodeInvalidSchedule,
				"invalid cron expression %q: %s", sched.CronExpression, err.Error()).WithCause(err)
		}
		if sched.Timezone != "" {
			if _, err := time.LoadLocation(sched.Timezone); err != nil {
				return schema.NewErrorf(schema.ErrCodeInvalidSchedule,
					"unknown timezone %q", sched.Timezone).WithCause(err)
			}
		}
	}
	return nil
}

func (s *Service) tryAcquire(scheduleID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[scheduleID]; ok {
		return false
	}
	s.inflight[scheduleID] = struct{}{}
	return true
}

func (s *Service) release(scheduleID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, scheduleID)
}
