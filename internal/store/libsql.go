package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomhq/loom/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). Definitions, execution results, and schedules are stored as JSON
// documents with the queryable columns extracted alongside.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/loom.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies all pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) PutWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, name, definition, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET
		   name = excluded.name,
		   definition = excluded.definition,
		   is_active = excluded.is_active,
		   updated_at = excluded.updated_at`,
		wf.WorkflowID, wf.Name, string(def), wf.IsActive,
		timeOrNow(wf.CreatedAt), time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	wf := &Workflow{}
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, name, definition, is_active, created_at, updated_at
		 FROM workflows WHERE workflow_id = ?`, workflowID,
	).Scan(&wf.WorkflowID, &wf.Name, &defJSON, &wf.IsActive, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(schema.ErrCodeNotFound, "workflow", workflowID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, name, definition, is_active, created_at, updated_at
		 FROM workflows ORDER BY workflow_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var defJSON string
		if err := rows.Scan(&wf.WorkflowID, &wf.Name, &defJSON, &wf.IsActive, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition for %s: %w", wf.WorkflowID, err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, schema.ErrCodeNotFound, "workflow", workflowID)
}

// --- Executions ---

func (s *LibSQLStore) SaveExecution(ctx context.Context, result *schema.ExecutionResult, final bool) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, workflow_id, status, result, start_time, end_time, final)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   status = excluded.status,
		   result = excluded.result,
		   end_time = excluded.end_time,
		   final = excluded.final`,
		result.ExecutionID, result.WorkflowID, string(result.Status), string(doc),
		result.StartTime, nullTime(result.EndTime), final,
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, executionID string) (*schema.ExecutionResult, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM executions WHERE execution_id = ?`, executionID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(schema.ErrCodeNotFound, "execution", executionID)
	}
	if err != nil {
		return nil, err
	}
	result := &schema.ExecutionResult{}
	if err := json.Unmarshal([]byte(doc), result); err != nil {
		return nil, fmt.Errorf("unmarshal execution result: %w", err)
	}
	return result, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*schema.ExecutionResult, error) {
	query := `SELECT result FROM executions WHERE workflow_id = ? ORDER BY start_time DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*schema.ExecutionResult
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		result := &schema.ExecutionResult{}
		if err := json.Unmarshal([]byte(doc), result); err != nil {
			return nil, fmt.Errorf("unmarshal execution result: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *schema.Schedule) error {
	doc, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (schedule_id, workflow_id, schedule_type, payload, is_active, next_execution_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, string(sched.Type), string(doc),
		sched.IsActive, nullTime(sched.NextExecutionAt),
		timeOrNow(sched.CreatedAt), timeOrNow(sched.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create schedule %s: %w", sched.ID, err)
	}
	return nil
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, scheduleID string) (*schema.Schedule, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM schedules WHERE schedule_id = ?`, scheduleID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(schema.ErrCodeScheduleNotFound, "schedule", scheduleID)
	}
	if err != nil {
		return nil, err
	}
	return decodeSchedule(doc)
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, sched *schema.Schedule) error {
	doc, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET
		   workflow_id = ?, schedule_type = ?, payload = ?,
		   is_active = ?, next_execution_at = ?, updated_at = ?
		 WHERE schedule_id = ?`,
		sched.WorkflowID, string(sched.Type), string(doc),
		sched.IsActive, nullTime(sched.NextExecutionAt), time.Now().UTC(),
		sched.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, schema.ErrCodeScheduleNotFound, "schedule", sched.ID)
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, scheduleID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE schedule_id = ?`, scheduleID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, schema.ErrCodeScheduleNotFound, "schedule", scheduleID)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context) ([]*schema.Schedule, error) {
	return s.querySchedules(ctx, `SELECT payload FROM schedules ORDER BY schedule_id`)
}

func (s *LibSQLStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*schema.Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT payload FROM schedules
		 WHERE is_active = 1 AND next_execution_at IS NOT NULL AND next_execution_at <= ?
		 ORDER BY next_execution_at`, now)
}

func (s *LibSQLStore) querySchedules(ctx context.Context, query string, args ...any) ([]*schema.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*schema.Schedule
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		sched, err := decodeSchedule(doc)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func decodeSchedule(doc string) (*schema.Schedule, error) {
	sched := &schema.Schedule{}
	if err := json.Unmarshal([]byte(doc), sched); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	return sched, nil
}

// --- Helpers ---

func storeNotFound(code, kind, id string) error {
	return schema.NewErrorf(code, "%s %q not found", kind, id)
}

func checkRowsAffected(res sql.Result, code, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(code, kind, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
