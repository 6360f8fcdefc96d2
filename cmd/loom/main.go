// Command loom runs the workflow automation daemon: it opens the store,
// wires the execution engine, and drives the schedule service until
// interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/scheduler"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/streaming"
	"github.com/loomhq/loom/internal/validation"
	"github.com/loomhq/loom/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	eng := engine.New(st, devRunner(logger), logger, engine.Config{
		PoolSize:           cfg.PoolSize,
		MaxTotalOperations: cfg.MaxOperations,
		CircuitBreaker:     ptr(engine.DefaultCircuitBreakerConfig()),
		EventHub:           streaming.NewMemoryHub(),
	})
	defer eng.Shutdown()

	wfValidator, err := validation.NewWorkflowValidator()
	if err != nil {
		return fmt.Errorf("compile workflow schema: %w", err)
	}

	sched := scheduler.NewService(st, &engineRunner{store: st, engine: eng, validator: wfValidator, logger: logger}, logger)
	if cfg.Scheduler {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	logger.Info("loom started",
		"db_path", cfg.DBPath,
		"pool_size", cfg.PoolSize,
		"scheduler", cfg.Scheduler)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// engineRunner bridges the schedule service to the engine: it loads and
// re-validates the workflow definition, then launches the run in the
// background so a slow workflow cannot stall the schedule tick.
type engineRunner struct {
	store     store.Store
	engine    *engine.Engine
	validator validation.Validator
	logger    *slog.Logger
}

func (r *engineRunner) RunScheduled(ctx context.Context, workflowID string, contextData map[string]any) (string, error) {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if !wf.IsActive {
		return "", fmt.Errorf("workflow %q is not active", workflowID)
	}
	if err := r.validator.ValidateDefinition(&wf.Definition); err != nil {
		return "", fmt.Errorf("workflow %q failed validation: %w", workflowID, err)
	}

	execID := uuid.NewString()
	go func() {
		res, err := r.engine.ExecuteWorkflow(context.WithoutCancel(ctx), &wf.Definition, engine.TriggerRequest{
			ExecutionID: execID,
			Variables:   contextData,
		})
		if err != nil {
			r.logger.Error("scheduled run failed to start",
				"workflow_id", workflowID, "execution_id", execID, "error", err.Error())
			return
		}
		if res.Status != schema.ExecutionCompleted {
			r.logger.Warn("scheduled run did not complete",
				"workflow_id", workflowID, "execution_id", execID,
				"status", string(res.Status), "error", res.ErrorMessage)
		}
	}()
	return execID, nil
}

// devRunner logs action dispatches instead of calling real integrations
// and echoes the substituted config back as output. Real deployments plug
// their own NodeRunner in.
func devRunner(logger *slog.Logger) engine.NodeRunner {
	return engine.NodeRunnerFunc(func(ctx context.Context, req *engine.ActionRequest) (map[string]any, error) {
		logging.LogWith(ctx, logger).Info("action dispatched",
			"node_type", string(req.Node.Type),
			"config_keys", len(req.Config))
		return map[string]any{"dispatched": true, "echo": req.Config}, nil
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}

func ptr[T any](v T) *T { return &v }
