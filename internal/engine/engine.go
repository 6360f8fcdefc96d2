// Package engine walks validated workflow definitions: graph traversal,
// branching, loops, parallel sections, retries, and timeouts. Action nodes
// dispatch to an external NodeRunner; everything else is handled in-engine.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/streaming"
	"github.com/loomhq/loom/pkg/schema"
)

// Defaults for run limits. A definition can tighten the timeout but the
// operation and depth caps are engine-wide.
const (
	DefaultPoolSize           = 10
	DefaultMaxTotalOperations = 1000
	DefaultMaxLoopDepth       = 10
	DefaultTimeout            = 300 * time.Second
	DefaultMaxRetries         = 3
)

// Config holds engine tuning knobs. Zero values fall back to the defaults
// above.
type Config struct {
	PoolSize           int
	MaxTotalOperations int
	MaxLoopDepth       int
	DefaultTimeout     time.Duration
	MaxRetries         int
	// CircuitBreaker enables a per-node-type breaker around the NodeRunner.
	// Nil leaves it disabled.
	CircuitBreaker *CircuitBreakerConfig
	// EventHub receives run and node lifecycle events. Nil disables
	// streaming.
	EventHub streaming.EventHub
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MaxTotalOperations <= 0 {
		c.MaxTotalOperations = DefaultMaxTotalOperations
	}
	if c.MaxLoopDepth <= 0 {
		c.MaxLoopDepth = DefaultMaxLoopDepth
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// TriggerRequest describes what started a run: the entry node and the
// payload the trigger carries into the variable context. ExecutionID may
// be pre-allocated by the caller (the scheduler does this to record the
// ID before the run finishes); empty means the engine generates one.
type TriggerRequest struct {
	ExecutionID string
	StartNodeID string
	Variables   map[string]any
	SessionID   string
	EntityID    string
	UserID      string
	Username    string
	Platform    string
	Metadata    map[string]any
}

// Engine executes workflow definitions. Safe for concurrent use; each
// ExecuteWorkflow call drives one run.
type Engine struct {
	store       store.Store
	runner      NodeRunner
	sandbox     *expressions.Sandbox
	transformer *expressions.Transformer
	logger      *slog.Logger
	cfg         Config
	pool        *WorkerPool
	breaker     *CircuitBreakerRegistry
	hub         streaming.EventHub

	mu      sync.Mutex
	running map[string]*run
}

// run tracks one in-flight execution.
type run struct {
	def     *schema.WorkflowDefinition
	graph   *graph
	execCtx *schema.ExecutionContext
	scope   *VarScope
	cancel  context.CancelFunc

	opCount      atomic.Int64
	totalRetries atomic.Int64

	// mu guards result and execCtx mutation; parallel branches report
	// node states through it.
	mu     sync.Mutex
	result *schema.ExecutionResult
}

// New creates an Engine. The runner may be nil, in which case action nodes
// fail with NODE_EXECUTION_ERROR.
func New(s store.Store, runner NodeRunner, logger *slog.Logger, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	var breaker *CircuitBreakerRegistry
	if cfg.CircuitBreaker != nil {
		breaker = NewCircuitBreakerRegistry(*cfg.CircuitBreaker)
	}

	return &Engine{
		store:       s,
		runner:      runner,
		sandbox:     expressions.NewSandbox(),
		transformer: expressions.NewTransformer(),
		logger:      logger,
		cfg:         cfg,
		pool:        NewWorkerPool(cfg.PoolSize),
		breaker:     breaker,
		hub:         cfg.EventHub,
		running:     make(map[string]*run),
	}
}

// ExecuteWorkflow runs a validated definition from the given trigger and
// blocks until the run reaches a terminal status. Run failures are reported
// inside the result; the error return covers setup problems only.
func (e *Engine) ExecuteWorkflow(ctx context.Context, def *schema.WorkflowDefinition, trigger TriggerRequest) (*schema.ExecutionResult, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	var startIDs []string
	if trigger.StartNodeID != "" {
		startNode, ok := def.Nodes[trigger.StartNodeID]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "start node %q not found", trigger.StartNodeID)
		}
		if !startNode.Enabled {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "start node %q is disabled", trigger.StartNodeID)
		}
		startIDs = []string{trigger.StartNodeID}
	} else {
		startIDs = def.TriggerNodes()
		if len(startIDs) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no enabled trigger node")
		}
	}

	// Topology gate: the validator should have rejected illegal cycles, but
	// an unvalidated definition must still fail here before any node runs.
	g := buildGraph(def)
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	execID := trigger.ExecutionID
	if execID == "" {
		execID = uuid.NewString()
	}
	now := time.Now().UTC()

	vars := deepCopyVars(def.GlobalVariables)
	for k, v := range trigger.Variables {
		vars[k] = v
	}

	execCtx := &schema.ExecutionContext{
		ExecutionID: execID,
		WorkflowID:  def.WorkflowID,
		Version:     def.Version,
		SessionID:   trigger.SessionID,
		EntityID:    trigger.EntityID,
		UserID:      trigger.UserID,
		Username:    trigger.Username,
		Platform:    trigger.Platform,
		Variables:   vars,
		Metadata:    trigger.Metadata,
	}

	result := &schema.ExecutionResult{
		ExecutionID: execID,
		WorkflowID:  def.WorkflowID,
		Status:      schema.ExecutionPending,
		NodeStates:  make(map[string]*schema.NodeExecutionState, len(def.Nodes)),
		StartTime:   now,
	}
	for id := range def.Nodes {
		result.NodeStates[id] = &schema.NodeExecutionState{
			NodeID: id,
			Status: schema.NodePending,
		}
	}

	timeout := e.cfg.DefaultTimeout
	if def.MaxExecutionTimeSeconds > 0 {
		timeout = time.Duration(def.MaxExecutionTimeSeconds * float64(time.Second))
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := &run{
		def:     def,
		graph:   g,
		execCtx: execCtx,
		scope:   NewVarScope(vars),
		cancel:  cancel,
		result:  result,
	}

	e.mu.Lock()
	e.running[execID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, execID)
		e.mu.Unlock()
	}()

	wctx = logging.WithIDs(wctx, def.WorkflowID, execID, "")
	log := logging.LogWith(wctx, e.logger)
	log.Info("workflow run started", "start_nodes", startIDs, "timeout", timeout.String())

	if err := r.setStatus(schema.ExecutionRunning); err != nil {
		return nil, err
	}
	e.checkpoint(wctx, r, false)
	e.publish(wctx, r, "", streaming.EventExecutionStarted, nil)

	w := &walker{engine: e, run: r}
	var walkErr error
	for _, startID := range startIDs {
		walkErr = w.walk(wctx, frame{nodeID: startID}, r.scope, walkOpts{})
		if errors.Is(walkErr, errBreakLoop) {
			// A break outside any loop ends this trigger's subtree normally.
			walkErr = nil
		}
		if walkErr != nil {
			break
		}
	}

	e.finalize(wctx, r, walkErr)
	e.checkpoint(wctx, r, true)

	final := r.snapshotResult()
	switch final.Status {
	case schema.ExecutionCompleted:
		e.publish(wctx, r, "", streaming.EventExecutionCompleted, nil)
	case schema.ExecutionCancelled:
		e.publish(wctx, r, "", streaming.EventExecutionCancelled, nil)
	default:
		e.publish(wctx, r, "", streaming.EventExecutionFailed, final.ErrorMessage)
	}
	log.Info("workflow run finished",
		"status", string(final.Status),
		"nodes_walked", len(final.ExecutionPath),
		"duration_seconds", final.ExecutionTimeSeconds)

	return final, nil
}

// publish sends a lifecycle event to the hub when one is configured.
// Delivery is best effort and survives run context expiry.
func (e *Engine) publish(ctx context.Context, r *run, nodeID, eventType string, payload any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(context.WithoutCancel(ctx), streaming.ExecutionEvent{
		ExecutionID: r.execCtx.ExecutionID,
		WorkflowID:  r.execCtx.WorkflowID,
		NodeID:      nodeID,
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	})
}

// finalize stamps the terminal status and closing metadata on the result.
// The status change goes through the execution FSM.
func (e *Engine) finalize(ctx context.Context, r *run, walkErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.result.EndTime = &now
	r.result.ExecutionTimeSeconds = now.Sub(r.result.StartTime).Seconds()
	r.result.FinalVariables = r.scope.Snapshot()
	r.result.ExecutionPath = append([]string(nil), r.execCtx.ExecutionPath...)

	var terminal schema.ExecutionStatus
	switch {
	case walkErr == nil:
		terminal = schema.ExecutionCompleted

	case r.execCtx.Cancelled || errors.Is(walkErr, context.Canceled):
		terminal = schema.ExecutionCancelled
		r.result.ErrorMessage = "execution cancelled"

	case errors.Is(walkErr, context.DeadlineExceeded):
		terminal = schema.ExecutionFailed
		r.result.ErrorMessage = schema.NewError(schema.ErrCodeTimeout, "workflow execution timed out").Error()

	default:
		terminal = schema.ExecutionFailed
		r.result.ErrorMessage = walkErr.Error()
		var serr *schema.Error
		if errors.As(walkErr, &serr) && serr.NodeID != "" {
			r.result.ErrorNodeID = serr.NodeID
		}
	}

	if err := TransitionExecution(r.result.Status, terminal); err != nil {
		logging.LogWith(ctx, e.logger).Warn("execution status clobbered at finalize",
			"from", string(r.result.Status), "to", string(terminal), "error", err.Error())
	}
	r.result.Status = terminal
}

// setStatus moves the run status through the execution FSM.
func (r *run) setStatus(next schema.ExecutionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := TransitionExecution(r.result.Status, next); err != nil {
		return err
	}
	r.result.Status = next
	return nil
}

// CancelExecution requests cancellation of a running execution. It returns
// true when the execution was found and signalled; completion is
// asynchronous.
func (e *Engine) CancelExecution(executionID string) bool {
	e.mu.Lock()
	r, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	r.execCtx.Cancelled = true
	r.mu.Unlock()
	r.cancel()
	return true
}

// GetExecutionStatus returns the current state of an execution: a live
// snapshot for a running execution, otherwise the stored record.
func (e *Engine) GetExecutionStatus(ctx context.Context, executionID string) (*schema.ExecutionResult, error) {
	e.mu.Lock()
	r, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		return r.snapshotResult(), nil
	}
	return e.store.GetExecution(ctx, executionID)
}

// GetExecutionMetrics summarizes an execution for the operational surface.
func (e *Engine) GetExecutionMetrics(ctx context.Context, executionID string) (*schema.ExecutionMetrics, error) {
	res, err := e.GetExecutionStatus(ctx, executionID)
	if err != nil {
		return nil, err
	}

	m := &schema.ExecutionMetrics{
		ExecutionID:          res.ExecutionID,
		WorkflowID:           res.WorkflowID,
		Status:               res.Status,
		NodesByStatus:        make(map[schema.NodeStatus]int),
		PathLength:           len(res.ExecutionPath),
		ExecutionTimeSeconds: res.ExecutionTimeSeconds,
	}
	for _, state := range res.NodeStates {
		m.NodesByStatus[state.Status]++
		m.TotalRetries += state.RetryCount
	}
	return m, nil
}

// PoolMetrics exposes the branch pool counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown drains the branch pool. In-flight runs finish their current
// nodes; callers should cancel executions first for a fast stop.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// checkpoint persists the run state. Store failures are logged, not fatal:
// a run does not die because a checkpoint write failed.
func (e *Engine) checkpoint(ctx context.Context, r *run, final bool) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveExecution(ctx, r.snapshotResult(), final); err != nil {
		logging.LogWith(ctx, e.logger).Warn("execution checkpoint failed", "error", err.Error(), "final", final)
	}
}

// snapshotResult builds a consistent copy of the result for persistence or
// status queries while branches may still be writing.
func (r *run) snapshotResult() *schema.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *r.result
	cp.NodeStates = make(map[string]*schema.NodeExecutionState, len(r.result.NodeStates))
	for id, state := range r.result.NodeStates {
		sc := *state
		cp.NodeStates[id] = &sc
	}
	cp.ExecutionPath = append([]string(nil), r.execCtx.ExecutionPath...)
	if cp.FinalVariables != nil {
		cp.FinalVariables = deepCopyVars(cp.FinalVariables)
	}
	return &cp
}

// nodeState returns the tracked state for a node, creating it when the
// walk reaches a node that was added after init (never in practice).
func (r *run) nodeState(nodeID string) *schema.NodeExecutionState {
	state, ok := r.result.NodeStates[nodeID]
	if !ok {
		state = &schema.NodeExecutionState{NodeID: nodeID, Status: schema.NodePending}
		r.result.NodeStates[nodeID] = state
	}
	return state
}

// markNodeRunning transitions a node to running and appends it to the path.
func (r *run) markNodeRunning(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.nodeState(nodeID)
	if err := TransitionNode(nodeID, state.Status, schema.NodeRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	state.Status = schema.NodeRunning
	state.StartedAt = &now
	r.execCtx.CurrentNodeID = nodeID
	r.execCtx.ExecutionPath = append(r.execCtx.ExecutionPath, nodeID)
	return nil
}

// markNodeDone records a terminal node outcome.
func (r *run) markNodeDone(nodeID string, status schema.NodeStatus, output map[string]any, nodeErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.nodeState(nodeID)
	now := time.Now().UTC()
	state.Status = status
	state.CompletedAt = &now
	if output != nil {
		state.Output = output
	}
	if nodeErr != nil {
		state.ErrorMessage = nodeErr.Error()
		var serr *schema.Error
		if errors.As(nodeErr, &serr) {
			state.ErrorKind = serr.Code
		} else {
			state.ErrorKind = schema.ErrCodeNodeFailed
		}
	}
}

// bumpRetry increments a node's retry counter.
func (r *run) bumpRetry(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.nodeState(nodeID)
	state.RetryCount++
	r.totalRetries.Add(1)
	return state.RetryCount
}

// cancelled reports whether the run was flagged for cancellation.
func (r *run) cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.execCtx.Cancelled
}
