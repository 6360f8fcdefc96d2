package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/streaming"
	"github.com/loomhq/loom/pkg/schema"
)

// Default variable names a foreach loop binds when the config leaves them
// blank, and the iteration cap loops fall back to.
const (
	defaultItemVariable  = "item"
	defaultIndexVariable = "index"
	defaultMaxIterations = 1000
)

func (w *walker) handleIf(ctx context.Context, node *schema.WorkflowNode, scope *VarScope) ([]string, error) {
	var cfg schema.IfConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	pass, err := w.evalRules(ctx, cfg.Rules, scope)
	if err != nil {
		return nil, err
	}

	port := cfg.TruePort
	if port == "" {
		port = "true"
	}
	if !pass {
		port = cfg.FalsePort
		if port == "" {
			port = "false"
		}
	}
	return w.run.graph.successorsFromPort(node.ID, port), nil
}

func (w *walker) handleSwitch(ctx context.Context, node *schema.WorkflowNode, scope *VarScope) ([]string, error) {
	var cfg schema.SwitchConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	// An unresolvable variable is a case miss, not a run failure: the
	// switch routes to its default port like any unmatched value.
	port := cfg.DefaultPort
	if value, err := w.engine.sandbox.Evaluate(ctx, cfg.Variable, scope.Snapshot()); err == nil {
		if p, ok := cfg.Cases[expressions.Stringify(value)]; ok {
			port = p
		}
	}
	if port == "" {
		return nil, nil
	}
	return w.run.graph.successorsFromPort(node.ID, port), nil
}

func (w *walker) handleFilter(ctx context.Context, node *schema.WorkflowNode, scope *VarScope) ([]string, error) {
	var cfg schema.FilterConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	pass, err := w.evalRules(ctx, cfg.Rules, scope)
	if err != nil {
		return nil, err
	}
	if !pass {
		// Filter rejected: the branch ends here.
		return nil, nil
	}
	return w.run.graph.successors(node.ID), nil
}

// evalRules applies condition rules with implicit AND. Each rule's variable
// is an expression evaluated against the current scope.
func (w *walker) evalRules(ctx context.Context, rules []schema.ConditionRule, scope *VarScope) (bool, error) {
	vars := scope.Snapshot()
	for _, rule := range rules {
		left, err := w.engine.sandbox.Evaluate(ctx, rule.Variable, vars)
		if err != nil {
			return false, err
		}
		match, err := compareRule(left, rule.Operator, rule.Value)
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

func compareRule(left any, op schema.ConditionOperator, right any) (bool, error) {
	switch op {
	case schema.OpEquals:
		return valuesEqual(left, right), nil
	case schema.OpNotEquals:
		return !valuesEqual(left, right), nil
	case schema.OpGreaterThan, schema.OpLessThan:
		lf, lok := asNumber(left)
		rf, rok := asNumber(right)
		if lok && rok {
			if op == schema.OpGreaterThan {
				return lf > rf, nil
			}
			return lf < rf, nil
		}
		ls, rs := expressions.Stringify(left), expressions.Stringify(right)
		if op == schema.OpGreaterThan {
			return ls > rs, nil
		}
		return ls < rs, nil
	case schema.OpContains:
		return containsValue(left, right)
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition operator %q", string(op))
	}
}

// valuesEqual compares with numeric coercion so 2 == 2.0 regardless of how
// JSON decoding typed the operands.
func valuesEqual(a, b any) bool {
	if af, aok := asNumber(a); aok {
		if bf, bok := asNumber(b); bok {
			return af == bf
		}
	}
	return expressions.Stringify(a) == expressions.Stringify(b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func containsValue(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, expressions.Stringify(needle)), nil
	case []any:
		for _, item := range h {
			if valuesEqual(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		_, ok := h[expressions.Stringify(needle)]
		return ok, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"contains needs a string, list, or map, got %T", haystack)
	}
}

// handleDelay pauses the walk without dispatching to the runner.
func (w *walker) handleDelay(ctx context.Context, node *schema.WorkflowNode, scope *VarScope) error {
	var cfg schema.DelayConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return err
	}
	if cfg.DurationSeconds <= 0 {
		return nil
	}
	return WaitForBackoff(ctx, time.Duration(cfg.DurationSeconds*float64(time.Second)))
}

// handleAction substitutes templates in the node config, dispatches it to
// the runner, and retries transient failures per the definition's retry
// policy. The output map lands in scope under the node's ID.
func (w *walker) handleAction(ctx context.Context, node *schema.WorkflowNode, scope *VarScope) (map[string]any, error) {
	e := w.engine
	if e.runner == nil {
		return nil, schema.NewError(schema.ErrCodeNodeFailed, "no action runner configured")
	}

	rawCfg := make(map[string]any)
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &rawCfg); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid %s config: %s", string(node.Type), err.Error()).WithCause(err)
		}
	}

	resolved, err := e.sandbox.SubstituteStructure(ctx, rawCfg, scope.Snapshot())
	if err != nil {
		return nil, err
	}
	cfg, _ := resolved.(map[string]any)

	var declared schema.ActionTimeout
	if err := node.DecodeConfig(&declared); err != nil {
		return nil, err
	}

	maxRetries := 0
	if w.run.def.RetryFailedNodes {
		maxRetries = w.run.def.MaxRetries
		if maxRetries <= 0 {
			maxRetries = e.cfg.MaxRetries
		}
	}

	req := &ActionRequest{
		Node:      node,
		Execution: w.run.execCtx,
		Config:    cfg,
	}
	log := logging.LogWith(ctx, e.logger)

	for attempt := 0; ; attempt++ {
		output, runErr := w.runActionOnce(ctx, node, req, declared.TimeoutSeconds)
		if runErr == nil {
			if len(output) > 0 {
				scope.Set(node.ID, output)
			}
			return output, nil
		}

		if attempt >= maxRetries || !IsRetryableError(runErr) {
			if attempt > 0 {
				return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"action failed after %d retries: %s", attempt, runErr.Error()).WithCause(runErr)
			}
			return nil, runErr
		}

		retryCount := w.run.bumpRetry(node.ID)
		delay := ComputeBackoff(attempt)
		w.engine.publish(ctx, w.run, node.ID, streaming.EventNodeRetrying, retryCount)
		log.Info("retrying action node",
			"node_type", string(node.Type),
			"retry", retryCount,
			"backoff", delay.String(),
			"error", runErr.Error())
		if err := WaitForBackoff(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// runActionOnce performs a single dispatch, honoring the declared per-node
// timeout and the circuit breaker when one is configured.
func (w *walker) runActionOnce(ctx context.Context, node *schema.WorkflowNode, req *ActionRequest, timeoutSeconds float64) (map[string]any, error) {
	e := w.engine
	key := string(node.Type)

	if e.breaker != nil {
		if err := e.breaker.AllowRequest(key); err != nil {
			return nil, err
		}
	}

	actx := ctx
	if timeoutSeconds > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	output, err := e.runner.Run(actx, req)
	if e.breaker != nil {
		if err != nil {
			e.breaker.RecordFailure(key)
		} else {
			e.breaker.RecordSuccess(key)
		}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The node timeout fired, not the run timeout.
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"action timed out after %gs", timeoutSeconds).WithCause(err)
		}
		return nil, err
	}
	return output, nil
}

func (w *walker) handleTransform(ctx context.Context, node *schema.WorkflowNode, scope *VarScope) error {
	var cfg schema.TransformConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return err
	}

	var engine expressions.Engine = w.engine.sandbox
	if cfg.Language == schema.TransformJQ {
		engine = w.engine.transformer
	}

	out, err := engine.Evaluate(ctx, cfg.Expression, scope.Snapshot())
	if err != nil {
		return err
	}
	scope.Set(cfg.OutputVariable, out)
	return nil
}

func (w *walker) handleVariableSet(ctx context.Context, node *schema.WorkflowNode, scope *VarScope) error {
	var cfg schema.VariableSetConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return err
	}
	if cfg.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "variable-set requires a name")
	}

	value, err := w.engine.sandbox.SubstituteStructure(ctx, cfg.Value, scope.Snapshot())
	if err != nil {
		return err
	}
	scope.Set(cfg.Name, value)
	return nil
}

func (w *walker) handleVariableGet(_ context.Context, node *schema.WorkflowNode, scope *VarScope) error {
	var cfg schema.VariableGetConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return err
	}
	if cfg.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "variable-get requires a name")
	}

	value, ok := scope.Get(cfg.Name)
	if !ok {
		value = cfg.Default
	}
	target := cfg.OutputVariable
	if target == "" {
		target = cfg.Name
	}
	scope.Set(target, value)
	return nil
}

func (w *walker) handleForEach(ctx context.Context, node *schema.WorkflowNode, f frame, scope *VarScope) ([]string, error) {
	var cfg schema.ForEachConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if err := w.checkLoopDepth(node.ID, f.loopDepth); err != nil {
		return nil, err
	}

	raw, ok := scope.Get(cfg.ArrayVariable)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"foreach variable %q is not set", cfg.ArrayVariable)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"foreach variable %q is %T, want a list", cfg.ArrayVariable, raw)
	}

	limit := loopCap(cfg.MaxIterations)
	if len(items) > limit {
		items = items[:limit]
	}

	itemVar := cfg.ItemVariable
	if itemVar == "" {
		itemVar = defaultItemVariable
	}
	indexVar := cfg.IndexVariable
	if indexVar == "" {
		indexVar = defaultIndexVariable
	}

	body, done := w.loopEdges(node.ID)

	for i, item := range items {
		scope.Set(itemVar, item)
		scope.Set(indexVar, i)
		stop, err := w.runLoopBody(ctx, node.ID, body, f.loopDepth+1, scope)
		if err != nil {
			return nil, err
		}
		if stop {
			break
		}
	}
	return done, nil
}

func (w *walker) handleWhile(ctx context.Context, node *schema.WorkflowNode, f frame, scope *VarScope) ([]string, error) {
	var cfg schema.WhileConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Condition == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "while loop requires a condition")
	}
	if err := w.checkLoopDepth(node.ID, f.loopDepth); err != nil {
		return nil, err
	}

	limit := loopCap(cfg.MaxIterations)
	body, done := w.loopEdges(node.ID)

	for i := 0; ; i++ {
		if i >= limit {
			return nil, schema.NewErrorf(schema.ErrCodeLoopLimit,
				"while loop exceeded %d iterations", limit)
		}
		keep, err := w.engine.sandbox.EvaluateBool(ctx, cfg.Condition, scope.Snapshot())
		if err != nil {
			return nil, err
		}
		if !keep {
			break
		}
		stop, err := w.runLoopBody(ctx, node.ID, body, f.loopDepth+1, scope)
		if err != nil {
			return nil, err
		}
		if stop {
			break
		}
	}
	return done, nil
}

func (w *walker) checkLoopDepth(nodeID string, depth int) error {
	if depth+1 > w.engine.cfg.MaxLoopDepth {
		return schema.NewErrorf(schema.ErrCodeLoopLimit,
			"loop nesting exceeds %d levels", w.engine.cfg.MaxLoopDepth).WithNode(nodeID)
	}
	return nil
}

// loopCap resolves the configured iteration bound against the default.
func loopCap(configured int) int {
	if configured > 0 {
		return configured
	}
	return defaultMaxIterations
}

// loopEdges splits a loop node's outgoing edges into body entries and the
// continuation. Edges on the "body" port are the body; when none carry that
// port name, every edge off the "done" port is. The continuation is always
// the explicit "done" port.
func (w *walker) loopEdges(nodeID string) (body, done []string) {
	g := w.run.graph
	for _, e := range g.edges[nodeID] {
		switch e.fromPort {
		case "body":
			body = append(body, e.to)
		case "done":
			done = append(done, e.to)
		}
	}
	if body == nil {
		body = g.successorsExceptPort(nodeID, "done")
	}
	return body, done
}

// runLoopBody walks one iteration. The loop node itself is a walk boundary
// so cycle-style graphs terminate the iteration when they come back around.
// The returned bool reports a loop-break.
func (w *walker) runLoopBody(ctx context.Context, loopNodeID string, body []string, depth int, scope *VarScope) (bool, error) {
	opts := walkOpts{stopAt: map[string]bool{loopNodeID: true}}
	for _, target := range body {
		err := w.walk(ctx, frame{nodeID: target, loopDepth: depth}, scope, opts)
		if errors.Is(err, errBreakLoop) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

// handleParallel forks the scope per outgoing edge, runs every branch on
// the worker pool until it reaches a flow-merge node, then merges branch
// writes back first-writer-wins in launch order. The walk continues once
// from each merge node the branches reached.
func (w *walker) handleParallel(ctx context.Context, node *schema.WorkflowNode, f frame, scope *VarScope) ([]string, error) {
	var cfg schema.ParallelConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	branches := w.run.graph.successors(node.ID)
	if len(branches) == 0 {
		return nil, nil
	}

	bctx := ctx
	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	merges := newMergeSet(w)
	opts := walkOpts{stopAtMerge: true, reachedMerges: merges}

	children := make([]*VarScope, len(branches))
	branchErrs := make([]error, len(branches))
	var wg sync.WaitGroup

	for i, target := range branches {
		children[i] = scope.Fork()
		wg.Add(1)
		err := w.engine.pool.Submit(bctx, func(taskCtx context.Context) error {
			defer wg.Done()
			branchErrs[i] = w.walk(taskCtx, frame{nodeID: target, loopDepth: f.loopDepth}, children[i], opts)
			return branchErrs[i]
		})
		if err != nil {
			wg.Done()
			branchErrs[i] = err
		}
	}
	wg.Wait()

	claimed := make(map[string]struct{})
	for i, child := range children {
		if branchErrs[i] == nil {
			scope.MergeChild(child, claimed)
		}
	}

	for i, err := range branchErrs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"parallel branch %d timed out after %gs", i, cfg.TimeoutSeconds).WithCause(err)
		}
		return nil, fmt.Errorf("parallel branch %d: %w", i, err)
	}

	return merges.nodes(), nil
}
