package engine

import (
	"context"
	"errors"

	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/streaming"
	"github.com/loomhq/loom/pkg/schema"
)

// errBreakLoop is the control signal a loop-break node raises. The nearest
// enclosing loop handler absorbs it; outside a loop it ends the run.
var errBreakLoop = errors.New("loop break")

// frame is one unit of traversal work: a node plus the loop nesting it
// was reached at.
type frame struct {
	nodeID    string
	loopDepth int
}

// walkOpts tunes a (sub)walk.
type walkOpts struct {
	// stopAt nodes are treated as walk boundaries: reaching one ends the
	// frame without executing it. Loop bodies stop at their loop header.
	stopAt map[string]bool
	// stopAtMerge ends a frame on any flow-merge node, recording the
	// node in reachedMerges. Parallel branches use this to find their
	// join point.
	stopAtMerge   bool
	reachedMerges *mergeSet
}

// walker drives the traversal of one run. Subwalks (loop bodies, parallel
// branches) reuse the same walker with fresh options.
type walker struct {
	engine *Engine
	run    *run
}

// walk processes frames depth-first starting from start. It returns nil
// when every reachable frame completed, or the first error raised by a
// node handler.
func (w *walker) walk(ctx context.Context, start frame, scope *VarScope, opts walkOpts) error {
	stack := []frame{start}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := w.checkRun(ctx); err != nil {
			return err
		}
		if opts.stopAt[f.nodeID] {
			continue
		}

		node := w.run.graph.node(f.nodeID)
		if node == nil || !node.Enabled {
			continue
		}
		if opts.stopAtMerge && node.Type == schema.NodeFlowMerge {
			opts.reachedMerges.add(f.nodeID)
			continue
		}

		next, err := w.executeNode(ctx, node, f, scope)
		if err != nil {
			return err
		}

		// Reverse push keeps successor order depth-first.
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, frame{nodeID: next[i], loopDepth: f.loopDepth})
		}
	}
	return nil
}

// checkRun enforces the run-wide cancellation and timeout gates.
func (w *walker) checkRun(ctx context.Context) error {
	if w.run.cancelled() {
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// executeNode runs one node and returns its successor node IDs. Every call
// counts against the run's operation cap.
func (w *walker) executeNode(ctx context.Context, node *schema.WorkflowNode, f frame, scope *VarScope) ([]string, error) {
	e := w.engine

	if count := w.run.opCount.Add(1); count > int64(e.cfg.MaxTotalOperations) {
		return nil, schema.NewErrorf(schema.ErrCodeLoopLimit,
			"operation limit of %d exceeded", e.cfg.MaxTotalOperations).WithNode(node.ID)
	}

	if err := w.run.markNodeRunning(node.ID); err != nil {
		return nil, err
	}

	nctx := logging.WithNodeID(ctx, node.ID)
	log := logging.LogWith(nctx, e.logger)
	log.Debug("node started", "node_type", string(node.Type), "loop_depth", f.loopDepth)
	e.publish(nctx, w.run, node.ID, streaming.EventNodeStarted, nil)

	next, output, err := w.dispatch(nctx, node, f, scope)
	switch {
	case err == nil:
		w.run.markNodeDone(node.ID, schema.NodeCompleted, output, nil)
		e.publish(nctx, w.run, node.ID, streaming.EventNodeCompleted, nil)
	case errors.Is(err, errBreakLoop):
		// The break node itself succeeded; the signal travels up.
		w.run.markNodeDone(node.ID, schema.NodeCompleted, output, nil)
		e.publish(nctx, w.run, node.ID, streaming.EventNodeCompleted, nil)
		return nil, err
	default:
		w.run.markNodeDone(node.ID, schema.NodeFailed, output, err)
		e.publish(nctx, w.run, node.ID, streaming.EventNodeFailed, err.Error())
		log.Warn("node failed", "node_type", string(node.Type), "error", err.Error())
		var serr *schema.Error
		if errors.As(err, &serr) && serr.NodeID == "" {
			err = serr.WithNode(node.ID)
		}
		return nil, err
	}

	e.checkpoint(nctx, w.run, false)
	log.Debug("node completed", "successors", len(next))
	return next, nil
}

// dispatch routes a node to its handler by type.
func (w *walker) dispatch(ctx context.Context, node *schema.WorkflowNode, f frame, scope *VarScope) (next []string, output map[string]any, err error) {
	switch {
	case node.Type.IsTrigger():
		return w.run.graph.successors(node.ID), nil, nil

	case node.Type == schema.NodeConditionIf:
		next, err = w.handleIf(ctx, node, scope)
		return next, nil, err

	case node.Type == schema.NodeConditionSwitch:
		next, err = w.handleSwitch(ctx, node, scope)
		return next, nil, err

	case node.Type == schema.NodeConditionFilter:
		next, err = w.handleFilter(ctx, node, scope)
		return next, nil, err

	case node.Type == schema.NodeActionDelay:
		err = w.handleDelay(ctx, node, scope)
		return w.run.graph.successors(node.ID), nil, err

	case node.Type.IsAction():
		output, err = w.handleAction(ctx, node, scope)
		return w.run.graph.successors(node.ID), output, err

	case node.Type == schema.NodeDataTransform:
		err = w.handleTransform(ctx, node, scope)
		return w.run.graph.successors(node.ID), nil, err

	case node.Type == schema.NodeDataVariableSet:
		err = w.handleVariableSet(ctx, node, scope)
		return w.run.graph.successors(node.ID), nil, err

	case node.Type == schema.NodeDataVariableGet:
		err = w.handleVariableGet(ctx, node, scope)
		return w.run.graph.successors(node.ID), nil, err

	case node.Type == schema.NodeLoopForEach:
		next, err = w.handleForEach(ctx, node, f, scope)
		return next, nil, err

	case node.Type == schema.NodeLoopWhile:
		next, err = w.handleWhile(ctx, node, f, scope)
		return next, nil, err

	case node.Type == schema.NodeLoopBreak:
		return nil, nil, errBreakLoop

	case node.Type == schema.NodeFlowParallel:
		next, err = w.handleParallel(ctx, node, f, scope)
		return next, nil, err

	case node.Type == schema.NodeFlowMerge:
		return w.run.graph.successors(node.ID), nil, nil

	case node.Type == schema.NodeFlowEnd:
		return nil, nil, nil

	default:
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported node type %q", string(node.Type))
	}
}

// mergeSet collects the flow-merge nodes parallel branches reached.
type mergeSet struct {
	walker *walker
	seen   map[string]bool
	order  []string
}

func newMergeSet(w *walker) *mergeSet {
	return &mergeSet{walker: w, seen: make(map[string]bool)}
}

func (m *mergeSet) add(nodeID string) {
	m.walker.run.mu.Lock()
	defer m.walker.run.mu.Unlock()
	if !m.seen[nodeID] {
		m.seen[nodeID] = true
		m.order = append(m.order, nodeID)
	}
}

func (m *mergeSet) nodes() []string {
	m.walker.run.mu.Lock()
	defer m.walker.run.mu.Unlock()
	return append([]string(nil), m.order...)
}
