package engine

import (
	"context"

	"github.com/loomhq/loom/pkg/schema"
)

// ActionRequest is one dispatch to the external action executor. Config is
// the node's decoded configuration with every {{...}} template already
// substituted; the runner never sees raw templates.
type ActionRequest struct {
	Node      *schema.WorkflowNode
	Execution *schema.ExecutionContext
	Config    map[string]any
}

// NodeRunner executes action nodes against the outside world: module
// operations, outbound webhooks, chat messages, browser sources. The engine
// owns everything else (conditions, loops, data nodes, flow control).
//
// Run must respect ctx cancellation. The returned output map is merged into
// the run's variable context under the node's ID.
type NodeRunner interface {
	Run(ctx context.Context, req *ActionRequest) (map[string]any, error)
}

// NodeRunnerFunc adapts a function to the NodeRunner interface.
type NodeRunnerFunc func(ctx context.Context, req *ActionRequest) (map[string]any, error)

func (f NodeRunnerFunc) Run(ctx context.Context, req *ActionRequest) (map[string]any, error) {
	return f(ctx, req)
}
