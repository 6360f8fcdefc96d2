package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/streaming"
	"github.com/loomhq/loom/pkg/schema"
)

// scriptedRunner is a NodeRunner fake: per-node failure counts and canned
// outputs, with call recording.
type scriptedRunner struct {
	mu       sync.Mutex
	calls    []string
	configs  map[string]map[string]any
	failures map[string]int
	outputs  map[string]map[string]any
	block    chan struct{}
	started  chan string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		configs:  make(map[string]map[string]any),
		failures: make(map[string]int),
		outputs:  make(map[string]map[string]any),
	}
}

func (r *scriptedRunner) Run(ctx context.Context, req *ActionRequest) (map[string]any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req.Node.ID)
	r.configs[req.Node.ID] = req.Config
	remaining := r.failures[req.Node.ID]
	if remaining != 0 {
		if remaining > 0 {
			r.failures[req.Node.ID] = remaining - 1
		}
		r.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	started := r.started
	block := r.block
	r.mu.Unlock()

	if started != nil {
		started <- req.Execution.ExecutionID
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.outputs[req.Node.ID], nil
}

func (r *scriptedRunner) callCount(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.calls {
		if id == nodeID {
			n++
		}
	}
	return n
}

func mustConfig(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func testNode(t *testing.T, id string, typ schema.NodeType, cfg any) *schema.WorkflowNode {
	t.Helper()
	n := &schema.WorkflowNode{ID: id, Type: typ, Enabled: true}
	if cfg != nil {
		n.Config = mustConfig(t, cfg)
	}
	return n
}

func edgeConn(id, from, fromPort, to string) *schema.WorkflowConnection {
	return &schema.WorkflowConnection{
		ID:         id,
		FromNodeID: from,
		FromPort:   fromPort,
		ToNodeID:   to,
		ToPort:     "in",
		Enabled:    true,
	}
}

func testDef(nodes []*schema.WorkflowNode, conns ...*schema.WorkflowConnection) *schema.WorkflowDefinition {
	def := &schema.WorkflowDefinition{
		WorkflowID:  "wf-test",
		Version:     1,
		Name:        "test workflow",
		Nodes:       make(map[string]*schema.WorkflowNode, len(nodes)),
		Connections: conns,
	}
	for _, n := range nodes {
		def.Nodes[n.ID] = n
	}
	return def
}

func newTestEngine(t *testing.T, runner NodeRunner, cfg Config) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	e := New(st, runner, nil, cfg)
	t.Cleanup(e.Shutdown)
	return e, st
}

func TestExecuteWorkflowLinear(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!go"}),
			testNode(t, "set", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "greeting", Value: "Hello {{user}}!"}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "set"),
		edgeConn("c2", "set", "", "end"),
	)

	e, st := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{
		Variables: map[string]any{"user": "Ada"},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, []string{"start", "set", "end"}, res.ExecutionPath)
	assert.Equal(t, "Hello Ada!", res.FinalVariables["greeting"])
	for _, id := range []string{"start", "set", "end"} {
		assert.Equal(t, schema.NodeCompleted, res.NodeStates[id].Status, "node %s", id)
	}

	stored, err := st.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, stored.Status)
}

func TestExecuteWorkflowNoTrigger(t *testing.T) {
	def := testDef([]*schema.WorkflowNode{
		testNode(t, "end", schema.NodeFlowEnd, nil),
	})

	e, _ := newTestEngine(t, nil, Config{})
	_, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no enabled trigger")
}

func TestExecuteWorkflowAllTriggersWalked(t *testing.T) {
	// Without an explicit start node every enabled trigger subtree runs,
	// not just the first one.
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "cmd", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!hi"}),
			testNode(t, "evt", schema.NodeTriggerEvent, schema.EventTriggerConfig{EventType: "follow"}),
			testNode(t, "from_cmd", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "cmd_ran", Value: true}),
			testNode(t, "from_evt", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "evt_ran", Value: true}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "cmd", "", "from_cmd"),
		edgeConn("c2", "evt", "", "from_evt"),
		edgeConn("c3", "from_cmd", "", "end"),
		edgeConn("c4", "from_evt", "", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, true, res.FinalVariables["cmd_ran"])
	assert.Equal(t, true, res.FinalVariables["evt_ran"])
	for _, id := range []string{"cmd", "evt", "from_cmd", "from_evt"} {
		assert.Equal(t, schema.NodeCompleted, res.NodeStates[id].Status, "node %s", id)
		assert.Contains(t, res.ExecutionPath, id)
	}
}

func TestExecuteWorkflowStartNodeSkipsOtherTriggers(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "cmd", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!hi"}),
			testNode(t, "evt", schema.NodeTriggerEvent, schema.EventTriggerConfig{EventType: "follow"}),
			testNode(t, "from_cmd", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "cmd_ran", Value: true}),
			testNode(t, "from_evt", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "evt_ran", Value: true}),
		},
		edgeConn("c1", "cmd", "", "from_cmd"),
		edgeConn("c2", "evt", "", "from_evt"),
	)

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{StartNodeID: "evt"})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, true, res.FinalVariables["evt_ran"])
	assert.NotContains(t, res.FinalVariables, "cmd_ran")
	assert.NotContains(t, res.ExecutionPath, "cmd")
}

func TestExecuteWorkflowRejectsIllegalCycle(t *testing.T) {
	// A cycle with no loop node on it fails up front, before any node runs.
	runner := newScriptedRunner()
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!spin"}),
			testNode(t, "ping", schema.NodeActionWebhook, schema.WebhookActionConfig{URL: "https://example.com/a"}),
			testNode(t, "pong", schema.NodeActionWebhook, schema.WebhookActionConfig{URL: "https://example.com/b"}),
		},
		edgeConn("c1", "start", "", "ping"),
		edgeConn("c2", "ping", "", "pong"),
		edgeConn("c3", "pong", "", "ping"),
	)

	e, _ := newTestEngine(t, runner, Config{})
	_, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected), "got %v", err)
	assert.Empty(t, runner.calls)
}

func TestExecuteWorkflowConditionIf(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerEvent, schema.EventTriggerConfig{EventType: "donation"}),
			testNode(t, "check", schema.NodeConditionIf, schema.IfConfig{
				Rules: []schema.ConditionRule{{Variable: "amount", Operator: schema.OpGreaterThan, Value: 50}},
			}),
			testNode(t, "big", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "tier", Value: "big"}),
			testNode(t, "small", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "tier", Value: "small"}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "check"),
		edgeConn("c2", "check", "true", "big"),
		edgeConn("c3", "check", "false", "small"),
		edgeConn("c4", "big", "", "end"),
		edgeConn("c5", "small", "", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{
		Variables: map[string]any{"amount": 80},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, "big", res.FinalVariables["tier"])
	assert.Contains(t, res.ExecutionPath, "big")
	assert.NotContains(t, res.ExecutionPath, "small")
	assert.Equal(t, schema.NodePending, res.NodeStates["small"].Status)
}

func TestExecuteWorkflowSwitch(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerEvent, schema.EventTriggerConfig{EventType: "sub"}),
			testNode(t, "route", schema.NodeConditionSwitch, schema.SwitchConfig{
				Variable:    "tier",
				Cases:       map[string]string{"gold": "gold_port"},
				DefaultPort: "other_port",
			}),
			testNode(t, "gold", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "bonus", Value: "max"}),
			testNode(t, "other", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "bonus", Value: "base"}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "route"),
		edgeConn("c2", "route", "gold_port", "gold"),
		edgeConn("c3", "route", "other_port", "other"),
		edgeConn("c4", "gold", "", "end"),
		edgeConn("c5", "other", "", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{
		Variables: map[string]any{"tier": "gold"},
	})
	require.NoError(t, err)
	assert.Equal(t, "max", res.FinalVariables["bonus"])

	res, err = e.ExecuteWorkflow(context.Background(), def, TriggerRequest{
		Variables: map[string]any{"tier": "bronze"},
	})
	require.NoError(t, err)
	assert.Equal(t, "base", res.FinalVariables["bonus"])

	// An unresolvable switch variable is a case miss, not a failure: the
	// run routes through the default port and completes.
	res, err = e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, "base", res.FinalVariables["bonus"])
	assert.Contains(t, res.ExecutionPath, "other")
	assert.NotContains(t, res.ExecutionPath, "gold")
}

func TestExecuteWorkflowFilterStopsBranch(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerEvent, schema.EventTriggerConfig{EventType: "chat"}),
			testNode(t, "filter", schema.NodeConditionFilter, schema.FilterConfig{
				Rules: []schema.ConditionRule{{Variable: "level", Operator: schema.OpEquals, Value: "mod"}},
			}),
			testNode(t, "set", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "allowed", Value: true}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "filter"),
		edgeConn("c2", "filter", "", "set"),
		edgeConn("c3", "set", "", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{
		Variables: map[string]any{"level": "viewer"},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, schema.NodeCompleted, res.NodeStates["filter"].Status)
	assert.Equal(t, schema.NodePending, res.NodeStates["set"].Status)
	assert.NotContains(t, res.ExecutionPath, "set")
}

func TestExecuteWorkflowForEach(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!sum"}),
			testNode(t, "loop", schema.NodeLoopForEach, schema.ForEachConfig{
				ArrayVariable: "items",
				ItemVariable:  "it",
			}),
			testNode(t, "add", schema.NodeDataTransform, schema.TransformConfig{
				Expression:     "total + it",
				OutputVariable: "total",
			}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "loop"),
		edgeConn("c2", "loop", "body", "add"),
		edgeConn("c3", "loop", "done", "end"),
	)
	def.GlobalVariables = map[string]any{"total": 0.0}

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{
		Variables: map[string]any{"items": []any{1.0, 2.0, 3.0}},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.InDelta(t, 6.0, res.FinalVariables["total"], 1e-9)
	assert.Equal(t, 3, countOccurrences(res.ExecutionPath, "add"))
	assert.Equal(t, schema.NodeCompleted, res.NodeStates["end"].Status)
}

func TestExecuteWorkflowForEachMaxIterations(t *testing.T) {
	// A cap below the array length truncates the loop: the body runs
	// exactly max_iterations times and the run still completes.
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!cap"}),
			testNode(t, "loop", schema.NodeLoopForEach, schema.ForEachConfig{
				ArrayVariable: "items",
				ItemVariable:  "it",
				MaxIterations: 2,
			}),
			testNode(t, "add", schema.NodeDataTransform, schema.TransformConfig{
				Expression:     "total + it",
				OutputVariable: "total",
			}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "loop"),
		edgeConn("c2", "loop", "body", "add"),
		edgeConn("c3", "loop", "done", "end"),
	)
	def.GlobalVariables = map[string]any{"total": 0.0}

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{
		Variables: map[string]any{"items": []any{1.0, 2.0, 3.0, 4.0, 5.0}},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, 2, countOccurrences(res.ExecutionPath, "add"))
	assert.InDelta(t, 3.0, res.FinalVariables["total"], 1e-9)
	assert.Equal(t, schema.NodeCompleted, res.NodeStates["end"].Status)
}

func TestExecuteWorkflowWhile(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!count"}),
			testNode(t, "loop", schema.NodeLoopWhile, schema.WhileConfig{
				Condition:     "counter < 3",
				MaxIterations: 10,
			}),
			testNode(t, "inc", schema.NodeDataTransform, schema.TransformConfig{
				Expression:     "counter + 1",
				OutputVariable: "counter",
			}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "loop"),
		edgeConn("c2", "loop", "body", "inc"),
		edgeConn("c3", "loop", "done", "end"),
	)
	def.GlobalVariables = map[string]any{"counter": 0.0}

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.InDelta(t, 3.0, res.FinalVariables["counter"], 1e-9)
}

func TestExecuteWorkflowWhileIterationLimit(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!spin"}),
			testNode(t, "loop", schema.NodeLoopWhile, schema.WhileConfig{
				Condition:     "true",
				MaxIterations: 5,
			}),
			testNode(t, "noop", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "x", Value: 1}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "loop"),
		edgeConn("c2", "loop", "body", "noop"),
		edgeConn("c3", "loop", "done", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "5 iterations")
	assert.Equal(t, "loop", res.ErrorNodeID)
}

func TestExecuteWorkflowLoopBreak(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!first"}),
			testNode(t, "loop", schema.NodeLoopForEach, schema.ForEachConfig{
				ArrayVariable: "items",
			}),
			testNode(t, "check", schema.NodeConditionIf, schema.IfConfig{
				Rules: []schema.ConditionRule{{Variable: "index", Operator: schema.OpGreaterThan, Value: 0}},
			}),
			testNode(t, "stop", schema.NodeLoopBreak, nil),
			testNode(t, "keep", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "seen", Value: "{{item}}"}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "loop"),
		edgeConn("c2", "loop", "body", "check"),
		edgeConn("c3", "check", "true", "stop"),
		edgeConn("c4", "check", "false", "keep"),
		edgeConn("c5", "loop", "done", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{
		Variables: map[string]any{"items": []any{"a", "b", "c"}},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	// First iteration stores the item, second breaks out.
	assert.Equal(t, "a", res.FinalVariables["seen"])
	assert.EqualValues(t, 1, res.FinalVariables["index"])
	assert.Equal(t, schema.NodeCompleted, res.NodeStates["end"].Status)
}

func TestExecuteWorkflowParallel(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!both"}),
			testNode(t, "fan", schema.NodeFlowParallel, nil),
			testNode(t, "left", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "x", Value: "left"}),
			testNode(t, "right", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "y", Value: "right"}),
			testNode(t, "join", schema.NodeFlowMerge, nil),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "fan"),
		edgeConn("c2", "fan", "", "left"),
		edgeConn("c3", "fan", "", "right"),
		edgeConn("c4", "left", "", "join"),
		edgeConn("c5", "right", "", "join"),
		edgeConn("c6", "join", "", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, "left", res.FinalVariables["x"])
	assert.Equal(t, "right", res.FinalVariables["y"])
	assert.Equal(t, schema.NodeCompleted, res.NodeStates["join"].Status)
	assert.Equal(t, schema.NodeCompleted, res.NodeStates["end"].Status)
}

func TestExecuteWorkflowParallelScopeIsolation(t *testing.T) {
	// Both branches write the same variable; the first launched branch wins.
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!race"}),
			testNode(t, "fan", schema.NodeFlowParallel, nil),
			testNode(t, "first", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "winner", Value: "first"}),
			testNode(t, "second", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "winner", Value: "second"}),
			testNode(t, "join", schema.NodeFlowMerge, nil),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "fan"),
		edgeConn("c2", "fan", "", "first"),
		edgeConn("c3", "fan", "", "second"),
		edgeConn("c4", "first", "", "join"),
		edgeConn("c5", "second", "", "join"),
		edgeConn("c6", "join", "", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)
	assert.Equal(t, "first", res.FinalVariables["winner"])
}

func TestExecuteWorkflowActionDispatch(t *testing.T) {
	runner := newScriptedRunner()
	runner.outputs["say"] = map[string]any{"sent": true}

	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!hi"}),
			testNode(t, "say", schema.NodeActionChatMessage, schema.ChatMessageConfig{Message: "hi {{user}}", Platform: "twitch"}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "say"),
		edgeConn("c2", "say", "", "end"),
	)

	e, _ := newTestEngine(t, runner, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{
		Variables: map[string]any{"user": "Ada"},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, "hi Ada", runner.configs["say"]["message"])
	// The action output lands in the variable context under the node ID.
	output, ok := res.FinalVariables["say"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, output["sent"])
	assert.Equal(t, true, res.NodeStates["say"].Output["sent"])
}

func TestExecuteWorkflowActionRetrySucceeds(t *testing.T) {
	runner := newScriptedRunner()
	runner.failures["flaky"] = 1

	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!retry"}),
			testNode(t, "flaky", schema.NodeActionWebhook, schema.WebhookActionConfig{URL: "https://example.com/hook"}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "flaky"),
		edgeConn("c2", "flaky", "", "end"),
	)
	def.RetryFailedNodes = true
	def.MaxRetries = 2

	e, _ := newTestEngine(t, runner, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, 2, runner.callCount("flaky"))
	assert.Equal(t, 1, res.NodeStates["flaky"].RetryCount)
}

func TestExecuteWorkflowActionRetryExhausted(t *testing.T) {
	runner := newScriptedRunner()
	runner.failures["down"] = -1

	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!down"}),
			testNode(t, "down", schema.NodeActionWebhook, schema.WebhookActionConfig{URL: "https://example.com/hook"}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "down"),
		edgeConn("c2", "down", "", "end"),
	)
	def.RetryFailedNodes = true
	def.MaxRetries = 1

	e, _ := newTestEngine(t, runner, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, "down", res.ErrorNodeID)
	assert.Equal(t, 2, runner.callCount("down"))
	assert.Equal(t, schema.NodeFailed, res.NodeStates["down"].Status)
	assert.Equal(t, schema.ErrCodeRetryExhausted, res.NodeStates["down"].ErrorKind)
	assert.Equal(t, schema.NodePending, res.NodeStates["end"].Status)
}

func TestExecuteWorkflowActionNonRetryableFailsFast(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!bad"}),
			testNode(t, "bad", schema.NodeActionModule, schema.ModuleActionConfig{Module: "obs"}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "bad"),
		edgeConn("c2", "bad", "", "end"),
	)
	def.RetryFailedNodes = true
	def.MaxRetries = 3

	calls := 0
	runner := NodeRunnerFunc(func(_ context.Context, _ *ActionRequest) (map[string]any, error) {
		calls++
		return nil, schema.NewError(schema.ErrCodeValidation, "unknown module")
	})

	e, _ := newTestEngine(t, runner, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, res.NodeStates["bad"].RetryCount)
}

func TestExecuteWorkflowTimeout(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!slow"}),
			testNode(t, "wait", schema.NodeActionDelay, schema.DelayConfig{DurationSeconds: 5}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "wait"),
		edgeConn("c2", "wait", "", "end"),
	)
	def.MaxExecutionTimeSeconds = 0.05

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "timed out")
}

func TestExecuteWorkflowOperationLimit(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!spin"}),
			testNode(t, "loop", schema.NodeLoopWhile, schema.WhileConfig{
				Condition:     "true",
				MaxIterations: 10000,
			}),
			testNode(t, "noop", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "x", Value: 1}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "loop"),
		edgeConn("c2", "loop", "body", "noop"),
		edgeConn("c3", "loop", "done", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{MaxTotalOperations: 10})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "operation limit")
}

func TestExecuteWorkflowLoopDepthLimit(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!deep"}),
			testNode(t, "outer", schema.NodeLoopForEach, schema.ForEachConfig{ArrayVariable: "items"}),
			testNode(t, "inner", schema.NodeLoopForEach, schema.ForEachConfig{ArrayVariable: "items"}),
			testNode(t, "noop", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "x", Value: 1}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "outer"),
		edgeConn("c2", "outer", "body", "inner"),
		edgeConn("c3", "inner", "body", "noop"),
		edgeConn("c4", "outer", "done", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{MaxLoopDepth: 1})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{
		Variables: map[string]any{"items": []any{1.0}},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "loop nesting")
}

func TestCancelExecution(t *testing.T) {
	runner := newScriptedRunner()
	runner.block = make(chan struct{})
	runner.started = make(chan string, 1)

	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!hang"}),
			testNode(t, "hang", schema.NodeActionModule, schema.ModuleActionConfig{Module: "slow"}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "hang"),
		edgeConn("c2", "hang", "", "end"),
	)

	e, _ := newTestEngine(t, runner, Config{})

	results := make(chan *schema.ExecutionResult, 1)
	go func() {
		res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
		assert.NoError(t, err)
		results <- res
	}()

	var execID string
	select {
	case execID = <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("action never started")
	}

	assert.True(t, e.CancelExecution(execID))

	select {
	case res := <-results:
		assert.Equal(t, schema.ExecutionCancelled, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancel")
	}
}

func TestExecutionStatusLifecycle(t *testing.T) {
	// A run is observable as running while a node is in flight, and only
	// then moves to its terminal status.
	runner := newScriptedRunner()
	runner.block = make(chan struct{})
	runner.started = make(chan string, 1)

	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!slow"}),
			testNode(t, "work", schema.NodeActionModule, schema.ModuleActionConfig{Module: "slow"}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "work"),
		edgeConn("c2", "work", "", "end"),
	)

	e, _ := newTestEngine(t, runner, Config{})

	results := make(chan *schema.ExecutionResult, 1)
	go func() {
		res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
		assert.NoError(t, err)
		results <- res
	}()

	var execID string
	select {
	case execID = <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("action never started")
	}

	got, err := e.GetExecutionStatus(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)

	close(runner.block)

	select {
	case res := <-results:
		assert.Equal(t, schema.ExecutionCompleted, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestCancelExecutionUnknown(t *testing.T) {
	e, _ := newTestEngine(t, nil, Config{})
	assert.False(t, e.CancelExecution("missing"))
}

func TestGetExecutionStatusFromStore(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!go"}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)

	got, err := e.GetExecutionStatus(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)

	_, err = e.GetExecutionStatus(context.Background(), "missing")
	require.Error(t, err)
}

func TestGetExecutionMetrics(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!go"}),
			testNode(t, "set", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "a", Value: 1}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "set"),
		edgeConn("c2", "set", "", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)

	m, err := e.GetExecutionMetrics(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, m.Status)
	assert.Equal(t, 3, m.NodesByStatus[schema.NodeCompleted])
	assert.Equal(t, 3, m.PathLength)
	assert.Equal(t, 0, m.TotalRetries)
}

func TestExecuteWorkflowJQTransform(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!jq"}),
			testNode(t, "count", schema.NodeDataTransform, schema.TransformConfig{
				Expression:     ".items | length",
				Language:       schema.TransformJQ,
				OutputVariable: "count",
			}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "count"),
		edgeConn("c2", "count", "", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{
		Variables: map[string]any{"items": []any{"a", "b", "c"}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.FinalVariables["count"])
}

func TestExecuteWorkflowVariableGetDefault(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!get"}),
			testNode(t, "get", schema.NodeDataVariableGet, schema.VariableGetConfig{
				Name:           "missing",
				OutputVariable: "resolved",
				Default:        "fallback",
			}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "get"),
		edgeConn("c2", "get", "", "end"),
	)

	e, _ := newTestEngine(t, nil, Config{})
	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.FinalVariables["resolved"])
}

func TestExecuteWorkflowPublishesEvents(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!ev"}),
			testNode(t, "set", schema.NodeDataVariableSet, schema.VariableSetConfig{Name: "x", Value: "1"}),
			testNode(t, "end", schema.NodeFlowEnd, nil),
		},
		edgeConn("c1", "start", "", "set"),
		edgeConn("c2", "set", "", "end"),
	)

	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	st := store.NewMemoryStore()
	e := New(st, nil, nil, Config{EventHub: hub})
	t.Cleanup(e.Shutdown)

	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionCompleted, res.Status)

	var types []string
	for len(ch) > 0 {
		ev := <-ch
		assert.Equal(t, res.ExecutionID, ev.ExecutionID)
		assert.Equal(t, "wf-test", ev.WorkflowID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, streaming.EventExecutionStarted, types[0])
	assert.Equal(t, streaming.EventExecutionCompleted, types[len(types)-1])
	assert.Contains(t, types, streaming.EventNodeStarted)
	assert.Contains(t, types, streaming.EventNodeCompleted)
}

func TestExecuteWorkflowPublishesFailureEvent(t *testing.T) {
	def := testDef(
		[]*schema.WorkflowNode{
			testNode(t, "start", schema.NodeTriggerCommand, schema.CommandTriggerConfig{Command: "!ev"}),
			testNode(t, "boom", schema.NodeDataTransform, schema.TransformConfig{
				Expression:     "nosuchvar +",
				OutputVariable: "out",
			}),
		},
		edgeConn("c1", "start", "", "boom"),
	)

	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{
		Types: []string{streaming.EventNodeFailed, streaming.EventExecutionFailed},
	})
	require.NoError(t, err)
	defer cancel()

	st := store.NewMemoryStore()
	e := New(st, nil, nil, Config{EventHub: hub})
	t.Cleanup(e.Shutdown)

	res, err := e.ExecuteWorkflow(context.Background(), def, TriggerRequest{})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionFailed, res.Status)

	require.Len(t, ch, 2)
	first := <-ch
	assert.Equal(t, streaming.EventNodeFailed, first.Type)
	assert.Equal(t, "boom", first.NodeID)
	second := <-ch
	assert.Equal(t, streaming.EventExecutionFailed, second.Type)
}

func countOccurrences(path []string, id string) int {
	n := 0
	for _, p := range path {
		if p == id {
			n++
		}
	}
	return n
}
