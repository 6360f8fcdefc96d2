package validation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomhq/loom/pkg/schema"
)

func TestGraphRejectsPlainCycle(t *testing.T) {
	wv := newValidator(t)

	def := linearWorkflow()
	def.Connections = append(def.Connections, connect("back", "set", "start"))

	result := wv.Validate(def)
	assert.False(t, result.Valid())

	found := false
	for _, issue := range result.Errors {
		if issue.Code == schema.ErrCodeCycleDetected {
			found = true
			assert.Contains(t, issue.Message, "->")
		}
	}
	assert.True(t, found, "expected CYCLE_DETECTED, got %+v", result.Errors)
}

func TestGraphAcceptsLoopNodeCycle(t *testing.T) {
	wv := newValidator(t)

	def := linearWorkflow()
	def.Nodes["loop"] = node("loop", schema.NodeLoopWhile,
		schema.WhileConfig{Condition: "x < 10", MaxIterations: 5})
	def.Nodes["body"] = node("body", schema.NodeDataVariableSet,
		schema.VariableSetConfig{Name: "x", Value: "{{x}}1"})
	def.Connections = []*schema.WorkflowConnection{
		connect("c1", "start", "loop"),
		connect("c2", "loop", "body"),
		connect("c3", "body", "loop"),
		connect("c4", "loop", "end"),
	}
	delete(def.Nodes, "set")

	result := wv.Validate(def)
	assert.True(t, result.Valid(), "errors: %+v", result.Errors)
}

func TestGraphDisabledConnectionBreaksCycle(t *testing.T) {
	wv := newValidator(t)

	def := linearWorkflow()
	back := connect("back", "set", "start")
	back.Enabled = false
	def.Connections = append(def.Connections, back)

	result := wv.Validate(def)
	assert.True(t, result.Valid(), "errors: %+v", result.Errors)
}

func TestGraphUnreachableNodeWarns(t *testing.T) {
	wv := newValidator(t)

	def := linearWorkflow()
	def.Nodes["island"] = node("island", schema.NodeDataVariableSet,
		schema.VariableSetConfig{Name: "y", Value: "2"})

	result := wv.Validate(def)
	assert.True(t, result.Valid(), "errors: %+v", result.Errors)

	found := false
	for _, w := range result.Warnings {
		if w.Path == "nodes/island" {
			found = true
		}
	}
	assert.True(t, found, "expected unreachable warning, got %+v", result.Warnings)
}

func TestGraphNoTriggerIsError(t *testing.T) {
	wv := newValidator(t)

	def := linearWorkflow()
	def.Nodes["start"].Enabled = false

	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

func TestGraphMissingFlowEndWarns(t *testing.T) {
	wv := newValidator(t)

	def := linearWorkflow()
	delete(def.Nodes, "end")
	def.Connections = def.Connections[:1]

	result := wv.Validate(def)
	assert.True(t, result.Valid(), "errors: %+v", result.Errors)
	assert.NotEmpty(t, result.Warnings)
}

func TestGraphDepthWarning(t *testing.T) {
	wv := newValidator(t)

	def := linearWorkflow()
	def.Connections = nil
	prev := "start"
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("n%02d", i)
		def.Nodes[id] = node(id, schema.NodeDataVariableSet,
			schema.VariableSetConfig{Name: "x", Value: "1"})
		def.Connections = append(def.Connections, connect("c"+id, prev, id))
		prev = id
	}
	def.Connections = append(def.Connections, connect("cend", prev, "end"))
	delete(def.Nodes, "set")

	result := wv.Validate(def)
	assert.True(t, result.Valid(), "errors: %+v", result.Errors)

	found := false
	for _, w := range result.Warnings {
		if w.Path == "nodes/start" {
			found = true
		}
	}
	assert.True(t, found, "expected depth warning, got %+v", result.Warnings)
}
