package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/schema"
)

func TestTransitionExecutionValid(t *testing.T) {
	require.NoError(t, TransitionExecution(schema.ExecutionPending, schema.ExecutionRunning))
	require.NoError(t, TransitionExecution(schema.ExecutionRunning, schema.ExecutionCompleted))
	require.NoError(t, TransitionExecution(schema.ExecutionRunning, schema.ExecutionFailed))
	require.NoError(t, TransitionExecution(schema.ExecutionRunning, schema.ExecutionCancelled))
	require.NoError(t, TransitionExecution(schema.ExecutionPending, schema.ExecutionCancelled))
}

func TestTransitionExecutionInvalid(t *testing.T) {
	err := TransitionExecution(schema.ExecutionPending, schema.ExecutionCompleted)
	require.Error(t, err)

	var serr *schema.Error
	require.True(t, schema.AsError(err, &serr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, serr.Code)
	assert.Contains(t, serr.Message, "pending")
	assert.Contains(t, serr.Message, "completed")
}

func TestTransitionExecutionTerminalStatesReject(t *testing.T) {
	for _, terminal := range []schema.ExecutionStatus{
		schema.ExecutionCompleted,
		schema.ExecutionFailed,
		schema.ExecutionCancelled,
	} {
		err := TransitionExecution(terminal, schema.ExecutionRunning)
		require.Error(t, err, "terminal status %s must not transition", terminal)
	}
}

func TestTransitionNodeValid(t *testing.T) {
	require.NoError(t, TransitionNode("n1", schema.NodePending, schema.NodeRunning))
	require.NoError(t, TransitionNode("n1", schema.NodeRunning, schema.NodeCompleted))
	require.NoError(t, TransitionNode("n1", schema.NodeRunning, schema.NodeFailed))
	require.NoError(t, TransitionNode("n1", schema.NodePending, schema.NodeSkipped))
}

func TestTransitionNodeReentry(t *testing.T) {
	// Loop bodies re-run nodes, so completed and failed may go running again.
	require.NoError(t, TransitionNode("n1", schema.NodeCompleted, schema.NodeRunning))
	require.NoError(t, TransitionNode("n1", schema.NodeFailed, schema.NodeRunning))
}

func TestTransitionNodeInvalid(t *testing.T) {
	err := TransitionNode("n1", schema.NodePending, schema.NodeCompleted)
	require.Error(t, err)

	var serr *schema.Error
	require.True(t, schema.AsError(err, &serr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, serr.Code)
	assert.Equal(t, "n1", serr.NodeID)
}

func TestTransitionNodeSkippedIsTerminal(t *testing.T) {
	require.Error(t, TransitionNode("n1", schema.NodeSkipped, schema.NodeRunning))
	require.Error(t, TransitionNode("n1", schema.NodeSkipped, schema.NodeCompleted))
}

func TestExecutionTransitionTableCoversAllStatuses(t *testing.T) {
	for _, s := range []schema.ExecutionStatus{
		schema.ExecutionPending,
		schema.ExecutionRunning,
		schema.ExecutionCompleted,
		schema.ExecutionFailed,
		schema.ExecutionCancelled,
	} {
		_, ok := validExecutionTransitions[s]
		assert.True(t, ok, "missing execution status %q in transition table", s)
	}
}

func TestNodeTransitionTableCoversAllStatuses(t *testing.T) {
	for _, s := range []schema.NodeStatus{
		schema.NodePending,
		schema.NodeRunning,
		schema.NodeCompleted,
		schema.NodeFailed,
		schema.NodeSkipped,
	} {
		_, ok := validNodeTransitions[s]
		assert.True(t, ok, "missing node status %q in transition table", s)
	}
}
