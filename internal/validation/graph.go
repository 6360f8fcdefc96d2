package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loomhq/loom/pkg/schema"
)

const maxRecommendedDepth = 10

// validateGraph performs graph analysis over the enabled connections:
// cycle detection with the loop-node exception, reachability from triggers,
// and depth complexity warnings.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	adj := buildAdjacency(def)

	if !checkCycles(def, adj, result) {
		// Illegal cycle makes reachability and depth analysis meaningless.
		return result
	}

	checkReachability(def, adj, result)
	checkDepth(def, adj, result)

	return result
}

// buildAdjacency maps each node to its successors over enabled connections
// whose endpoints exist. Missing endpoints are reported by the connection
// stage; here they are simply skipped.
func buildAdjacency(def *schema.WorkflowDefinition) map[string][]string {
	adj := make(map[string][]string, len(def.Nodes))
	for _, conn := range def.EnabledConnections() {
		if _, ok := def.Nodes[conn.FromNodeID]; !ok {
			continue
		}
		if _, ok := def.Nodes[conn.ToNodeID]; !ok {
			continue
		}
		adj[conn.FromNodeID] = append(adj[conn.FromNodeID], conn.ToNodeID)
	}
	// Deterministic traversal order.
	for id := range adj {
		sort.Strings(adj[id])
	}
	return adj
}

// checkCycles runs a DFS with an explicit recursion stack. A back edge is
// legal only when the cycle it closes passes through a loop node; any other
// cycle is a hard error naming the full path. Returns false when an illegal
// cycle was found.
func checkCycles(def *schema.WorkflowDefinition, adj map[string][]string, result *schema.ValidationResult) bool {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)

	state := make(map[string]int, len(def.Nodes))
	ok := true

	ids := make([]string, 0, len(def.Nodes))
	for id := range def.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var stack []string

	var visit func(id string)
	visit = func(id string) {
		state[id] = inStack
		stack = append(stack, id)

		for _, next := range adj[id] {
			switch state[next] {
			case unvisited:
				visit(next)
			case inStack:
				cycle := extractCycle(stack, next)
				if !cycleHasLoopNode(def, cycle) {
					ok = false
					result.AddError("connections", schema.ErrCodeCycleDetected,
						fmt.Sprintf("cycle without a loop node: %s", strings.Join(cycle, " -> ")))
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
	}

	for _, id := range ids {
		if state[id] == unvisited {
			visit(id)
		}
	}

	return ok
}

// extractCycle slices the recursion stack from the back-edge target to the
// top and closes the loop.
func extractCycle(stack []string, target string) []string {
	for i, id := range stack {
		if id == target {
			cycle := make([]string, 0, len(stack)-i+1)
			cycle = append(cycle, stack[i:]...)
			return append(cycle, target)
		}
	}
	return []string{target, target}
}

func cycleHasLoopNode(def *schema.WorkflowDefinition, cycle []string) bool {
	for _, id := range cycle {
		if node, ok := def.Nodes[id]; ok && node.Type.IsLoop() {
			return true
		}
	}
	return false
}

// checkReachability warns about enabled non-trigger nodes a BFS from the
// enabled triggers never reaches, and about triggers whose subgraph has no
// flow-end terminator.
func checkReachability(def *schema.WorkflowDefinition, adj map[string][]string, result *schema.ValidationResult) {
	triggers := def.TriggerNodes()
	if len(triggers) == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "workflow has no enabled trigger node")
		return
	}

	reachable := make(map[string]bool, len(def.Nodes))
	queue := append([]string(nil), triggers...)
	for _, t := range triggers {
		reachable[t] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	ids := make([]string, 0, len(def.Nodes))
	for id := range def.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node := def.Nodes[id]
		if node.Enabled && !node.Type.IsTrigger() && !reachable[id] {
			result.AddWarning("nodes/"+id, schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any trigger", id))
		}
	}

	for _, t := range triggers {
		if !reachesEnd(def, adj, t) {
			result.AddWarning("nodes/"+t, schema.ErrCodeValidation,
				fmt.Sprintf("trigger %q reaches no flow-end node; runs from it finish implicitly", t))
		}
	}
}

func reachesEnd(def *schema.WorkflowDefinition, adj map[string][]string, start string) bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if def.Nodes[id].Type == schema.NodeFlowEnd {
			return true
		}
		for _, next := range adj[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// checkDepth warns when any acyclic path from a trigger exceeds the
// recommended depth. Visited state resets per branch so sibling branches do
// not mask each other, but nodes on the current path are never re-entered.
func checkDepth(def *schema.WorkflowDefinition, adj map[string][]string, result *schema.ValidationResult) {
	for _, t := range def.TriggerNodes() {
		onPath := make(map[string]bool, len(def.Nodes))
		if depth := longestPath(adj, t, onPath); depth > maxRecommendedDepth {
			result.AddWarning("nodes/"+t, schema.ErrCodeValidation,
				fmt.Sprintf("path from trigger %q is %d nodes deep (recommended max %d)",
					t, depth, maxRecommendedDepth))
		}
	}
}

func longestPath(adj map[string][]string, id string, onPath map[string]bool) int {
	onPath[id] = true
	best := 0
	for _, next := range adj[id] {
		if onPath[next] {
			continue
		}
		if d := longestPath(adj, next, onPath); d > best {
			best = d
		}
	}
	delete(onPath, id)
	return best + 1
}
