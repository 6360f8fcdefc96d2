package engine

import (
	"sort"
	"strings"

	"github.com/loomhq/loom/pkg/schema"
)

// edge is one enabled connection in walk form.
type edge struct {
	to       string
	fromPort string
}

// graph is the walkable view of a validated definition: adjacency over
// enabled connections whose endpoints exist and are enabled.
type graph struct {
	def   *schema.WorkflowDefinition
	edges map[string][]edge
}

// buildGraph indexes the definition for the walk. The definition is assumed
// validator-approved; edges with missing or disabled endpoints are dropped
// rather than reported.
func buildGraph(def *schema.WorkflowDefinition) *graph {
	g := &graph{
		def:   def,
		edges: make(map[string][]edge, len(def.Nodes)),
	}
	for _, conn := range def.EnabledConnections() {
		from, ok := def.Nodes[conn.FromNodeID]
		if !ok || !from.Enabled {
			continue
		}
		to, ok := def.Nodes[conn.ToNodeID]
		if !ok || !to.Enabled {
			continue
		}
		g.edges[conn.FromNodeID] = append(g.edges[conn.FromNodeID], edge{
			to:       conn.ToNodeID,
			fromPort: conn.FromPort,
		})
	}
	return g
}

// successors returns the targets of every edge leaving the node, in
// persisted connection order.
func (g *graph) successors(nodeID string) []string {
	edges := g.edges[nodeID]
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.to)
	}
	return out
}

// successorsFromPort returns the targets of edges leaving a specific output
// port. An edge with an empty port name matches any requested port.
func (g *graph) successorsFromPort(nodeID, port string) []string {
	var out []string
	for _, e := range g.edges[nodeID] {
		if e.fromPort == port || e.fromPort == "" {
			out = append(out, e.to)
		}
	}
	return out
}

// successorsExceptPort returns the targets of edges leaving any port other
// than the named one. Used by loop nodes to separate body edges from the
// continuation.
func (g *graph) successorsExceptPort(nodeID, port string) []string {
	var out []string
	for _, e := range g.edges[nodeID] {
		if e.fromPort != port {
			out = append(out, e.to)
		}
	}
	return out
}

// checkAcyclic runs a Kahn topological pass over the graph with loop nodes
// removed. Loop nodes may legally close a cycle (their body edges return to
// them); any cycle that survives their removal has no loop node and makes
// the definition unrunnable. Returns a CYCLE_DETECTED error naming the
// offending nodes, or nil.
func (g *graph) checkAcyclic() error {
	indegree := make(map[string]int, len(g.def.Nodes))
	for id, node := range g.def.Nodes {
		if node.Type.IsLoop() {
			continue
		}
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, e := range g.edges[id] {
			if to := g.def.Nodes[e.to]; to != nil && to.Type.IsLoop() {
				continue
			}
			indegree[e.to]++
		}
	}

	queue := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, e := range g.edges[id] {
			if _, ok := indegree[e.to]; !ok {
				continue
			}
			indegree[e.to]--
			if indegree[e.to] == 0 {
				queue = append(queue, e.to)
			}
		}
	}

	if resolved == len(indegree) {
		return nil
	}

	var cyclic []string
	for id, deg := range indegree {
		if deg > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return schema.NewErrorf(schema.ErrCodeCycleDetected,
		"workflow graph has a cycle without a loop node involving: %s",
		strings.Join(cyclic, ", "))
}

// node returns the node by ID; nil when the ID is unknown.
func (g *graph) node(nodeID string) *schema.WorkflowNode {
	return g.def.Nodes[nodeID]
}

// nodeIDs returns all node IDs in sorted order.
func (g *graph) nodeIDs() []string {
	ids := make([]string, 0, len(g.def.Nodes))
	for id := range g.def.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
