package engine

import (
	"github.com/fenwick-labs/missiond/internal/mission"
)

// graph is the adjacency-list view of a mission's DAG, built once per
// StartMission/poll-tick cycle. Grounded on the DAG-scheduler idiom in
// _examples/other_examples' dag_scheduler.go (graph/inDegree maps, Kahn's
// algorithm for cycle detection and ready-queue seeding).
type graph struct {
	parents  map[string][]string // nodeID -> incoming parent ids
	children map[string][]string // nodeID -> outgoing child ids
}

func buildGraph(m *mission.Mission) *graph {
	g := &graph{parents: make(map[string][]string), children: make(map[string][]string)}
	for _, n := range m.Nodes {
		g.parents[n.ID] = nil
		g.children[n.ID] = nil
	}
	for _, e := range m.Edges {
		g.children[e.From] = append(g.children[e.From], e.To)
		g.parents[e.To] = append(g.parents[e.To], e.From)
	}
	return g
}

// topoCheck runs Kahn's algorithm over the mission's nodes/edges: process a
// queue of zero-in-degree nodes, decrementing neighbors' in-degree as each
// is consumed. If the processed count falls short of len(nodes), the graph
// has a cycle. Returns the root set (zero in-degree nodes) alongside the
// cycle verdict, since both checks share the same in-degree pass
// (spec.md §4.1 "DAG scheduling").
func topoCheck(m *mission.Mission, g *graph) (roots []string, hasCycle bool) {
	inDegree := make(map[string]int, len(m.Nodes))
	for _, n := range m.Nodes {
		inDegree[n.ID] = len(g.parents[n.ID])
	}

	queue := make([]string, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
			roots = append(roots, n.ID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, child := range g.children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	return roots, processed != len(m.Nodes)
}

// reachableFrom returns every node reachable from start by following
// outgoing edges (start itself excluded), used by the run-completion rule
// to find a failed node's downstream descendants (spec.md §4.1 "Run
// completion rule") and by the cascade-skip supplement (SPEC_FULL.md §12).
func reachableFrom(g *graph, start string) map[string]bool {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.children[start]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, g.children[id]...)
	}
	return seen
}

// readyToSchedule reports whether every incoming parent of nodeID is
// COMPLETED (spec.md §4.1 "Fan-in").
func readyToSchedule(g *graph, nodeID string, states map[string]*mission.NodeState) bool {
	for _, parentID := range g.parents[nodeID] {
		ps, ok := states[parentID]
		if !ok || ps.Status != mission.NodeStatusCompleted {
			return false
		}
	}
	return true
}
