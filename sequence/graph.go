package sequence

import "fmt"

// node is the mutable per-run state of one task. Parent and child slices
// are fixed at build time; the remaining fields are written only by the
// goroutine bound to the node (or by the driver at a level barrier) and
// read by children after the barrier.
type node struct {
	desc  TaskDescriptor
	index int // insertion order, the priority tie-breaker

	parents  []*node
	children []*node

	level int

	status    Status
	attempts  int
	artifact  any
	metrics   TaskMetrics
	skipCause string
}

type graph struct {
	nodes []*node // insertion order
	byID  map[string]*node
}

// buildGraph materializes descriptors into a validated DAG. Descriptors may
// arrive in any order; forward references are fine.
func buildGraph(descs []TaskDescriptor) (*graph, error) {
	byID := make(map[string]*node, len(descs))
	nodes := make([]*node, 0, len(descs))

	for i, d := range descs {
		if d.ID == "" {
			return nil, fmt.Errorf("build: task id is required (descriptor #%d)", i)
		}
		if d.Action == nil {
			return nil, fmt.Errorf("build: task %q has no action", d.ID)
		}
		if _, exists := byID[d.ID]; exists {
			return nil, &BuildError{TaskID: d.ID, cause: ErrDuplicateTaskID}
		}
		n := &node{desc: d, index: i, status: StatusPending}
		byID[d.ID] = n
		nodes = append(nodes, n)
	}

	for _, n := range nodes {
		for _, pid := range n.desc.Parents {
			p, ok := byID[pid]
			if !ok {
				return nil, &BuildError{TaskID: n.desc.ID, Parent: pid, cause: ErrUnknownDependency}
			}
			n.parents = append(n.parents, p)
			p.children = append(p.children, n)
		}
	}

	g := &graph{nodes: nodes, byID: byID}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm on a copy of the in-degrees. Emitting
// fewer nodes than exist means at least one cycle remains.
func (g *graph) checkAcyclic() error {
	indeg := make(map[*node]int, len(g.nodes))
	for _, n := range g.nodes {
		indeg[n] = len(n.parents)
	}

	queue := make([]*node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if indeg[n] == 0 {
			queue = append(queue, n)
		}
	}

	emitted := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		emitted++
		for _, c := range n.children {
			indeg[c]--
			if indeg[c] == 0 {
				queue = append(queue, c)
			}
		}
	}

	if emitted != len(g.nodes) {
		return &BuildError{cause: ErrCycleDetected}
	}
	return nil
}
