package sequence

// plan computes a dependency-respecting total order of the graph's nodes
// and assigns each node its level: the longest dependency-path length from
// any root. Among ready nodes the order prefers higher priority, with ties
// broken by insertion order, so planning the same descriptors twice yields
// the same order and levels.
func plan(g *graph) ([]*node, error) {
	indeg := make(map[*node]int, len(g.nodes))
	for _, n := range g.nodes {
		indeg[n] = len(n.parents)
	}

	pool := make([]*node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if indeg[n] == 0 {
			pool = append(pool, n)
		}
	}

	order := make([]*node, 0, len(g.nodes))
	for len(pool) > 0 {
		best := 0
		for i := 1; i < len(pool); i++ {
			if planBefore(pool[i], pool[best]) {
				best = i
			}
		}
		n := pool[best]
		pool = append(pool[:best], pool[best+1:]...)
		order = append(order, n)

		for _, c := range n.children {
			indeg[c]--
			if indeg[c] == 0 {
				pool = append(pool, c)
			}
		}
	}

	// The builder already rejected cycles; this guards against a graph that
	// was mutated after build.
	if len(order) != len(g.nodes) {
		return nil, &BuildError{cause: ErrCycleDetected}
	}

	for _, n := range order {
		level := 0
		for _, p := range n.parents {
			if p.level+1 > level {
				level = p.level + 1
			}
		}
		n.level = level
	}

	return order, nil
}

// planBefore reports whether a should be extracted from the ready pool
// before b: numeric-descending priority, then insertion order.
func planBefore(a, b *node) bool {
	if a.desc.Priority != b.desc.Priority {
		return a.desc.Priority > b.desc.Priority
	}
	return a.index < b.index
}

// levels groups a planner order by level, preserving the planner's
// within-level order.
func levels(order []*node) [][]*node {
	maxLevel := -1
	for _, n := range order {
		if n.level > maxLevel {
			maxLevel = n.level
		}
	}
	out := make([][]*node, maxLevel+1)
	for _, n := range order {
		out[n.level] = append(out[n.level], n)
	}
	return out
}
