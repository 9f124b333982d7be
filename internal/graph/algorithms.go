package graph

import "sort"

// The algorithms all take a relationship tag; the empty string selects
// the store's full edge set. Absence of a result (no path, no order) is
// a normal return value, never an error: unreachable and cyclic are
// expected answers.

// neighbors returns the outgoing edge targets of a node under the
// selected relationship, in edge insertion order (relationship tags
// iterated in sorted order when rel is empty). Targets may be dangling.
func (s *Store) neighbors(id, rel string) []string {
	n := s.nodes[id]
	if n == nil {
		return nil
	}
	if rel != "" {
		out := make([]string, 0, len(n.Edges[rel]))
		for _, e := range n.Edges[rel] {
			out = append(out, e.TargetID)
		}
		return out
	}
	rels := make([]string, 0, len(n.Edges))
	for r := range n.Edges {
		rels = append(rels, r)
	}
	sort.Strings(rels)
	var out []string
	for _, r := range rels {
		for _, e := range n.Edges[r] {
			out = append(out, e.TargetID)
		}
	}
	return out
}

// ShortestPath returns the node-id sequence of a shortest directed path
// from one node to another under the selected relationship, found by
// breadth-first search. A node is its own trivial path. Returns nil when
// the target is unreachable or the start node is not in the store.
func (s *Store) ShortestPath(from, to, rel string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.nodes[from] == nil {
		return nil
	}
	if from == to {
		return []string{from}
	}
	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range s.neighbors(cur, rel) {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			if next == to {
				var path []string
				for at := to; at != ""; at = parent[at] {
					path = append(path, at)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// TransitiveDependencies returns every node id reachable from the given
// node by following the selected relationship outward, sorted. The set
// may include dangling references not present in the store.
func (s *Store) TransitiveDependencies(id, rel string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	visited := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range s.neighbors(cur, rel) {
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}
	delete(visited, id)
	out := make([]string, 0, len(visited))
	for v := range visited {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Dependents returns the ids of every node with an edge of the selected
// relationship targeting the given id, sorted and de-duplicated. Served
// from the reverse index rather than a node scan.
func (s *Store) Dependents(id, rel string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	collect := func(sources []string) {
		for _, src := range sources {
			seen[src] = true
		}
	}
	if rel != "" {
		if byTarget := s.reverse[rel]; byTarget != nil {
			collect(byTarget[id])
		}
	} else {
		for _, byTarget := range s.reverse {
			collect(byTarget[id])
		}
	}
	out := make([]string, 0, len(seen))
	for src := range seen {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

// Bottleneck is a node ranked by how many edges target it.
type Bottleneck struct {
	ID    string
	Count int
}

// FindBottlenecks counts inbound edges per target under the selected
// relationship and returns the top n by descending count, ties broken
// by ascending id for determinism.
func (s *Store) FindBottlenecks(topN int, rel string) []Bottleneck {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[string]int{}
	tally := func(byTarget map[string][]string) {
		for target, sources := range byTarget {
			counts[target] += len(sources)
		}
	}
	if rel != "" {
		if byTarget := s.reverse[rel]; byTarget != nil {
			tally(byTarget)
		}
	} else {
		for _, byTarget := range s.reverse {
			tally(byTarget)
		}
	}
	out := make([]Bottleneck, 0, len(counts))
	for id, c := range counts {
		out = append(out, Bottleneck{ID: id, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ID < out[j].ID
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// FindCycles runs a depth-first search with a recursion stack; any back
// edge to a node currently on the stack yields a cycle, reported as the
// node sequence from the first repeated node to the closing edge.
func (s *Store) FindCycles(rel string) [][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	visited := map[string]bool{}
	onStack := map[string]int{} // id -> index in stack
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		onStack[id] = len(stack)
		stack = append(stack, id)
		for _, next := range s.neighbors(id, rel) {
			if idx, ok := onStack[next]; ok {
				cycle := make([]string, len(stack)-idx)
				copy(cycle, stack[idx:])
				cycles = append(cycles, cycle)
				continue
			}
			if !visited[next] && s.nodes[next] != nil {
				visit(next)
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, id)
	}

	for _, id := range ids {
		if !visited[id] {
			visit(id)
		}
	}
	return cycles
}

// TopologicalSort orders the store's nodes by Kahn's algorithm over
// in-degree computed from the selected relationship. Returns nil, not a
// partial order, when a cycle prevents processing every node. Edges to
// ids outside the store do not constrain the order.
func (s *Store) TopologicalSort(rel string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	indegree := map[string]int{}
	for id := range s.nodes {
		indegree[id] = 0
	}
	for id := range s.nodes {
		for _, next := range s.neighbors(id, rel) {
			if _, ok := indegree[next]; ok {
				indegree[next]++
			}
		}
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		for _, next := range s.neighbors(cur, rel) {
			if _, ok := indegree[next]; !ok {
				continue
			}
			indegree[next]--
			if indegree[next] == 0 {
				i := sort.SearchStrings(ready, next)
				ready = append(ready, "")
				copy(ready[i+1:], ready[i:])
				ready[i] = next
			}
		}
	}
	if len(order) < len(s.nodes) {
		return nil
	}
	return order
}
