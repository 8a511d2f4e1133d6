package graph

import "sort"

// TraversalNode binds a graph node into one specific traversal.  Parents hold
// the edges feeding this node (including root identity edges); Children the
// edges it feeds.
type TraversalNode struct {
	Node     *Node
	Parents  []Edge
	Children []Edge
}

// After returns the collections that must fully execute before this node: the
// union of every upstream collection contributing an edge plus the
// collection's explicit after declarations.  Root is excluded.
func (tn *TraversalNode) After() []CollectionAddress {
	set := make(map[CollectionAddress]struct{})
	for _, e := range tn.Parents {
		if !e.From.Collection.IsRoot() {
			set[e.From.Collection] = struct{}{}
		}
	}
	for _, a := range tn.Node.Collection.After {
		set[a] = struct{}{}
	}
	out := make([]CollectionAddress, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// InputFields returns the paths on this node fed by upstream edges, in edge
// order.
func (tn *TraversalNode) InputFields() []FieldPath {
	out := make([]FieldPath, 0, len(tn.Parents))
	for _, e := range tn.Parents {
		out = append(out, e.To.Path)
	}
	return out
}

// Traversal is an execution-ordered, validated node set for one privacy
// request.  It is recomputed per processing session because identity seeds
// differ per request.
type Traversal struct {
	Graph *DatasetGraph
	Seed  map[string]string
	Nodes map[CollectionAddress]*TraversalNode
	// Order is a deterministic topological order over Nodes.
	Order []CollectionAddress
	// RootEdges are the identity edges from Root into entry collections.
	RootEdges []Edge
}

// NewTraversal builds the traversal for graph seeded with the provided
// identity values.  It fails if any collection is unreachable from the root
// or if the dependency edges contain a cycle.
func NewTraversal(g *DatasetGraph, seed map[string]string) (*Traversal, error) {
	t := &Traversal{
		Graph: g,
		Seed:  seed,
		Nodes: make(map[CollectionAddress]*TraversalNode, len(g.Nodes)),
	}
	for addr, node := range g.Nodes {
		t.Nodes[addr] = &TraversalNode{Node: node}
	}
	for _, entry := range g.Identities {
		if _, ok := seed[entry.Identity]; !ok {
			continue
		}
		e := Edge{
			From: FieldAddress{Collection: Root, Path: FieldPath{entry.Identity}},
			To:   entry.Field,
		}
		t.RootEdges = append(t.RootEdges, e)
		t.Nodes[entry.Field.Collection].Parents = append(t.Nodes[entry.Field.Collection].Parents, e)
	}
	for _, e := range g.Edges {
		t.Nodes[e.To.Collection].Parents = append(t.Nodes[e.To.Collection].Parents, e)
		t.Nodes[e.From.Collection].Children = append(t.Nodes[e.From.Collection].Children, e)
	}
	if err := t.validateReachability(); err != nil {
		return nil, err
	}
	order, err := t.topoSort()
	if err != nil {
		return nil, err
	}
	t.Order = order
	return t, nil
}

// validateReachability checks that every node receives data, transitively,
// from the root.  Explicit after edges order execution but carry no data, so
// they do not count toward reachability.
func (t *Traversal) validateReachability() error {
	reached := make(map[CollectionAddress]bool)
	var frontier []CollectionAddress
	for _, e := range t.RootEdges {
		if !reached[e.To.Collection] {
			reached[e.To.Collection] = true
			frontier = append(frontier, e.To.Collection)
		}
	}
	for len(frontier) > 0 {
		addr := frontier[0]
		frontier = frontier[1:]
		for _, e := range t.Nodes[addr].Children {
			if !reached[e.To.Collection] {
				reached[e.To.Collection] = true
				frontier = append(frontier, e.To.Collection)
			}
		}
	}
	var unreachable []CollectionAddress
	for addr := range t.Nodes {
		if !reached[addr] {
			unreachable = append(unreachable, addr)
		}
	}
	if len(unreachable) > 0 {
		sort.Slice(unreachable, func(i, j int) bool { return unreachable[i].String() < unreachable[j].String() })
		return &TraversalError{Unreachable: unreachable}
	}
	return nil
}

// topoSort orders nodes so that every dependency precedes its dependents,
// failing with the offending cycle if one exists.
func (t *Traversal) topoSort() ([]CollectionAddress, error) {
	indegree := make(map[CollectionAddress]int, len(t.Nodes))
	dependents := make(map[CollectionAddress][]CollectionAddress)
	for addr, node := range t.Nodes {
		after := node.After()
		indegree[addr] = len(after)
		for _, up := range after {
			dependents[up] = append(dependents[up], addr)
		}
	}
	var ready []CollectionAddress
	for addr, n := range indegree {
		if n == 0 {
			ready = append(ready, addr)
		}
	}
	var order []CollectionAddress
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].String() < ready[j].String() })
		addr := ready[0]
		ready = ready[1:]
		order = append(order, addr)
		for _, down := range dependents[addr] {
			indegree[down]--
			if indegree[down] == 0 {
				ready = append(ready, down)
			}
		}
	}
	if len(order) != len(t.Nodes) {
		return nil, &CycleError{Cycle: t.findCycle(indegree)}
	}
	return order, nil
}

// findCycle walks the unresolved remainder of the graph to produce a concrete
// cycle for the error message.
func (t *Traversal) findCycle(indegree map[CollectionAddress]int) []CollectionAddress {
	remaining := make(map[CollectionAddress]bool)
	for addr, n := range indegree {
		if n > 0 {
			remaining[addr] = true
		}
	}
	var start CollectionAddress
	for addr := range remaining {
		if start == (CollectionAddress{}) || addr.String() < start.String() {
			start = addr
		}
	}
	seen := make(map[CollectionAddress]int)
	var path []CollectionAddress
	cur := start
	for {
		if i, ok := seen[cur]; ok {
			return append(path[i:], cur)
		}
		seen[cur] = len(path)
		path = append(path, cur)
		next := cur
		after := t.Nodes[cur].After()
		sort.Slice(after, func(i, j int) bool { return after[i].String() < after[j].String() })
		for _, up := range after {
			if remaining[up] {
				next = up
				break
			}
		}
		if next == cur {
			// Should not happen: every remaining node has an unresolved
			// upstream by construction.
			return path
		}
		cur = next
	}
}
