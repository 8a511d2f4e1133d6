package graph

import "sort"

// Edge connects an upstream field to the downstream field it feeds.
type Edge struct {
	From FieldAddress
	To   FieldAddress
}

// Node binds one collection into the merged graph.
type Node struct {
	Address    CollectionAddress
	Dataset    *Dataset
	Collection *Collection
}

// IdentityEntry marks a field that can be seeded directly from an external
// identity value.
type IdentityEntry struct {
	Identity string
	Field    FieldAddress
}

// DatasetGraph is the merged, validated representation of every enabled data
// source.
type DatasetGraph struct {
	Nodes      map[CollectionAddress]*Node
	Edges      []Edge
	Identities []IdentityEntry
}

// NewDatasetGraph merges datasets into one combined graph.  The merge fails if
// two datasets declare the same fully-qualified collection address, or if any
// field reference targets a collection outside the merge set.
func NewDatasetGraph(datasets ...*Dataset) (*DatasetGraph, error) {
	g := &DatasetGraph{Nodes: make(map[CollectionAddress]*Node)}
	for _, ds := range datasets {
		for i := range ds.Collections {
			col := &ds.Collections[i]
			addr := CollectionAddress{Dataset: ds.Name, Collection: col.Name}
			if _, ok := g.Nodes[addr]; ok {
				return nil, &DuplicateCollectionAddressError{Address: addr}
			}
			g.Nodes[addr] = &Node{Address: addr, Dataset: ds, Collection: col}
		}
	}
	for addr, node := range g.Nodes {
		if err := g.resolveFields(addr, nil, node.Collection.Fields); err != nil {
			return nil, err
		}
		for _, after := range node.Collection.After {
			if _, ok := g.Nodes[after]; !ok {
				return nil, &ValidationError{Message: "collection " + addr.String() + " declares after " + after.String() + " which is not in the graph"}
			}
		}
	}
	// Deterministic ordering keeps dry-run output and tests stable.
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From.String() != g.Edges[j].From.String() {
			return g.Edges[i].From.String() < g.Edges[j].From.String()
		}
		return g.Edges[i].To.String() < g.Edges[j].To.String()
	})
	sort.Slice(g.Identities, func(i, j int) bool {
		return g.Identities[i].Field.String() < g.Identities[j].Field.String()
	})
	return g, nil
}

func (g *DatasetGraph) resolveFields(addr CollectionAddress, prefix FieldPath, fields []Field) error {
	for i := range fields {
		f := &fields[i]
		path := append(append(FieldPath{}, prefix...), f.Name)
		here := FieldAddress{Collection: addr, Path: path}
		if f.Identity != "" {
			g.Identities = append(g.Identities, IdentityEntry{Identity: f.Identity, Field: here})
		}
		for _, ref := range f.References {
			if _, ok := g.Nodes[ref.Field.Collection]; !ok {
				return &ValidationError{Message: "field " + here.String() + " references " + ref.Field.String() + " whose dataset is not in the graph"}
			}
			switch ref.Direction {
			case DirectionFrom:
				g.Edges = append(g.Edges, Edge{From: ref.Field, To: here})
			case DirectionTo:
				g.Edges = append(g.Edges, Edge{From: here, To: ref.Field})
			}
		}
		if err := g.resolveFields(addr, path, f.Fields); err != nil {
			return err
		}
	}
	return nil
}

// SortedAddresses returns every collection address in the graph in a stable
// order.
func (g *DatasetGraph) SortedAddresses() []CollectionAddress {
	addrs := make([]CollectionAddress, 0, len(g.Nodes))
	for a := range g.Nodes {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	return addrs
}
