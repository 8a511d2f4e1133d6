// Package graph models data sources as a dependency graph of collections and
// computes the traversal order used to execute privacy requests against them.
package graph

import "strings"

// CollectionAddress identifies a (dataset, collection) pair.  It is an
// immutable value type used as the identity of a graph node.
type CollectionAddress struct {
	Dataset    string
	Collection string
}

// NewCollectionAddress parses "dataset:collection" into a CollectionAddress.
func NewCollectionAddress(s string) (CollectionAddress, bool) {
	dataset, collection, ok := strings.Cut(s, ":")
	if !ok || dataset == "" || collection == "" {
		return CollectionAddress{}, false
	}
	return CollectionAddress{Dataset: dataset, Collection: collection}, true
}

func (a CollectionAddress) String() string {
	return a.Dataset + ":" + a.Collection
}

// IsRoot reports whether a is the conceptual entry node.
func (a CollectionAddress) IsRoot() bool { return a == Root }

// Root is the conceptual entry node; it supplies identity seed data to every
// collection declaring an identity entry point.
var Root = CollectionAddress{Dataset: "__ROOT__", Collection: "__ROOT__"}

// Terminator is the conceptual exit node collecting final results.
var Terminator = CollectionAddress{Dataset: "__TERMINATE__", Collection: "__TERMINATE__"}

// FieldPath is an ordered sequence of field-name components addressing a
// (possibly nested) field inside a collection's rows.
type FieldPath []string

// ParseFieldPath splits "a.b.c" into a FieldPath.
func ParseFieldPath(s string) FieldPath {
	if s == "" {
		return nil
	}
	return FieldPath(strings.Split(s, "."))
}

func (p FieldPath) String() string {
	return strings.Join(p, ".")
}

// Prepend returns a new path with name prepended.
func (p FieldPath) Prepend(name string) FieldPath {
	out := make(FieldPath, 0, len(p)+1)
	out = append(out, name)
	return append(out, p...)
}

// Equal reports whether two paths are identical.
func (p FieldPath) Equal(other FieldPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// FieldAddress identifies one field anywhere in the graph.
type FieldAddress struct {
	Collection CollectionAddress
	Path       FieldPath
}

// NewFieldAddress builds a FieldAddress from its parts.
func NewFieldAddress(dataset, collection string, path ...string) FieldAddress {
	return FieldAddress{
		Collection: CollectionAddress{Dataset: dataset, Collection: collection},
		Path:       FieldPath(path),
	}
}

func (a FieldAddress) String() string {
	return a.Collection.String() + ":" + a.Path.String()
}
