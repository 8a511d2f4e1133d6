package graph

import (
	"fmt"
	"strings"
)

// DuplicateCollectionAddressError reports two datasets declaring the same
// fully-qualified collection address in one merge set.
type DuplicateCollectionAddressError struct {
	Address CollectionAddress
}

func (e *DuplicateCollectionAddressError) Error() string {
	return fmt.Sprintf("duplicate collection address %q in dataset graph", e.Address)
}

// ValidationError reports a structural problem in the dataset declarations,
// such as a field reference whose target dataset is not part of the merge
// set.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "dataset graph validation: " + e.Message
}

// TraversalError reports collections that cannot be reached from the root
// with the provided identity seed data.
type TraversalError struct {
	Unreachable []CollectionAddress
}

func (e *TraversalError) Error() string {
	names := make([]string, len(e.Unreachable))
	for i, a := range e.Unreachable {
		names[i] = a.String()
	}
	return fmt.Sprintf("traversal: collections not reachable from root: %s", strings.Join(names, ", "))
}

// CycleError reports a dependency cycle among after/reference edges.
type CycleError struct {
	Cycle []CollectionAddress
}

func (e *CycleError) Error() string {
	names := make([]string, len(e.Cycle))
	for i, a := range e.Cycle {
		names[i] = a.String()
	}
	return fmt.Sprintf("traversal: dependency cycle: %s", strings.Join(names, " -> "))
}
