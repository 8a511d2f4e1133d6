// Package manualtask injects manual data-entry tasks into the dataset graph
// as synthetic collections, and manages the per-request instances that track
// human-entered data.
package manualtask

import (
	"encoding/json"

	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/errors"
)

// Condition is the tagged tree of conditional dependencies gating a manual
// task field: a single field comparison, or an and/or group of children at
// arbitrary nesting depth.
type Condition interface {
	isCondition()
}

// Leaf compares one upstream field against a value.
type Leaf struct {
	Field    graph.FieldAddress
	Operator string
	Value    interface{}
}

func (Leaf) isCondition() {}

// And is satisfied when every child is.
type And struct {
	Children []Condition
}

func (And) isCondition() {}

// Or is satisfied when any child is.
type Or struct {
	Children []Condition
}

func (Or) isCondition() {}

type conditionDoc struct {
	Field    string          `json:"field,omitempty"`
	Operator string          `json:"operator,omitempty"`
	Value    interface{}     `json:"value,omitempty"`
	All      json.RawMessage `json:"and,omitempty"`
	Any      json.RawMessage `json:"or,omitempty"`
}

// ParseCondition decodes the JSON form of a condition tree.  An empty raw
// message yields a nil condition (the field is unconditional).
func ParseCondition(raw json.RawMessage) (Condition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc conditionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "parse condition")
	}
	switch {
	case doc.All != nil:
		children, err := parseChildren(doc.All)
		if err != nil {
			return nil, err
		}
		return And{Children: children}, nil
	case doc.Any != nil:
		children, err := parseChildren(doc.Any)
		if err != nil {
			return nil, err
		}
		return Or{Children: children}, nil
	case doc.Field != "":
		addr, ok := parseFieldAddress(doc.Field)
		if !ok {
			return nil, errors.Errorf("malformed condition field address %q", doc.Field)
		}
		return Leaf{Field: addr, Operator: doc.Operator, Value: doc.Value}, nil
	}
	return nil, errors.New("condition must contain field, and, or or")
}

func parseChildren(raw json.RawMessage) ([]Condition, error) {
	var docs []json.RawMessage
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, errors.Wrap(err, "parse condition group")
	}
	children := make([]Condition, 0, len(docs))
	for _, d := range docs {
		c, err := ParseCondition(d)
		if err != nil {
			return nil, err
		}
		if c != nil {
			children = append(children, c)
		}
	}
	if len(children) == 0 {
		return nil, errors.New("condition group requires at least one child")
	}
	return children, nil
}

// parseFieldAddress parses "dataset:collection:field.path".
func parseFieldAddress(s string) (graph.FieldAddress, bool) {
	first := -1
	second := -1
	for i, c := range s {
		if c == ':' {
			if first == -1 {
				first = i
			} else {
				second = i
				break
			}
		}
	}
	if first <= 0 || second <= first+1 || second == len(s)-1 {
		return graph.FieldAddress{}, false
	}
	return graph.FieldAddress{
		Collection: graph.CollectionAddress{Dataset: s[:first], Collection: s[first+1 : second]},
		Path:       graph.ParseFieldPath(s[second+1:]),
	}, true
}

// Flatten visits the condition tree and accumulates every leaf, depth-first.
// And/Or grouping does not change which upstream collections the task depends
// on, only whether the step runs; dependencies are the union of all leaves.
func Flatten(c Condition) []Leaf {
	var out []Leaf
	var walk func(Condition)
	walk = func(c Condition) {
		switch c := c.(type) {
		case Leaf:
			out = append(out, c)
		case And:
			for _, child := range c.Children {
				walk(child)
			}
		case Or:
			for _, child := range c.Children {
				walk(child)
			}
		}
	}
	if c != nil {
		walk(c)
	}
	return out
}
