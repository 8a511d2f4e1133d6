package manualtask

import (
	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/record"
)

// Comparison operators accepted in condition leaves.
const (
	OpEq        = "eq"
	OpNeq       = "neq"
	OpLt        = "lt"
	OpLte       = "lte"
	OpGt        = "gt"
	OpGte       = "gte"
	OpExists    = "exists"
	OpNotExists = "not_exists"
)

// Lookup resolves the values observed for an upstream field during this
// request.  A field that produced no data returns an empty slice.
type Lookup func(graph.FieldAddress) []record.Value

// Evaluate reports whether the condition tree is satisfied against the
// looked-up upstream values.  A leaf is satisfied when any observed value
// satisfies its comparison.  A nil condition is always satisfied.
func Evaluate(c Condition, lookup Lookup) bool {
	switch c := c.(type) {
	case nil:
		return true
	case Leaf:
		return evaluateLeaf(c, lookup)
	case And:
		for _, child := range c.Children {
			if !Evaluate(child, lookup) {
				return false
			}
		}
		return true
	case Or:
		for _, child := range c.Children {
			if Evaluate(child, lookup) {
				return true
			}
		}
		return false
	}
	return false
}

func evaluateLeaf(leaf Leaf, lookup Lookup) bool {
	values := lookup(leaf.Field)
	switch leaf.Operator {
	case OpExists:
		for _, v := range values {
			if v.Kind() != record.KindNull {
				return true
			}
		}
		return false
	case OpNotExists:
		for _, v := range values {
			if v.Kind() != record.KindNull {
				return false
			}
		}
		return true
	}
	want := record.FromAny(leaf.Value)
	for _, v := range values {
		if compare(leaf.Operator, v, want) {
			return true
		}
	}
	return false
}

func compare(op string, got, want record.Value) bool {
	switch op {
	case OpEq:
		return got.Equal(want)
	case OpNeq:
		return !got.Equal(want)
	case OpLt, OpLte, OpGt, OpGte:
		a, aok := asFloat(got)
		b, bok := asFloat(want)
		if !aok || !bok {
			return false
		}
		switch op {
		case OpLt:
			return a < b
		case OpLte:
			return a <= b
		case OpGt:
			return a > b
		default:
			return a >= b
		}
	}
	return false
}

func asFloat(v record.Value) (float64, bool) {
	switch v.Kind() {
	case record.KindInt:
		return float64(v.IntValue()), true
	case record.KindFloat:
		return v.FloatValue(), true
	}
	return 0, false
}
