package record

import (
	"strings"

	"github.com/ethyca/fides-engine/src/graph"
)

// CategoryMatches reports whether candidate equals target or is a
// more-specific descendant of it ("user" matches "user.name" and
// "user.contact.email").
func CategoryMatches(target, candidate string) bool {
	return candidate == target || strings.HasPrefix(candidate, target+".")
}

func anyCategoryMatches(targets, candidates []string) bool {
	for _, t := range targets {
		for _, c := range candidates {
			if CategoryMatches(t, c) {
				return true
			}
		}
	}
	return false
}

// FilterRow returns the sub-tree of row whose declared data categories match
// any of targets, preserving nested object and array structure.  Field-level
// categories take precedence; collection-level categories are only a fallback
// for fields without their own.  Containers left empty by removed fields are
// pruned; falsy scalar leaves (false, 0, "") survive.
//
// Filtering is idempotent: filtering an already-filtered row by the same
// targets removes nothing further.
func FilterRow(row Row, collection *graph.Collection, targets []string) Row {
	v, ok := filterValue(FromObject(row), collection.Fields, collection.DataCategories, targets)
	if !ok {
		return Row{}
	}
	return v.ObjectValue()
}

func filterValue(v Value, fields []graph.Field, fallback []string, targets []string) (Value, bool) {
	switch v.Kind() {
	case KindArray:
		var kept []Value
		for _, e := range v.ArrayValue() {
			if fe, ok := filterValue(e, fields, fallback, targets); ok {
				kept = append(kept, fe)
			}
		}
		if len(kept) == 0 {
			return Value{}, false
		}
		return Array(kept...), true
	case KindObject:
		out := make(Object)
		for k, e := range v.ObjectValue() {
			f := findField(fields, k)
			cats := fallback
			var nested []graph.Field
			if f != nil {
				nested = f.Fields
				if len(f.DataCategories) > 0 {
					cats = f.DataCategories
				}
			}
			if f != nil && len(f.DataCategories) > 0 && len(nested) == 0 {
				// Leaf field (possibly array-valued) with an explicit
				// category: the explicit category alone decides, and a match
				// keeps the whole subtree.
				if anyCategoryMatches(targets, f.DataCategories) {
					if pe, ok := Prune(e); ok {
						out[k] = pe
					}
				}
				continue
			}
			if e.IsContainer() {
				if fe, ok := filterValue(e, nested, cats, targets); ok {
					out[k] = fe
				}
				continue
			}
			if anyCategoryMatches(targets, cats) {
				out[k] = e
			}
		}
		if len(out) == 0 {
			return Value{}, false
		}
		return FromObject(out), true
	default:
		// Scalar inside an array: filtered against the enclosing field's
		// categories.
		if anyCategoryMatches(targets, fallback) {
			return v, true
		}
		return Value{}, false
	}
}

func findField(fields []graph.Field, name string) *graph.Field {
	for i := range fields {
		if fields[i].Name == name {
			return &fields[i]
		}
	}
	return nil
}

// Prune removes empty containers recursively from v.  Scalars always survive,
// including false, 0, and "".  The second return is false when v itself
// should be dropped.
func Prune(v Value) (Value, bool) {
	switch v.Kind() {
	case KindArray:
		var kept []Value
		for _, e := range v.ArrayValue() {
			if pe, ok := Prune(e); ok {
				kept = append(kept, pe)
			}
		}
		if len(kept) == 0 {
			return Value{}, false
		}
		return Array(kept...), true
	case KindObject:
		out := make(Object)
		for k, e := range v.ObjectValue() {
			if pe, ok := Prune(e); ok {
				out[k] = pe
			}
		}
		if len(out) == 0 {
			return Value{}, false
		}
		return FromObject(out), true
	default:
		return v, true
	}
}

// PruneRow applies Prune to every entry of a row, keeping scalar leaves.
func PruneRow(row Row) Row {
	out := make(Row)
	for k, v := range row {
		if pv, ok := Prune(v); ok {
			out[k] = pv
		}
	}
	return out
}
