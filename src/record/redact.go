package record

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/errors"
)

// RedactionMap renames dataset, collection, and field identifiers to
// anonymized placeholders in externally visible reports.  Values are never
// altered; only names are.  Entities get redacted either through explicit
// Redact metadata on the dataset declaration or through user-supplied regex
// patterns matched against entity names; explicit configuration always wins
// when both could apply.
type RedactionMap struct {
	datasets    map[string]string
	collections map[string]string
	fields      map[string]string
}

// NewRedactionMap walks the dataset declarations once and assigns
// placeholders (dataset_N, collection_N, field_N) in deterministic order.
func NewRedactionMap(datasets []*graph.Dataset, patterns []string) (*RedactionMap, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "compile redaction pattern %q", p)
		}
		res = append(res, re)
	}
	matches := func(name string) bool {
		for _, re := range res {
			if re.MatchString(name) {
				return true
			}
		}
		return false
	}

	m := &RedactionMap{
		datasets:    make(map[string]string),
		collections: make(map[string]string),
		fields:      make(map[string]string),
	}
	sorted := append([]*graph.Dataset(nil), datasets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var nDataset, nCollection, nField int
	for _, ds := range sorted {
		if ds.Redact || matches(ds.Name) {
			nDataset++
			m.datasets[ds.Name] = fmt.Sprintf("dataset_%d", nDataset)
		}
		cols := append([]graph.Collection(nil), ds.Collections...)
		sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
		for _, col := range cols {
			addr := graph.CollectionAddress{Dataset: ds.Name, Collection: col.Name}
			if col.Redact || matches(col.Name) {
				nCollection++
				m.collections[addr.String()] = fmt.Sprintf("collection_%d", nCollection)
			}
			nField = m.walkFields(addr, nil, col.Fields, matches, nField)
		}
	}
	return m, nil
}

func (m *RedactionMap) walkFields(addr graph.CollectionAddress, prefix graph.FieldPath, fields []graph.Field, matches func(string) bool, n int) int {
	sorted := append([]graph.Field(nil), fields...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, f := range sorted {
		path := append(append(graph.FieldPath{}, prefix...), f.Name)
		if f.Redact || matches(f.Name) {
			n++
			m.fields[graph.FieldAddress{Collection: addr, Path: path}.String()] = fmt.Sprintf("field_%d", n)
		}
		n = m.walkFields(addr, path, f.Fields, matches, n)
	}
	return n
}

// DatasetName returns the externally visible name for a dataset.
func (m *RedactionMap) DatasetName(name string) string {
	if r, ok := m.datasets[name]; ok {
		return r
	}
	return name
}

// CollectionName returns the externally visible name for a collection.
func (m *RedactionMap) CollectionName(addr graph.CollectionAddress) string {
	if r, ok := m.collections[addr.String()]; ok {
		return r
	}
	return addr.Collection
}

// FieldName returns the externally visible name for a field.
func (m *RedactionMap) FieldName(addr graph.CollectionAddress, path graph.FieldPath) string {
	if r, ok := m.fields[graph.FieldAddress{Collection: addr, Path: path}.String()]; ok {
		return r
	}
	return path[len(path)-1]
}

// RedactRow renames the keys of a row (recursively) according to the map,
// leaving values untouched.
func (m *RedactionMap) RedactRow(addr graph.CollectionAddress, row Row) Row {
	return m.redactObject(addr, nil, row)
}

func (m *RedactionMap) redactObject(addr graph.CollectionAddress, prefix graph.FieldPath, obj Object) Object {
	out := make(Object, len(obj))
	for k, v := range obj {
		path := append(append(graph.FieldPath{}, prefix...), k)
		name := m.FieldName(addr, path)
		out[name] = m.redactValue(addr, path, v)
	}
	return out
}

func (m *RedactionMap) redactValue(addr graph.CollectionAddress, path graph.FieldPath, v Value) Value {
	switch v.Kind() {
	case KindObject:
		return FromObject(m.redactObject(addr, path, v.ObjectValue()))
	case KindArray:
		arr := v.ArrayValue()
		out := make([]Value, 0, len(arr))
		for _, e := range arr {
			out = append(out, m.redactValue(addr, path, e))
		}
		return Array(out...)
	default:
		return v
	}
}
