package manualtask

import (
	"sort"

	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/prdb"
)

// ManualCollection is the collection name used by every synthetic manual-task
// dataset.  The dataset itself is named after the connection so that manual
// nodes address as "<connection>:manual_data".
const ManualCollection = "manual_data"

// TaskGraphInput pairs a connection with its manual task and the current
// configs of the action being executed.
type TaskGraphInput struct {
	Connection prdb.ConnectionConfig
	Task       prdb.ManualTask
	Configs    []prdb.ManualTaskConfig
}

// ManualAddress returns the graph address of a connection's manual node.
func ManualAddress(connectionKey string) graph.CollectionAddress {
	return graph.CollectionAddress{Dataset: connectionKey, Collection: ManualCollection}
}

// SyntheticDatasets builds one single-collection dataset per connection that
// has current manual task configs for the action.  Each dataset's collection
// carries the configured fields with their data categories, an identity entry
// field so seedless graphs stay reachable, and for every conditional
// dependency both a from-reference on the upstream field and an after edge on
// the upstream collection.  Disabled connections contribute nothing.
func SyntheticDatasets(inputs []TaskGraphInput, action string, identityKeys []string) ([]*graph.Dataset, error) {
	var out []*graph.Dataset
	for _, in := range inputs {
		if in.Connection.Disabled {
			continue
		}
		var fields []graph.Field
		afterSet := map[graph.CollectionAddress]bool{}
		for _, cfg := range in.Configs {
			if cfg.Action != action || !cfg.IsCurrent || cfg.IsDeleted {
				continue
			}
			for _, f := range cfg.Fields {
				fields = append(fields, graph.Field{
					Name:           f.Key,
					DataCategories: f.DataCategories,
				})
				cond, err := ParseCondition(f.Conditions)
				if err != nil {
					return nil, errors.Wrapf(err, "connection %s: field %s", in.Connection.Key, f.Key)
				}
				for _, leaf := range Flatten(cond) {
					fields = append(fields, graph.Field{
						Name: conditionFieldName(leaf.Field),
						References: []graph.Reference{{
							Field:     leaf.Field,
							Direction: graph.DirectionFrom,
						}},
					})
					afterSet[leaf.Field.Collection] = true
				}
			}
		}
		if len(fields) == 0 {
			continue
		}
		for _, key := range identityKeys {
			fields = append(fields, graph.Field{Name: key, Identity: key})
		}
		after := make([]graph.CollectionAddress, 0, len(afterSet))
		for addr := range afterSet {
			after = append(after, addr)
		}
		sort.Slice(after, func(i, j int) bool { return after[i].String() < after[j].String() })
		out = append(out, &graph.Dataset{
			Name:          in.Connection.Key,
			ConnectionKey: in.Connection.Key,
			Collections: []graph.Collection{{
				Name:   ManualCollection,
				Fields: fields,
				After:  after,
			}},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// conditionFieldName names the synthetic field that receives an upstream
// dependency value.  Names are prefixed with the source collection so two
// conditions on same-named fields of different collections do not collide.
func conditionFieldName(addr graph.FieldAddress) string {
	return "__dep_" + addr.Collection.Dataset + "_" + addr.Collection.Collection + "_" + addr.Path.String()
}
