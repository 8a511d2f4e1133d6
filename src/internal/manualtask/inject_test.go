package manualtask

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/prdb"
	"github.com/ethyca/fides-engine/src/internal/require"
)

func baseDataset(t *testing.T) *graph.Dataset {
	t.Helper()
	ds, err := graph.LoadDataset(strings.NewReader(`
name: db
connection_key: postgres_conn
collections:
  - name: customer
    fields:
      - name: id
        primary_key: true
      - name: email
        identity: email
        data_categories: [user.contact.email]
      - name: age
        data_categories: [user.demographic]
  - name: orders
    fields:
      - name: id
        primary_key: true
      - name: customer_id
        references:
          - dataset: db
            collection: customer
            field: id
            direction: from
      - name: total
        data_categories: [user.financial]
`))
	require.NoError(t, err)
	return ds
}

func currentConfig(action string, fields ...prdb.ManualTaskField) prdb.ManualTaskConfig {
	return prdb.ManualTaskConfig{
		ID:        "cfg-" + action,
		TaskID:    "task-1",
		Action:    action,
		IsCurrent: true,
		Fields:    fields,
	}
}

func TestSyntheticDatasetSimpleField(t *testing.T) {
	inputs := []TaskGraphInput{{
		Connection: prdb.ConnectionConfig{Key: "hr_system", Type: "manual_task"},
		Task:       prdb.ManualTask{ID: "task-1", ConnectionKey: "hr_system"},
		Configs: []prdb.ManualTaskConfig{currentConfig("access",
			prdb.ManualTaskField{Key: "badge_photo", Required: true, DataCategories: []string{"user.biometric"}},
		)},
	}}
	synthetic, err := SyntheticDatasets(inputs, "access", []string{"email"})
	require.NoError(t, err)
	require.Len(t, synthetic, 1)

	g, err := graph.NewDatasetGraph(baseDataset(t), synthetic[0])
	require.NoError(t, err)
	tr, err := graph.NewTraversal(g, map[string]string{"email": "user@example.com"})
	require.NoError(t, err)

	addr := ManualAddress("hr_system")
	node, ok := tr.Nodes[addr]
	require.True(t, ok)
	// Identity-seeded only: reachable directly from the root.
	require.Len(t, node.Node.Collection.After, 0)
	require.Equal(t, []string{"user.biometric"}, node.Node.Collection.Fields[0].DataCategories)
}

func TestSyntheticDatasetConditionalDependencies(t *testing.T) {
	cond := json.RawMessage(`{"and":[
		{"field":"db:customer:age","operator":"gte","value":18},
		{"field":"db:orders:total","operator":"gt","value":0}
	]}`)
	inputs := []TaskGraphInput{{
		Connection: prdb.ConnectionConfig{Key: "hr_system", Type: "manual_task"},
		Task:       prdb.ManualTask{ID: "task-1", ConnectionKey: "hr_system"},
		Configs: []prdb.ManualTaskConfig{currentConfig("access",
			prdb.ManualTaskField{Key: "contract_scan", Required: true, Conditions: cond},
		)},
	}}
	synthetic, err := SyntheticDatasets(inputs, "access", []string{"email"})
	require.NoError(t, err)

	g, err := graph.NewDatasetGraph(baseDataset(t), synthetic[0])
	require.NoError(t, err)
	tr, err := graph.NewTraversal(g, map[string]string{"email": "user@example.com"})
	require.NoError(t, err)

	node := tr.Nodes[ManualAddress("hr_system")]
	after := node.After()
	require.ElementsEqual(t, []graph.CollectionAddress{
		{Dataset: "db", Collection: "customer"},
		{Dataset: "db", Collection: "orders"},
	}, after)

	// Both upstream collections must precede the manual node in the order.
	pos := map[graph.CollectionAddress]int{}
	for i, addr := range tr.Order {
		pos[addr] = i
	}
	manual := pos[ManualAddress("hr_system")]
	require.True(t, pos[graph.CollectionAddress{Dataset: "db", Collection: "customer"}] < manual)
	require.True(t, pos[graph.CollectionAddress{Dataset: "db", Collection: "orders"}] < manual)
}

func TestSyntheticDatasetExclusions(t *testing.T) {
	field := prdb.ManualTaskField{Key: "note"}
	inputs := []TaskGraphInput{
		{
			Connection: prdb.ConnectionConfig{Key: "disabled_conn", Disabled: true},
			Task:       prdb.ManualTask{ID: "t1", ConnectionKey: "disabled_conn"},
			Configs:    []prdb.ManualTaskConfig{currentConfig("access", field)},
		},
		{
			Connection: prdb.ConnectionConfig{Key: "erasure_only"},
			Task:       prdb.ManualTask{ID: "t2", ConnectionKey: "erasure_only"},
			Configs:    []prdb.ManualTaskConfig{currentConfig("erasure", field)},
		},
		{
			Connection: prdb.ConnectionConfig{Key: "stale_conn"},
			Task:       prdb.ManualTask{ID: "t3", ConnectionKey: "stale_conn"},
			Configs: []prdb.ManualTaskConfig{{
				ID: "old", TaskID: "t3", Action: "access", IsCurrent: false,
				Fields: []prdb.ManualTaskField{field},
			}},
		},
	}
	synthetic, err := SyntheticDatasets(inputs, "access", []string{"email"})
	require.NoError(t, err)
	// Disabled connections, other-action configs, and non-current configs all
	// contribute nothing.
	require.Len(t, synthetic, 0)
}
