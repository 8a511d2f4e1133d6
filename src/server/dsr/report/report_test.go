package report

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/require"
	"github.com/ethyca/fides-engine/src/record"
)

func reportDataset(t *testing.T) *graph.Dataset {
	t.Helper()
	ds, err := graph.LoadDataset(strings.NewReader(`
name: warehouse
connection_key: pg
redact: name
collections:
  - name: customer
    fields:
      - name: id
        primary_key: true
      - name: email
        identity: email
        data_categories: [user.contact.email]
      - name: internal_score
        redact: name
        data_categories: [user.demographic]
`))
	require.NoError(t, err)
	return ds
}

func buildResults(t *testing.T) (map[graph.CollectionAddress][]record.Row, *record.RedactionMap) {
	t.Helper()
	redaction, err := record.NewRedactionMap([]*graph.Dataset{reportDataset(t)}, nil)
	require.NoError(t, err)
	addr := graph.CollectionAddress{Dataset: "warehouse", Collection: "customer"}
	results := map[graph.CollectionAddress][]record.Row{
		addr: {
			{
				"id":             record.FromAny(1),
				"email":          record.FromAny("user@example.com"),
				"internal_score": record.FromAny(42),
			},
		},
	}
	return results, redaction
}

func TestBuildDeterministic(t *testing.T) {
	results, redaction := buildResults(t)
	a, err := Build("req-1", results, redaction)
	require.NoError(t, err)
	b, err := Build("req-1", results, redaction)
	require.NoError(t, err)
	require.True(t, bytes.Equal(a, b))
}

func TestBuildRedactsNamesNotValues(t *testing.T) {
	results, redaction := buildResults(t)
	data, err := Build("req-1", results, redaction)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	require.Equal(t, "index.json", zr.File[0].Name)
	// The dataset is marked redact, so its directory is a neutral label.
	require.Equal(t, "data/dataset_1/customer.json", zr.File[1].Name)

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 1)
	// Field redaction renames the key but keeps the value.
	_, had := rows[0]["internal_score"]
	require.False(t, had)
	require.Equal(t, float64(42), rows[0]["field_1"])
	require.Equal(t, "user@example.com", rows[0]["email"])

	var index struct {
		RequestID   string `json:"privacy_request_id"`
		Collections []struct {
			Dataset string `json:"dataset"`
			Records int    `json:"records"`
			Path    string `json:"path"`
		} `json:"collections"`
	}
	rc, err = zr.File[0].Open()
	require.NoError(t, err)
	body, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.NoError(t, json.Unmarshal(body, &index))
	require.Equal(t, "req-1", index.RequestID)
	require.Len(t, index.Collections, 1)
	require.Equal(t, "dataset_1", index.Collections[0].Dataset)
	require.Equal(t, 1, index.Collections[0].Records)
}
