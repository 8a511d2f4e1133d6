// Package report assembles the downloadable package a data subject receives
// after an access request: one archive with a JSON document per collection
// that held their data, with internal names redacted per configuration.
package report

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/obj"
	"github.com/ethyca/fides-engine/src/record"
)

// Key returns the object-store key a request's package is stored under.
func Key(requestID string) string {
	return "privacy-requests/" + requestID + "/report.zip"
}

// archive entries carry a fixed timestamp so identical inputs produce
// identical bytes; package content must be reproducible for audits.
var fixedModTime = time.Unix(0, 0).UTC()

type indexEntry struct {
	Dataset    string `json:"dataset"`
	Collection string `json:"collection"`
	Records    int    `json:"records"`
	Path       string `json:"path"`
}

type indexDoc struct {
	RequestID   string       `json:"privacy_request_id"`
	Collections []indexEntry `json:"collections"`
}

// Build renders the package: an index.json manifest plus
// data/<dataset>/<collection>.json files.  Dataset, collection and field
// names pass through the redaction map; values are never altered here.
func Build(requestID string, results map[graph.CollectionAddress][]record.Row, redaction *record.RedactionMap) ([]byte, error) {
	addrs := make([]graph.CollectionAddress, 0, len(results))
	for addr := range results {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	index := indexDoc{RequestID: requestID}
	type entry struct {
		path string
		data []byte
	}
	var entries []entry
	for _, addr := range addrs {
		dataset := redaction.DatasetName(addr.Dataset)
		collection := redaction.CollectionName(addr)
		rows := make([]record.Row, 0, len(results[addr]))
		for _, row := range results[addr] {
			rows = append(rows, redaction.RedactRow(addr, row))
		}
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return nil, errors.Wrapf(err, "render %s", addr)
		}
		path := "data/" + dataset + "/" + collection + ".json"
		entries = append(entries, entry{path: path, data: data})
		index.Collections = append(index.Collections, indexEntry{
			Dataset:    dataset,
			Collection: collection,
			Records:    len(rows),
			Path:       path,
		})
	}
	indexData, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "render index")
	}
	files := append([]entry{{path: "index.json", data: indexData}}, entries...)
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.path,
			Method:   zip.Deflate,
			Modified: fixedModTime,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "archive %s", f.path)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, errors.Wrapf(err, "archive %s", f.path)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "finish archive")
	}
	return buf.Bytes(), nil
}

// Upload builds the package and stores it in the bucket.
func Upload(ctx context.Context, bucket *obj.Bucket, requestID string, results map[graph.CollectionAddress][]record.Row, redaction *record.RedactionMap) error {
	data, err := Build(requestID, results, redaction)
	if err != nil {
		return err
	}
	return obj.Put(ctx, bucket, Key(requestID), data)
}

// SignedDownloadURL returns a time-limited URL for the subject to download
// their package.
func SignedDownloadURL(ctx context.Context, bucket *obj.Bucket, requestID string, expiry time.Duration) (string, error) {
	return obj.SignedURL(ctx, bucket, Key(requestID), expiry)
}
