package prdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// LogStatus is the per-step status recorded in an execution log entry.
type LogStatus string

const (
	LogInProcessing LogStatus = "in_processing"
	LogPending      LogStatus = "pending"
	LogComplete     LogStatus = "complete"
	LogError        LogStatus = "error"
	LogPaused       LogStatus = "paused"
	LogRetrying     LogStatus = "retrying"
	LogSkipped      LogStatus = "skipped"
)

// AffectedField records one field touched by an execution step, with its data
// categories, for the audit payload.
type AffectedField struct {
	Path           string   `json:"path"`
	DataCategories []string `json:"data_categories,omitempty"`
}

// ExecutionLog is one append-only audit record for a (dataset, collection)
// execution step.  Logs are never mutated after creation; progress is
// expressed by appending new rows.
type ExecutionLog struct {
	ID             int64
	RequestID      string
	Dataset        string
	Collection     string
	Action         string
	Status         LogStatus
	FieldsAffected []AffectedField
	Message        string
	CreatedAt      time.Time
}

type executionLogRow struct {
	ID             int64          `db:"id"`
	RequestID      string         `db:"privacy_request_id"`
	Dataset        string         `db:"dataset_name"`
	Collection     string         `db:"collection_name"`
	Action         string         `db:"action_type"`
	Status         string         `db:"status"`
	FieldsAffected []byte         `db:"fields_affected"`
	Message        sql.NullString `db:"message"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r executionLogRow) toLog() (ExecutionLog, error) {
	out := ExecutionLog{
		ID:         r.ID,
		RequestID:  r.RequestID,
		Dataset:    r.Dataset,
		Collection: r.Collection,
		Action:     r.Action,
		Status:     LogStatus(r.Status),
		Message:    r.Message.String,
		CreatedAt:  r.CreatedAt,
	}
	if len(r.FieldsAffected) > 0 {
		if err := json.Unmarshal(r.FieldsAffected, &out.FieldsAffected); err != nil {
			return ExecutionLog{}, errors.Wrap(err, "to execution log")
		}
	}
	return out, nil
}

// CreateLogRequest carries the inputs for CreateExecutionLog.
type CreateLogRequest struct {
	RequestID      string
	Dataset        string
	Collection     string
	Action         string
	Status         LogStatus
	FieldsAffected []AffectedField
	Message        string
}

// CreateExecutionLog appends one execution log row.
func CreateExecutionLog(ctx context.Context, ext sqlx.ExtContext, req CreateLogRequest) error {
	var fields []byte
	if len(req.FieldsAffected) > 0 {
		var err error
		fields, err = json.Marshal(req.FieldsAffected)
		if err != nil {
			return errors.Wrap(err, "create execution log")
		}
	}
	_, err := ext.ExecContext(ctx,
		`INSERT INTO execution_logs (privacy_request_id, dataset_name, collection_name, action_type, status, fields_affected, message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.RequestID, req.Dataset, req.Collection, req.Action, string(req.Status), fields,
		sql.NullString{String: req.Message, Valid: req.Message != ""})
	return errors.Wrap(err, "create execution log")
}

// ListExecutionLogs returns every log row for a request in creation order.
func ListExecutionLogs(ctx context.Context, ext sqlx.ExtContext, requestID string) ([]ExecutionLog, error) {
	var rows []executionLogRow
	err := sqlx.SelectContext(ctx, ext, &rows,
		`SELECT * FROM execution_logs WHERE privacy_request_id = $1 ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "list execution logs")
	}
	out := make([]ExecutionLog, 0, len(rows))
	for _, r := range rows {
		l, err := r.toLog()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
