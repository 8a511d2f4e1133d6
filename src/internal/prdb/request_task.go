package prdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// RequestTask is the current execution state of one graph node for one
// privacy request.  Unlike execution logs, which are append-only, a task row
// is upserted in place: there is exactly one per (request, collection,
// action), so operators and the worker can read node progress even after
// cached intermediate results expire.
type RequestTask struct {
	ID                string
	RequestID         string
	CollectionAddress string
	Action            string
	Status            LogStatus
	// Upstream lists the collection addresses that had to finish before this
	// node ran.
	Upstream  []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type requestTaskRow struct {
	ID                string    `db:"id"`
	RequestID         string    `db:"privacy_request_id"`
	CollectionAddress string    `db:"collection_address"`
	Action            string    `db:"action_type"`
	Status            string    `db:"status"`
	Upstream          []byte    `db:"upstream"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r requestTaskRow) toTask() (RequestTask, error) {
	out := RequestTask{
		ID:                r.ID,
		RequestID:         r.RequestID,
		CollectionAddress: r.CollectionAddress,
		Action:            r.Action,
		Status:            LogStatus(r.Status),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if len(r.Upstream) > 0 {
		if err := json.Unmarshal(r.Upstream, &out.Upstream); err != nil {
			return RequestTask{}, errors.Wrap(err, "to request task")
		}
	}
	return out, nil
}

// UpsertTaskRequest carries the inputs for UpsertRequestTask.
type UpsertTaskRequest struct {
	RequestID         string
	CollectionAddress string
	Action            string
	Status            LogStatus
	Upstream          []string
}

// UpsertRequestTask records the state of one node, replacing any earlier
// state for the same (request, collection, action).
func UpsertRequestTask(ctx context.Context, ext sqlx.ExtContext, req UpsertTaskRequest) error {
	var upstream []byte
	if len(req.Upstream) > 0 {
		var err error
		upstream, err = json.Marshal(req.Upstream)
		if err != nil {
			return errors.Wrap(err, "upsert request task")
		}
	}
	_, err := ext.ExecContext(ctx,
		`INSERT INTO request_tasks (id, privacy_request_id, collection_address, action_type, status, upstream)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (privacy_request_id, collection_address, action_type)
		 DO UPDATE SET status = EXCLUDED.status, upstream = EXCLUDED.upstream, updated_at = now()`,
		uuid.NewString(), req.RequestID, req.CollectionAddress, req.Action, string(req.Status), upstream)
	return errors.Wrap(err, "upsert request task")
}

// ListRequestTasks returns the per-node state of a request in a stable order.
func ListRequestTasks(ctx context.Context, ext sqlx.ExtContext, requestID string) ([]RequestTask, error) {
	var rows []requestTaskRow
	err := sqlx.SelectContext(ctx, ext, &rows,
		`SELECT * FROM request_tasks WHERE privacy_request_id = $1 ORDER BY collection_address ASC, action_type ASC`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "list request tasks")
	}
	out := make([]RequestTask, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
