package prdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// InstanceStatus is the lifecycle state of a manual task instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceCompleted InstanceStatus = "completed"
)

// ManualTask is one manual data-entry task attached to a connection.
type ManualTask struct {
	ID            string `db:"id"`
	ConnectionKey string `db:"connection_key"`
}

// ManualTaskField describes one field a human must fill in, with the
// conditional dependencies that gate whether the task runs at all.
type ManualTaskField struct {
	Key            string          `json:"key"`
	Label          string          `json:"label,omitempty"`
	Required       bool            `json:"required"`
	DataCategories []string        `json:"data_categories,omitempty"`
	Conditions     json.RawMessage `json:"conditions,omitempty"`
}

// ManualTaskConfig is one versioned configuration of a manual task, scoped to
// a single action type.  Only the current, non-deleted config of each action
// type participates in graph construction and instance creation.
type ManualTaskConfig struct {
	ID        string
	TaskID    string
	Action    string
	IsCurrent bool
	IsDeleted bool
	Fields    []ManualTaskField
}

type manualTaskConfigRow struct {
	ID        string    `db:"id"`
	TaskID    string    `db:"task_id"`
	Action    string    `db:"action_type"`
	IsCurrent bool      `db:"is_current"`
	IsDeleted bool      `db:"is_deleted"`
	Fields    []byte    `db:"fields"`
	CreatedAt time.Time `db:"created_at"`
}

func (r manualTaskConfigRow) toConfig() (ManualTaskConfig, error) {
	cfg := ManualTaskConfig{
		ID:        r.ID,
		TaskID:    r.TaskID,
		Action:    r.Action,
		IsCurrent: r.IsCurrent,
		IsDeleted: r.IsDeleted,
	}
	if err := json.Unmarshal(r.Fields, &cfg.Fields); err != nil {
		return ManualTaskConfig{}, errors.Wrap(err, "to manual task config")
	}
	return cfg, nil
}

// ManualTaskInstance represents the need for human-entered data for one
// (task, config, privacy request) triple.  Instances are retained for audit
// and never deleted automatically.
type ManualTaskInstance struct {
	ID          string
	TaskID      string
	ConfigID    string
	RequestID   string
	Status      InstanceStatus
	CompletedAt time.Time
}

type manualTaskInstanceRow struct {
	ID          string       `db:"id"`
	TaskID      string       `db:"task_id"`
	ConfigID    string       `db:"config_id"`
	RequestID   string       `db:"privacy_request_id"`
	Status      string       `db:"status"`
	CompletedAt sql.NullTime `db:"completed_at"`
	CreatedAt   time.Time    `db:"created_at"`
}

func (r manualTaskInstanceRow) toInstance() ManualTaskInstance {
	return ManualTaskInstance{
		ID:          r.ID,
		TaskID:      r.TaskID,
		ConfigID:    r.ConfigID,
		RequestID:   r.RequestID,
		Status:      InstanceStatus(r.Status),
		CompletedAt: r.CompletedAt.Time,
	}
}

// ManualTaskSubmission is one field value submitted against an instance.
// Submissions are immutable; corrections create new submissions.
type ManualTaskSubmission struct {
	ID          string
	InstanceID  string
	FieldKey    string
	Value       json.RawMessage
	SubmittedBy string
	CreatedAt   time.Time
}

type manualTaskSubmissionRow struct {
	ID          string         `db:"id"`
	InstanceID  string         `db:"instance_id"`
	FieldKey    string         `db:"field_key"`
	Value       []byte         `db:"value"`
	SubmittedBy sql.NullString `db:"submitted_by"`
	CreatedAt   time.Time      `db:"created_at"`
}

// CreateManualTask inserts a manual task for a connection and returns its id.
func CreateManualTask(ctx context.Context, ext sqlx.ExtContext, connectionKey string) (string, error) {
	id := uuid.NewString()
	_, err := ext.ExecContext(ctx,
		`INSERT INTO manual_tasks (id, connection_key) VALUES ($1, $2)`, id, connectionKey)
	return id, errors.Wrap(err, "create manual task")
}

// GetManualTask returns the manual task for a connection.
func GetManualTask(ctx context.Context, ext sqlx.ExtContext, connectionKey string) (ManualTask, error) {
	var task ManualTask
	err := sqlx.GetContext(ctx, ext, &task,
		`SELECT id, connection_key FROM manual_tasks WHERE connection_key = $1`, connectionKey)
	if errors.Is(err, sql.ErrNoRows) {
		return ManualTask{}, &TaskNotFoundError{ConnectionKey: connectionKey}
	}
	return task, errors.Wrap(err, "get manual task")
}

// CreateManualTaskConfig inserts a config version.  When markCurrent is set,
// any previous current config of the same action type is demoted first.
func CreateManualTaskConfig(ctx context.Context, ext sqlx.ExtContext, taskID, action string, fields []ManualTaskField, markCurrent bool) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", errors.Wrap(err, "create manual task config")
	}
	if markCurrent {
		if _, err := ext.ExecContext(ctx,
			`UPDATE manual_task_configs SET is_current = FALSE WHERE task_id = $1 AND action_type = $2`,
			taskID, action); err != nil {
			return "", errors.Wrap(err, "demote previous config")
		}
	}
	id := uuid.NewString()
	_, err = ext.ExecContext(ctx,
		`INSERT INTO manual_task_configs (id, task_id, action_type, is_current, fields) VALUES ($1, $2, $3, $4, $5)`,
		id, taskID, action, markCurrent, data)
	return id, errors.Wrap(err, "create manual task config")
}

// ListCurrentConfigs returns the current, non-deleted configs for a task
// scoped to one action type.
func ListCurrentConfigs(ctx context.Context, ext sqlx.ExtContext, taskID, action string) ([]ManualTaskConfig, error) {
	var rows []manualTaskConfigRow
	err := sqlx.SelectContext(ctx, ext, &rows,
		`SELECT * FROM manual_task_configs
		 WHERE task_id = $1 AND action_type = $2 AND is_current AND NOT is_deleted
		 ORDER BY created_at ASC`, taskID, action)
	if err != nil {
		return nil, errors.Wrap(err, "list current configs")
	}
	out := make([]ManualTaskConfig, 0, len(rows))
	for _, r := range rows {
		cfg, err := r.toConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// GetInstance returns the instance for a (task, config, request) triple, or
// InstanceNotFoundError.
func GetInstance(ctx context.Context, ext sqlx.ExtContext, taskID, configID, requestID string) (ManualTaskInstance, error) {
	var row manualTaskInstanceRow
	err := sqlx.GetContext(ctx, ext, &row,
		`SELECT * FROM manual_task_instances WHERE task_id = $1 AND config_id = $2 AND privacy_request_id = $3`,
		taskID, configID, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return ManualTaskInstance{}, &InstanceNotFoundError{ID: taskID + "/" + configID + "/" + requestID}
	}
	if err != nil {
		return ManualTaskInstance{}, errors.Wrap(err, "get instance")
	}
	return row.toInstance(), nil
}

// CreateInstance inserts a pending instance and returns it.
func CreateInstance(ctx context.Context, ext sqlx.ExtContext, taskID, configID, requestID string) (ManualTaskInstance, error) {
	id := uuid.NewString()
	_, err := ext.ExecContext(ctx,
		`INSERT INTO manual_task_instances (id, task_id, config_id, privacy_request_id, status) VALUES ($1, $2, $3, $4, $5)`,
		id, taskID, configID, requestID, string(InstancePending))
	if err != nil {
		return ManualTaskInstance{}, errors.Wrap(err, "create instance")
	}
	return ManualTaskInstance{ID: id, TaskID: taskID, ConfigID: configID, RequestID: requestID, Status: InstancePending}, nil
}

// CompleteInstance marks an instance completed.
func CompleteInstance(ctx context.Context, ext sqlx.ExtContext, instanceID string) error {
	res, err := ext.ExecContext(ctx,
		`UPDATE manual_task_instances SET status = $1, completed_at = now() WHERE id = $2`,
		string(InstanceCompleted), instanceID)
	if err != nil {
		return errors.Wrap(err, "complete instance")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &InstanceNotFoundError{ID: instanceID}
	}
	return nil
}

// ListInstancesForRequest returns every instance created for a request.
func ListInstancesForRequest(ctx context.Context, ext sqlx.ExtContext, requestID string) ([]ManualTaskInstance, error) {
	var rows []manualTaskInstanceRow
	err := sqlx.SelectContext(ctx, ext, &rows,
		`SELECT * FROM manual_task_instances WHERE privacy_request_id = $1 ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "list instances")
	}
	out := make([]ManualTaskInstance, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toInstance())
	}
	return out, nil
}

// CreateSubmission records one immutable field value against an instance.
func CreateSubmission(ctx context.Context, ext sqlx.ExtContext, instanceID, fieldKey string, value json.RawMessage, submittedBy string) (string, error) {
	id := uuid.NewString()
	_, err := ext.ExecContext(ctx,
		`INSERT INTO manual_task_submissions (id, instance_id, field_key, value, submitted_by) VALUES ($1, $2, $3, $4, $5)`,
		id, instanceID, fieldKey, []byte(value),
		sql.NullString{String: submittedBy, Valid: submittedBy != ""})
	return id, errors.Wrap(err, "create submission")
}

// ListSubmissions returns the submissions for an instance, newest last.  When
// a field was submitted more than once the later row supersedes the earlier
// for consumers, but all rows are retained.
func ListSubmissions(ctx context.Context, ext sqlx.ExtContext, instanceID string) ([]ManualTaskSubmission, error) {
	var rows []manualTaskSubmissionRow
	err := sqlx.SelectContext(ctx, ext, &rows,
		`SELECT * FROM manual_task_submissions WHERE instance_id = $1 ORDER BY created_at ASC`, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, "list submissions")
	}
	out := make([]ManualTaskSubmission, 0, len(rows))
	for _, r := range rows {
		out = append(out, ManualTaskSubmission{
			ID:          r.ID,
			InstanceID:  r.InstanceID,
			FieldKey:    r.FieldKey,
			Value:       json.RawMessage(r.Value),
			SubmittedBy: r.SubmittedBy.String,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}
