package prdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// AuditAction is the reviewer action recorded in an audit log.
type AuditAction string

const (
	AuditApproved AuditAction = "approved"
	AuditDenied   AuditAction = "denied"
)

// AuditLog is one reviewer-action record for a privacy request.
type AuditLog struct {
	ID        int64       `db:"id"`
	RequestID string      `db:"privacy_request_id"`
	UserID    string      `db:"user_id"`
	Action    AuditAction `db:"action"`
	Message   string      `db:"message"`
	CreatedAt time.Time   `db:"created_at"`
}

// CreateAuditLog appends an audit record.
func CreateAuditLog(ctx context.Context, ext sqlx.ExtContext, requestID, userID string, action AuditAction, message string) error {
	_, err := ext.ExecContext(ctx,
		`INSERT INTO audit_logs (privacy_request_id, user_id, action, message) VALUES ($1, $2, $3, $4)`,
		requestID, sql.NullString{String: userID, Valid: userID != ""}, string(action),
		sql.NullString{String: message, Valid: message != ""})
	return errors.Wrap(err, "create audit log")
}

// ListAuditLogs returns the audit records for a request in creation order.
func ListAuditLogs(ctx context.Context, ext sqlx.ExtContext, requestID string) ([]AuditLog, error) {
	var rows []struct {
		ID        int64          `db:"id"`
		RequestID string         `db:"privacy_request_id"`
		UserID    sql.NullString `db:"user_id"`
		Action    string         `db:"action"`
		Message   sql.NullString `db:"message"`
		CreatedAt time.Time      `db:"created_at"`
	}
	err := sqlx.SelectContext(ctx, ext, &rows,
		`SELECT * FROM audit_logs WHERE privacy_request_id = $1 ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "list audit logs")
	}
	out := make([]AuditLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditLog{
			ID:        r.ID,
			RequestID: r.RequestID,
			UserID:    r.UserID.String,
			Action:    AuditAction(r.Action),
			Message:   r.Message.String,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// CreateRequestError records a fatal failure against a request.
func CreateRequestError(ctx context.Context, ext sqlx.ExtContext, requestID, message string) error {
	_, err := ext.ExecContext(ctx,
		`INSERT INTO privacy_request_errors (privacy_request_id, message) VALUES ($1, $2)`,
		requestID, message)
	return errors.Wrap(err, "create request error")
}

// WebhookDirection distinguishes pre- from post-execution webhooks.
type WebhookDirection string

const (
	WebhookPre  WebhookDirection = "pre"
	WebhookPost WebhookDirection = "post"
)

// PolicyWebhook is one webhook configured against a policy.  Pre-execution
// two-way webhooks may halt processing or contribute derived identity data.
type PolicyWebhook struct {
	ID         string           `db:"id"`
	PolicyKey  string           `db:"policy_key"`
	Direction  WebhookDirection `db:"direction"`
	Name       string           `db:"name"`
	URL        string           `db:"url"`
	TwoWay     bool             `db:"two_way"`
	OrderIndex int              `db:"order_index"`
}

// CreatePolicyWebhook inserts a webhook configuration.
func CreatePolicyWebhook(ctx context.Context, ext sqlx.ExtContext, w PolicyWebhook) (string, error) {
	id := uuid.NewString()
	_, err := ext.ExecContext(ctx,
		`INSERT INTO policy_webhooks (id, policy_key, direction, name, url, two_way, order_index)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, w.PolicyKey, string(w.Direction), w.Name, w.URL, w.TwoWay, w.OrderIndex)
	return id, errors.Wrap(err, "create policy webhook")
}

// ListPolicyWebhooks returns a policy's webhooks of one direction ordered by
// order_index.
func ListPolicyWebhooks(ctx context.Context, ext sqlx.ExtContext, policyKey string, direction WebhookDirection) ([]PolicyWebhook, error) {
	var out []PolicyWebhook
	err := sqlx.SelectContext(ctx, ext, &out,
		`SELECT * FROM policy_webhooks WHERE policy_key = $1 AND direction = $2 ORDER BY order_index ASC`,
		policyKey, string(direction))
	return out, errors.Wrap(err, "list policy webhooks")
}
