package prdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// RequestStatus is the lifecycle state of a privacy request.
type RequestStatus string

const (
	StatusIdentityUnverified RequestStatus = "identity_unverified"
	StatusRequiresInput      RequestStatus = "requires_input"
	StatusPending            RequestStatus = "pending"
	StatusApproved           RequestStatus = "approved"
	StatusDenied             RequestStatus = "denied"
	StatusInProcessing       RequestStatus = "in_processing"
	StatusComplete           RequestStatus = "complete"
	StatusPaused             RequestStatus = "paused"
	StatusAwaitingEmailSend  RequestStatus = "awaiting_email_send"
	StatusCanceled           RequestStatus = "canceled"
	StatusError              RequestStatus = "error"
)

// Terminal reports whether no further transitions are allowed from s (error
// is terminal unless a dedicated retry flow re-submits).
func (s RequestStatus) Terminal() bool {
	return s == StatusComplete || s == StatusCanceled || s == StatusDenied
}

// PrivacyRequest is the internal representation of a privacy request.
type PrivacyRequest struct {
	ID                   string
	ExternalID           string
	PolicyKey            string
	Status               RequestStatus
	VerificationAttempts int
	StartedProcessingAt  time.Time
	FinishedProcessingAt time.Time
	PausedAt             time.Time
	CanceledAt           time.Time
	ReviewedAt           time.Time
	IdentityVerifiedAt   time.Time
	CreatedAt            time.Time
}

// requestRow models a single row in the privacy_requests table.
type requestRow struct {
	ID                   string         `db:"id"`
	ExternalID           sql.NullString `db:"external_id"`
	PolicyKey            string         `db:"policy_key"`
	Status               string         `db:"status"`
	VerificationCodeHash sql.NullString `db:"verification_code_hash"`
	VerificationAttempts int            `db:"verification_attempts"`
	StartedProcessingAt  sql.NullTime   `db:"started_processing_at"`
	FinishedProcessingAt sql.NullTime   `db:"finished_processing_at"`
	PausedAt             sql.NullTime   `db:"paused_at"`
	CanceledAt           sql.NullTime   `db:"canceled_at"`
	ReviewedAt           sql.NullTime   `db:"reviewed_at"`
	IdentityVerifiedAt   sql.NullTime   `db:"identity_verified_at"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func (r requestRow) toRequest() PrivacyRequest {
	return PrivacyRequest{
		ID:                   r.ID,
		ExternalID:           r.ExternalID.String,
		PolicyKey:            r.PolicyKey,
		Status:               RequestStatus(r.Status),
		VerificationAttempts: r.VerificationAttempts,
		StartedProcessingAt:  r.StartedProcessingAt.Time,
		FinishedProcessingAt: r.FinishedProcessingAt.Time,
		PausedAt:             r.PausedAt.Time,
		CanceledAt:           r.CanceledAt.Time,
		ReviewedAt:           r.ReviewedAt.Time,
		IdentityVerifiedAt:   r.IdentityVerifiedAt.Time,
		CreatedAt:            r.CreatedAt,
	}
}

// CreateRequestRequest carries the inputs for CreatePrivacyRequest.
type CreateRequestRequest struct {
	ExternalID string
	PolicyKey  string
	Status     RequestStatus
}

// CreatePrivacyRequest inserts a new privacy request and returns its id.
func CreatePrivacyRequest(ctx context.Context, ext sqlx.ExtContext, req CreateRequestRequest) (string, error) {
	id := uuid.NewString()
	status := req.Status
	if status == "" {
		status = StatusPending
	}
	_, err := ext.ExecContext(ctx,
		`INSERT INTO privacy_requests (id, external_id, policy_key, status) VALUES ($1, $2, $3, $4)`,
		id, sql.NullString{String: req.ExternalID, Valid: req.ExternalID != ""}, req.PolicyKey, string(status))
	if err != nil {
		return "", errors.Wrap(err, "create privacy request")
	}
	return id, nil
}

// GetPrivacyRequest returns the privacy request with the given id.
func GetPrivacyRequest(ctx context.Context, ext sqlx.ExtContext, id string) (PrivacyRequest, error) {
	var row requestRow
	err := sqlx.GetContext(ctx, ext, &row, `SELECT * FROM privacy_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return PrivacyRequest{}, &RequestNotFoundError{ID: id}
	}
	if err != nil {
		return PrivacyRequest{}, errors.Wrap(err, "get privacy request")
	}
	return row.toRequest(), nil
}

// UpdateRequestStatus sets the request's status and stamps the transition
// timestamp appropriate for the new status.  started_processing_at is set
// exactly once; resumes do not overwrite it.
func UpdateRequestStatus(ctx context.Context, ext sqlx.ExtContext, id string, status RequestStatus) error {
	var stamp string
	switch status {
	case StatusInProcessing:
		stamp = `started_processing_at = COALESCE(started_processing_at, now())`
	case StatusComplete, StatusError:
		stamp = `finished_processing_at = now()`
	case StatusPaused, StatusRequiresInput:
		stamp = `paused_at = now()`
	case StatusCanceled:
		stamp = `canceled_at = now()`
	case StatusApproved, StatusDenied:
		stamp = `reviewed_at = now()`
	case StatusPending:
		stamp = `identity_verified_at = COALESCE(identity_verified_at, now())`
	default:
		stamp = `updated_at = now()`
	}
	res, err := ext.ExecContext(ctx,
		`UPDATE privacy_requests SET status = $1, updated_at = now(), `+stamp+` WHERE id = $2`,
		string(status), id)
	if err != nil {
		return errors.Wrap(err, "update request status")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &RequestNotFoundError{ID: id}
	}
	return nil
}

// SetVerificationCode stores the hash of a fresh identity verification code
// and resets the attempt counter.
func SetVerificationCode(ctx context.Context, ext sqlx.ExtContext, id, codeHash string) error {
	_, err := ext.ExecContext(ctx,
		`UPDATE privacy_requests SET verification_code_hash = $1, verification_attempts = 0, updated_at = now() WHERE id = $2`,
		codeHash, id)
	return errors.Wrap(err, "set verification code")
}

// GetVerificationState returns the stored code hash and attempt count.
func GetVerificationState(ctx context.Context, ext sqlx.ExtContext, id string) (codeHash string, attempts int, _ error) {
	var row struct {
		Hash     sql.NullString `db:"verification_code_hash"`
		Attempts int            `db:"verification_attempts"`
	}
	err := sqlx.GetContext(ctx, ext, &row,
		`SELECT verification_code_hash, verification_attempts FROM privacy_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, &RequestNotFoundError{ID: id}
	}
	if err != nil {
		return "", 0, errors.Wrap(err, "get verification state")
	}
	return row.Hash.String, row.Attempts, nil
}

// IncrementVerificationAttempts bumps the attempt counter and returns the new
// count.
func IncrementVerificationAttempts(ctx context.Context, ext sqlx.ExtContext, id string) (int, error) {
	var attempts int
	err := sqlx.GetContext(ctx, ext, &attempts,
		`UPDATE privacy_requests SET verification_attempts = verification_attempts + 1, updated_at = now()
		 WHERE id = $1 RETURNING verification_attempts`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &RequestNotFoundError{ID: id}
	}
	return attempts, errors.Wrap(err, "increment verification attempts")
}

// InvalidateVerificationCode clears the stored code so further attempts fail
// until a new code is issued.
func InvalidateVerificationCode(ctx context.Context, ext sqlx.ExtContext, id string) error {
	_, err := ext.ExecContext(ctx,
		`UPDATE privacy_requests SET verification_code_hash = NULL, updated_at = now() WHERE id = $1`, id)
	return errors.Wrap(err, "invalidate verification code")
}

// ListRequestsByStatus returns requests currently in the given status,
// oldest first.
func ListRequestsByStatus(ctx context.Context, ext sqlx.ExtContext, status RequestStatus) ([]PrivacyRequest, error) {
	var rows []requestRow
	err := sqlx.SelectContext(ctx, ext, &rows,
		`SELECT * FROM privacy_requests WHERE status = $1 ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, errors.Wrap(err, "list requests by status")
	}
	out := make([]PrivacyRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRequest())
	}
	return out, nil
}
