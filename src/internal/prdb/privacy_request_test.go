package prdb

import (
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/pctx"
	"github.com/ethyca/fides-engine/src/internal/require"
)

func mockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "pgx"), mock
}

func TestCreatePrivacyRequestDefaultsToPending(t *testing.T) {
	ctx := pctx.TestContext(t)
	db, mock := mockDB(t)

	mock.ExpectExec(`INSERT INTO privacy_requests`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "default_dsr", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := CreatePrivacyRequest(ctx, db, CreateRequestRequest{PolicyKey: "default_dsr"})
	require.NoError(t, err)
	require.True(t, id != "")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPrivacyRequestNotFound(t *testing.T) {
	ctx := pctx.TestContext(t)
	db, mock := mockDB(t)

	mock.ExpectQuery(`SELECT \* FROM privacy_requests WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := GetPrivacyRequest(ctx, db, "missing")
	require.YesError(t, err)
	var nf *RequestNotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, "missing", nf.ID)
}

func TestUpdateRequestStatusStampsTimestamps(t *testing.T) {
	ctx := pctx.TestContext(t)
	cases := []struct {
		status RequestStatus
		stamp  string
	}{
		{StatusInProcessing, `started_processing_at = COALESCE\(started_processing_at, now\(\)\)`},
		{StatusComplete, `finished_processing_at = now\(\)`},
		{StatusError, `finished_processing_at = now\(\)`},
		{StatusPaused, `paused_at = now\(\)`},
		{StatusRequiresInput, `paused_at = now\(\)`},
		{StatusCanceled, `canceled_at = now\(\)`},
		{StatusApproved, `reviewed_at = now\(\)`},
		{StatusDenied, `reviewed_at = now\(\)`},
		{StatusPending, `identity_verified_at = COALESCE\(identity_verified_at, now\(\)\)`},
	}
	for _, c := range cases {
		db, mock := mockDB(t)
		mock.ExpectExec(`UPDATE privacy_requests SET status = \$1, updated_at = now\(\), `+c.stamp).
			WithArgs(string(c.status), "req-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, UpdateRequestStatus(ctx, db, "req-1", c.status), "status %s", c.status)
		require.NoError(t, mock.ExpectationsWereMet(), "status %s", c.status)
	}
}

func TestUpdateRequestStatusUnknownID(t *testing.T) {
	ctx := pctx.TestContext(t)
	db, mock := mockDB(t)

	mock.ExpectExec(`UPDATE privacy_requests`).
		WithArgs("complete", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := UpdateRequestStatus(ctx, db, "missing", StatusComplete)
	require.YesError(t, err)
	var nf *RequestNotFoundError
	require.True(t, errors.As(err, &nf))
}

func TestIncrementVerificationAttempts(t *testing.T) {
	ctx := pctx.TestContext(t)
	db, mock := mockDB(t)

	mock.ExpectQuery(`UPDATE privacy_requests SET verification_attempts = verification_attempts \+ 1`).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"verification_attempts"}).AddRow(3))

	attempts, err := IncrementVerificationAttempts(ctx, db, "req-1")
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []RequestStatus{StatusComplete, StatusCanceled, StatusDenied}
	for _, s := range terminal {
		require.True(t, s.Terminal(), "status %s", s)
	}
	open := []RequestStatus{
		StatusIdentityUnverified, StatusRequiresInput, StatusPending,
		StatusApproved, StatusInProcessing, StatusPaused,
		StatusAwaitingEmailSend, StatusError,
	}
	for _, s := range open {
		require.False(t, s.Terminal(), "status %s", s)
	}
}

func TestRequestRowNullTimes(t *testing.T) {
	var row requestRow
	row.ID = "req-1"
	row.PolicyKey = "p"
	row.Status = string(StatusPending)
	row.CreatedAt = time.Now()
	req := row.toRequest()
	require.Equal(t, StatusPending, req.Status)
	require.True(t, req.PausedAt.IsZero())
	require.True(t, req.FinishedProcessingAt.IsZero())
}
