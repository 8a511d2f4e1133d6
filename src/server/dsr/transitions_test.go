package dsr

import (
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/pctx"
	"github.com/ethyca/fides-engine/src/internal/prdb"
	"github.com/ethyca/fides-engine/src/internal/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to prdb.RequestStatus
		want     bool
	}{
		{prdb.StatusIdentityUnverified, prdb.StatusPending, true},
		{prdb.StatusIdentityUnverified, prdb.StatusApproved, false},
		{prdb.StatusPending, prdb.StatusApproved, true},
		{prdb.StatusPending, prdb.StatusDenied, true},
		{prdb.StatusPending, prdb.StatusComplete, false},
		{prdb.StatusApproved, prdb.StatusInProcessing, true},
		{prdb.StatusApproved, prdb.StatusPaused, false},
		{prdb.StatusInProcessing, prdb.StatusPaused, true},
		{prdb.StatusInProcessing, prdb.StatusRequiresInput, true},
		{prdb.StatusInProcessing, prdb.StatusAwaitingEmailSend, true},
		{prdb.StatusInProcessing, prdb.StatusComplete, true},
		{prdb.StatusInProcessing, prdb.StatusApproved, false},
		{prdb.StatusPaused, prdb.StatusInProcessing, true},
		{prdb.StatusRequiresInput, prdb.StatusInProcessing, true},
		{prdb.StatusAwaitingEmailSend, prdb.StatusComplete, true},
		{prdb.StatusError, prdb.StatusInProcessing, true},
		{prdb.StatusError, prdb.StatusComplete, false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, CanTransition(c.from, c.to),
			"transition %s -> %s", c.from, c.to)
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	for _, from := range []prdb.RequestStatus{prdb.StatusComplete, prdb.StatusCanceled, prdb.StatusDenied} {
		require.True(t, from.Terminal())
		for to := range allowedTransitions {
			require.False(t, CanTransition(from, to), "terminal status %s must not transition", from)
		}
	}
}

func TestTransitionRejectsWithoutTouchingDB(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "pgx")

	req := prdb.PrivacyRequest{ID: "req-1", Status: prdb.StatusComplete}
	_, err = transition(ctx, db, req, prdb.StatusInProcessing)
	require.YesError(t, err)
	var invalid *prdb.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionUpdatesStatus(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "pgx")

	mock.ExpectExec(`UPDATE privacy_requests SET status = \$1`).
		WithArgs("in_processing", "req-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := prdb.PrivacyRequest{ID: "req-1", Status: prdb.StatusApproved}
	req, err = transition(ctx, db, req, prdb.StatusInProcessing)
	require.NoError(t, err)
	require.Equal(t, prdb.StatusInProcessing, req.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
