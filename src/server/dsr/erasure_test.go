package dsr

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/connector"
	"github.com/ethyca/fides-engine/src/internal/cache"
	"github.com/ethyca/fides-engine/src/internal/obj"
	"github.com/ethyca/fides-engine/src/internal/pctx"
	"github.com/ethyca/fides-engine/src/internal/prdb"
	"github.com/ethyca/fides-engine/src/internal/require"
	"github.com/ethyca/fides-engine/src/internal/task"
	"github.com/ethyca/fides-engine/src/policy"
	"github.com/ethyca/fides-engine/src/record"
	"github.com/ethyca/fides-engine/src/server/dsr/report"
)

func erasurePolicy() *policy.Policy {
	return &policy.Policy{
		Key: "erasure_policy",
		Rules: []policy.Rule{
			{Key: "erase_names", Action: policy.ActionErasure, DataCategories: []string{"user.name"}},
		},
	}
}

func TestProcessErasureMasksMatchingFields(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	mock.MatchExpectationsInOrder(false)
	db := sqlx.NewDb(mockDB, "pgx")

	s := testService(t, db)
	s.RegisterPolicy(erasurePolicy())
	s.RegisterDataset(customerDataset(t))
	stub := &stubConnector{key: "pg", rows: []record.Row{{
		"id":    record.FromAny(1),
		"email": record.FromAny("user@example.com"),
		"name":  record.FromAny("Ada"),
	}}}
	s.newConnector = func(context.Context, prdb.ConnectionConfig) (connector.Connector, error) {
		return stub, nil
	}

	const reqID = "req-erasure-1"
	require.NoError(t, s.cache.Set(ctx, cache.IdentityKey(reqID, "email"), []byte("user@example.com"), 0))

	mock.ExpectQuery(`SELECT \* FROM privacy_requests WHERE id = \$1`).
		WithArgs(reqID).
		WillReturnRows(requestRows(reqID, "erasure_policy", prdb.StatusApproved))
	mock.ExpectExec(`UPDATE privacy_requests SET status = \$1`).
		WithArgs("in_processing", reqID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT field_name, encrypted_value FROM provided_identities`).
		WithArgs(reqID).
		WillReturnRows(sqlmock.NewRows([]string{"field_name", "encrypted_value"}))
	mock.ExpectQuery(`SELECT \* FROM policy_webhooks`).
		WithArgs("erasure_policy", "pre").
		WillReturnRows(webhookRows())
	mock.ExpectQuery(`SELECT \* FROM policy_webhooks`).
		WithArgs("erasure_policy", "post").
		WillReturnRows(webhookRows())
	// Access traversal, connector pool, erasure traversal.
	for i := 0; i < 3; i++ {
		mock.ExpectQuery(`SELECT key, connection_type, disabled, access_url FROM connection_configs`).
			WillReturnRows(connectionRows())
	}
	// Access node in_processing and complete, mirrored in the task row.
	mock.ExpectExec(`INSERT INTO request_tasks`).
		WithArgs(sqlmock.AnyArg(), reqID, "db:customer", "access", "in_processing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO request_tasks`).
		WithArgs(sqlmock.AnyArg(), reqID, "db:customer", "access", "complete", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Access node in_processing and complete, then the mask pass complete.
	for i := 0; i < 3; i++ {
		mock.ExpectExec(`INSERT INTO execution_logs`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(`UPDATE privacy_requests SET status = \$1`).
		WithArgs("complete", reqID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Process(ctx, task.Dispatch{RequestID: reqID}))
	require.NoError(t, mock.ExpectationsWereMet())

	// Only the name field matched the rule; primary key and identity entry
	// points are untouchable.
	require.Equal(t, 1, stub.masked)
	require.Len(t, stub.updates, 1)
	require.Equal(t, "name", stub.updates[0].Path.String())
	require.True(t, stub.updates[0].Value.IsNull())

	// An erasure-only policy produces no subject report.
	exists, err := obj.Exists(ctx, s.bucket, report.Key(reqID))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestProcessConsentPropagates(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	mock.MatchExpectationsInOrder(false)
	db := sqlx.NewDb(mockDB, "pgx")

	s := testService(t, db)
	s.RegisterPolicy(&policy.Policy{
		Key: "consent_policy",
		Rules: []policy.Rule{
			{Key: "consent_rule", Action: policy.ActionConsent},
		},
	})
	stub := &stubConnector{key: "pg"}
	s.newConnector = func(context.Context, prdb.ConnectionConfig) (connector.Connector, error) {
		return stub, nil
	}

	const reqID = "req-consent-1"
	prefs, err := marshalConsent(map[string]bool{"marketing": false})
	require.NoError(t, err)
	require.NoError(t, s.cache.Set(ctx, cache.ConsentKey(reqID), prefs, 0))
	require.NoError(t, s.cache.Set(ctx, cache.IdentityKey(reqID, "email"), []byte("user@example.com"), 0))

	mock.ExpectQuery(`SELECT \* FROM privacy_requests WHERE id = \$1`).
		WithArgs(reqID).
		WillReturnRows(requestRows(reqID, "consent_policy", prdb.StatusApproved))
	mock.ExpectExec(`UPDATE privacy_requests SET status = \$1`).
		WithArgs("in_processing", reqID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT field_name, encrypted_value FROM provided_identities`).
		WithArgs(reqID).
		WillReturnRows(sqlmock.NewRows([]string{"field_name", "encrypted_value"}))
	mock.ExpectQuery(`SELECT \* FROM policy_webhooks`).
		WithArgs("consent_policy", "pre").
		WillReturnRows(webhookRows())
	mock.ExpectQuery(`SELECT \* FROM policy_webhooks`).
		WithArgs("consent_policy", "post").
		WillReturnRows(webhookRows())
	// One listing for runConsent, one for the connector pool.
	mock.ExpectQuery(`SELECT key, connection_type, disabled, access_url FROM connection_configs`).
		WillReturnRows(connectionRows())
	mock.ExpectQuery(`SELECT key, connection_type, disabled, access_url FROM connection_configs`).
		WillReturnRows(connectionRows())
	// The stub carries no consent state, so the log records a skip.
	mock.ExpectExec(`INSERT INTO execution_logs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE privacy_requests SET status = \$1`).
		WithArgs("complete", reqID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Process(ctx, task.Dispatch{RequestID: reqID}))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Equal(t, 1, stub.consents)
}
