package dsr

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/connector"
	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/cache"
	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/fidesql"
	"github.com/ethyca/fides-engine/src/internal/obj"
	"github.com/ethyca/fides-engine/src/internal/pctx"
	"github.com/ethyca/fides-engine/src/internal/prdb"
	"github.com/ethyca/fides-engine/src/internal/require"
	"github.com/ethyca/fides-engine/src/internal/task"
	"github.com/ethyca/fides-engine/src/policy"
	"github.com/ethyca/fides-engine/src/record"
	"github.com/ethyca/fides-engine/src/server/dsr/report"
)

// stubConnector satisfies connector.Connector with canned rows or errors.
type stubConnector struct {
	key       string
	rows      []record.Row
	accessErr error

	mu       sync.Mutex
	accessed []string
	masked   int
	updates  []connector.FieldUpdate
	consents int
}

func (c *stubConnector) Key() string                          { return c.key }
func (c *stubConnector) TestConnection(context.Context) error { return nil }
func (c *stubConnector) Close() error                         { return nil }

func (c *stubConnector) Access(_ context.Context, node *graph.TraversalNode, _ connector.Criteria) ([]record.Row, error) {
	c.mu.Lock()
	c.accessed = append(c.accessed, node.Node.Address.String())
	c.mu.Unlock()
	if c.accessErr != nil {
		return nil, c.accessErr
	}
	return c.rows, nil
}

func (c *stubConnector) Mask(_ context.Context, _ *graph.TraversalNode, rows []record.Row, updates []connector.FieldUpdate) (int, error) {
	c.mu.Lock()
	c.masked += len(rows)
	c.updates = append(c.updates, updates...)
	c.mu.Unlock()
	return len(rows), nil
}

func (c *stubConnector) Consent(context.Context, map[string]string, map[string]bool) (bool, error) {
	c.mu.Lock()
	c.consents++
	c.mu.Unlock()
	return false, nil
}

func (c *stubConnector) DryRun(node *graph.TraversalNode, _ connector.Criteria) (string, error) {
	return "STUB " + node.Node.Address.String(), nil
}

func testService(t *testing.T, db *fidesql.DB) *Service {
	t.Helper()
	ctx := pctx.TestContext(t)
	codec, err := prdb.NewIdentityCodec(bytes.Repeat([]byte{7}, 32), []byte("test-salt"))
	require.NoError(t, err)
	bucket, err := obj.NewBucket(ctx, "mem://results")
	require.NoError(t, err)
	t.Cleanup(func() { bucket.Close() })
	return New(db, cache.NewMemCache(), task.NewMemQueue(), bucket, codec, Config{})
}

func accessPolicy() *policy.Policy {
	return &policy.Policy{
		Key: "access_policy",
		Rules: []policy.Rule{
			{Key: "access_rule", Action: policy.ActionAccess, DataCategories: []string{"user"}},
		},
	}
}

func customerDataset(t *testing.T) *graph.Dataset {
	t.Helper()
	ds, err := graph.LoadDataset(strings.NewReader(`
name: db
connection_key: pg
collections:
  - name: customer
    fields:
      - name: id
        primary_key: true
      - name: email
        identity: email
        data_categories: [user.contact.email]
      - name: name
        data_categories: [user.name]
`))
	require.NoError(t, err)
	return ds
}

func requestRows(id, policyKey string, status prdb.RequestStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "policy_key", "status", "verification_attempts", "created_at", "updated_at"}).
		AddRow(id, policyKey, string(status), 0, now, now)
}

func webhookRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "policy_key", "direction", "name", "url", "two_way", "order_index"})
}

func connectionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"key", "connection_type", "disabled", "access_url"}).
		AddRow("pg", "postgres", false, "postgres://app@db:5432/app")
}

func TestNodeCriteria(t *testing.T) {
	ds := customerDataset(t)
	g, err := graph.NewDatasetGraph(ds)
	require.NoError(t, err)
	tr, err := graph.NewTraversal(g, map[string]string{"email": "user@example.com"})
	require.NoError(t, err)
	node := tr.Nodes[graph.CollectionAddress{Dataset: "db", Collection: "customer"}]

	var mu sync.Mutex
	s := &Service{}
	criteria := s.nodeCriteria(node, map[string]string{"email": "user@example.com"}, nil, &mu)
	require.Len(t, criteria, 1)
	require.Len(t, criteria["email"], 1)
	require.True(t, criteria["email"][0].Equal(record.String("user@example.com")))

	// Without a matching identity the node has nothing to query with.
	criteria = s.nodeCriteria(node, map[string]string{"phone": "555"}, nil, &mu)
	require.Len(t, criteria, 0)
}

func TestAffectedFields(t *testing.T) {
	ds := customerDataset(t)
	g, err := graph.NewDatasetGraph(ds)
	require.NoError(t, err)
	n := g.Nodes[graph.CollectionAddress{Dataset: "db", Collection: "customer"}]
	fields := affectedFields(n)
	// id has no categories and is skipped.
	require.Len(t, fields, 2)
	require.Equal(t, "db:customer:email", fields[0].Path)
	require.Equal(t, []string{"user.contact.email"}, fields[0].DataCategories)
	require.Equal(t, "db:customer:name", fields[1].Path)
}

func TestBuildTraversalSkipsDisabledConnections(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "pgx")

	s := testService(t, db)
	s.RegisterDataset(customerDataset(t))
	// mongo is not among the enabled connections, so its dataset stays out of
	// the graph entirely.
	offline, err := graph.LoadDataset(strings.NewReader(`
name: legacy
connection_key: mongo
collections:
  - name: profiles
    fields:
      - name: email
        identity: email
        data_categories: [user.contact.email]
`))
	require.NoError(t, err)
	s.RegisterDataset(offline)

	mock.ExpectQuery(`SELECT key, connection_type, disabled, access_url FROM connection_configs`).
		WillReturnRows(connectionRows())

	tr, manual, err := s.buildTraversal(ctx, "req-1", map[string]string{"email": "user@example.com"}, policy.ActionAccess)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, manual, 0)
	require.Equal(t, []graph.CollectionAddress{{Dataset: "db", Collection: "customer"}}, tr.Order)
}

func TestRowsRoundTrip(t *testing.T) {
	rows := []record.Row{
		{"id": record.FromAny(1), "email": record.FromAny("user@example.com")},
		{"id": record.FromAny(2), "tags": record.FromAny([]interface{}{"a", "b"})},
	}
	data, err := marshalRows(rows)
	require.NoError(t, err)
	got, err := unmarshalRows(data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0]["email"].Equal(record.String("user@example.com")))
	require.True(t, got[1]["tags"].IsContainer())
}

func TestProcessAccessRequest(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	mock.MatchExpectationsInOrder(false)
	db := sqlx.NewDb(mockDB, "pgx")

	s := testService(t, db)
	s.RegisterPolicy(accessPolicy())
	s.RegisterDataset(customerDataset(t))
	stub := &stubConnector{key: "pg", rows: []record.Row{{
		"id":    record.FromAny(1),
		"email": record.FromAny("user@example.com"),
		"name":  record.FromAny("Ada"),
	}}}
	s.newConnector = func(context.Context, prdb.ConnectionConfig) (connector.Connector, error) {
		return stub, nil
	}

	const reqID = "req-access-1"
	require.NoError(t, s.cache.Set(ctx, cache.IdentityKey(reqID, "email"), []byte("user@example.com"), 0))

	mock.ExpectQuery(`SELECT \* FROM privacy_requests WHERE id = \$1`).
		WithArgs(reqID).
		WillReturnRows(requestRows(reqID, "access_policy", prdb.StatusApproved))
	mock.ExpectExec(`UPDATE privacy_requests SET status = \$1`).
		WithArgs("in_processing", reqID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT field_name, encrypted_value FROM provided_identities`).
		WithArgs(reqID).
		WillReturnRows(sqlmock.NewRows([]string{"field_name", "encrypted_value"}))
	mock.ExpectQuery(`SELECT \* FROM policy_webhooks`).
		WithArgs("access_policy", "pre").
		WillReturnRows(webhookRows())
	mock.ExpectQuery(`SELECT \* FROM policy_webhooks`).
		WithArgs("access_policy", "post").
		WillReturnRows(webhookRows())
	// One listing for the traversal, one for the connector pool.
	mock.ExpectQuery(`SELECT key, connection_type, disabled, access_url FROM connection_configs`).
		WillReturnRows(connectionRows())
	mock.ExpectQuery(`SELECT key, connection_type, disabled, access_url FROM connection_configs`).
		WillReturnRows(connectionRows())
	// Node state is upserted alongside each log entry.
	mock.ExpectExec(`INSERT INTO request_tasks`).
		WithArgs(sqlmock.AnyArg(), reqID, "db:customer", "access", "in_processing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO request_tasks`).
		WithArgs(sqlmock.AnyArg(), reqID, "db:customer", "access", "complete", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO execution_logs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO execution_logs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE privacy_requests SET status = \$1`).
		WithArgs("complete", reqID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Process(ctx, task.Dispatch{RequestID: reqID}))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Equal(t, []string{"db:customer"}, stub.accessed)

	// Raw rows are cached for resume and erasure.
	data, err := s.cache.Get(ctx, cache.AccessResultKey(reqID, "db:customer"))
	require.NoError(t, err)
	rows, err := unmarshalRows(data)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// The subject report landed in the bucket.
	exists, err := obj.Exists(ctx, s.bucket, report.Key(reqID))
	require.NoError(t, err)
	require.True(t, exists)

	// A finished request leaves no checkpoint behind.
	_, err = s.cache.Get(ctx, cache.CheckpointKey(reqID))
	require.YesError(t, err)
	require.True(t, errors.Is(err, cache.ErrNotFound))
}

func TestProcessPausesAwaitingInput(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	mock.MatchExpectationsInOrder(false)
	db := sqlx.NewDb(mockDB, "pgx")

	s := testService(t, db)
	s.RegisterPolicy(accessPolicy())
	s.RegisterDataset(customerDataset(t))
	stub := &stubConnector{key: "pg", accessErr: &connector.AwaitingInputError{
		Address: graph.CollectionAddress{Dataset: "db", Collection: "customer"},
	}}
	s.newConnector = func(context.Context, prdb.ConnectionConfig) (connector.Connector, error) {
		return stub, nil
	}

	const reqID = "req-awaiting-1"
	require.NoError(t, s.cache.Set(ctx, cache.IdentityKey(reqID, "email"), []byte("user@example.com"), 0))

	mock.ExpectQuery(`SELECT \* FROM privacy_requests WHERE id = \$1`).
		WithArgs(reqID).
		WillReturnRows(requestRows(reqID, "access_policy", prdb.StatusApproved))
	mock.ExpectExec(`UPDATE privacy_requests SET status = \$1`).
		WithArgs("in_processing", reqID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT field_name, encrypted_value FROM provided_identities`).
		WithArgs(reqID).
		WillReturnRows(sqlmock.NewRows([]string{"field_name", "encrypted_value"}))
	mock.ExpectQuery(`SELECT \* FROM policy_webhooks`).
		WithArgs("access_policy", "pre").
		WillReturnRows(webhookRows())
	mock.ExpectQuery(`SELECT key, connection_type, disabled, access_url FROM connection_configs`).
		WillReturnRows(connectionRows())
	mock.ExpectQuery(`SELECT key, connection_type, disabled, access_url FROM connection_configs`).
		WillReturnRows(connectionRows())
	// The node records in_processing, then paused, in both the task row and
	// the log.
	mock.ExpectExec(`INSERT INTO request_tasks`).
		WithArgs(sqlmock.AnyArg(), reqID, "db:customer", "access", "in_processing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO request_tasks`).
		WithArgs(sqlmock.AnyArg(), reqID, "db:customer", "access", "paused", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO execution_logs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO execution_logs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE privacy_requests SET status = \$1`).
		WithArgs("requires_input", reqID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Process(ctx, task.Dispatch{RequestID: reqID}))
	require.NoError(t, mock.ExpectationsWereMet())

	// The checkpoint records where to pick up, and no report was produced.
	data, err := s.cache.Get(ctx, cache.CheckpointKey(reqID))
	require.NoError(t, err)
	require.Equal(t, string(CheckpointAccess), string(data))
	exists, err := obj.Exists(ctx, s.bucket, report.Key(reqID))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestProcessDropsTerminalRequest(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "pgx")

	s := testService(t, db)
	const reqID = "req-done-1"
	mock.ExpectQuery(`SELECT \* FROM privacy_requests WHERE id = \$1`).
		WithArgs(reqID).
		WillReturnRows(requestRows(reqID, "access_policy", prdb.StatusComplete))

	require.NoError(t, s.Process(ctx, task.Dispatch{RequestID: reqID}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveSubmitsDispatch(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "pgx")

	s := testService(t, db)
	const reqID = "req-approve-1"
	mock.ExpectQuery(`SELECT \* FROM privacy_requests WHERE id = \$1`).
		WithArgs(reqID).
		WillReturnRows(requestRows(reqID, "access_policy", prdb.StatusPending))
	mock.ExpectExec(`UPDATE privacy_requests SET status = \$1`).
		WithArgs("approved", reqID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WithArgs(reqID, "admin", "approved", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Approve(ctx, reqID, "admin"))
	require.NoError(t, mock.ExpectationsWereMet())

	// The dispatch id is remembered so Cancel can revoke it.
	_, err = s.cache.Get(ctx, cache.DispatchKey(reqID))
	require.NoError(t, err)
}

func TestDenyRecordsAudit(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "pgx")

	s := testService(t, db)
	const reqID = "req-deny-0"
	mock.ExpectQuery(`SELECT \* FROM privacy_requests WHERE id = \$1`).
		WithArgs(reqID).
		WillReturnRows(requestRows(reqID, "access_policy", prdb.StatusPending))
	mock.ExpectExec(`UPDATE privacy_requests SET status = \$1`).
		WithArgs("denied", reqID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WithArgs(reqID, "admin", "denied", "duplicate of req-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Deny(ctx, reqID, "admin", "duplicate of req-1"))
	require.NoError(t, mock.ExpectationsWereMet())

	// Denied requests never reach the queue.
	_, err = s.cache.Get(ctx, cache.DispatchKey(reqID))
	require.YesError(t, err)
	require.True(t, errors.Is(err, cache.ErrNotFound))
}

func TestResumeSubmitsFromCheckpoint(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "pgx")

	s := testService(t, db)
	const reqID = "req-resume-1"
	require.NoError(t, s.cache.Set(ctx, cache.CheckpointKey(reqID), []byte(CheckpointAccess), 0))
	mock.ExpectQuery(`SELECT \* FROM privacy_requests WHERE id = \$1`).
		WithArgs(reqID).
		WillReturnRows(requestRows(reqID, "access_policy", prdb.StatusRequiresInput))

	require.NoError(t, s.Resume(ctx, reqID, nil))
	require.NoError(t, mock.ExpectationsWereMet())

	// The dispatch carries the recorded checkpoint so finished work is not
	// re-run.
	got := make(chan task.Dispatch, 1)
	iterCtx, cancel := context.WithCancel(ctx)
	go func() {
		_ = s.queue.Iterate(iterCtx, func(_ context.Context, d task.Dispatch) error {
			got <- d
			cancel()
			return nil
		})
	}()
	select {
	case d := <-got:
		require.Equal(t, reqID, d.RequestID)
		require.Equal(t, string(CheckpointAccess), d.Checkpoint)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch was not delivered")
	}
}

func TestResumeMergesDerivedIdentities(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "pgx")

	s := testService(t, db)
	const reqID = "req-resume-2"
	require.NoError(t, s.cache.Set(ctx, cache.IdentityKey(reqID, "email"), []byte("user@example.com"), 0))

	mock.ExpectQuery(`SELECT \* FROM privacy_requests WHERE id = \$1`).
		WithArgs(reqID).
		WillReturnRows(requestRows(reqID, "access_policy", prdb.StatusPaused))
	mock.ExpectQuery(`SELECT field_name, encrypted_value FROM provided_identities`).
		WithArgs(reqID).
		WillReturnRows(sqlmock.NewRows([]string{"field_name", "encrypted_value"}))
	// Only the new field is persisted; email is already known.
	mock.ExpectExec(`INSERT INTO provided_identities`).
		WithArgs(sqlmock.AnyArg(), reqID, "phone_number", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Resume(ctx, reqID, map[string]string{
		"phone_number": "+15550100",
		"email":        "attacker@example.com",
	}))
	require.NoError(t, mock.ExpectationsWereMet())

	phone, err := s.cache.Get(ctx, cache.IdentityKey(reqID, "phone_number"))
	require.NoError(t, err)
	require.Equal(t, "+15550100", string(phone))
	email, err := s.cache.Get(ctx, cache.IdentityKey(reqID, "email"))
	require.NoError(t, err)
	require.Equal(t, "user@example.com", string(email))

	// The dispatch went out.
	_, err = s.cache.Get(ctx, cache.DispatchKey(reqID))
	require.NoError(t, err)
}

func TestResumeRejectsUnpausedRequest(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "pgx")

	s := testService(t, db)
	const reqID = "req-resume-3"
	mock.ExpectQuery(`SELECT \* FROM privacy_requests WHERE id = \$1`).
		WithArgs(reqID).
		WillReturnRows(requestRows(reqID, "access_policy", prdb.StatusInProcessing))

	err = s.Resume(ctx, reqID, map[string]string{"phone_number": "+15550100"})
	require.YesError(t, err)
	var invalid *prdb.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	require.NoError(t, mock.ExpectationsWereMet())

	// Nothing was persisted for the rejected payload.
	_, err = s.cache.Get(ctx, cache.IdentityKey(reqID, "phone_number"))
	require.YesError(t, err)
	require.True(t, errors.Is(err, cache.ErrNotFound))
}

func TestDenyRejectsNonPending(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "pgx")

	s := testService(t, db)
	const reqID = "req-deny-1"
	mock.ExpectQuery(`SELECT \* FROM privacy_requests WHERE id = \$1`).
		WithArgs(reqID).
		WillReturnRows(requestRows(reqID, "access_policy", prdb.StatusComplete))

	err = s.Deny(ctx, reqID, "admin", "duplicate request")
	require.YesError(t, err)
	var invalid *prdb.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelWithoutDispatch(t *testing.T) {
	ctx := pctx.TestContext(t)
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "pgx")

	s := testService(t, db)
	const reqID = "req-cancel-1"
	mock.ExpectQuery(`SELECT \* FROM privacy_requests WHERE id = \$1`).
		WithArgs(reqID).
		WillReturnRows(requestRows(reqID, "access_policy", prdb.StatusPending))
	mock.ExpectExec(`UPDATE privacy_requests SET status = \$1`).
		WithArgs("canceled", reqID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO privacy_request_errors`).
		WithArgs(reqID, "canceled: subject withdrew").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Cancel(ctx, reqID, "subject withdrew"))
	require.NoError(t, mock.ExpectationsWereMet())
}
