package prdb

import (
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/ethyca/fides-engine/src/internal/pctx"
	"github.com/ethyca/fides-engine/src/internal/require"
)

func TestUpsertRequestTask(t *testing.T) {
	ctx := pctx.TestContext(t)
	db, mock := mockDB(t)

	mock.ExpectExec(`INSERT INTO request_tasks`).
		WithArgs(sqlmock.AnyArg(), "req-1", "db:customer", "access", "in_processing", []byte(`["db:visit"]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := UpsertRequestTask(ctx, db, UpsertTaskRequest{
		RequestID:         "req-1",
		CollectionAddress: "db:customer",
		Action:            "access",
		Status:            LogInProcessing,
		Upstream:          []string{"db:visit"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRequestTasksDecodesUpstream(t *testing.T) {
	ctx := pctx.TestContext(t)
	db, mock := mockDB(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM request_tasks WHERE privacy_request_id = \$1 ORDER BY collection_address ASC, action_type ASC`).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "privacy_request_id", "collection_address", "action_type", "status", "upstream", "created_at", "updated_at"}).
			AddRow("t1", "req-1", "db:customer", "access", "complete", []byte(`["db:visit"]`), now, now).
			AddRow("t2", "req-1", "db:visit", "access", "complete", nil, now, now))

	tasks, err := ListRequestTasks(ctx, db, "req-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "db:customer", tasks[0].CollectionAddress)
	require.Equal(t, LogComplete, tasks[0].Status)
	require.ElementsEqual(t, []string{"db:visit"}, tasks[0].Upstream)
	require.Len(t, tasks[1].Upstream, 0)
}
