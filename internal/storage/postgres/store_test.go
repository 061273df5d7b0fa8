package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/n3flow/platform/internal/dag"
	"github.com/n3flow/platform/internal/storage"
	"github.com/n3flow/platform/pkg/value"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestFindFlowMapsNoRowsToNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, name, description, owner_id, deleted_at, created_at, updated_at").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.FindFlow(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateFlowPropagatesExecError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO flows").WillReturnError(sql.ErrConnDone)

	err := store.CreateFlow(context.Background(), &storage.Flow{Name: "demo", OwnerID: "u1"})
	require.ErrorIs(t, err, sql.ErrConnDone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScheduleReturnsNotFoundWhenNoRowsAffected(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE schedules").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateSchedule(context.Background(), &storage.Schedule{ID: "sc-1", CronExpr: "* * * * *"})
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestStoreIntegration exercises the full Store against a live PostgreSQL
// instance named by TEST_POSTGRES_DSN. It is skipped by default, the same
// way the teacher pack's own postgres integration tests are.
func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	store, err := Open(ctx, dsn, 4, 2, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.root.Close() })

	flow := &storage.Flow{Name: "integration-flow", OwnerID: "owner-1"}
	require.NoError(t, store.CreateFlow(ctx, flow))

	version := &storage.FlowVersion{
		FlowID: flow.ID,
		Version: 1,
		Definition: dag.Definition{
			Nodes: []dag.Node{{ID: "start", Type: dag.TypeTrigger}},
		},
		Settings: value.Map(nil),
	}
	require.NoError(t, store.CreateFlowVersion(ctx, version))
	require.NoError(t, store.PublishFlowVersion(ctx, version.ID))

	published, err := store.FindPublishedVersion(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, version.ID, published.ID)

	sc := &storage.Schedule{
		FlowID:        flow.ID,
		FlowVersionID: version.ID,
		CronExpr:      "0 * * * *",
		Timezone:      "UTC",
		Active:        true,
	}
	require.NoError(t, store.CreateSchedule(ctx, sc))

	active, err := store.ListActiveSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	exec := &storage.Execution{
		FlowVersionID:  version.ID,
		Status:         "running",
		TriggerContext: value.Map(map[string]value.Value{"scheduleId": value.String(sc.ID)}),
		Output:         value.Null(),
	}
	require.NoError(t, store.CreateExecution(ctx, exec))

	exec.Status = "succeeded"
	exec.CompletedAt = time.Now().UTC()
	require.NoError(t, store.UpdateExecution(ctx, exec))

	reloaded, err := store.FindExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, "succeeded", reloaded.Status)
}
