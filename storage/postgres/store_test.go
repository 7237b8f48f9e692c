package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upcoach/deltasync"
	syncerrors "github.com/upcoach/deltasync/errors"
)

func newMockAdapter(t *testing.T) (*entityAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &entityAdapter{db: db, table: "goals"}, mock
}

func entityColumns() []string {
	return []string{"id", "user_id", "version", "data", "updated_at", "deleted_at"}
}

func TestFindChangedSinceWithoutAfterID(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, user_id, version, data, updated_at, deleted_at FROM goals\s+WHERE user_id = \$1 AND updated_at >= \$2\s+ORDER BY updated_at ASC, id ASC LIMIT \$3`).
		WithArgs("user-1", at, 11).
		WillReturnRows(sqlmock.NewRows(entityColumns()).
			AddRow("goal-1", "user-1", 1, `{"title":"a"}`, at, nil).
			AddRow("goal-2", "user-1", 3, nil, at.Add(time.Second), at.Add(time.Second)))

	rows, err := adapter.FindChangedSince(context.Background(), "user-1", at, "", 11)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "goal-1", rows[0].ID)
	assert.JSONEq(t, `{"title":"a"}`, string(rows[0].Payload))
	assert.True(t, rows[1].Deleted())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindChangedSinceWithAfterID(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE user_id = \$1 AND \(updated_at > \$2 OR \(updated_at = \$2 AND id > \$3\)\)`).
		WithArgs("user-1", at, "goal-5", 10).
		WillReturnRows(sqlmock.NewRows(entityColumns()))

	rows, err := adapter.FindChangedSince(context.Background(), "user-1", at, "goal-5", 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOneNoRows(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(`SELECT id, user_id, version, data, updated_at, deleted_at FROM goals\s+WHERE user_id = \$1 AND id = \$2`).
		WithArgs("user-1", "missing").
		WillReturnError(sql.ErrNoRows)

	row, err := adapter.FindOne(context.Background(), "user-1", "missing")
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO goals \(id, user_id, version, data, updated_at, deleted_at\)`).
		WithArgs("goal-1", "user-1", int64(1), `{"title":"a"}`, at, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := adapter.Create(context.Background(), deltasync.Entity{
		ID:        "goal-1",
		UserID:    "user-1",
		Version:   1,
		Payload:   json.RawMessage(`{"title":"a"}`),
		UpdatedAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateGuardedWrite(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	existing := deltasync.Entity{
		ID: "goal-1", UserID: "user-1", Version: 2,
		Payload: json.RawMessage(`{"title":"a"}`), UpdatedAt: at,
	}

	mock.ExpectExec(`UPDATE goals SET version = \$1, data = \$2, updated_at = \$3, deleted_at = \$4\s+WHERE user_id = \$5 AND id = \$6 AND version = \$7`).
		WithArgs(int64(3), `{"title":"b"}`, at.Add(time.Minute), nil, "user-1", "goal-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := adapter.Update(context.Background(), existing, deltasync.Patch{
		Data:      json.RawMessage(`{"title":"b"}`),
		Version:   3,
		UpdatedAt: at.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStaleReadFails(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE goals SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := adapter.Update(context.Background(), deltasync.Entity{
		ID: "goal-1", UserID: "user-1", Version: 2, UpdatedAt: at,
	}, deltasync.Patch{Version: 3, UpdatedAt: at})
	require.Error(t, err)
	assert.True(t, syncerrors.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM goals WHERE user_id = \$1`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := adapter.Count(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMostRecentUpdateEmpty(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(`SELECT updated_at FROM goals WHERE user_id = \$1\s+ORDER BY updated_at DESC LIMIT 1`).
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)

	latest, err := adapter.MostRecentUpdate(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapterRejectsBadTableName(t *testing.T) {
	s := &Store{}
	_, err := s.Adapter("goals; DROP TABLE goals")
	assert.Error(t, err)
}
