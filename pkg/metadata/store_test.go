package metadata

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lqt0707/monitor-sub002/internal/apperrors"
	"github.com/lqt0707/monitor-sub002/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "mysql")), mock
}

func TestInsertErrorLog_ReturnsNewID(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO error_logs").
		WillReturnResult(sqlmock.NewResult(42, 1))

	log := &models.ErrorLog{ProjectID: "p1", Type: models.ErrorTypeJS, ErrorHash: "h", ErrorMessage: "boom", CreatedAt: time.Now()}
	id, err := store.InsertErrorLog(context.Background(), log)

	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAggregation_NonNoRowsReadErrorIsInternal(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM error_aggregations WHERE project_id = \\? AND error_hash = \\? FOR UPDATE").
		WillReturnError(errors.New("sql: no rows in result set"))
	mock.ExpectRollback()

	log := models.ErrorLog{ProjectID: "p1", ErrorHash: "h", Type: models.ErrorTypeJS, ErrorMessage: "x", CreatedAt: time.Now()}
	_, err := store.UpsertAggregation(context.Background(), log, 5)

	// A read error that merely looks like sql.ErrNoRows is not that
	// sentinel, so it is wrapped as an internal error rather than treated
	// as an absent row.
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
}

func TestUpsertAggregation_FirstInsertRecordsReportingUser(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM error_aggregations WHERE project_id = \\? AND error_hash = \\? FOR UPDATE").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO error_aggregations").
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("INSERT IGNORE INTO error_aggregation_users \\(aggregation_id, user_id\\) VALUES \\(\\?, \\?\\)").
		WithArgs(int64(7), "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	userID := "u1"
	log := models.ErrorLog{ProjectID: "p1", ErrorHash: "h", Type: models.ErrorTypeJS, ErrorMessage: "x", UserID: &userID, CreatedAt: time.Now()}
	res, err := store.UpsertAggregation(context.Background(), log, 5)

	require.NoError(t, err)
	assert.Equal(t, int64(7), res.AggregationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAggregation_SecondReportFromNewUserRecomputesAffectedUsers(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"id", "project_id", "error_hash", "occurrence_count", "affected_users"}).
		AddRow(7, "p1", "h", 1, 1)
	mock.ExpectQuery("SELECT \\* FROM error_aggregations WHERE project_id = \\? AND error_hash = \\? FOR UPDATE").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE error_aggregations SET last_seen = \\?, occurrence_count = occurrence_count \\+ 1 WHERE id = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT IGNORE INTO error_aggregation_users \\(aggregation_id, user_id\\) VALUES \\(\\?, \\?\\)").
		WithArgs(int64(7), "u2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE error_aggregations SET affected_users = \\(SELECT COUNT\\(\\*\\) FROM error_aggregation_users WHERE aggregation_id = \\?\\) WHERE id = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	userID := "u2"
	log := models.ErrorLog{ProjectID: "p1", ErrorHash: "h", Type: models.ErrorTypeJS, ErrorMessage: "x", UserID: &userID, CreatedAt: time.Now()}
	res, err := store.UpsertAggregation(context.Background(), log, 5)

	require.NoError(t, err)
	assert.Equal(t, int64(7), res.AggregationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetAggregationStatus_RejectsInvalidTransition(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"status"}).AddRow(int(models.StatusResolved))
	mock.ExpectQuery("SELECT status FROM error_aggregations WHERE id = \\?").WillReturnRows(rows)

	err := store.SetAggregationStatus(context.Background(), 1, models.StatusIgnored)

	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetAggregationStatus_AllowsOpenToResolved(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"status"}).AddRow(int(models.StatusOpen))
	mock.ExpectQuery("SELECT status FROM error_aggregations WHERE id = \\?").WillReturnRows(rows)
	mock.ExpectExec("UPDATE error_aggregations SET status = \\? WHERE id = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SetAggregationStatus(context.Background(), 1, models.StatusResolved)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLock_ReturnsUnavailableWhenBusy(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"GET_LOCK(?, ?)"}).AddRow(0)
	mock.ExpectQuery("SELECT GET_LOCK\\(\\?, \\?\\)").WillReturnRows(rows)

	_, err := store.Lock(context.Background(), 1, time.Second)

	require.Error(t, err)
	assert.Equal(t, apperrors.KindUnavailable, apperrors.KindOf(err))
}

func TestLock_SucceedsAndReleaseDoesNotPanic(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"GET_LOCK(?, ?)"}).AddRow(1)
	mock.ExpectQuery("SELECT GET_LOCK\\(\\?, \\?\\)").WillReturnRows(rows)
	mock.ExpectExec("SELECT RELEASE_LOCK\\(\\?\\)").WillReturnResult(sqlmock.NewResult(0, 0))

	release, err := store.Lock(context.Background(), 1, time.Second)
	require.NoError(t, err)
	release()
}

func TestListProjectIDs_ReturnsEveryProject(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"project_id"}).AddRow("p1").AddRow("p2")
	mock.ExpectQuery("SELECT project_id FROM projects").WillReturnRows(rows)

	ids, err := store.ListProjectIDs(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, ids)
}

func TestDataRetentionDays_ReturnsNotFoundForUnknownProject(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT data_retention_days FROM projects WHERE project_id = \\?").
		WillReturnError(sql.ErrNoRows)

	_, err := store.DataRetentionDays(context.Background(), "missing")

	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestListAggregations_FiltersByStatusAndPages(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM error_aggregations WHERE project_id = \\? AND status = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT \\* FROM error_aggregations WHERE project_id = \\? AND status = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "error_hash", "status"}).
			AddRow(1, "p1", "h1", int(models.StatusOpen)))

	status := models.StatusOpen
	aggs, total, err := store.ListAggregations(context.Background(), "p1", &status, 1, 20)

	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, aggs, 1)
	assert.Equal(t, "h1", aggs[0].ErrorHash)
}

func TestUpdateProject_NotFoundWhenNoRowsAffected(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE projects SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateProject(context.Background(), models.Project{ProjectID: "missing"})

	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestInsertErrorLogBatch_AssignsOneIDPerRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO error_logs").WillReturnResult(sqlmock.NewResult(10, 1))
	mock.ExpectExec("INSERT INTO error_logs").WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectCommit()

	logs := []models.ErrorLog{
		{ProjectID: "p1", Type: models.ErrorTypeJS, ErrorHash: "h1", ErrorMessage: "a", CreatedAt: time.Now()},
		{ProjectID: "p1", Type: models.ErrorTypeJS, ErrorHash: "h2", ErrorMessage: "b", CreatedAt: time.Now()},
	}
	ids, err := store.InsertErrorLogBatch(context.Background(), logs)

	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertErrorLogBatch_EmptyInputIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	ids, err := store.InsertErrorLogBatch(context.Background(), nil)

	require.NoError(t, err)
	assert.Nil(t, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetErrorLog_NotFoundForMissingID(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT \\* FROM error_logs WHERE id = \\?").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetErrorLog(context.Background(), 999)

	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestListErrorLogs_FiltersByTypeAndPages(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM error_logs WHERE project_id = \\? AND type = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT \\* FROM error_logs WHERE project_id = \\? AND type = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "error_hash", "error_message"}).
			AddRow(1, "p1", "h1", "boom"))

	errType := models.ErrorTypeJS
	logs, total, err := store.ListErrorLogs(context.Background(), ErrorLogFilter{ProjectID: "p1", Type: &errType}, 1, 20)

	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, "h1", logs[0].ErrorHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAggregationFields_RejectsInvalidStatusTransition(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"status"}).AddRow(int(models.StatusResolved))
	mock.ExpectQuery("SELECT status FROM error_aggregations WHERE id = \\?").WillReturnRows(rows)

	status := models.StatusIgnored
	err := store.UpdateAggregationFields(context.Background(), 1, AggregationUpdate{Status: &status})

	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAggregationFields_AppliesNotesWithoutStatusCheck(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE error_aggregations SET notes = \\? WHERE id = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))

	notes := "investigating"
	err := store.UpdateAggregationFields(context.Background(), 1, AggregationUpdate{Notes: &notes})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAggregation_NotFoundWhenNoRowsAffected(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM error_aggregations WHERE id = \\?").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeleteAggregation(context.Background(), 1)

	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAggregation_SucceedsWhenRowRemoved(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM error_aggregations WHERE id = \\?").WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.DeleteAggregation(context.Background(), 1)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
