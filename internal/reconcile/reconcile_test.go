package reconcile

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/rank-sync/internal/db"
	"github.com/sells-group/rank-sync/pkg/ranktracker"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func upsertSQL(t *testing.T, cfg db.UpsertConfig) string {
	t.Helper()
	sql, err := db.UpsertSQL(cfg)
	require.NoError(t, err)
	return regexp.QuoteMeta(sql)
}

func TestUpsertProject(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(upsertSQL(t, projectUpsert)).
		WithArgs(int64(10), "Acme", 42).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	r := NewPostgresReconciler(mock, 0)
	err := r.UpsertProject(context.Background(), ranktracker.Project{ID: 10, Name: "Acme", KeywordCount: 42})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProject_FallsBackToTitle(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(upsertSQL(t, projectUpsert)).
		WithArgs(int64(10), "acme.com", 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	r := NewPostgresReconciler(mock, 0)
	require.NoError(t, r.UpsertProject(context.Background(), ranktracker.Project{ID: 10, Title: "acme.com"}))
}

func TestUpsertProject_Error(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("INSERT INTO").
		WithArgs(int64(10), "Acme", 0).
		WillReturnError(errors.New("constraint"))

	r := NewPostgresReconciler(mock, 0)
	err := r.UpsertProject(context.Background(), ranktracker.Project{ID: 10, Name: "Acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert project 10")
}

func TestUpsertProjectStats(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(upsertSQL(t, statsUpsert)).
		WithArgs(int64(10), 4.5, 5.0, 3, 1, 2, 6, 9, 12.5, 0.4).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	r := NewPostgresReconciler(mock, 0)
	err := r.UpsertProjectStats(context.Background(), 10, ranktracker.ProjectStats{
		TodayAvg: 4.5, YesterdayAvg: 5.0, TotalUp: 3, TotalDown: 1,
		Top5: 2, Top10: 6, Top30: 9, Visibility: 12.5, VisibilityPercent: 0.4,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSearchEngines(t *testing.T) {
	mock := newMock(t)
	sql := upsertSQL(t, engineUpsert)
	mock.ExpectExec(sql).
		WithArgs(int64(100), int64(10), int64(200), "Google US", "google.com").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(sql).
		WithArgs(int64(101), int64(10), int64(201), "Bing", "bing.com").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	r := NewPostgresReconciler(mock, 0)
	n, err := r.UpsertSearchEngines(context.Background(), 10, []ranktracker.SearchEngine{
		{SiteEngineID: 100, SearchEngineID: 200, Name: "Google US", URL: "google.com"},
		{SiteEngineID: 101, SearchEngineID: 201, Name: "Bing", URL: "bing.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSearchEngines_StopsAtFirstError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("INSERT INTO").
		WithArgs(int64(100), int64(10), int64(200), "Google US", "").
		WillReturnError(errors.New("boom"))

	r := NewPostgresReconciler(mock, 0)
	n, err := r.UpsertSearchEngines(context.Background(), 10, []ranktracker.SearchEngine{
		{SiteEngineID: 100, SearchEngineID: 200, Name: "Google US"},
		{SiteEngineID: 101, SearchEngineID: 201, Name: "Bing"},
	})
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Contains(t, err.Error(), "upsert engine 100 for project 10")
	assert.NoError(t, mock.ExpectationsWereMet())
}
