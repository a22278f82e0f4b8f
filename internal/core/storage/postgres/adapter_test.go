package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/genesync-lab/genesync/internal/core/series"
	"github.com/genesync-lab/genesync/internal/core/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var elecConsumption = series.ID{Fuel: series.FuelElectricity, Metric: series.MetricConsumption}

func newMockAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectPrepare(regexp.QuoteMeta(queryLastPoint))
	mock.ExpectPrepare(regexp.QuoteMeta(queryPointCount))

	adapter, err := NewAdapterWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return adapter, mock
}

func TestAdapter_LastPointEmptySeries(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryLastPoint)).
		WithArgs("electricity", "consumption").
		WillReturnRows(sqlmock.NewRows([]string{"period_start", "period_delta", "cumulative_sum"}))

	tail, err := adapter.LastPoint(context.Background(), elecConsumption)
	require.NoError(t, err)
	require.Nil(t, tail)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_LastPointReturnsTail(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(queryLastPoint)).
		WithArgs("electricity", "consumption").
		WillReturnRows(sqlmock.NewRows([]string{"period_start", "period_delta", "cumulative_sum"}).
			AddRow(start, "1.5", "500"))

	tail, err := adapter.LastPoint(context.Background(), elecConsumption)
	require.NoError(t, err)
	require.NotNil(t, tail)
	require.Equal(t, start, tail.PeriodStart)
	require.True(t, tail.Sum.Equal(decimal.NewFromInt(500)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_AppendPointsSingleTransaction(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	points := []series.StatisticPoint{
		{PeriodStart: start, Delta: decimal.NewFromInt(1), Sum: decimal.NewFromInt(501)},
		{PeriodStart: start.Add(time.Hour), Delta: decimal.NewFromInt(2), Sum: decimal.NewFromInt(503)},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryTailForUpdate)).
		WithArgs("electricity", "consumption").
		WillReturnRows(sqlmock.NewRows([]string{"period_start"}).AddRow(start.Add(-time.Hour)))
	mock.ExpectPrepare(regexp.QuoteMeta(queryAppendPoint))
	mock.ExpectExec(regexp.QuoteMeta(queryAppendPoint)).
		WithArgs("electricity", "consumption", points[0].PeriodStart, points[0].Delta, points[0].Sum).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryAppendPoint)).
		WithArgs("electricity", "consumption", points[1].PeriodStart, points[1].Delta, points[1].Sum).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := adapter.AppendPoints(context.Background(), elecConsumption, points)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_AppendPointsRejectsMovedTail(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	points := []series.StatisticPoint{
		{PeriodStart: start, Delta: decimal.NewFromInt(1), Sum: decimal.NewFromInt(501)},
	}

	// The tail advanced past the batch between read and write: abort, no insert.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryTailForUpdate)).
		WithArgs("electricity", "consumption").
		WillReturnRows(sqlmock.NewRows([]string{"period_start"}).AddRow(start.Add(time.Hour)))
	mock.ExpectRollback()

	err := adapter.AppendPoints(context.Background(), elecConsumption, points)
	require.ErrorIs(t, err, storage.ErrOutOfOrder)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_AppendPointsEmptyBatchIsNoOp(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	err := adapter.AppendPoints(context.Background(), elecConsumption, nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_PointCount(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryPointCount)).
		WithArgs("electricity", "consumption").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	n, err := adapter.PointCount(context.Background(), elecConsumption)
	require.NoError(t, err)
	require.Equal(t, int64(42), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
