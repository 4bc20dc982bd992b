package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/loghaul/loghaul/pkg/model"
)

func testPoolConfig() PoolConfig {
	return PoolConfig{
		Size:              2,
		Overflow:          1,
		AcquireTimeout:    time.Second,
		RecycleAfter:      time.Hour,
		LeakThresholds:    []time.Duration{time.Minute},
		LeakCheckInterval: time.Hour,
	}
}

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)

	s := NewWithDB(sqlx.NewDb(db, "pgx"), Config{Pool: testPoolConfig()}, log.NewNopLogger(), prometheus.NewRegistry())
	t.Cleanup(func() { _ = s.Close() })
	return s, mock
}

func storedRecord(ingestID, device string) *model.LogRecord {
	return &model.LogRecord{
		IngestID:  ingestID,
		DeviceID:  device,
		Level:     model.LevelInfo,
		Message:   "hello",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:      json.RawMessage(`{"k": 1}`),
	}
}

func TestBatchInsert(t *testing.T) {
	s, mock := setupStore(t)

	recs := []*model.LogRecord{
		storedRecord("1-0", "sensor-1"),
		storedRecord("2-0", "sensor-2"),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO device_logs (ingest_id, device_id, log_level, message, log_data, ts) VALUES ($1, $2, $3, $4, $5, $6), ($7, $8, $9, $10, $11, $12) ON CONFLICT (ingest_id) DO NOTHING").
		WithArgs(
			"1-0", "sensor-1", "INFO", "hello", []byte(`{"k": 1}`), recs[0].Timestamp,
			"2-0", "sensor-2", "INFO", "hello", []byte(`{"k": 1}`), recs[1].Timestamp,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	inserted, err := s.BatchInsert(context.Background(), recs)
	require.NoError(t, err)
	require.Equal(t, int64(2), inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchInsertSkipsDuplicates(t *testing.T) {
	s, mock := setupStore(t)

	recs := []*model.LogRecord{
		storedRecord("1-0", "sensor-1"),
		storedRecord("1-0", "sensor-1"),
	}

	mock.ExpectBegin()
	// The conflict clause drops the replayed row; RowsAffected reports one.
	mock.ExpectExec("INSERT INTO device_logs (ingest_id, device_id, log_level, message, log_data, ts) VALUES ($1, $2, $3, $4, $5, $6), ($7, $8, $9, $10, $11, $12) ON CONFLICT (ingest_id) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inserted, err := s.BatchInsert(context.Background(), recs)
	require.NoError(t, err)
	require.Equal(t, int64(1), inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchInsertRollsBackOnError(t *testing.T) {
	s, mock := setupStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO device_logs (ingest_id, device_id, log_level, message, log_data, ts) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (ingest_id) DO NOTHING").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.BatchInsert(context.Background(), []*model.LogRecord{storedRecord("1-0", "sensor-1")})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchInsertEmpty(t *testing.T) {
	s, mock := setupStore(t)

	inserted, err := s.BatchInsert(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOne(t *testing.T) {
	s, mock := setupStore(t)

	rec := storedRecord("1-0", "sensor-1")
	rec.Data = nil

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO device_logs (ingest_id, device_id, log_level, message, log_data, ts) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (ingest_id) DO NOTHING").
		WithArgs("1-0", "sensor-1", "INFO", "hello", nil, rec.Timestamp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.InsertOne(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryRecent(t *testing.T) {
	s, mock := setupStore(t)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT ingest_id, device_id, log_level, message, log_data, ts FROM device_logs WHERE device_id = $1 ORDER BY ts DESC LIMIT $2").
		WithArgs("sensor-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"ingest_id", "device_id", "log_level", "message", "log_data", "ts"}).
			AddRow("2-0", "sensor-1", "ERROR", "newest", []byte(`{"k": 2}`), ts.Add(time.Minute)).
			AddRow("1-0", "sensor-1", "INFO", "older", nil, ts))
	mock.ExpectCommit()

	recs, err := s.QueryRecent(context.Background(), "sensor-1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "newest", recs[0].Message)
	require.Equal(t, model.LevelError, recs[0].Level)
	require.Equal(t, "older", recs[1].Message)
	require.Empty(t, recs[1].Data)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryRecentZeroLimit(t *testing.T) {
	s, mock := setupStore(t)

	recs, err := s.QueryRecent(context.Background(), "sensor-1", 0)
	require.NoError(t, err)
	require.Nil(t, recs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	s, mock := setupStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT(*) FROM device_logs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))
	mock.ExpectCommit()

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByDevice(t *testing.T) {
	s, mock := setupStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT device_id, COUNT(*) AS count FROM device_logs GROUP BY device_id").
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "count"}).
			AddRow("sensor-1", 40).
			AddRow("sensor-2", 2))
	mock.ExpectCommit()

	counts, err := s.CountByDevice(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"sensor-1": 40, "sensor-2": 2}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByLevel(t *testing.T) {
	s, mock := setupStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT log_level, COUNT(*) AS count FROM device_logs GROUP BY log_level").
		WillReturnRows(sqlmock.NewRows([]string{"log_level", "count"}).
			AddRow("INFO", 30).
			AddRow("ERROR", 12))
	mock.ExpectCommit()

	counts, err := s.CountByLevel(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"INFO": 30, "ERROR": 12}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsPermanentRecordError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("connection reset"), false},
		{"not null violation", &pgconn.PgError{Code: "23502"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"invalid text representation", &pgconn.PgError{Code: "22P02"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, false},
		{"wrapped constraint violation", errors.Wrap(&pgconn.PgError{Code: "23502"}, "insert"), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsPermanentRecordError(tc.err))
		})
	}
}
