package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loghaul/loghaul/pkg/model"

	// Postgres driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

const insertColumns = "ingest_id, device_id, log_level, message, log_data, ts"

// Store is the persistent log store adapter. Every operation runs inside an
// explicit transaction bounded to a single pooled session; on error the
// transaction rolls back before the session is released.
type Store struct {
	db      *sqlx.DB
	pool    *Pool
	logger  log.Logger
	metrics *storeMetrics
}

// New connects to Postgres and verifies the connection before building the
// session pool.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "opening store")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "pinging store")
	}

	return NewWithDB(db, cfg, logger, reg), nil
}

// NewWithDB builds a store over an existing handle. Used by tests.
func NewWithDB(db *sqlx.DB, cfg Config, logger log.Logger, reg prometheus.Registerer) *Store {
	metrics := newStoreMetrics(reg)
	return &Store{
		db:      db,
		pool:    NewPool(db, cfg.Pool, logger, metrics.pool),
		logger:  logger,
		metrics: metrics,
	}
}

func (s *Store) Close() error {
	s.pool.Close()
	return s.db.Close()
}

// Ping probes the store with a trivial round-trip.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Pool exposes the session pool, mainly for tests and health detail.
func (s *Store) Pool() *Pool {
	return s.pool
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	sess, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	err = func() error {
		tx, err := sess.conn.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "beginning transaction")
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return errors.Wrap(tx.Commit(), "committing transaction")
	}()

	s.metrics.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	s.pool.Release(sess, err)
	return err
}

// BatchInsert persists all records in a single transaction, preserving the
// given order. Rows whose ingest_id already exists are skipped by the
// conflict clause, which is what makes at-least-once delivery safe to
// replay. Returns the number of rows actually inserted.
func (s *Store) BatchInsert(ctx context.Context, recs []*model.LogRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO device_logs (" + insertColumns + ") VALUES ")
	args := make([]interface{}, 0, len(recs)*6)
	for i, rec := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, rec.IngestID, rec.DeviceID, string(rec.Level), rec.Message, nullableJSON(rec.Data), rec.Timestamp)
	}
	sb.WriteString(" ON CONFLICT (ingest_id) DO NOTHING")

	var inserted int64
	err := s.inTx(ctx, "batch_insert", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return errors.Wrap(err, "batch insert")
		}
		inserted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	s.metrics.inserts.WithLabelValues("inserted").Add(float64(inserted))
	if dup := int64(len(recs)) - inserted; dup > 0 {
		s.metrics.inserts.WithLabelValues("duplicate").Add(float64(dup))
	}
	return inserted, nil
}

// InsertOne persists a single record in its own transaction. This is the
// quarantine fallback path used when a batch keeps failing.
func (s *Store) InsertOne(ctx context.Context, rec *model.LogRecord) error {
	return s.inTx(ctx, "insert_one", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO device_logs ("+insertColumns+") VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (ingest_id) DO NOTHING",
			rec.IngestID, rec.DeviceID, string(rec.Level), rec.Message, nullableJSON(rec.Data), rec.Timestamp)
		return errors.Wrap(err, "insert")
	})
}

// QueryRecent returns up to limit records for a device, newest first, using
// the (device_id, ts desc) index. A limit of zero returns nothing.
func (s *Store) QueryRecent(ctx context.Context, deviceID string, limit int) ([]model.LogRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	var recs []model.LogRecord
	err := s.inTx(ctx, "query_recent", func(tx *sqlx.Tx) error {
		return errors.Wrap(tx.SelectContext(ctx, &recs,
			"SELECT "+insertColumns+" FROM device_logs WHERE device_id = $1 ORDER BY ts DESC LIMIT $2",
			deviceID, limit), "querying recent records")
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Count returns the total number of persisted records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.inTx(ctx, "count", func(tx *sqlx.Tx) error {
		return errors.Wrap(tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM device_logs"), "counting records")
	})
	return n, err
}

// CountByDevice returns per-device record counts.
func (s *Store) CountByDevice(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		DeviceID string `db:"device_id"`
		Count    int64  `db:"count"`
	}
	err := s.inTx(ctx, "count_by_device", func(tx *sqlx.Tx) error {
		return errors.Wrap(tx.SelectContext(ctx, &rows,
			"SELECT device_id, COUNT(*) AS count FROM device_logs GROUP BY device_id"), "counting by device")
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.DeviceID] = r.Count
	}
	return out, nil
}

// CountByLevel returns per-level record counts.
func (s *Store) CountByLevel(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Level string `db:"log_level"`
		Count int64  `db:"count"`
	}
	err := s.inTx(ctx, "count_by_level", func(tx *sqlx.Tx) error {
		return errors.Wrap(tx.SelectContext(ctx, &rows,
			"SELECT log_level, COUNT(*) AS count FROM device_logs GROUP BY log_level"), "counting by level")
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Level] = r.Count
	}
	return out, nil
}

// EnsureSchema creates the table and indexes if absent. Dev and test
// bootstrap; production deployments migrate externally.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.inTx(ctx, "ensure_schema", func(tx *sqlx.Tx) error {
		for _, stmt := range []string{
			`CREATE TABLE IF NOT EXISTS device_logs (
				id BIGSERIAL PRIMARY KEY,
				ingest_id TEXT NOT NULL,
				device_id TEXT NOT NULL,
				log_level TEXT NOT NULL,
				message TEXT NOT NULL,
				log_data JSONB,
				ts TIMESTAMPTZ NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS device_logs_ingest_id_idx ON device_logs (ingest_id)`,
			`CREATE INDEX IF NOT EXISTS device_logs_device_ts_idx ON device_logs (device_id, ts DESC)`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return errors.Wrap(err, "ensuring schema")
			}
		}
		return nil
	})
}

// IsPermanentRecordError reports whether the error means the record itself
// can never persist (constraint or encoding violation) as opposed to a
// transient backend failure. Permanent errors drive quarantine; everything
// else drives retry.
func IsPermanentRecordError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 22: data exceptions. Class 23: integrity constraints.
		return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
	}
	return false
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
