package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/loghaul/loghaul/pkg/model"
)

func testConfig(addr string) Config {
	return Config{
		Endpoint:         addr,
		StreamName:       "logs:stream",
		GroupName:        "log_workers",
		DeadLetterStream: "logs:deadletter",
		AppendRetries:    2,
		AppendBackoff:    time.Millisecond,
		CacheQueryTTL:    5 * time.Minute,
		CacheStatsTTL:    time.Minute,
	}
}

func setupQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	m := miniredis.RunT(t)
	q := New(testConfig(m.Addr()), log.NewNopLogger(), prometheus.NewRegistry())
	t.Cleanup(func() { _ = q.Close() })
	return q, m
}

func testRecord(device string) *model.LogRecord {
	return &model.LogRecord{
		DeviceID:  device,
		Level:     model.LevelInfo,
		Message:   "hello",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAppendReadAckLifecycle(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	id, err := q.Append(ctx, testRecord("sensor-1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, q.EnsureGroup(ctx))

	deliveries, err := q.ReadGroup(ctx, "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, id, deliveries[0].ID)

	rec, err := model.Unmarshal(deliveries[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "sensor-1", rec.DeviceID)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), pending.Total)

	require.NoError(t, q.Ack(ctx, id))

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), pending.Total)
}

func TestReadGroupZeroBlockReturnsImmediately(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx))

	type result struct {
		deliveries []Delivery
		err        error
	}
	resCh := make(chan result, 1)
	go func() {
		d, err := q.ReadGroup(ctx, "c1", 10, 0)
		resCh <- result{d, err}
	}()

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		require.Empty(t, res.deliveries)
	case <-time.After(5 * time.Second):
		t.Fatal("read with no block timeout did not return on an empty stream")
	}
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	var prev string
	for n := 0; n < 5; n++ {
		id, err := q.Append(ctx, testRecord("sensor-1"))
		require.NoError(t, err)
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestAppendBackendDown(t *testing.T) {
	m := miniredis.RunT(t)
	cfg := testConfig(m.Addr())
	q := New(cfg, log.NewNopLogger(), prometheus.NewRegistry())
	t.Cleanup(func() { _ = q.Close() })

	m.Close()

	_, err := q.Append(context.Background(), testRecord("sensor-1"))
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestAppendBatch(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	recs := []*model.LogRecord{
		testRecord("sensor-1"),
		testRecord("sensor-2"),
		testRecord("sensor-3"),
	}

	outcomes, err := q.AppendBatch(ctx, recs)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, out := range outcomes {
		require.NoError(t, out.Err)
		require.NotEmpty(t, out.IngestID)
	}

	n, err := q.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestAppendBatchBackendDown(t *testing.T) {
	m := miniredis.RunT(t)
	q := New(testConfig(m.Addr()), log.NewNopLogger(), prometheus.NewRegistry())
	t.Cleanup(func() { _ = q.Close() })

	m.Close()

	_, err := q.AppendBatch(context.Background(), []*model.LogRecord{testRecord("sensor-1")})
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestEnsureGroupIdempotent(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx))
	require.NoError(t, q.EnsureGroup(ctx))
}

func TestReadOwnPending(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	id, err := q.Append(ctx, testRecord("sensor-1"))
	require.NoError(t, err)
	require.NoError(t, q.EnsureGroup(ctx))

	// Deliver to c1 without acking, then simulate its restart.
	deliveries, err := q.ReadGroup(ctx, "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	replayed, err := q.ReadOwnPending(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	require.Equal(t, id, replayed[0].ID)

	// Another consumer sees nothing: the entry is still owned by c1.
	other, err := q.ReadOwnPending(ctx, "c2", 10)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestClaimTransfersIdleEntries(t *testing.T) {
	q, m := setupQueue(t)
	ctx := context.Background()

	id, err := q.Append(ctx, testRecord("sensor-1"))
	require.NoError(t, err)
	require.NoError(t, q.EnsureGroup(ctx))

	_, err = q.ReadGroup(ctx, "dead-consumer", 10, 0)
	require.NoError(t, err)

	// Not yet idle long enough to claim.
	claimed, _, err := q.Claim(ctx, "sweeper", time.Minute, "0-0", 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	m.FastForward(2 * time.Minute)

	claimed, _, err = q.Claim(ctx, "sweeper", time.Minute, "0-0", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, id, claimed[0].ID)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), pending.Total)
	require.Len(t, pending.Consumers, 1)
	require.Equal(t, "sweeper", pending.Consumers[0].Consumer)
}

func TestClaimWithoutGroup(t *testing.T) {
	q, _ := setupQueue(t)

	claimed, next, err := q.Claim(context.Background(), "sweeper", time.Minute, "0-0", 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
	require.Equal(t, "0-0", next)
}

func TestAckUnknownIDIsNoop(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx))
	require.NoError(t, q.Ack(ctx, "1-1"))
	require.NoError(t, q.Ack(ctx))
}

func TestTrim(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	for n := 0; n < 5; n++ {
		_, err := q.Append(ctx, testRecord("sensor-1"))
		require.NoError(t, err)
	}

	require.NoError(t, q.Trim(ctx, 2))

	n, err := q.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestDeadLetter(t *testing.T) {
	q, m := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.DeadLetter(ctx, "1700000000000-0", []byte(`{"broken":`), "undecodable"))

	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	msgs, err := rdb.XRange(ctx, "logs:deadletter", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "1700000000000-0", msgs[0].Values["ingest_id"])
	require.Equal(t, "undecodable", msgs[0].Values["cause"])
	require.Equal(t, `{"broken":`, msgs[0].Values[payloadField])
}

func TestCacheRoundTrip(t *testing.T) {
	q, m := setupQueue(t)
	ctx := context.Background()

	require.Nil(t, q.CacheGet(ctx, "logs:sensor-1:100"))

	q.CacheSet(ctx, "logs:sensor-1:100", []byte(`[]`), time.Minute)
	require.Equal(t, []byte(`[]`), q.CacheGet(ctx, "logs:sensor-1:100"))
	require.Equal(t, time.Minute, m.TTL("logs:sensor-1:100"))

	q.CacheDel(ctx, "logs:sensor-1:100")
	require.Nil(t, q.CacheGet(ctx, "logs:sensor-1:100"))
}

func TestCacheFailsOpen(t *testing.T) {
	q, m := setupQueue(t)
	ctx := context.Background()

	m.Close()

	// No error surfaces; a cache outage only degrades reads.
	require.Nil(t, q.CacheGet(ctx, "logs:sensor-1:100"))
	q.CacheSet(ctx, "logs:sensor-1:100", []byte(`[]`), time.Minute)
}
