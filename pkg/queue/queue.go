package queue

import (
	"context"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loghaul/loghaul/pkg/model"
)

const payloadField = "payload"

// ErrBackendUnavailable is returned once a durable operation has exhausted
// its retry budget. The record was not enqueued and the caller may retry.
var ErrBackendUnavailable = errors.New("queue backend unavailable")

// Queue is the durable message queue adapter. Entries live on a single
// stream and are drained through one consumer group with explicit acks;
// the same client also serves the short-TTL cache namespace.
//
// Append, Ack and Claim are fail-closed. Cache operations are fail-open.
type Queue struct {
	cfg     Config
	rdb     *redis.Client
	logger  log.Logger
	metrics *queueMetrics
}

// Delivery is one stream entry assigned to a consumer and not yet acked.
type Delivery struct {
	ID      string
	Payload []byte
}

// AppendOutcome is the per-record result of a batched append.
type AppendOutcome struct {
	IngestID string
	Err      error
}

// ConsumerPending summarizes the pending entries owned by one consumer.
type ConsumerPending struct {
	Consumer string
	Count    int64
	MaxIdle  time.Duration
}

// PendingSummary is a point-in-time view of the group's pending entry list.
type PendingSummary struct {
	Total     int64
	Consumers []ConsumerPending
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer) *Queue {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Endpoint,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.MaxConns,
	})

	return &Queue{
		cfg:     cfg,
		rdb:     rdb,
		logger:  logger,
		metrics: newQueueMetrics(reg),
	}
}

func (q *Queue) Close() error {
	return q.rdb.Close()
}

// Ping probes the backend with a trivial round-trip.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *Queue) xaddArgs(stream string, payload []byte) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{payloadField: string(payload)},
	}
	if q.cfg.MaxStreamLen > 0 {
		args.MaxLen = q.cfg.MaxStreamLen
		args.Approx = true
	}
	return args
}

// Append durably enqueues one record and returns its ingest id, the
// monotonically increasing stream entry id. Transient failures are retried
// within the configured budget before ErrBackendUnavailable surfaces.
func (q *Queue) Append(ctx context.Context, rec *model.LogRecord) (string, error) {
	payload, err := rec.Marshal()
	if err != nil {
		return "", err
	}

	var id string
	retry := q.newRetry(ctx)
	for retry.Ongoing() {
		id, err = q.rdb.XAdd(ctx, q.xaddArgs(q.cfg.StreamName, payload)).Result()
		if err == nil {
			q.metrics.appends.WithLabelValues(outcomeSuccess).Inc()
			return id, nil
		}
		level.Warn(q.logger).Log("msg", "stream append failed, retrying", "err", err)
		retry.Wait()
	}

	q.metrics.appends.WithLabelValues(outcomeFailure).Inc()
	return "", errors.Wrapf(ErrBackendUnavailable, "append failed after %d attempts: %s", retry.NumRetries(), err)
}

// AppendBatch enqueues all records in a single pipelined round-trip and
// reports a per-record outcome. Partial success is possible: records whose
// command failed carry an error, the rest carry their assigned ingest id.
// Only a fully failed pipeline is retried.
func (q *Queue) AppendBatch(ctx context.Context, recs []*model.LogRecord) ([]AppendOutcome, error) {
	payloads := make([][]byte, len(recs))
	for i, rec := range recs {
		p, err := rec.Marshal()
		if err != nil {
			return nil, err
		}
		payloads[i] = p
	}

	outcomes := make([]AppendOutcome, len(recs))
	retry := q.newRetry(ctx)
	var lastErr error
	for retry.Ongoing() {
		pipe := q.rdb.Pipeline()
		cmds := make([]*redis.StringCmd, len(payloads))
		for i, p := range payloads {
			cmds[i] = pipe.XAdd(ctx, q.xaddArgs(q.cfg.StreamName, p))
		}
		_, execErr := pipe.Exec(ctx)

		anyOK := false
		for i, cmd := range cmds {
			id, err := cmd.Result()
			if err != nil {
				outcomes[i] = AppendOutcome{Err: err}
				q.metrics.appends.WithLabelValues(outcomeFailure).Inc()
				continue
			}
			anyOK = true
			outcomes[i] = AppendOutcome{IngestID: id}
			q.metrics.appends.WithLabelValues(outcomeSuccess).Inc()
		}
		if anyOK || execErr == nil {
			return outcomes, nil
		}

		lastErr = execErr
		level.Warn(q.logger).Log("msg", "pipelined append failed, retrying", "records", len(recs), "err", execErr)
		retry.Wait()
	}

	return nil, errors.Wrapf(ErrBackendUnavailable, "batch append failed after %d attempts: %s", retry.NumRetries(), lastErr)
}

// EnsureGroup idempotently creates the consumer group (and the stream when
// absent). A group that already exists is not an error.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.StreamName, q.cfg.GroupName, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return errors.Wrap(err, "creating consumer group")
	}
	return nil
}

// ReadGroup atomically assigns up to count undelivered entries to the given
// consumer, marking them pending until acked. Blocks up to block when the
// stream is idle; an expired block returns an empty slice.
func (q *Queue) ReadGroup(ctx context.Context, consumer string, count int, block time.Duration) ([]Delivery, error) {
	return q.readGroup(ctx, consumer, count, block, ">")
}

// ReadOwnPending re-delivers entries already pending for this consumer.
// Used at startup to replay work owned before a crash.
func (q *Queue) ReadOwnPending(ctx context.Context, consumer string, count int) ([]Delivery, error) {
	return q.readGroup(ctx, consumer, count, 0, "0")
}

func (q *Queue) readGroup(ctx context.Context, consumer string, count int, block time.Duration, cursor string) ([]Delivery, error) {
	args := &redis.XReadGroupArgs{
		Group:    q.cfg.GroupName,
		Consumer: consumer,
		Streams:  []string{q.cfg.StreamName, cursor},
		Count:    int64(count),
		Block:    block,
	}
	if block <= 0 {
		// go-redis sends BLOCK 0 (wait forever) for a zero Block; a
		// negative value omits BLOCK so the read returns immediately.
		args.Block = -1
	}

	streams, err := q.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading from consumer group")
	}

	var out []Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			out = append(out, toDelivery(msg))
		}
	}
	return out, nil
}

// Ack removes entries from the group's pending list. Acks for ids that are
// not pending are no-ops.
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.rdb.XAck(ctx, q.cfg.StreamName, q.cfg.GroupName, ids...).Err(); err != nil {
		return errors.Wrap(err, "acking entries")
	}
	return nil
}

// Claim transfers pending entries idle longer than minIdle to newConsumer,
// scanning from start. It returns the claimed deliveries and the cursor for
// the next scan. This is the failover primitive for dead consumers.
func (q *Queue) Claim(ctx context.Context, newConsumer string, minIdle time.Duration, start string, count int) ([]Delivery, string, error) {
	msgs, next, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.StreamName,
		Group:    q.cfg.GroupName,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || isNoGroup(err) {
			return nil, "0-0", nil
		}
		return nil, "", errors.Wrap(err, "claiming idle entries")
	}

	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, toDelivery(msg))
	}
	return out, next, nil
}

// Pending reports per-consumer pending counts and idle times.
func (q *Queue) Pending(ctx context.Context) (PendingSummary, error) {
	p, err := q.rdb.XPending(ctx, q.cfg.StreamName, q.cfg.GroupName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || isNoGroup(err) {
			return PendingSummary{}, nil
		}
		return PendingSummary{}, errors.Wrap(err, "reading pending summary")
	}

	summary := PendingSummary{Total: p.Count}
	if p.Count == 0 {
		return summary, nil
	}

	ext, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.StreamName,
		Group:  q.cfg.GroupName,
		Start:  "-",
		End:    "+",
		Count:  p.Count,
	}).Result()
	if err != nil {
		return PendingSummary{}, errors.Wrap(err, "reading pending detail")
	}

	byConsumer := map[string]*ConsumerPending{}
	for _, e := range ext {
		cp, ok := byConsumer[e.Consumer]
		if !ok {
			cp = &ConsumerPending{Consumer: e.Consumer}
			byConsumer[e.Consumer] = cp
		}
		cp.Count++
		if e.Idle > cp.MaxIdle {
			cp.MaxIdle = e.Idle
		}
	}
	for _, cp := range byConsumer {
		summary.Consumers = append(summary.Consumers, *cp)
	}
	return summary, nil
}

// Length returns the stream length, acked entries included until trim.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.cfg.StreamName).Result()
	if err != nil {
		return 0, errors.Wrap(err, "reading stream length")
	}
	q.metrics.streamLength.Set(float64(n))
	return n, nil
}

// Trim drops the oldest entries beyond maxLen.
func (q *Queue) Trim(ctx context.Context, maxLen int64) error {
	if err := q.rdb.XTrimMaxLen(ctx, q.cfg.StreamName, maxLen).Err(); err != nil {
		return errors.Wrap(err, "trimming stream")
	}
	return nil
}

// DeadLetter quarantines an entry that can never persist, recording the
// original ingest id and the cause alongside the raw payload.
func (q *Queue) DeadLetter(ctx context.Context, ingestID string, payload []byte, cause string) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.DeadLetterStream,
		MaxLen: 10000,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			payloadField: string(payload),
			"ingest_id":  ingestID,
			"cause":      cause,
			"moved_at":   time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return errors.Wrap(err, "writing dead letter")
	}
	q.metrics.deadLetters.Inc()
	return nil
}

func (q *Queue) newRetry(ctx context.Context) *backoff.Backoff {
	return backoff.New(ctx, backoff.Config{
		MinBackoff: q.cfg.AppendBackoff,
		MaxBackoff: 10 * q.cfg.AppendBackoff,
		MaxRetries: q.cfg.AppendRetries,
	})
}

func toDelivery(msg redis.XMessage) Delivery {
	d := Delivery{ID: msg.ID}
	if s, ok := msg.Values[payloadField].(string); ok {
		d.Payload = []byte(s)
	}
	return d
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
