package worker

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"

	"github.com/loghaul/loghaul/pkg/model"
	"github.com/loghaul/loghaul/pkg/queue"
	"github.com/loghaul/loghaul/pkg/store"
)

// errBatchStalled means nothing in the batch could be persisted or
// quarantined; the entries stay pending and the loop backs off.
var errBatchStalled = errors.New("no progress persisting batch")

// processor turns a slice of deliveries into committed rows and acks. It is
// shared by the pool's consumers and the claim sweeper so reclaimed entries
// take exactly the same path as fresh ones.
type processor struct {
	cfg     Config
	queue   *queue.Queue
	store   *store.Store
	logger  log.Logger
	metrics *workerMetrics
}

// processBatch persists the batch in one transaction and acks on commit.
// Entries are acked only once their records are committed (or quarantined);
// anything else stays pending for replay. The returned error means the batch
// made no progress and is still pending in full.
func (p *processor) processBatch(ctx context.Context, deliveries []queue.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	p.metrics.batchSize.Observe(float64(len(deliveries)))

	var (
		ackIDs  []string
		records []*model.LogRecord
	)
	for _, d := range deliveries {
		rec, err := model.Unmarshal(d.Payload)
		if err != nil {
			// An entry that cannot decode will never persist. Quarantine it
			// and ack so it stops replaying.
			if dlErr := p.queue.DeadLetter(ctx, d.ID, d.Payload, "undecodable: "+err.Error()); dlErr != nil {
				level.Error(p.logger).Log("msg", "dead letter write failed, leaving entry pending", "ingest_id", d.ID, "err", dlErr)
				continue
			}
			p.metrics.processed.WithLabelValues(outcomeDeadLetter).Inc()
			ackIDs = append(ackIDs, d.ID)
			continue
		}
		rec.IngestID = d.ID
		records = append(records, &rec)
	}

	if len(records) > 0 {
		ackIDs = append(ackIDs, p.persistBatch(ctx, records)...)
	}

	// Nothing persisted, quarantined, or dead-lettered: the whole batch is
	// still pending and the caller must back off before re-reading it.
	if len(ackIDs) == 0 {
		return errBatchStalled
	}

	if err := p.queue.Ack(ctx, ackIDs...); err != nil {
		// Redelivery after a failed ack is harmless: the conflict clause
		// turns the replayed inserts into no-ops.
		level.Error(p.logger).Log("msg", "ack failed, batch will be redelivered", "entries", len(ackIDs), "err", err)
		return err
	}
	return nil
}

// persistBatch tries the whole batch in one transaction with a retry
// budget, then falls back to per-record inserts to quarantine the offending
// record(s). Returns the ids safe to ack.
func (p *processor) persistBatch(ctx context.Context, records []*model.LogRecord) []string {
	retry := backoff.New(ctx, backoff.Config{
		MinBackoff: p.cfg.RetryBaseBackoff,
		MaxBackoff: 10 * p.cfg.RetryBaseBackoff,
		MaxRetries: p.cfg.RetryBudget,
	})

	var err error
	for retry.Ongoing() {
		var inserted int64
		inserted, err = p.store.BatchInsert(ctx, records)
		if err == nil {
			p.metrics.processed.WithLabelValues(outcomePersisted).Add(float64(inserted))
			if dup := int64(len(records)) - inserted; dup > 0 {
				p.metrics.processed.WithLabelValues(outcomeDuplicate).Add(float64(dup))
			}
			return ingestIDs(records)
		}
		if store.IsPermanentRecordError(err) {
			// Retrying the whole batch cannot help; isolate the bad rows.
			break
		}
		p.metrics.retries.Inc()
		level.Warn(p.logger).Log("msg", "batch insert failed, retrying", "records", len(records), "err", err)
		retry.Wait()
	}

	level.Warn(p.logger).Log("msg", "falling back to per-record inserts", "records", len(records), "err", err)
	return p.quarantine(ctx, records)
}

// quarantine inserts records one at a time in fresh transactions. Records
// the store permanently rejects go to the dead letter stream and are acked
// so they stop replaying; transient failures leave their entries pending.
func (p *processor) quarantine(ctx context.Context, records []*model.LogRecord) []string {
	var ackIDs []string
	for _, rec := range records {
		err := p.store.InsertOne(ctx, rec)
		if err == nil {
			p.metrics.processed.WithLabelValues(outcomePersisted).Inc()
			ackIDs = append(ackIDs, rec.IngestID)
			continue
		}
		if !store.IsPermanentRecordError(err) {
			level.Warn(p.logger).Log("msg", "record insert failed, leaving pending", "ingest_id", rec.IngestID, "err", err)
			continue
		}

		payload, mErr := rec.Marshal()
		if mErr != nil {
			payload = []byte{}
		}
		if dlErr := p.queue.DeadLetter(ctx, rec.IngestID, payload, err.Error()); dlErr != nil {
			level.Error(p.logger).Log("msg", "dead letter write failed, leaving record pending", "ingest_id", rec.IngestID, "err", dlErr)
			continue
		}
		level.Warn(p.logger).Log("msg", "record quarantined", "ingest_id", rec.IngestID, "device", rec.DeviceID, "err", err)
		p.metrics.processed.WithLabelValues(outcomeDeadLetter).Inc()
		ackIDs = append(ackIDs, rec.IngestID)
	}
	return ackIDs
}

func ingestIDs(records []*model.LogRecord) []string {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.IngestID
	}
	return ids
}
