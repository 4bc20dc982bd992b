// Package worker drains the durable queue into the persistent store with
// at-least-once semantics. Each consumer reads a batch, persists it in one
// transaction, and acks only after commit; crash recovery is driven by the
// claim sweeper reclaiming entries whose owner went quiet.
package worker

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
)

// consumer is a single member of the consumer group with a stable identity.
type consumer struct {
	services.Service
	processor

	id string
}

func newConsumer(id string, p processor) *consumer {
	c := &consumer{
		processor: p,
		id:        id,
	}
	c.logger = log.With(p.logger, "consumer", id)
	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c
}

// starting ensures the group exists and replays entries this consumer
// already owned before a crash.
func (c *consumer) starting(ctx context.Context) error {
	if err := c.queue.EnsureGroup(ctx); err != nil {
		return err
	}

	for {
		deliveries, err := c.queue.ReadOwnPending(ctx, c.id, c.cfg.BatchSize)
		if err != nil {
			return errors.Wrap(err, "replaying own pending entries")
		}
		if len(deliveries) == 0 {
			return nil
		}
		level.Info(c.logger).Log("msg", "replaying pending entries from previous run", "entries", len(deliveries))
		if err := c.processBatch(ctx, deliveries); err != nil {
			return err
		}
	}
}

func (c *consumer) running(ctx context.Context) error {
	// Batches are processed on a detached context: shutdown is cooperative
	// and the in-flight batch finishes and acks before the consumer exits.
	processCtx := context.Background()

	for ctx.Err() == nil {
		deliveries, err := c.queue.ReadGroup(ctx, c.id, c.cfg.BatchSize, c.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			level.Error(c.logger).Log("msg", "group read failed", "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if len(deliveries) == 0 {
			continue
		}

		if err := c.processBatch(processCtx, deliveries); err != nil {
			level.Warn(c.logger).Log("msg", "batch stalled, entries left pending", "entries", len(deliveries), "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}
	return nil
}

func (c *consumer) stopping(error) error {
	level.Info(c.logger).Log("msg", "consumer stopped")
	return nil
}
