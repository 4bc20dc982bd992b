package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loghaul/loghaul/pkg/queue"
	"github.com/loghaul/loghaul/pkg/store"
)

// Pool runs this process's consumers plus the claim sweeper that adopts
// pending entries from consumers that stopped heartbeating.
type Pool struct {
	services.Service

	cfg     Config
	logger  log.Logger
	metrics *workerMetrics

	sweeper     processor
	sweeperID   string
	subservices *services.Manager
	watcher     *services.FailureWatcher
}

func New(cfg Config, q *queue.Queue, s *store.Store, logger log.Logger, reg prometheus.Registerer) (*Pool, error) {
	if cfg.PoolSize < 1 {
		return nil, fmt.Errorf("worker pool size must be at least 1, got %d", cfg.PoolSize)
	}

	prefix := cfg.ConsumerPrefix
	if prefix == "" {
		host, err := os.Hostname()
		if err != nil {
			// No stable identity available; own-crash replay is lost but
			// the claim sweep still recovers the entries.
			host = uuid.New().String()[:8]
		}
		prefix = host
	}

	metrics := newWorkerMetrics(reg)
	proc := processor{
		cfg:     cfg,
		queue:   q,
		store:   s,
		logger:  logger,
		metrics: metrics,
	}

	consumers := make([]services.Service, 0, cfg.PoolSize)
	for n := 0; n < cfg.PoolSize; n++ {
		consumers = append(consumers, newConsumer(fmt.Sprintf("%s-%d", prefix, n), proc))
	}

	subservices, err := services.NewManager(consumers...)
	if err != nil {
		return nil, errors.Wrap(err, "creating consumer manager")
	}

	sweeperID := prefix + "-sweeper"
	sweeper := proc
	sweeper.logger = log.With(logger, "consumer", sweeperID)

	p := &Pool{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		sweeper:     sweeper,
		sweeperID:   sweeperID,
		subservices: subservices,
		watcher:     services.NewFailureWatcher(),
	}
	p.watcher.WatchManager(subservices)
	p.Service = services.NewBasicService(p.starting, p.running, p.stopping)
	return p, nil
}

func (p *Pool) starting(ctx context.Context) error {
	return services.StartManagerAndAwaitHealthy(ctx, p.subservices)
}

func (p *Pool) running(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ClaimSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep(ctx)
		case err := <-p.watcher.Chan():
			return errors.Wrap(err, "worker pool subservice failed")
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pool) stopping(_ error) error {
	return services.StopManagerAndAwaitStopped(context.Background(), p.subservices)
}

// sweep claims entries pending longer than the idle threshold and runs them
// through the normal persist path under the sweeper's identity. The
// threshold must exceed the typical in-flight time by a wide margin or live
// consumers get their batches stolen mid-commit.
func (p *Pool) sweep(ctx context.Context) {
	cursor := "0-0"
	for {
		deliveries, next, err := p.sweeper.queue.Claim(ctx, p.sweeperID, p.cfg.ClaimIdleThreshold, cursor, p.cfg.BatchSize)
		if err != nil {
			level.Error(p.logger).Log("msg", "claim sweep failed", "err", err)
			return
		}
		if len(deliveries) > 0 {
			p.metrics.claimed.Add(float64(len(deliveries)))
			level.Info(p.logger).Log("msg", "claimed idle entries", "entries", len(deliveries))
			if err := p.sweeper.processBatch(ctx, deliveries); err != nil {
				level.Warn(p.logger).Log("msg", "claimed batch stalled", "err", err)
				return
			}
		}
		if next == "0-0" || next == cursor {
			break
		}
		cursor = next
	}

	// Cheap queue depth observation while we are here; the gauge is the
	// operational backpressure signal.
	if _, err := p.sweeper.queue.Length(ctx); err != nil {
		level.Debug(p.logger).Log("msg", "stream length probe failed", "err", err)
	}
}
