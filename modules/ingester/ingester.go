// Package ingester is the synchronous front end of the pipeline: it admits
// valid records onto the durable queue and serves reads through the cache.
// It acknowledges ingest as soon as the queue append is durable and never
// touches the store on the write path.
package ingester

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/loghaul/loghaul/pkg/model"
	"github.com/loghaul/loghaul/pkg/queue"
	"github.com/loghaul/loghaul/pkg/store"
)

const statsCacheKey = "stats:summary"

// Ingester serves the ingest and query HTTP API.
type Ingester struct {
	services.Service

	cfg     Config
	queue   *queue.Queue
	store   *store.Store
	logger  log.Logger
	metrics *ingesterMetrics

	// reads are deduplicated per cache key and guarded by a breaker so a
	// struggling store does not absorb the full miss load.
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
}

func New(cfg Config, q *queue.Queue, s *store.Store, logger log.Logger, reg prometheus.Registerer) (*Ingester, error) {
	i := &Ingester{
		cfg:     cfg,
		queue:   q,
		store:   s,
		logger:  logger,
		metrics: newIngesterMetrics(reg),
	}
	i.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "store-reads",
		Timeout: cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			level.Warn(logger).Log("msg", "store read breaker state change", "from", from.String(), "to", to.String())
		},
	})

	i.Service = services.NewIdleService(i.starting, i.stopping)
	return i, nil
}

func (i *Ingester) starting(context.Context) error { return nil }
func (i *Ingester) stopping(error) error           { return nil }

// submit validates and enqueues one record, returning its ingest id. The
// returned error is either a *model.ValidationError or wraps
// queue.ErrBackendUnavailable.
func (i *Ingester) submit(ctx context.Context, rec *model.LogRecord) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	id, err := i.queue.Append(ctx, rec)
	if err != nil {
		return "", err
	}
	i.metrics.ingested.WithLabelValues(string(rec.Level)).Inc()
	return id, nil
}

// queryRecent serves a device query through the cache. Concurrent misses on
// the same key collapse into one store read.
func (i *Ingester) queryRecent(ctx context.Context, deviceID string, limit int) (records []byte, source string, err error) {
	key := fmt.Sprintf("logs:%s:%d", deviceID, limit)

	if cached := i.queue.CacheGet(ctx, key); cached != nil {
		i.metrics.cacheLookups.WithLabelValues("hit").Inc()
		return cached, "cache", nil
	}
	i.metrics.cacheLookups.WithLabelValues("miss").Inc()

	v, err, _ := i.group.Do(key, func() (interface{}, error) {
		return i.breaker.Execute(func() (interface{}, error) {
			recs, err := i.store.QueryRecent(ctx, deviceID, limit)
			if err != nil {
				return nil, err
			}
			if recs == nil {
				recs = []model.LogRecord{}
			}
			body, err := json_.Marshal(recs)
			if err != nil {
				return nil, err
			}
			i.queue.CacheSet(ctx, key, body, i.queue.CacheQueryTTL())
			return body, nil
		})
	})
	if err != nil {
		return nil, "", err
	}
	return v.([]byte), "db", nil
}

// stats aggregates store counts, cached for the stats TTL.
func (i *Ingester) stats(ctx context.Context) ([]byte, error) {
	if cached := i.queue.CacheGet(ctx, statsCacheKey); cached != nil {
		i.metrics.cacheLookups.WithLabelValues("hit").Inc()
		return cached, nil
	}
	i.metrics.cacheLookups.WithLabelValues("miss").Inc()

	v, err, _ := i.group.Do(statsCacheKey, func() (interface{}, error) {
		total, err := i.store.Count(ctx)
		if err != nil {
			return nil, err
		}
		levels, err := i.store.CountByLevel(ctx)
		if err != nil {
			return nil, err
		}
		devices, err := i.store.CountByDevice(ctx)
		if err != nil {
			return nil, err
		}

		body, err := json_.Marshal(statsResponse{TotalLogs: total, LogsByLevel: levels, Devices: devices})
		if err != nil {
			return nil, err
		}
		i.queue.CacheSet(ctx, statsCacheKey, body, i.queue.CacheStatsTTL())
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// health probes both dependencies with a trivial call each.
func (i *Ingester) health(ctx context.Context) (map[string]string, bool) {
	status := map[string]string{"dmq": "up", "pls": "up"}
	healthy := true

	probe := func(name string, ping func(context.Context) error) {
		ctx, cancel := context.WithTimeout(ctx, i.cfg.DependencyProbeTimeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			status[name] = "down: " + err.Error()
			healthy = false
		}
	}
	probe("dmq", i.queue.Ping)
	probe("pls", i.store.Ping)

	return status, healthy
}
