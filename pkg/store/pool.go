package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// ErrPoolExhausted is returned when no session becomes available within the
// acquire timeout. Persisting exhaustion is an alarm condition; callers must
// not block forever.
var ErrPoolExhausted = errors.New("session pool exhausted")

// Session is one live database connection leased from the pool. Sessions
// created beyond the steady size are overflow and are closed on release.
type Session struct {
	conn       *sqlx.Conn
	createdAt  time.Time
	acquiredAt time.Time
	overflow   bool
	leaked     bool
}

// Pool hands out dedicated database sessions with bounded concurrency.
// Every lease is liveness-checked and age-recycled before handout, and
// long-held sessions are counted against the configured leak thresholds:
// the worker's correctness argument depends on sessions being returned
// promptly, so leak accounting is part of the pool contract rather than
// optional diagnostics.
type Pool struct {
	db      *sqlx.DB
	cfg     PoolConfig
	logger  log.Logger
	metrics *poolMetrics

	sem chan struct{}

	mtx   sync.Mutex
	idle  []*Session
	inUse map[*Session]struct{}
	live  int

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewPool(db *sqlx.DB, cfg PoolConfig, logger log.Logger, metrics *poolMetrics) *Pool {
	// The underlying driver pool only needs to cover what we lease.
	db.SetMaxOpenConns(cfg.Size + cfg.Overflow)
	db.SetMaxIdleConns(cfg.Size)

	p := &Pool{
		db:      db,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		sem:     make(chan struct{}, cfg.Size+cfg.Overflow),
		inUse:   map[*Session]struct{}{},
		stop:    make(chan struct{}),
	}

	p.wg.Add(1)
	go p.leakLoop()

	return p
}

// Acquire leases a session, waiting at most the configured acquire timeout
// for a free slot. The leased session has been liveness-checked and is
// younger than recycle_after.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	start := time.Now()

	timeout := time.NewTimer(p.cfg.AcquireTimeout)
	defer timeout.Stop()

	select {
	case p.sem <- struct{}{}:
	case <-timeout.C:
		p.metrics.exhaustions.Inc()
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sess, err := p.lease(ctx)
	if err != nil {
		<-p.sem
		return nil, err
	}

	sess.acquiredAt = time.Now()
	sess.leaked = false

	p.mtx.Lock()
	p.inUse[sess] = struct{}{}
	p.mtx.Unlock()

	p.metrics.acquireDuration.Observe(time.Since(start).Seconds())
	p.updateGauges()
	return sess, nil
}

func (p *Pool) lease(ctx context.Context) (*Session, error) {
	for {
		p.mtx.Lock()
		var sess *Session
		if n := len(p.idle); n > 0 {
			sess = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mtx.Unlock()

		if sess == nil {
			return p.open(ctx)
		}

		// Retire sessions past their recycle age before re-lease.
		if time.Since(sess.createdAt) > p.cfg.RecycleAfter {
			p.discard(sess)
			continue
		}

		if p.cfg.HealthCheckOnAcquire {
			if err := sess.conn.PingContext(ctx); err != nil {
				level.Warn(p.logger).Log("msg", "discarding dead session", "err", err)
				p.discard(sess)
				continue
			}
		}

		return sess, nil
	}
}

func (p *Pool) open(ctx context.Context) (*Session, error) {
	conn, err := p.db.Connx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "opening session")
	}

	p.mtx.Lock()
	overflow := p.live >= p.cfg.Size
	p.live++
	p.mtx.Unlock()

	return &Session{
		conn:      conn,
		createdAt: time.Now(),
		overflow:  overflow,
	}, nil
}

// Release returns a session to the pool. A session released after an error,
// an overflow session, or one past its recycle age is closed instead of
// pooled.
func (p *Pool) Release(sess *Session, opErr error) {
	p.mtx.Lock()
	delete(p.inUse, sess)
	p.mtx.Unlock()

	if opErr != nil || sess.overflow || time.Since(sess.createdAt) > p.cfg.RecycleAfter {
		p.discard(sess)
	} else {
		p.mtx.Lock()
		p.idle = append(p.idle, sess)
		p.mtx.Unlock()
	}

	<-p.sem
	p.updateGauges()
}

func (p *Pool) discard(sess *Session) {
	if err := sess.conn.Close(); err != nil {
		level.Debug(p.logger).Log("msg", "closing session", "err", err)
	}
	p.mtx.Lock()
	p.live--
	p.mtx.Unlock()
}

// Close stops leak accounting and closes idle sessions. In-flight sessions
// are closed by their holders through Release.
func (p *Pool) Close() {
	close(p.stop)
	p.wg.Wait()

	p.mtx.Lock()
	idle := p.idle
	p.idle = nil
	p.mtx.Unlock()

	for _, sess := range idle {
		p.discard(sess)
	}
}

func (p *Pool) leakLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.LeakCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkLeaks()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) checkLeaks() {
	now := time.Now()
	maxThreshold := time.Duration(0)
	for _, t := range p.cfg.LeakThresholds {
		if t > maxThreshold {
			maxThreshold = t
		}
	}

	p.mtx.Lock()
	counts := make([]int, len(p.cfg.LeakThresholds))
	for sess := range p.inUse {
		held := now.Sub(sess.acquiredAt)
		for i, t := range p.cfg.LeakThresholds {
			if held > t {
				counts[i]++
			}
		}
		if maxThreshold > 0 && held > maxThreshold && !sess.leaked {
			sess.leaked = true
			p.metrics.leaks.Inc()
			level.Warn(p.logger).Log("msg", "session held past leak threshold", "held", held, "threshold", maxThreshold)
		}
	}
	p.mtx.Unlock()

	for i, t := range p.cfg.LeakThresholds {
		p.metrics.longHeld.WithLabelValues(strconv.Itoa(int(t.Seconds()))).Set(float64(counts[i]))
	}
}

func (p *Pool) updateGauges() {
	p.mtx.Lock()
	inUse := len(p.inUse)
	idle := len(p.idle)
	p.mtx.Unlock()

	p.metrics.inUse.Set(float64(inUse))
	p.metrics.idle.Set(float64(idle))
}

// Stats reports current pool occupancy, mainly for tests and health detail.
func (p *Pool) Stats() (inUse, idle int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.inUse), len(p.idle)
}
