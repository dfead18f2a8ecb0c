// Package pool implements the self-resizing worker pool that executes
// request handlers for one server instance.
//
// The pool has a core size (the number of workers it keeps available) and an
// effectively unbounded submit queue. A background watcher samples activity
// on a fixed period and adjusts the core size: it grows eagerly when every
// worker is busy and there is queued backlog, and shrinks slowly when
// workers sit idle. The asymmetry is deliberate; it prevents oscillation
// under bursty traffic while bounding idle overhead.
//
// Key Components:
//
//   - Pool: the resizable worker pool. Submit blocks until a worker accepts
//     the task, so blocked submitters form the queue.
//
//   - Watcher: the periodic resize task. It is owned by the server instance
//     and must be stopped when the server stops.
package pool

import (
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/panjf2000/ants/v2"
)

var Logger = common.GetLogger("rpc/pool")

// -----------------------------------------------------------
// Configuration
// -----------------------------------------------------------

// Config holds the sizing parameters of a worker pool
type Config struct {
	// MinWorkers is the floor for the core size. The core size never drops
	// below it.
	MinWorkers int
	// IdleTimeout is the time after which idle workers are reclaimed.
	// 0 keeps workers alive indefinitely.
	IdleTimeout time.Duration
	// ResizePeriod is the interval between watcher ticks (0 = 1s)
	ResizePeriod time.Duration
	// GrowBy caps how many workers a single tick may add (0 = 2)
	GrowBy int
	// ShrinkGuard is how far the core size must exceed the active count
	// before a tick removes one worker (0 = 3)
	ShrinkGuard int
}

func (c Config) withDefaults() Config {
	if c.MinWorkers < 1 {
		c.MinWorkers = 1
	}
	if c.ResizePeriod <= 0 {
		c.ResizePeriod = common.DefaultResizePeriod
	}
	if c.GrowBy <= 0 {
		c.GrowBy = 2
	}
	if c.ShrinkGuard <= 0 {
		c.ShrinkGuard = 3
	}
	return c
}

// -----------------------------------------------------------
// Pool
// -----------------------------------------------------------

// Pool is a worker pool whose core size can be adjusted while it is running.
// Resizing is only ever performed by the pool's Watcher, so the core size is
// mutated by a single goroutine and read by the pool for scheduling.
type Pool struct {
	name  string
	cfg   Config
	inner *ants.Pool
}

// New creates a pool with core size cfg.MinWorkers
func New(name string, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()

	opts := []ants.Option{
		// blocked submitters form the (unbounded) work queue
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(0),
		ants.WithPanicHandler(func(r any) {
			Logger.Errorf("worker recovered from panic: %v", r)
		}),
	}
	if cfg.IdleTimeout > 0 {
		opts = append(opts, ants.WithExpiryDuration(cfg.IdleTimeout))
	} else {
		opts = append(opts, ants.WithDisablePurge(true))
	}

	inner, err := ants.NewPool(cfg.MinWorkers, opts...)
	if err != nil {
		return nil, err
	}

	Logger.Infof("created worker pool %s with %d core workers", name, cfg.MinWorkers)
	return &Pool{name: name, cfg: cfg, inner: inner}, nil
}

// Name returns the pool name used in logs and metrics
func (p *Pool) Name() string { return p.name }

// Config returns the sizing parameters the pool was built with
func (p *Pool) Config() Config { return p.cfg }

// Submit hands a task to the pool. It blocks until a worker picks the task
// up; callers that must not stall submit from their own goroutine.
func (p *Pool) Submit(task func()) error {
	return p.inner.Submit(task)
}

// CoreSize returns the current core size of the pool
func (p *Pool) CoreSize() int { return p.inner.Cap() }

// Active returns the number of workers currently executing tasks
func (p *Pool) Active() int { return p.inner.Running() }

// QueueDepth returns the number of submitted tasks waiting for a worker
func (p *Pool) QueueDepth() int { return p.inner.Waiting() }

// Resize sets the core size, clamped to the configured minimum
func (p *Pool) Resize(n int) {
	if n < p.cfg.MinWorkers {
		n = p.cfg.MinWorkers
	}
	if n == p.inner.Cap() {
		return
	}
	Logger.Debugf("resizing pool %s: %d -> %d", p.name, p.inner.Cap(), n)
	p.inner.Tune(n)
}

// Release shuts the pool down. In-flight tasks get up to timeout to drain;
// with a timeout of zero the pool is torn down immediately.
func (p *Pool) Release(timeout time.Duration) error {
	if timeout <= 0 {
		p.inner.Release()
		return nil
	}
	if err := p.inner.ReleaseTimeout(timeout); err != nil {
		Logger.Warnf("pool %s did not drain within %s: %v", p.name, timeout, err)
		return err
	}
	return nil
}
