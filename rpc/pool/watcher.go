package pool

import (
	"sync"
	"time"
)

// -----------------------------------------------------------
// Resize watcher
// -----------------------------------------------------------

// resizable is the view of a pool the watcher needs to apply its rule
type resizable interface {
	CoreSize() int
	Active() int
	QueueDepth() int
	Resize(n int)
}

// Watcher periodically inspects a pool's activity and adjusts its core size.
// There is a minor race between sampling the pool state and resizing it;
// this is not an issue in practice since the watcher self-corrects on the
// next tick.
type Watcher struct {
	name     string
	pool     resizable
	period   time.Duration
	growBy   int
	shrink   int
	min      int
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewWatcher creates a watcher for the given pool using its configuration.
// The watcher is inert until Start is called.
func NewWatcher(p *Pool) *Watcher {
	cfg := p.Config()
	return &Watcher{
		name:   p.Name(),
		pool:   p,
		period: cfg.ResizePeriod,
		growBy: cfg.GrowBy,
		shrink: cfg.ShrinkGuard,
		min:    cfg.MinWorkers,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the watcher loop on its own goroutine
func (w *Watcher) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.period)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.tick()
			}
		}
	}()
}

// Stop cancels the watcher and waits for its loop to exit. It is safe to
// call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		<-w.done
	})
}

// tick applies the resize rule once, computed from a single snapshot:
// grow the core by up to growBy workers when every worker is busy (but only
// as many as there is queued backlog to justify), shrink by exactly one when
// the core exceeds the active count by more than the shrink guard.
func (w *Watcher) tick() {
	defer func() {
		// a failed resize must degrade the resizing feature, never serving
		if r := recover(); r != nil {
			Logger.Errorf("resize check for pool %s failed: %v", w.name, r)
		}
	}()

	core := w.pool.CoreSize()
	active := w.pool.Active()

	if active >= core {
		grow := w.pool.QueueDepth()
		if grow > w.growBy {
			grow = w.growBy
		}
		if grow > 0 {
			Logger.Debugf("pool %s saturated (active=%d core=%d), growing by %d", w.name, active, core, grow)
			w.pool.Resize(core + grow)
		}
	} else if core > active+w.shrink {
		smaller := core - 1
		if smaller < w.min {
			smaller = w.min
		}
		if smaller != core {
			Logger.Debugf("pool %s idle (active=%d core=%d), shrinking to %d", w.name, active, core, smaller)
			w.pool.Resize(smaller)
		}
	}
}
