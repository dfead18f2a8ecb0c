package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestPoolSubmit tests that submitted tasks are executed
func TestPoolSubmit(t *testing.T) {
	p, err := New("test", Config{MinWorkers: 2})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Release(0)

	var executed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			executed.Add(1)
		}); err != nil {
			t.Fatalf("Failed to submit task: %v", err)
		}
	}
	wg.Wait()

	if executed.Load() != 20 {
		t.Errorf("Expected 20 executed tasks, got %d", executed.Load())
	}
}

// TestPoolResizeClamp tests that the core size never drops below the floor
func TestPoolResizeClamp(t *testing.T) {
	p, err := New("test", Config{MinWorkers: 3})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Release(0)

	p.Resize(10)
	if p.CoreSize() != 10 {
		t.Errorf("Expected core size 10, got %d", p.CoreSize())
	}

	p.Resize(1)
	if p.CoreSize() != 3 {
		t.Errorf("Expected core size clamped to floor 3, got %d", p.CoreSize())
	}
}

// TestPoolActivity tests that activity counters reflect running and queued work
func TestPoolActivity(t *testing.T) {
	p, err := New("test", Config{MinWorkers: 1})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Release(0)

	release := make(chan struct{})
	started := make(chan struct{})

	go p.Submit(func() {
		close(started)
		<-release
	})
	<-started

	if p.Active() != 1 {
		t.Errorf("Expected 1 active worker, got %d", p.Active())
	}

	// a second task on a single worker must queue
	go p.Submit(func() {})

	deadline := time.Now().Add(time.Second)
	for p.QueueDepth() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.QueueDepth() != 1 {
		t.Errorf("Expected 1 queued task, got %d", p.QueueDepth())
	}

	close(release)
}

// TestPoolWatcherIntegration tests that the watcher grows a saturated pool
func TestPoolWatcherIntegration(t *testing.T) {
	p, err := New("test", Config{MinWorkers: 1, ResizePeriod: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Release(0)

	w := NewWatcher(p)
	w.Start()
	defer w.Stop()

	// saturate the single worker and queue more work
	release := make(chan struct{})
	for i := 0; i < 4; i++ {
		go p.Submit(func() { <-release })
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.CoreSize() == 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.CoreSize() <= 1 {
		t.Errorf("Expected watcher to grow the saturated pool, core still %d", p.CoreSize())
	}

	close(release)
}
