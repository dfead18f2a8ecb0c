package transport

import (
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/pool"
)

// -----------------------------------------------------------
// Selector transport
// -----------------------------------------------------------

// request is one framed call in flight between a read pump and a dispatcher
type request struct {
	conn      *serverConn
	requestID uint64
	payload   []byte
}

// selectorTransport decouples connection I/O from request handling. Each
// connection gets a lightweight read pump that frames requests and pushes
// them onto one of N dispatcher queues (sharded by connection ID, so a
// connection's requests always flow through the same dispatcher). Dispatchers
// hand the actual handler invocation to the worker pool, which means a slow
// handler blocks neither the pump nor the dispatcher.
type selectorTransport struct {
	cfg     Config
	handler common.Handler
	pool    *pool.Pool

	registry *connRegistry
	queues   []chan request
	wg       sync.WaitGroup // read pumps
	dispWg   sync.WaitGroup // dispatchers
	inflight sync.WaitGroup // handler invocations

	mu       sync.Mutex
	listener net.Listener
	shutdown bool
}

// DefaultSelectors returns the dispatcher count used when the configuration
// leaves it unset
func DefaultSelectors() int {
	n := runtime.NumCPU() / 4
	if n < 2 {
		n = 2
	}
	return n
}

// NewSelector creates a transport with the given number of dispatcher
// goroutines. selectors <= 0 picks DefaultSelectors; pass 1 for a single
// dispatcher.
func NewSelector(cfg Config, handler common.Handler, p *pool.Pool) IServerTransport {
	selectors := cfg.Selectors
	if selectors <= 0 {
		selectors = DefaultSelectors()
	}

	queues := make([]chan request, selectors)
	for i := range queues {
		queues[i] = make(chan request, 64)
	}

	return &selectorTransport{
		cfg:      cfg,
		handler:  handler,
		pool:     p,
		registry: newConnRegistry(),
		queues:   queues,
	}
}

func (t *selectorTransport) Serve(l net.Listener) error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return net.ErrClosed
	}
	t.listener = l
	t.mu.Unlock()

	Logger.Debugf("starting %d dispatchers", len(t.queues))
	for _, q := range t.queues {
		t.dispWg.Add(1)
		go t.dispatch(q)
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			return err
		}

		c := t.registry.add(conn)
		t.wg.Add(1)
		go t.readPump(c)
	}
}

// readPump frames requests off one connection and shards them to a dispatcher
func (t *selectorTransport) readPump(c *serverConn) {
	defer func() {
		t.wg.Done()
		t.registry.remove(c)
		c.conn.Close()
	}()

	queue := t.queues[c.id%uint64(len(t.queues))]
	buf := make([]byte, FrameHeaderSize)
	for {
		if t.cfg.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		}

		requestID, _, payload, err := ReadFrame(c.conn, buf, t.cfg.MaxMessageSize)
		if err != nil {
			if !isEOF(err) && !isClosedErr(err) {
				Logger.Debugf("connection from %s closed: %v", c.conn.RemoteAddr(), err)
			}
			return
		}

		// the payload aliases the read buffer, copy it before reuse
		req := make([]byte, len(payload))
		copy(req, payload)

		queue <- request{conn: c, requestID: requestID, payload: req}
	}
}

// dispatch drains one queue, handing each request to the worker pool. The
// hand-off happens on a throwaway goroutine so a saturated pool queues
// requests instead of stalling the dispatcher for every connection it shards.
func (t *selectorTransport) dispatch(queue chan request) {
	defer t.dispWg.Done()
	for req := range queue {
		req := req
		t.inflight.Add(1)
		submitAsync(t.pool, func(err error) {
			Logger.Errorf("failed to schedule request from %s: %v", req.conn.conn.RemoteAddr(), err)
			t.inflight.Done()
		}, func() {
			defer t.inflight.Done()
			handleCall(t.handler, req.conn, req.requestID, req.payload, t.cfg.MaxMessageSize)
		})
	}
}

func (t *selectorTransport) Shutdown(timeout time.Duration) error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil
	}
	t.shutdown = true
	l := t.listener
	t.mu.Unlock()

	if l != nil {
		l.Close()
	}

	deadline := time.Now().Add(timeout)

	// let in-flight work drain before cutting connections
	drained := waitTimeout(&t.inflight, timeout)
	if !drained {
		Logger.Warnf("requests still in flight after %s, force closing connections", timeout)
	}

	t.registry.closeAll()
	t.wg.Wait()

	for _, q := range t.queues {
		close(q)
	}
	t.dispWg.Wait()

	if rest := time.Until(deadline); rest > 0 && !drained {
		waitTimeout(&t.inflight, rest)
	}
	return nil
}
