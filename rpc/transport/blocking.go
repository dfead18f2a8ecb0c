package transport

import (
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/pool"
)

// -----------------------------------------------------------
// Blocking transport
// -----------------------------------------------------------

// blockingTransport dedicates one pool worker to each connection. The worker
// reads and handles requests sequentially until the peer disconnects, so
// requests on one connection never reorder.
type blockingTransport struct {
	cfg     Config
	handler common.Handler
	pool    *pool.Pool

	registry *connRegistry
	wg       sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	shutdown bool
}

// NewBlocking creates a transport that services each connection on its own
// pool worker. Security layers that hand shake at accept time require this
// strategy.
func NewBlocking(cfg Config, handler common.Handler, p *pool.Pool) IServerTransport {
	return &blockingTransport{
		cfg:      cfg,
		handler:  handler,
		pool:     p,
		registry: newConnRegistry(),
	}
}

func (t *blockingTransport) Serve(l net.Listener) error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return net.ErrClosed
	}
	t.listener = l
	t.mu.Unlock()

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
		submitAsync(t.pool, func(err error) {
			Logger.Errorf("failed to schedule connection from %s: %v", conn.RemoteAddr(), err)
			t.registry.remove(c)
			conn.Close()
			t.wg.Done()
		}, func() {
			defer t.wg.Done()
			t.serveConn(c)
		})
	}
}

// serveConn owns the connection until it closes, handling requests in order
func (t *blockingTransport) serveConn(c *serverConn) {
	defer func() {
		t.registry.remove(c)
		c.conn.Close()
	}()

	Logger.Debugf("serving connection from %s", c.conn.RemoteAddr())

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

		handleCall(t.handler, c, requestID, req, t.cfg.MaxMessageSize)
	}
}

func (t *blockingTransport) Shutdown(timeout time.Duration) error {
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

	if waitTimeout(&t.wg, timeout) {
		return nil
	}

	Logger.Warnf("connections still open after %s, force closing", timeout)
	t.registry.closeAll()
	t.wg.Wait()
	return nil
}
