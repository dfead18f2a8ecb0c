// Package transport implements the concurrency strategies a server instance
// can service connections with, plus the length-prefixed framing shared by
// servers and clients.
//
// Two strategies exist:
//
//   - blocking: one pool worker owns one connection for its full lifetime.
//     Requests on a connection execute strictly sequentially. Simplest model,
//     highest per-connection cost, and the only strategy compatible with
//     accept-time security handshakes.
//
//   - selector: connections are sharded across one or more dispatcher
//     goroutines that drain framed requests and hand processing off to the
//     worker pool, so a slow handler never blocks connection I/O. Responses
//     are correlated by request ID and may complete out of order.
//
// Both strategies enforce the configured maximum message size at the framing
// layer to bound memory use per connection.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/pool"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = common.GetLogger("rpc/transport")

// -----------------------------------------------------------
// Interface Definitions
// -----------------------------------------------------------

// IServerTransport services connections accepted from a listener. The
// listener itself is created (and security-wrapped) by the caller, so a
// transport only decides how connections are scheduled.
type IServerTransport interface {
	// Serve accepts and services connections until Shutdown is called.
	// It returns nil on orderly shutdown.
	Serve(l net.Listener) error

	// Shutdown stops accepting new connections, lets in-flight requests
	// drain for up to timeout, then closes the remaining connections.
	// It is safe to call more than once.
	Shutdown(timeout time.Duration) error
}

// PrincipalConn is implemented by security-wrapped connections that carry an
// authenticated remote principal.
type PrincipalConn interface {
	net.Conn
	Principal() string
}

// Config holds the transport parameters shared by all strategies
type Config struct {
	// MaxMessageSize bounds a single framed message
	MaxMessageSize int
	// ReadTimeout is the per-read socket deadline (0 = none)
	ReadTimeout time.Duration
	// Selectors is the number of dispatcher goroutines (selector strategy only)
	Selectors int
}

// -----------------------------------------------------------
// Shared connection bookkeeping
// -----------------------------------------------------------

// serverConn is the per-connection state shared by both strategies
type serverConn struct {
	id      uint64
	conn    net.Conn
	writeMu sync.Mutex // serializes response frames on the connection
	info    common.CallInfo
}

// newServerConn captures the call info once per connection; the principal is
// fixed at handshake time, the request lifetime is per call.
func newServerConn(id uint64, conn net.Conn) *serverConn {
	info := common.CallInfo{RemoteAddr: conn.RemoteAddr()}
	if pc, ok := conn.(PrincipalConn); ok {
		info.Principal = pc.Principal()
	}
	return &serverConn{id: id, conn: conn, info: info}
}

// writeResponse writes one response frame under the connection write lock
func (c *serverConn) writeResponse(requestID uint64, status byte, payload []byte, maxSize int) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.conn, requestID, status, payload, maxSize); err != nil {
		Logger.Errorf("failed to write response to %s: %v", c.conn.RemoteAddr(), err)
	}
}

// connRegistry tracks live connections so shutdown can close them all
type connRegistry struct {
	nextID atomic.Uint64
	conns  *xsync.MapOf[uint64, *serverConn]
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: xsync.NewMapOf[uint64, *serverConn]()}
}

func (r *connRegistry) add(conn net.Conn) *serverConn {
	c := newServerConn(r.nextID.Add(1), conn)
	r.conns.Store(c.id, c)
	return c
}

func (r *connRegistry) remove(c *serverConn) {
	r.conns.Delete(c.id)
}

func (r *connRegistry) closeAll() {
	r.conns.Range(func(_ uint64, c *serverConn) bool {
		c.conn.Close()
		return true
	})
}

// -----------------------------------------------------------
// Helpers
// -----------------------------------------------------------

// handleCall invokes the handler for one request and writes the response.
// Handler errors become fault frames; they never terminate the server.
func handleCall(handler common.Handler, c *serverConn, requestID uint64, payload []byte, maxSize int) {
	ctx := common.NewCallContext(context.Background(), c.info)

	resp, err := handler.Handle(ctx, payload)
	if err != nil {
		c.writeResponse(requestID, StatusFault, []byte(err.Error()), maxSize)
		return
	}
	c.writeResponse(requestID, StatusOK, resp, maxSize)
}

// isClosedErr reports whether err is the result of closing the listener or
// connection during shutdown
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// isEOF reports whether err means the peer disconnected cleanly
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// waitTimeout waits for wg with an upper bound. Returns false on timeout.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// submitAsync hands a task to the pool without stalling the caller: the
// blocking Submit happens on a throwaway goroutine, so waiting submitters
// form the pool's queue.
func submitAsync(p *pool.Pool, onErr func(error), task func()) {
	go func() {
		if err := p.Submit(task); err != nil {
			onErr(err)
		}
	}()
}
