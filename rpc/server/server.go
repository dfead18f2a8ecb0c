package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/pool"
	"github.com/ValentinKolb/dRPC/rpc/security"
	"github.com/ValentinKolb/dRPC/rpc/transport"
)

var Logger = common.GetLogger("rpc/server")

// -----------------------------------------------------------
// Bound server
// -----------------------------------------------------------

// BoundServer is a running server instance bound to a concrete address. It is
// created by Build and runs until Stop is called.
type BoundServer struct {
	// Address is the concrete advertised address. Wildcard hosts are replaced
	// with the local canonical hostname and ephemeral ports with the port the
	// operating system assigned.
	Address common.HostPort

	cfg      common.ServerConfig
	listener net.Listener
	trans    transport.IServerTransport
	pool     *pool.Pool
	watcher  *pool.Watcher

	serving  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// Build validates the configuration, binds the first workable candidate
// address, applies the configured security treatment and starts serving on a
// background goroutine.
//
// Candidate addresses are tried in order; a bind failure moves on to the next
// candidate and a BindError reporting every attempt is returned when all of
// them fail. Configuration errors (including security preconditions) abort
// immediately without opening any socket.
func Build(cfg common.ServerConfig, handler common.Handler, collector ICollector, addrs ...common.HostPort) (*BoundServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, common.NewConfigError("no candidate addresses given")
	}
	if handler == nil {
		return nil, common.NewConfigError("no handler given")
	}

	neg, err := security.New(cfg.Security, cfg.MaxMessageSize)
	if err != nil {
		return nil, err
	}

	mode := cfg.Mode
	if neg.RequiresBlocking() && mode != common.ModeBlocking {
		Logger.Infof("security treatment %s requires the blocking strategy, overriding mode %s", neg.Name(), mode)
		mode = common.ModeBlocking
	}

	listener, bound, err := bind(neg, addrs)
	if err != nil {
		return nil, err
	}

	p, err := pool.New(cfg.Name, pool.Config{
		MinWorkers:   cfg.MinWorkers,
		IdleTimeout:  cfg.WorkerIdleTimeout,
		ResizePeriod: cfg.ResizePeriod,
	})
	if err != nil {
		listener.Close()
		return nil, err
	}

	tcfg := transport.Config{
		MaxMessageSize: cfg.MaxMessageSize,
		ReadTimeout:    cfg.ReadTimeout,
	}
	timed := newTimedHandler(handler, collector)

	var trans transport.IServerTransport
	switch mode {
	case common.ModeBlocking:
		trans = transport.NewBlocking(tcfg, timed, p)
	case common.ModeSingleSelector:
		tcfg.Selectors = 1
		trans = transport.NewSelector(tcfg, timed, p)
	case common.ModeMultiSelector:
		trans = transport.NewSelector(tcfg, timed, p)
	}

	s := &BoundServer{
		Address:  bound,
		cfg:      cfg,
		listener: listener,
		trans:    trans,
		pool:     p,
		done:     make(chan struct{}),
	}

	s.watcher = pool.NewWatcher(p)
	s.watcher.Start()

	s.serving.Store(true)
	go s.serve()

	Logger.Infof("server %s listening on %s (mode: %s, security: %s)", cfg.Name, bound, mode, neg.Name())
	return s, nil
}

// bind tries the candidate addresses in order and returns the first listener
// that could be created, security wrapped, together with its advertised
// address
func bind(neg security.INegotiator, addrs []common.HostPort) (net.Listener, common.HostPort, error) {
	var attempts []common.BindAttempt

	for _, addr := range addrs {
		if err := neg.Validate(addr.Host); err != nil {
			// precondition failures are configuration errors, not bind
			// failures, and must abort before any socket is opened
			return nil, common.HostPort{}, err
		}

		l, err := net.Listen("tcp", addr.String())
		if err != nil {
			Logger.Warnf("unable to bind %s: %v", addr, err)
			attempts = append(attempts, common.BindAttempt{Address: addr, Err: err})
			continue
		}

		wrapped, err := neg.WrapListener(l)
		if err != nil {
			if common.IsConfigError(err) {
				return nil, common.HostPort{}, err
			}
			Logger.Warnf("unable to secure listener on %s: %v", addr, err)
			attempts = append(attempts, common.BindAttempt{Address: addr, Err: err})
			continue
		}

		return wrapped, advertisedAddress(addr, l.Addr()), nil
	}

	return nil, common.HostPort{}, &common.BindError{Attempts: attempts}
}

// advertisedAddress derives the address clients should use from the requested
// candidate and the address the listener actually bound
func advertisedAddress(requested common.HostPort, actual net.Addr) common.HostPort {
	bound := requested
	if tcp, ok := actual.(*net.TCPAddr); ok {
		bound.Port = tcp.Port
	}
	if bound.IsWildcard() {
		bound.Host = common.LocalCanonicalHostname()
	}
	return bound
}

// serve runs the transport's accept loop. Any fault here means the server can
// no longer make progress, so it takes the process down rather than limping
// on as a zombie.
func (s *BoundServer) serve() {
	defer func() {
		if r := recover(); r != nil {
			Logger.Fatalf("server %s panicked: %v", s.cfg.Name, r)
		}
	}()

	if err := s.trans.Serve(s.listener); err != nil {
		Logger.Fatalf("server %s failed: %v", s.cfg.Name, err)
	}
}

// Serving reports whether the server is accepting connections
func (s *BoundServer) Serving() bool {
	return s.serving.Load()
}

// Done returns a channel closed when the server has fully stopped
func (s *BoundServer) Done() <-chan struct{} {
	return s.done
}

// WaitReady blocks until the server accepts connections, the server stops or
// the context is cancelled. Build returns with the listener already bound, so
// this only waits when racing a concurrent startup.
func (s *BoundServer) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !s.Serving() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return net.ErrClosed
		case <-ticker.C:
		}
	}
	return nil
}

// Stop shuts the server down: it stops the resize watcher, closes the
// listener, drains in-flight requests for up to the configured stop timeout
// and releases the worker pool. It is safe to call multiple times.
func (s *BoundServer) Stop() {
	s.stopOnce.Do(func() {
		Logger.Infof("stopping server %s", s.cfg.Name)
		s.serving.Store(false)

		s.watcher.Stop()

		if err := s.trans.Shutdown(s.cfg.StopTimeout); err != nil {
			Logger.Errorf("transport shutdown for %s failed: %v", s.cfg.Name, err)
		}

		s.pool.Release(s.cfg.StopTimeout)
		close(s.done)
		Logger.Infof("server %s stopped", s.cfg.Name)
	})
}
