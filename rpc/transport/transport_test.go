package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/pool"
)

// testTransports maps strategy names to factory functions so every test runs
// against both strategies
var testTransports = map[string]func(cfg Config, h common.Handler, p *pool.Pool) IServerTransport{
	"Blocking": NewBlocking,
	"Selector": NewSelector,
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New("test", pool.Config{MinWorkers: 4})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(func() { p.Release(0) })
	return p
}

func startTransport(t *testing.T, trans IServerTransport) net.Addr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	go trans.Serve(l)
	t.Cleanup(func() { trans.Shutdown(time.Second) })
	return l.Addr()
}

// call sends one request frame and waits for the matching response
func call(t *testing.T, conn net.Conn, requestID uint64, payload []byte) (byte, []byte) {
	t.Helper()
	if err := WriteFrame(conn, requestID, StatusOK, payload, 0); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}
	respID, status, resp, err := ReadFrame(conn, nil, 0)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if respID != requestID {
		t.Fatalf("Expected response for request %d, got %d", requestID, respID)
	}
	return status, resp
}

// TestTransportEcho tests a request/response roundtrip on both strategies
func TestTransportEcho(t *testing.T) {
	echo := common.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		return req, nil
	})

	for name, factory := range testTransports {
		t.Run(name, func(t *testing.T) {
			trans := factory(Config{MaxMessageSize: 1 << 20}, echo, newTestPool(t))
			addr := startTransport(t, trans)

			conn, err := net.Dial("tcp", addr.String())
			if err != nil {
				t.Fatalf("Failed to dial: %v", err)
			}
			defer conn.Close()

			for i := uint64(1); i <= 5; i++ {
				payload := []byte(fmt.Sprintf("message-%d", i))
				status, resp := call(t, conn, i, payload)
				if status != StatusOK {
					t.Errorf("Expected ok status, got %d", status)
				}
				if !bytes.Equal(resp, payload) {
					t.Errorf("Expected echo %q, got %q", payload, resp)
				}
			}
		})
	}
}

// TestTransportFault tests that handler errors come back as fault frames
func TestTransportFault(t *testing.T) {
	failing := common.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		return nil, fmt.Errorf("handler rejected %q", req)
	})

	for name, factory := range testTransports {
		t.Run(name, func(t *testing.T) {
			trans := factory(Config{MaxMessageSize: 1 << 20}, failing, newTestPool(t))
			addr := startTransport(t, trans)

			conn, err := net.Dial("tcp", addr.String())
			if err != nil {
				t.Fatalf("Failed to dial: %v", err)
			}
			defer conn.Close()

			status, resp := call(t, conn, 1, []byte("bad"))
			if status != StatusFault {
				t.Errorf("Expected fault status, got %d", status)
			}
			if string(resp) != `handler rejected "bad"` {
				t.Errorf("Unexpected fault payload: %q", resp)
			}
		})
	}
}

// TestTransportCallInfo tests that handlers see the remote address of their
// caller
func TestTransportCallInfo(t *testing.T) {
	infoCh := make(chan common.CallInfo, 1)
	capture := common.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		info, _ := common.CallInfoFrom(ctx)
		infoCh <- info
		return nil, nil
	})

	trans := NewBlocking(Config{MaxMessageSize: 1 << 20}, capture, newTestPool(t))
	addr := startTransport(t, trans)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	call(t, conn, 1, []byte("x"))

	select {
	case info := <-infoCh:
		if info.RemoteAddr == nil {
			t.Error("Expected remote address in call info")
		} else if info.RemoteAddr.String() != conn.LocalAddr().String() {
			t.Errorf("Expected remote address %s, got %s", conn.LocalAddr(), info.RemoteAddr)
		}
		if info.Principal != "" {
			t.Errorf("Expected no principal without security, got %q", info.Principal)
		}
	case <-time.After(time.Second):
		t.Fatal("Handler was never invoked")
	}
}

// TestBlockingOrdering tests that the blocking strategy handles requests on
// one connection strictly in order
func TestBlockingOrdering(t *testing.T) {
	var order []string
	orderCh := make(chan string, 16)
	slowFirst := common.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		if string(req) == "first" {
			time.Sleep(50 * time.Millisecond)
		}
		orderCh <- string(req)
		return req, nil
	})

	trans := NewBlocking(Config{MaxMessageSize: 1 << 20}, slowFirst, newTestPool(t))
	addr := startTransport(t, trans)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	// both requests go out back to back; the slow first request must still
	// complete before the second is even picked up
	if err := WriteFrame(conn, 1, StatusOK, []byte("first"), 0); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}
	if err := WriteFrame(conn, 2, StatusOK, []byte("second"), 0); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, _, _, err := ReadFrame(conn, nil, 0); err != nil {
			t.Fatalf("Failed to read response %d: %v", i, err)
		}
	}

	close(orderCh)
	for s := range orderCh {
		order = append(order, s)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Expected strict ordering [first second], got %v", order)
	}
}

// TestTransportShutdown tests that shutdown terminates Serve and refuses new
// connections
func TestTransportShutdown(t *testing.T) {
	echo := common.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		return req, nil
	})

	for name, factory := range testTransports {
		t.Run(name, func(t *testing.T) {
			trans := factory(Config{MaxMessageSize: 1 << 20}, echo, newTestPool(t))
			l, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatalf("Failed to listen: %v", err)
			}

			serveDone := make(chan error, 1)
			go func() { serveDone <- trans.Serve(l) }()

			// give the accept loop a moment to start
			time.Sleep(10 * time.Millisecond)

			if err := trans.Shutdown(time.Second); err != nil {
				t.Fatalf("Failed to shut down: %v", err)
			}

			select {
			case err := <-serveDone:
				if err != nil {
					t.Errorf("Expected orderly shutdown, got %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Serve did not return after shutdown")
			}

			// second shutdown must be a no-op
			if err := trans.Shutdown(time.Second); err != nil {
				t.Errorf("Expected idempotent shutdown, got %v", err)
			}
		})
	}
}
