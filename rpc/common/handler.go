package common

import (
	"context"
	"net"
)

// --------------------------------------------------------------------------
// Request handler contract
// --------------------------------------------------------------------------

// Handler is the request-processing entry point the server is built around.
// The server does not interpret payloads; decoding is the business of the
// handler and its injected codec. Implementations must be safe to invoke
// concurrently from multiple workers.
type Handler interface {
	// Handle processes one request payload and returns the response payload.
	// A returned error is propagated to the remote caller as a structured
	// per-call failure; it never terminates the server.
	Handle(ctx context.Context, req []byte) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, req []byte) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, req []byte) ([]byte, error) {
	return f(ctx, req)
}

// --------------------------------------------------------------------------
// Per-call context
// --------------------------------------------------------------------------

// CallInfo describes the remote end of one in-flight call. It lives for the
// duration of a single request and is never persisted. Principal is only set
// when authenticated security is active.
type CallInfo struct {
	RemoteAddr net.Addr
	Principal  string
}

type callInfoKey struct{}

// NewCallContext returns a context carrying the given call info. The server
// attaches this to every handler invocation; handler code reads it back with
// CallInfoFrom instead of relying on any ambient state.
func NewCallContext(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFrom extracts the call info from a handler context
func CallInfoFrom(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}
