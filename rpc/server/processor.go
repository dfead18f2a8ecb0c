package server

import (
	"context"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

// -----------------------------------------------------------
// Timed handler
// -----------------------------------------------------------

// timedHandler wraps the application handler and reports every call to the
// collector. It is the only place the server touches handler invocations, so
// all timing is measured at the same boundary.
type timedHandler struct {
	inner     common.Handler
	collector ICollector
}

func newTimedHandler(inner common.Handler, collector ICollector) common.Handler {
	if collector == nil {
		collector = NopCollector{}
	}
	return &timedHandler{inner: inner, collector: collector}
}

func (h *timedHandler) Handle(ctx context.Context, req []byte) ([]byte, error) {
	start := time.Now()
	h.collector.CallStarted(start)

	resp, err := h.inner.Handle(ctx, req)

	h.collector.CallFinished(start, time.Now(), err)
	return resp, err
}
