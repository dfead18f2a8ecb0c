package server

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// -----------------------------------------------------------
// Metrics collection
// -----------------------------------------------------------

// ICollector observes the lifecycle of every handled call. Implementations
// must be safe for concurrent use; a nil-safe no-op collector is available
// for servers that do not export metrics.
type ICollector interface {
	// CallStarted is invoked when a call enters a worker
	CallStarted(at time.Time)

	// CallFinished is invoked when a call completes, successfully or not
	CallFinished(start, end time.Time, err error)
}

// NopCollector discards all observations
type NopCollector struct{}

func (NopCollector) CallStarted(time.Time) {}

func (NopCollector) CallFinished(time.Time, time.Time, error) {}

// -----------------------------------------------------------
// VictoriaMetrics backed collector
// -----------------------------------------------------------

// vmCollector exports per-server call metrics to the default metrics set
type vmCollector struct {
	inflight int64
	requests *metrics.Counter
	faults   *metrics.Counter
	duration *metrics.Summary
}

// NewVMCollector creates a collector exporting rpc_requests_total,
// rpc_faults_total, rpc_requests_inflight and rpc_request_duration_seconds,
// all labelled with the server name
func NewVMCollector(serverName string) ICollector {
	c := &vmCollector{
		requests: metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_requests_total{server=%q}`, serverName)),
		faults:   metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_faults_total{server=%q}`, serverName)),
		duration: metrics.GetOrCreateSummary(fmt.Sprintf(`rpc_request_duration_seconds{server=%q}`, serverName)),
	}
	metrics.GetOrCreateGauge(fmt.Sprintf(`rpc_requests_inflight{server=%q}`, serverName), func() float64 {
		return float64(atomic.LoadInt64(&c.inflight))
	})
	return c
}

func (c *vmCollector) CallStarted(time.Time) {
	atomic.AddInt64(&c.inflight, 1)
	c.requests.Inc()
}

func (c *vmCollector) CallFinished(start, end time.Time, err error) {
	atomic.AddInt64(&c.inflight, -1)
	if err != nil {
		c.faults.Inc()
	}
	c.duration.Update(end.Sub(start).Seconds())
}
