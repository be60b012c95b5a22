// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - intercepted/adapted/passthrough: What the interceptor decided
//   - attempts/retries:                Delivery cost
//   - in_process/transport:            Which channel delivered
//   - failures/fail_open:              Exhausted deliveries and replays
//
// Exposed at /_gateway/stats.
package monitoring

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	requests       atomic.Int64
	successes      atomic.Int64
	intercepted    atomic.Int64
	adapted        atomic.Int64
	passthrough    atomic.Int64
	splitRejected  atomic.Int64
	attempts       atomic.Int64
	retries        atomic.Int64
	inProcess      atomic.Int64
	transport      atomic.Int64
	failures       atomic.Int64
	failOpen       atomic.Int64
	normalizations atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRequest records a request served by the gateway.
func (mc *MetricsCollector) RecordRequest(success bool, _ time.Duration) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
}

// RecordOutcome records how an intercepted call was handled.
func (mc *MetricsCollector) RecordOutcome(o Outcome) {
	mc.intercepted.Add(1)
	switch o {
	case OutcomePassthrough:
		mc.passthrough.Add(1)
	case OutcomeSplitRejected:
		mc.splitRejected.Add(1)
	case OutcomeInProcess:
		mc.adapted.Add(1)
		mc.inProcess.Add(1)
	case OutcomeTransport:
		mc.adapted.Add(1)
		mc.transport.Add(1)
	case OutcomeFailOpen:
		mc.failOpen.Add(1)
	}
}

// RecordAttempt records one delivery attempt; retry is true for every
// attempt after the first of a delivery.
func (mc *MetricsCollector) RecordAttempt(retry bool) {
	mc.attempts.Add(1)
	if retry {
		mc.retries.Add(1)
	}
}

// RecordFailure records a delivery that exhausted its attempts.
func (mc *MetricsCollector) RecordFailure() { mc.failures.Add(1) }

// RecordNormalization records a reshaped response.
func (mc *MetricsCollector) RecordNormalization() { mc.normalizations.Add(1) }

// Stats returns current metrics.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"requests":       mc.requests.Load(),
		"successes":      mc.successes.Load(),
		"intercepted":    mc.intercepted.Load(),
		"adapted":        mc.adapted.Load(),
		"passthrough":    mc.passthrough.Load(),
		"split_rejected": mc.splitRejected.Load(),
		"attempts":       mc.attempts.Load(),
		"retries":        mc.retries.Load(),
		"in_process":     mc.inProcess.Load(),
		"transport":      mc.transport.Load(),
		"failures":       mc.failures.Load(),
		"fail_open":      mc.failOpen.Load(),
		"normalizations": mc.normalizations.Load(),
	}
}
