// Package metrics provides performance measurement and Prometheus
// instrumentation for the snapshot engine, generalizing the teacher's
// perf.Timer/PipelineMetrics into named counters and histograms for COW,
// MOW, bitmap materialization, pending-COW rendezvous waits, and lifecycle
// operation durations.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Timer tracks operation timing for performance analysis, unchanged in
// shape from the teacher's perf.Timer.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{name: name, startTime: time.Now(), logger: logger}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{"operation": t.name, "duration_ms": duration.Milliseconds()}).Info("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{"operation": t.name, "duration_ms": duration.Milliseconds()}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// Metrics is the snapshot engine's Prometheus collector set.
type Metrics struct {
	COWTotal         *prometheus.CounterVec
	MOWTotal         *prometheus.CounterVec
	BitmapMaterializations prometheus.Counter
	RendezvousWait   prometheus.Histogram
	LifecycleOpDuration *prometheus.HistogramVec
}

// New constructs and registers a Metrics set against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default
// registry across test runs. A nil reg leaves the collectors unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		COWTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapfs_cow_total",
			Help: "Copy-on-write operations performed, by outcome.",
		}, []string{"outcome"}),
		MOWTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapfs_mow_total",
			Help: "Move-on-write operations performed, by outcome.",
		}, []string{"outcome"}),
		BitmapMaterializations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapfs_bitmap_materializations_total",
			Help: "Per-group COW bitmap materializations performed.",
		}),
		RendezvousWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapfs_pending_cow_rendezvous_wait_seconds",
			Help:    "Time spent waiting for a concurrent COW-bitmap materialization to complete.",
			Buckets: prometheus.DefBuckets,
		}),
		LifecycleOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snapfs_lifecycle_operation_duration_seconds",
			Help:    "Duration of lifecycle operations (create/take/enable/disable/delete/update/shrink/merge/remove), by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"})}

	if reg != nil {
		reg.MustRegister(m.COWTotal, m.MOWTotal, m.BitmapMaterializations, m.RendezvousWait, m.LifecycleOpDuration)
	}
	return m
}

// ObserveLifecycleOp is a convenience wrapper: call with defer to time a
// lifecycle operation and record it under operation's name.
func (m *Metrics) ObserveLifecycleOp(operation string) func() {
	start := time.Now()
	return func() {
		m.LifecycleOpDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

type contextKey struct{}

// WithMetrics adds m to ctx.
func WithMetrics(ctx context.Context, m *Metrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// FromContext retrieves metrics bound via WithMetrics, or nil.
func FromContext(ctx context.Context) *Metrics {
	m, _ := ctx.Value(contextKey{}).(*Metrics)
	return m
}
