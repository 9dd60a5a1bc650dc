package centroid

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    runCounter       prometheus.Counter
//	    refineHistogram  prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordRun(duration time.Duration, err error) {
//	    p.runCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordRun is called once per Cluster invocation.
	// duration is the total time taken, err is nil if successful.
	RecordRun(duration time.Duration, err error)

	// RecordInit is called after centroid initialization.
	// method identifies the seeding strategy used.
	RecordInit(method InitMethod, duration time.Duration, err error)

	// RecordRefine is called after the refinement run.
	RecordRefine(duration time.Duration, err error)

	// RecordMaterialize is called after the result copy-out.
	// bytes is the transferred volume; 0 when the copy was skipped.
	RecordMaterialize(bytes int64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordRun(time.Duration, error)                {}
func (NoopMetricsCollector) RecordInit(InitMethod, time.Duration, error)   {}
func (NoopMetricsCollector) RecordRefine(time.Duration, error)             {}
func (NoopMetricsCollector) RecordMaterialize(int64, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	RunCount          atomic.Int64
	RunErrors         atomic.Int64
	RunTotalNanos     atomic.Int64
	InitCount         atomic.Int64
	InitErrors        atomic.Int64
	InitTotalNanos    atomic.Int64
	RefineCount       atomic.Int64
	RefineErrors      atomic.Int64
	RefineTotalNanos  atomic.Int64
	MaterializeCount  atomic.Int64
	MaterializeErrors atomic.Int64
	MaterializeBytes  atomic.Int64
}

// RecordRun implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRun(duration time.Duration, err error) {
	b.RunCount.Add(1)
	b.RunTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.RunErrors.Add(1)
	}
}

// RecordInit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInit(method InitMethod, duration time.Duration, err error) {
	b.InitCount.Add(1)
	b.InitTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InitErrors.Add(1)
	}
}

// RecordRefine implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRefine(duration time.Duration, err error) {
	b.RefineCount.Add(1)
	b.RefineTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.RefineErrors.Add(1)
	}
}

// RecordMaterialize implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMaterialize(bytes int64, duration time.Duration, err error) {
	b.MaterializeCount.Add(1)
	b.MaterializeBytes.Add(bytes)
	if err != nil {
		b.MaterializeErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		RunCount:          b.RunCount.Load(),
		RunErrors:         b.RunErrors.Load(),
		RunAvgNanos:       avgNanos(&b.RunTotalNanos, &b.RunCount),
		InitCount:         b.InitCount.Load(),
		InitErrors:        b.InitErrors.Load(),
		InitAvgNanos:      avgNanos(&b.InitTotalNanos, &b.InitCount),
		RefineCount:       b.RefineCount.Load(),
		RefineErrors:      b.RefineErrors.Load(),
		RefineAvgNanos:    avgNanos(&b.RefineTotalNanos, &b.RefineCount),
		MaterializeCount:  b.MaterializeCount.Load(),
		MaterializeErrors: b.MaterializeErrors.Load(),
		MaterializeBytes:  b.MaterializeBytes.Load(),
	}
}

func avgNanos(total, count *atomic.Int64) int64 {
	c := count.Load()
	if c == 0 {
		return 0
	}
	return total.Load() / c
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	RunCount          int64
	RunErrors         int64
	RunAvgNanos       int64
	InitCount         int64
	InitErrors        int64
	InitAvgNanos      int64
	RefineCount       int64
	RefineErrors      int64
	RefineAvgNanos    int64
	MaterializeCount  int64
	MaterializeErrors int64
	MaterializeBytes  int64
}
