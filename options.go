package centroid

import (
	"log/slog"

	"github.com/hupe1980/centroid/device"
	"github.com/hupe1980/centroid/engine"
	"github.com/hupe1980/centroid/resource"
)

type options struct {
	runtime          device.Runtime
	engine           engine.Engine
	controller       *resource.Controller
	metricsCollector MetricsCollector
	logger           *Logger
	workers          int
	maxIterations    int
}

// Option configures Cluster behavior.
//
// Today options primarily exist to avoid exploding the API surface
// (e.g. runtime-specific entry point variants).
type Option func(*options)

// WithRuntime configures the device runtime the pipeline executes against.
//
// If nil is passed, a single-device in-process runtime is used.
func WithRuntime(rt device.Runtime) Option {
	return func(o *options) {
		o.runtime = rt
	}
}

// WithEngine configures the refinement engine that performs per-sample
// distance work. Pass a custom implementation to intercept candidate
// scoring and refinement; nil keeps the built-in engine.
func WithEngine(e engine.Engine) Option {
	return func(o *options) {
		o.engine = e
	}
}

// WithController configures a resource controller that bounds device memory
// consumption and transfer bandwidth. The controller is consulted by the
// runtime on every allocation; Cluster itself never blocks on it.
//
// Only honored when Cluster constructs its own runtime; an injected runtime
// carries its own controller.
func WithController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

// WithWorkers configures the host-side worker count used by the built-in
// engine to parallelize per-shard work. Values below 1 select GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithMaxIterations caps the refinement iteration count of the built-in
// engine. Values below 1 keep the default.
func WithMaxIterations(n int) Option {
	return func(o *options) {
		o.maxIterations = n
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &centroid.BasicMetricsCollector{}
//	result, _ := centroid.Cluster(ctx, cfg, centroid.WithMetricsCollector(metrics))
//	stats := metrics.GetStats()
//	fmt.Printf("Runs: %d, Avg latency: %dns\n", stats.RunCount, stats.RunAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := centroid.NewJSONLogger(slog.LevelInfo)
//	result, _ := centroid.Cluster(ctx, cfg, centroid.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
