// Package centroid computes K-means clustering of large sample sets across
// one or more compute devices.
//
// The package implements the host-side orchestration of a multi-device
// clustering pipeline with production-ready features including:
//
//   - Device topology resolution from a selector bitmask
//   - Device-scoped memory planning with owned/borrowed buffer handles
//   - Scratch buffer reuse for the accelerated (Yinyang) refinement variant
//   - Uniform-random and weighted K-means++ centroid seeding
//   - Pluggable refinement engines and device runtimes
//   - Resource-controlled device memory and transfer bandwidth
//   - Cluster membership bitmaps and compressed model snapshots
//
// # Quick Start
//
// Cluster host-resident samples on the default in-process runtime:
//
//	ctx := context.Background()
//	cfg := centroid.Config{
//	    Samples:  10000,
//	    Features: 16,
//	    Clusters: 32,
//	    Seed:     42,
//	    DeviceMask: 0x1,
//	    InitMethod: centroid.InitPlusPlus,
//	    Tolerance:  0.01,
//	    AcceleratedFraction: 0.1,
//	    SamplesData: samples,
//	    Centroids:   make([]float32, 32*16),
//	    Assignments: make([]uint32, 10000),
//	    Resident:    centroid.HostResident,
//	}
//	result, err := centroid.Cluster(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Multi-device runs shard the per-sample work across every selected device;
// samples, centroids and assignments are replicated so each device can work
// independently between synchronization points.
package centroid

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hupe1980/centroid/device"
	"github.com/hupe1980/centroid/devmem"
	"github.com/hupe1980/centroid/engine"
)

// HostResident marks caller buffers that live in host memory.
const HostResident = devmem.HostResident

// defaultSimHeapBytes sizes the per-device heap of the fallback in-process
// runtime.
const defaultSimHeapBytes = 1 << 30

// Config describes one clustering problem: its geometry, the seeding and
// refinement parameters, the participating devices, and the caller's buffers.
type Config struct {
	// Samples, Features and Clusters define the problem geometry. The
	// sample matrix is Samples x Features row-major, the centroid matrix
	// Clusters x Features.
	Samples  int
	Features int
	Clusters int

	// InitMethod selects the centroid seeding strategy.
	InitMethod InitMethod

	// Tolerance stops refinement once the fraction of samples changing
	// assignment in one iteration drops to or below it. Must be in [0, 1].
	Tolerance float32

	// AcceleratedFraction controls the accelerated refinement variant:
	// the group count is floor(AcceleratedFraction * Clusters), and 0
	// disables the variant entirely. Must be in [0, 0.5].
	AcceleratedFraction float32

	// Seed makes both seeding strategies deterministic.
	Seed int64

	// DeviceMask selects participating devices; bit i enables device i.
	DeviceMask uint64

	// SamplesData is the read-only sample matrix.
	SamplesData []float32

	// Centroids is the caller's centroid buffer. It is written with the
	// final centroid matrix; its initial contents are ignored.
	Centroids []float32

	// Assignments receives the final cluster index of every sample.
	Assignments []uint32

	// Resident names the device on which the caller's slices live, or
	// HostResident. When it names a participating device the pipeline
	// computes directly in the caller's buffers and skips the final
	// copy-out.
	Resident device.Device
}

func (c Config) shape() devmem.Shape {
	return devmem.Shape{Samples: c.Samples, Features: c.Features, Clusters: c.Clusters}
}

// Result reports the outcome of a Cluster run. Centroids and Assignments
// alias the buffers supplied in Config.
type Result struct {
	Centroids   []float32
	Assignments []uint32

	// Devices is the number of devices that participated.
	Devices int

	// Groups is the accelerated-variant group count used; 0 means the
	// plain refinement path ran.
	Groups int
}

// Cluster runs the full pipeline: validation, device resolution, memory
// planning, centroid seeding, refinement and result materialization.
//
// The caller's Centroids and Assignments buffers hold the final model on
// success. On failure every buffer the pipeline allocated has been released
// and the returned error wraps exactly one of the package sentinels.
func Cluster(ctx context.Context, cfg Config, optFns ...Option) (*Result, error) {
	start := time.Now()
	opts := applyOptions(optFns)

	rt := opts.runtime
	if rt == nil {
		var simOpts []device.SimOption
		if opts.controller != nil {
			simOpts = append(simOpts, device.WithController(opts.controller))
		}
		rt = device.NewSimRuntime(1, defaultSimHeapBytes, simOpts...)
	}

	res, err := run(ctx, cfg, rt, opts)
	opts.metricsCollector.RecordRun(time.Since(start), err)
	return res, err
}

func run(ctx context.Context, cfg Config, rt device.Runtime, opts options) (*Result, error) {
	logger := opts.logger
	metrics := opts.metricsCollector

	logger.DebugContext(ctx, "clustering arguments",
		"method", cfg.InitMethod.String(),
		"tolerance", cfg.Tolerance,
		"fraction", cfg.AcceleratedFraction,
		"samples", cfg.Samples,
		"features", cfg.Features,
		"clusters", cfg.Clusters,
		"seed", cfg.Seed,
		"device_mask", cfg.DeviceMask,
	)

	if err := validateArgs(cfg, rt); err != nil {
		return nil, err
	}

	devs, err := device.Resolve(rt, cfg.DeviceMask, logger.Logger)
	if err != nil {
		return nil, translateError(err)
	}

	shape := cfg.shape()
	groups := devmem.GroupCount(cfg.AcceleratedFraction, cfg.Clusters)
	logger.DebugContext(ctx, "accelerated groups", "groups", groups)

	plan, err := devmem.NewPlan(ctx, rt, shape, groups, devs, devmem.Input{
		Samples:     cfg.SamplesData,
		Centroids:   cfg.Centroids,
		Assignments: cfg.Assignments,
		Resident:    cfg.Resident,
	})
	logger.LogPlan(ctx, len(devs), groups, plan != nil && plan.GroupCentroidsReused(), err)
	if err != nil {
		return nil, translateError(err)
	}
	defer plan.Release()

	if logger.Enabled(ctx, slog.LevelDebug) {
		if err := logMemoryStats(ctx, rt, devs, logger); err != nil {
			return nil, translateError(err)
		}
	}

	eng := opts.engine
	if eng == nil {
		host := engine.NewHost(rt,
			engine.WithLogger(logger.Logger),
			engine.WithWorkers(opts.workers),
			engine.WithMaxIterations(opts.maxIterations),
		)
		defer host.Close()
		eng = host
	}

	if err := eng.Setup(ctx, shape, groups, devs); err != nil {
		return nil, translateError(err)
	}

	initStart := time.Now()
	init := newInitializer(rt, eng, logger, cfg.Seed)
	err = init.run(ctx, cfg.InitMethod, plan)
	metrics.RecordInit(cfg.InitMethod, time.Since(initStart), err)
	logger.LogInit(ctx, cfg.InitMethod, cfg.Clusters, err)
	if err != nil {
		return nil, translateError(err)
	}

	refineStart := time.Now()
	err = eng.Refine(ctx, cfg.Tolerance, plan)
	metrics.RecordRefine(time.Since(refineStart), err)
	logger.LogRefine(ctx, groups, err)
	if err != nil {
		return nil, translateError(err)
	}

	if err := materialize(ctx, cfg, rt, plan, devs, logger, metrics); err != nil {
		return nil, err
	}

	return &Result{
		Centroids:   cfg.Centroids,
		Assignments: cfg.Assignments,
		Devices:     len(devs),
		Groups:      groups,
	}, nil
}

func validateArgs(cfg Config, rt device.Runtime) error {
	if cfg.Clusters < 2 || int64(cfg.Clusters) >= math.MaxUint32 {
		return &ErrInvalidShape{Samples: cfg.Samples, Features: cfg.Features, Clusters: cfg.Clusters}
	}
	if cfg.Features == 0 {
		return &ErrInvalidShape{Samples: cfg.Samples, Features: cfg.Features, Clusters: cfg.Clusters}
	}
	if cfg.Samples < cfg.Clusters {
		return &ErrInvalidShape{Samples: cfg.Samples, Features: cfg.Features, Clusters: cfg.Clusters}
	}
	if cfg.DeviceMask == 0 {
		return fmt.Errorf("%w: empty device selector", ErrNoSuchDevice)
	}
	count, err := rt.DeviceCount()
	if err != nil {
		return translateError(err)
	}
	// A selector of exactly 1<<count passes here; resolution drops the
	// phantom bit when its device fails to activate.
	if count < 63 && cfg.DeviceMask > uint64(1)<<uint(count) {
		return fmt.Errorf("%w: selector %#x exceeds %d available devices", ErrNoSuchDevice, cfg.DeviceMask, count)
	}
	if cfg.SamplesData == nil || cfg.Centroids == nil || cfg.Assignments == nil {
		return fmt.Errorf("%w: nil sample, centroid or assignment buffer", ErrInvalidArguments)
	}
	if cfg.Tolerance < 0 || cfg.Tolerance > 1 {
		return fmt.Errorf("%w: tolerance %v outside [0, 1]", ErrInvalidArguments, cfg.Tolerance)
	}
	if cfg.AcceleratedFraction < 0 || cfg.AcceleratedFraction > 0.5 {
		return fmt.Errorf("%w: accelerated fraction %v outside [0, 0.5]", ErrInvalidArguments, cfg.AcceleratedFraction)
	}
	return nil
}

func logMemoryStats(ctx context.Context, rt device.Runtime, devs []device.Device, logger *Logger) error {
	for _, dev := range devs {
		info, err := rt.MemInfo(dev)
		if err != nil {
			return err
		}
		logger.LogMemoryStats(ctx, int(dev), info.Total-info.Free, info.Free, info.Total)
	}
	return nil
}

// materialize copies the final centroids and assignments into the caller's
// buffers. When the caller's buffers were borrowed by a participating device
// the results are already in place and no transfer happens.
func materialize(ctx context.Context, cfg Config, rt device.Runtime, plan *devmem.Plan, devs []device.Device, logger *Logger, metrics MetricsCollector) error {
	start := time.Now()

	// When a participating device borrowed the caller's buffers the
	// refinement already wrote the results in place.
	for _, dev := range devs {
		if cfg.Resident == dev {
			metrics.RecordMaterialize(0, time.Since(start), nil)
			logger.LogMaterialize(ctx, true, 0, nil)
			return nil
		}
	}

	shape := cfg.shape()
	bytes := int64(shape.CentroidsLen()+shape.Samples) * 4
	primary := devs[0]

	err := rt.CopyFloat32(ctx, primary, cfg.Centroids, plan.Centroids[0].Data)
	if err == nil {
		err = rt.CopyUint32(ctx, primary, cfg.Assignments, plan.Assignments[0].Data)
	}
	metrics.RecordMaterialize(bytes, time.Since(start), err)
	logger.LogMaterialize(ctx, false, bytes, err)
	if err != nil {
		return translateError(err)
	}
	return nil
}
