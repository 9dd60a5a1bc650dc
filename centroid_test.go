package centroid

import (
	"context"
	"math/rand"
	"testing"

	"github.com/hupe1980/centroid/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(samples, features, clusters int) Config {
	return Config{
		Samples:     samples,
		Features:    features,
		Clusters:    clusters,
		Tolerance:   0.01,
		Seed:        42,
		DeviceMask:  0x1,
		SamplesData: make([]float32, samples*features),
		Centroids:   make([]float32, clusters*features),
		Assignments: make([]uint32, samples),
		Resident:    HostResident,
	}
}

func blobConfig(samples, features, clusters int) Config {
	cfg := validConfig(samples, features, clusters)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < samples; i++ {
		blob := i % clusters
		for j := 0; j < features; j++ {
			cfg.SamplesData[i*features+j] = float32(blob*100) + rng.Float32()
		}
	}
	return cfg
}

func TestClusterValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("TooFewSamples", func(t *testing.T) {
		cfg := validConfig(3, 2, 5)
		_, err := Cluster(ctx, cfg)
		require.ErrorIs(t, err, ErrInvalidArguments)

		var shapeErr *ErrInvalidShape
		require.ErrorAs(t, err, &shapeErr)
		assert.Equal(t, 3, shapeErr.Samples)
		assert.Equal(t, 5, shapeErr.Clusters)
	})

	t.Run("TooFewClusters", func(t *testing.T) {
		cfg := validConfig(10, 2, 1)
		_, err := Cluster(ctx, cfg)
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("ZeroFeatures", func(t *testing.T) {
		cfg := validConfig(10, 1, 2)
		cfg.Features = 0
		_, err := Cluster(ctx, cfg)
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("ZeroDeviceMask", func(t *testing.T) {
		cfg := validConfig(10, 2, 3)
		cfg.DeviceMask = 0
		_, err := Cluster(ctx, cfg)
		assert.ErrorIs(t, err, ErrNoSuchDevice)
	})

	t.Run("GeometryCheckedBeforeDeviceMask", func(t *testing.T) {
		// Both violations present; the shape error wins.
		cfg := validConfig(3, 2, 5)
		cfg.DeviceMask = 0
		_, err := Cluster(ctx, cfg)
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("MaskBeyondDeviceRange", func(t *testing.T) {
		cfg := validConfig(10, 2, 3)
		cfg.DeviceMask = 0x10 // bit 4 on a single-device runtime
		_, err := Cluster(ctx, cfg, WithRuntime(device.NewSimRuntime(1, 1<<20)))
		assert.ErrorIs(t, err, ErrNoSuchDevice)
	})

	t.Run("NilBuffers", func(t *testing.T) {
		cfg := validConfig(10, 2, 3)
		cfg.Assignments = nil
		_, err := Cluster(ctx, cfg)
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("ToleranceOutOfRange", func(t *testing.T) {
		cfg := validConfig(10, 2, 3)
		cfg.Tolerance = 1.5
		_, err := Cluster(ctx, cfg)
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("FractionOutOfRange", func(t *testing.T) {
		cfg := validConfig(10, 2, 3)
		cfg.AcceleratedFraction = 0.6
		_, err := Cluster(ctx, cfg)
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})
}

func TestClusterNoDeviceActivates(t *testing.T) {
	rt := device.NewSimRuntime(2, 1<<20, device.WithFailingDevices(0, 1))
	cfg := validConfig(10, 2, 3)
	cfg.DeviceMask = 0x3

	_, err := Cluster(context.Background(), cfg, WithRuntime(rt))
	assert.ErrorIs(t, err, ErrNoSuchDevice)
}

func TestClusterEndToEnd(t *testing.T) {
	ctx := context.Background()

	for _, method := range []InitMethod{InitRandom, InitPlusPlus} {
		t.Run(method.String(), func(t *testing.T) {
			cfg := blobConfig(300, 4, 3)
			cfg.InitMethod = method
			cfg.Tolerance = 0

			metrics := &BasicMetricsCollector{}
			res, err := Cluster(ctx, cfg, WithMetricsCollector(metrics))
			require.NoError(t, err)

			assert.Equal(t, 1, res.Devices)
			assert.Equal(t, 0, res.Groups)

			for i := 0; i < cfg.Samples; i++ {
				assert.Less(t, cfg.Assignments[i], uint32(cfg.Clusters))
			}
			if method == InitPlusPlus {
				// Spread seeding lands one centroid per blob, so blob
				// mates end up in the same cluster. Random seeding may
				// legitimately split a blob between two nearby seeds.
				for i := 0; i < cfg.Samples; i++ {
					assert.Equal(t, cfg.Assignments[i%cfg.Clusters], cfg.Assignments[i],
						"row %d left its blob", i)
				}
			}

			stats := metrics.GetStats()
			assert.Equal(t, int64(1), stats.RunCount)
			assert.Equal(t, int64(1), stats.InitCount)
			assert.Equal(t, int64(1), stats.RefineCount)
			assert.Positive(t, stats.MaterializeBytes)
		})
	}
}

func TestClusterAcceleratedEndToEnd(t *testing.T) {
	cfg := blobConfig(400, 4, 8)
	cfg.InitMethod = InitPlusPlus
	cfg.Tolerance = 0
	cfg.AcceleratedFraction = 0.5

	res, err := Cluster(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Groups)

	for i := 0; i < cfg.Samples; i++ {
		assert.Equal(t, cfg.Assignments[i%cfg.Clusters], cfg.Assignments[i])
	}
}

func TestClusterMultiDevice(t *testing.T) {
	rt := device.NewSimRuntime(3, 1<<26)
	cfg := blobConfig(240, 3, 4)
	cfg.InitMethod = InitPlusPlus
	cfg.DeviceMask = 0x7
	cfg.Tolerance = 0

	res, err := Cluster(context.Background(), cfg, WithRuntime(rt))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Devices)

	for i := 0; i < cfg.Samples; i++ {
		assert.Equal(t, cfg.Assignments[i%cfg.Clusters], cfg.Assignments[i])
	}
}

func TestClusterDropsFailedDevices(t *testing.T) {
	rt := device.NewSimRuntime(2, 1<<26, device.WithFailingDevices(0))
	cfg := blobConfig(120, 2, 3)
	cfg.DeviceMask = 0x3
	cfg.Tolerance = 0

	res, err := Cluster(context.Background(), cfg, WithRuntime(rt))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Devices)
}

func TestClusterZeroFractionDisablesScratch(t *testing.T) {
	cfg := validConfig(100, 2, 10)
	cfg.AcceleratedFraction = 0

	eng := &scriptedEngine{dists: make([]float32, cfg.Samples)}
	res, err := Cluster(context.Background(), cfg, WithEngine(eng))
	require.NoError(t, err)

	assert.Equal(t, 0, res.Groups)
	assert.Equal(t, 0, eng.setupGroups)
	assert.True(t, eng.refineCalled)
	assert.Equal(t, 0, eng.refineGroups)
	assert.Zero(t, eng.scratchBounds, "scratch buffers planned for fraction 0")
}

func TestClusterDeterministicWithFixedSeed(t *testing.T) {
	for _, method := range []InitMethod{InitRandom, InitPlusPlus} {
		t.Run(method.String(), func(t *testing.T) {
			run := func() ([]float32, []uint32) {
				cfg := blobConfig(200, 3, 5)
				cfg.InitMethod = method
				cfg.Seed = 1234
				_, err := Cluster(context.Background(), cfg)
				require.NoError(t, err)
				return cfg.Centroids, cfg.Assignments
			}

			c1, a1 := run()
			c2, a2 := run()
			assert.Equal(t, c1, c2)
			assert.Equal(t, a1, a2)
		})
	}
}

func TestClusterResidentDeviceSkipsCopyOut(t *testing.T) {
	rt := device.NewSimRuntime(1, 1<<26)
	cfg := blobConfig(120, 2, 3)
	cfg.InitMethod = InitPlusPlus
	cfg.Resident = 0
	cfg.Tolerance = 0

	metrics := &BasicMetricsCollector{}
	_, err := Cluster(context.Background(), cfg, WithRuntime(rt), WithMetricsCollector(metrics))
	require.NoError(t, err)

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.MaterializeCount)
	assert.Zero(t, stats.MaterializeBytes)

	// The refinement wrote straight into the caller's buffers.
	for i := 0; i < cfg.Samples; i++ {
		assert.Equal(t, cfg.Assignments[i%cfg.Clusters], cfg.Assignments[i])
	}
}

func TestClusterResidentDeviceWithoutShardGetsResults(t *testing.T) {
	// With more devices than samples the trailing devices carry no sample
	// shard. Results must still land in the caller's buffers when they
	// live on such a device and the copy-out is skipped.
	cfg := blobConfig(3, 2, 2)
	cfg.InitMethod = InitPlusPlus
	cfg.Tolerance = 0

	ref := blobConfig(3, 2, 2)
	ref.InitMethod = InitPlusPlus
	ref.Tolerance = 0
	_, err := Cluster(context.Background(), ref, WithRuntime(device.NewSimRuntime(1, 1<<26)))
	require.NoError(t, err)

	rt := device.NewSimRuntime(5, 1<<26)
	cfg.DeviceMask = 0x1F
	cfg.Resident = 4

	metrics := &BasicMetricsCollector{}
	res, err := Cluster(context.Background(), cfg, WithRuntime(rt), WithMetricsCollector(metrics))
	require.NoError(t, err)
	require.Equal(t, 5, res.Devices)

	stats := metrics.GetStats()
	assert.Zero(t, stats.MaterializeBytes, "resident device must alias, not copy")

	assert.Equal(t, ref.Assignments, cfg.Assignments)
	for i := range ref.Centroids {
		assert.InDelta(t, ref.Centroids[i], cfg.Centroids[i], 1e-4)
	}
}

func TestClusterCopyFailureSurfacesAsMemoryCopy(t *testing.T) {
	rt := device.NewSimRuntime(1, 1<<26, device.WithFailingCopies())
	cfg := validConfig(30, 2, 3)

	_, err := Cluster(context.Background(), cfg, WithRuntime(rt))
	assert.ErrorIs(t, err, ErrMemoryCopy)
}

func TestClusterAllocFailureReleasesAndSurfaces(t *testing.T) {
	rt := device.NewSimRuntime(1, 256) // heap too small for the sample upload
	cfg := validConfig(1000, 16, 10)

	_, err := Cluster(context.Background(), cfg, WithRuntime(rt))
	require.ErrorIs(t, err, ErrMemoryAllocation)

	info, merr := rt.MemInfo(0)
	require.NoError(t, merr)
	assert.Equal(t, info.Total, info.Free, "failed plan leaked device memory")
}
