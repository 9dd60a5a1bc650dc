package centroid

import (
	"context"
	"math/rand"
	"testing"

	"github.com/hupe1980/centroid/device"
	"github.com/hupe1980/centroid/devmem"
	"github.com/hupe1980/centroid/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engineForPlan(t *testing.T, rt device.Runtime, shape devmem.Shape, devs []device.Device) engine.Engine {
	t.Helper()

	h := engine.NewHost(rt)
	t.Cleanup(h.Close)
	require.NoError(t, h.Setup(context.Background(), shape, 0, devs))

	return h
}

// scriptedEngine is an Engine stub with a fixed candidate distance
// distribution. It records what the pipeline hands it.
type scriptedEngine struct {
	dists []float32

	setupGroups   int
	refineCalled  bool
	refineGroups  int
	scratchBounds int
}

func (e *scriptedEngine) Setup(ctx context.Context, shape devmem.Shape, groups int, devs []device.Device) error {
	e.setupGroups = groups
	return nil
}

func (e *scriptedEngine) ScoreCandidates(ctx context.Context, k int, plan *devmem.Plan, hostDists []float32) (float64, error) {
	copy(hostDists, e.dists)
	var sum float64
	for _, d := range e.dists {
		sum += float64(d)
	}
	return sum, nil
}

func (e *scriptedEngine) Refine(ctx context.Context, tolerance float32, plan *devmem.Plan) error {
	e.refineCalled = true
	e.refineGroups = plan.Groups
	e.scratchBounds = len(plan.Bounds)
	return nil
}

func newTestPlan(t *testing.T, rt device.Runtime, shape devmem.Shape, groups int, samples []float32) (*devmem.Plan, []device.Device) {
	t.Helper()

	devs, err := device.Resolve(rt, 1, nil)
	require.NoError(t, err)

	plan, err := devmem.NewPlan(context.Background(), rt, shape, groups, devs, devmem.Input{
		Samples:     samples,
		Centroids:   make([]float32, shape.CentroidsLen()),
		Assignments: make([]uint32, shape.Samples),
		Resident:    devmem.HostResident,
	})
	require.NoError(t, err)
	t.Cleanup(plan.Release)

	return plan, devs
}

func distinctRows(n, f int) []float32 {
	samples := make([]float32, n*f)
	for i := 0; i < n; i++ {
		for j := 0; j < f; j++ {
			samples[i*f+j] = float32(i*f + j)
		}
	}
	return samples
}

func rowOf(t *testing.T, samples []float32, f int, row []float32) int {
	t.Helper()
	for i := 0; i*f < len(samples); i++ {
		match := true
		for j := 0; j < f; j++ {
			if samples[i*f+j] != row[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	t.Fatalf("centroid row %v is not a sample row", row)
	return -1
}

func TestInitCentroidRowsComeFromSamples(t *testing.T) {
	ctx := context.Background()
	shape := devmem.Shape{Samples: 50, Features: 3, Clusters: 8}
	samples := distinctRows(shape.Samples, shape.Features)

	for _, method := range []InitMethod{InitRandom, InitPlusPlus} {
		t.Run(method.String(), func(t *testing.T) {
			rt := device.NewSimRuntime(1, 1<<24)
			plan, devs := newTestPlan(t, rt, shape, 0, samples)

			eng := engineForPlan(t, rt, shape, devs)
			in := newInitializer(rt, eng, NoopLogger(), 42)
			require.NoError(t, in.run(ctx, method, plan))
			require.NoError(t, rt.Sync(devs[0]))

			f := shape.Features
			for c := 0; c < shape.Clusters; c++ {
				row := plan.Centroids[0].Data[c*f : (c+1)*f]
				idx := rowOf(t, samples, f, row)
				assert.GreaterOrEqual(t, idx, 0)
				assert.Less(t, idx, shape.Samples)
			}
		})
	}
}

func TestInitRandomKeepsDuplicates(t *testing.T) {
	ctx := context.Background()
	shape := devmem.Shape{Samples: 4, Features: 1, Clusters: 4}
	samples := distinctRows(shape.Samples, shape.Features)

	found := false
	for seed := int64(0); seed < 50 && !found; seed++ {
		rt := device.NewSimRuntime(1, 1<<20)
		plan, devs := newTestPlan(t, rt, shape, 0, samples)

		in := newInitializer(rt, nil, NoopLogger(), seed)
		require.NoError(t, in.run(ctx, InitRandom, plan))
		require.NoError(t, rt.Sync(devs[0]))

		seen := map[float32]bool{}
		for c := 0; c < shape.Clusters; c++ {
			v := plan.Centroids[0].Data[c]
			if seen[v] {
				found = true
				break
			}
			seen[v] = true
		}
		plan.Release()
	}

	assert.True(t, found, "sampling with replacement never produced a duplicate in 50 seeds")
}

func TestInitPlusPlusSelectionProportionalToDistance(t *testing.T) {
	ctx := context.Background()
	shape := devmem.Shape{Samples: 4, Features: 1, Clusters: 2}
	samples := []float32{0, 1, 2, 3}
	dists := []float32{1, 2, 3, 4}

	const trials = 20000
	counts := make([]int, shape.Samples)

	for seed := int64(0); seed < trials; seed++ {
		rt := device.NewSimRuntime(1, 1<<20)
		plan, devs := newTestPlan(t, rt, shape, 0, samples)

		in := newInitializer(rt, &scriptedEngine{dists: dists}, NoopLogger(), seed)
		require.NoError(t, in.run(ctx, InitPlusPlus, plan))
		require.NoError(t, rt.Sync(devs[0]))

		counts[int(plan.Centroids[0].Data[1])]++
		plan.Release()
	}

	var sum float32
	for _, d := range dists {
		sum += d
	}
	for i, c := range counts {
		got := float64(c) / trials
		want := float64(dists[i]) / float64(sum)
		assert.InDelta(t, want, got, 0.02, "sample %d", i)
	}
}

func TestInitDeterministicWithFixedSeed(t *testing.T) {
	ctx := context.Background()
	shape := devmem.Shape{Samples: 100, Features: 2, Clusters: 10}
	samples := distinctRows(shape.Samples, shape.Features)

	for _, method := range []InitMethod{InitRandom, InitPlusPlus} {
		t.Run(method.String(), func(t *testing.T) {
			run := func() []float32 {
				rt := device.NewSimRuntime(1, 1<<24)
				plan, devs := newTestPlan(t, rt, shape, 0, samples)

				eng := engineForPlan(t, rt, shape, devs)
				in := newInitializer(rt, eng, NoopLogger(), 7)
				require.NoError(t, in.run(ctx, method, plan))
				require.NoError(t, rt.Sync(devs[0]))

				out := make([]float32, shape.CentroidsLen())
				copy(out, plan.Centroids[0].Data)
				return out
			}

			assert.Equal(t, run(), run())
		})
	}
}

func TestPickIndexMatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	// Integer-valued distances keep the float64 prefix arithmetic exact, so
	// the jump-and-correct search must agree with the naive scan bit for bit.
	n := 5000
	dists := make([]float32, n)
	var sum float64
	for i := range dists {
		dists[i] = float32(rng.Intn(10))
		sum += float64(dists[i])
	}

	naive := func(target float64) int {
		return scanForward(dists, 0, 0, target)
	}

	t.Run("RandomDraws", func(t *testing.T) {
		for trial := 0; trial < 1000; trial++ {
			r := rng.Float64()
			approx := int(r * float64(n))
			target := r * sum
			assert.Equal(t, naive(target), pickIndex(dists, approx, target),
				"r=%v approx=%d", r, approx)
		}
	})

	t.Run("SmallApprox", func(t *testing.T) {
		for approx := 0; approx < linearScanThreshold; approx += 7 {
			target := float64(approx) / float64(n) * sum
			assert.Equal(t, naive(target), pickIndex(dists, approx, target))
		}
	})

	t.Run("LastIndexApprox", func(t *testing.T) {
		approx := n - 1
		for _, target := range []float64{0, sum / 2, sum * 0.999, sum} {
			assert.Equal(t, naive(target), pickIndex(dists, approx, target))
		}
	})

	t.Run("ZeroDistanceSum", func(t *testing.T) {
		zeros := make([]float32, 500)
		assert.Equal(t, 0, pickIndex(zeros, 250, 0))
		assert.Equal(t, 0, scanForward(zeros, 0, 0, 0))
	})
}
