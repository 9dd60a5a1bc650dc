package centroid

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/hupe1980/centroid/device"
	"github.com/hupe1980/centroid/devmem"
	"github.com/hupe1980/centroid/engine"
	"github.com/hupe1980/centroid/internal/math32"
)

// InitMethod selects the centroid seeding strategy.
type InitMethod int

const (
	// InitRandom draws centroid rows uniformly from the samples, with
	// replacement; duplicate centroids are possible and not corrected.
	InitRandom InitMethod = iota

	// InitPlusPlus seeds with weighted K-means++ sampling: each next
	// centroid is drawn with probability proportional to its squared
	// distance from the centroids chosen so far.
	InitPlusPlus
)

// String implements fmt.Stringer.
func (m InitMethod) String() string {
	switch m {
	case InitPlusPlus:
		return "kmeans++"
	default:
		return "random"
	}
}

const (
	// blockingCopyStride bounds the outstanding asynchronous queue depth
	// during random seeding: every strideth centroid copy (and the last
	// one) is issued blocking, draining the queue behind it.
	blockingCopyStride = 1000

	// linearScanThreshold is the expected landing index below which the
	// candidate search walks the prefix from zero instead of jumping.
	linearScanThreshold = 100
)

// initializer seeds the centroid matrix on every participating device. It
// owns its random source so runs are reproducible from the configured seed.
type initializer struct {
	rt     device.Runtime
	eng    engine.Engine
	logger *Logger
	rng    *rand.Rand
}

func newInitializer(rt device.Runtime, eng engine.Engine, logger *Logger, seed int64) *initializer {
	return &initializer{
		rt:     rt,
		eng:    eng,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (in *initializer) run(ctx context.Context, method InitMethod, plan *devmem.Plan) error {
	switch method {
	case InitPlusPlus:
		return in.plusPlus(ctx, plan)
	default:
		return in.random(ctx, plan)
	}
}

func (in *initializer) random(ctx context.Context, plan *devmem.Plan) error {
	shape := plan.Shape()
	in.logger.InfoContext(ctx, "randomly picking initial centroids", "clusters", shape.Clusters)

	for c := 0; c < shape.Clusters; c++ {
		row := in.rng.Intn(shape.Samples)
		blocking := (c+1)%blockingCopyStride == 0 || c == shape.Clusters-1
		if blocking {
			in.logger.DebugContext(ctx, "seeding progress", "centroid", c+1)
		}
		if err := in.copyRow(ctx, plan, c, row, blocking); err != nil {
			return err
		}
	}

	return nil
}

func (in *initializer) plusPlus(ctx context.Context, plan *devmem.Plan) error {
	shape := plan.Shape()
	in.logger.InfoContext(ctx, "performing kmeans++ seeding", "clusters", shape.Clusters)

	if err := in.copyRow(ctx, plan, 0, in.rng.Intn(shape.Samples), false); err != nil {
		return err
	}

	hostDists := make([]float32, shape.Samples)
	for i := 1; i < shape.Clusters; i++ {
		in.logger.DebugContext(ctx, "seeding step", "candidate", i)

		sum, err := in.eng.ScoreCandidates(ctx, i, plan, hostDists)
		if err != nil {
			return fmt.Errorf("score candidates: %w", err)
		}
		if math.IsNaN(sum) || math.IsInf(sum, 0) {
			panic("centroid: candidate distance sum is not finite")
		}

		r := in.rng.Float64()
		row := pickIndex(hostDists, int(r*float64(shape.Samples)), r*sum)
		if err := in.copyRow(ctx, plan, i, row, false); err != nil {
			return err
		}
	}

	return nil
}

// copyRow copies sample row into centroid row c on every participating
// device.
func (in *initializer) copyRow(ctx context.Context, plan *devmem.Plan, c, row int, blocking bool) error {
	f := plan.Shape().Features

	for pos, dev := range plan.Devices() {
		dst := plan.Centroids[pos].Data[c*f : (c+1)*f]
		src := plan.Samples[pos].Data[row*f : (row+1)*f]

		var err error
		if blocking {
			err = in.rt.CopyFloat32(ctx, dev, dst, src)
		} else {
			err = in.rt.CopyFloat32Async(ctx, dev, dst, src)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// pickIndex locates the smallest sample index whose running distance prefix
// sum reaches target. approx is the expected landing index under a near
// uniform distance distribution; for large values the search sums the prefix
// up to approx in one reducible pass and corrects forward or backward from
// there, avoiding a full scan in the common case. A zero target degenerates
// to index 0.
func pickIndex(dists []float32, approx int, target float64) int {
	if approx < linearScanThreshold {
		return scanForward(dists, 0, 0, target)
	}

	partial := math32.PrefixSum(dists, approx)
	if partial < target {
		return scanForward(dists, approx, partial, target)
	}

	j := approx
	if j > len(dists) {
		j = len(dists)
	}
	j--
	acc := partial
	for j > 0 && acc-float64(dists[j]) >= target {
		acc -= float64(dists[j])
		j--
	}

	return j
}

// scanForward returns the first index at or after start where the running
// sum reaches target, or the last index when it never does.
func scanForward(dists []float32, start int, acc, target float64) int {
	for j := start; j < len(dists); j++ {
		acc += float64(dists[j])
		if acc >= target {
			return j
		}
	}

	return len(dists) - 1
}
