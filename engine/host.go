package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/hupe1980/centroid/device"
	"github.com/hupe1980/centroid/devmem"
	"github.com/hupe1980/centroid/internal/math32"
)

// DefaultMaxIterations caps Refine when the tolerance is never reached.
const DefaultMaxIterations = 500

// groupingRounds is the number of Lloyd rounds used to group centroids for
// the accelerated variant. Grouping only needs to be approximate.
const groupingRounds = 5

// Host is the reference Engine. It runs the per-sample arithmetic in host
// code against the device-resident buffers, sharding samples across the
// participating devices and fanning the shards out over a worker pool.
//
// A real accelerator backend would execute the same contract with kernels;
// Host makes the module self-contained and is what the tests run against.
type Host struct {
	rt       device.Runtime
	logger   *slog.Logger
	maxIters int
	workers  int

	pool   *WorkerPool
	shape  devmem.Shape
	groups int
	shards []shard
}

// shard is a contiguous range of sample rows pinned to one device.
type shard struct {
	dev    device.Device
	pos    int // index into the plan's buffer sets
	lo, hi int
}

// HostOption configures a Host engine.
type HostOption func(*Host)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithMaxIterations overrides the refinement iteration cap.
func WithMaxIterations(n int) HostOption {
	return func(h *Host) {
		if n > 0 {
			h.maxIters = n
		}
	}
}

// WithWorkers sets the worker pool size. Defaults to GOMAXPROCS.
func WithWorkers(n int) HostOption {
	return func(h *Host) {
		h.workers = n
	}
}

// NewHost creates a reference engine on top of rt.
func NewHost(rt device.Runtime, opts ...HostOption) *Host {
	h := &Host{
		rt:       rt,
		maxIters: DefaultMaxIterations,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Setup implements Engine. It shards the sample range across the device set.
func (h *Host) Setup(ctx context.Context, shape devmem.Shape, groups int, devs []device.Device) error {
	if len(devs) == 0 {
		return fmt.Errorf("%w: empty device set", ErrNotConfigured)
	}

	h.shape = shape
	h.groups = groups

	h.shards = h.shards[:0]
	per := (shape.Samples + len(devs) - 1) / len(devs)
	for i, dev := range devs {
		lo := i * per
		hi := lo + per
		if hi > shape.Samples {
			hi = shape.Samples
		}
		if lo >= hi {
			continue
		}
		h.shards = append(h.shards, shard{dev: dev, pos: i, lo: lo, hi: hi})
	}

	if h.pool == nil {
		h.pool = NewWorkerPool(h.workers)
	}

	if h.logger != nil {
		h.logger.Debug("engine setup",
			"samples", shape.Samples,
			"features", shape.Features,
			"clusters", shape.Clusters,
			"groups", groups,
			"devices", len(devs),
		)
	}

	return nil
}

// Close releases the worker pool.
func (h *Host) Close() {
	if h.pool != nil {
		h.pool.Close()
		h.pool = nil
	}
}

// forEachShard runs fn for every shard in parallel and returns the first
// shard error. Prior shards always finish; failure never leaves work
// running.
func (h *Host) forEachShard(ctx context.Context, fn func(sh shard) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(h.shards))

	for i, sh := range h.shards {
		i, sh := i, sh
		wg.Add(1)
		if err := h.pool.Submit(ctx, func() {
			defer wg.Done()
			errs[i] = fn(sh)
		}); err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ScoreCandidates implements Engine.
func (h *Host) ScoreCandidates(ctx context.Context, k int, plan *devmem.Plan, hostDists []float32) (float64, error) {
	if len(h.shards) == 0 {
		return 0, ErrNotConfigured
	}

	f := h.shape.Features
	err := h.forEachShard(ctx, func(sh shard) error {
		// Land any queued centroid copies before reading.
		if err := h.rt.Sync(sh.dev); err != nil {
			return err
		}

		samples := plan.Samples[sh.pos].Data
		cents := plan.Centroids[sh.pos].Data
		for i := sh.lo; i < sh.hi; i++ {
			row := samples[i*f : (i+1)*f]
			best := float32(math.MaxFloat32)
			for c := 0; c < k; c++ {
				if d := math32.SquaredL2(row, cents[c*f:(c+1)*f]); d < best {
					best = d
				}
			}
			hostDists[i] = best
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return math32.Sum(hostDists), nil
}

// refineState carries the host-side working set of one Refine call.
type refineState struct {
	hostCents  []float32 // current centroid matrix
	prevCents  []float32 // previous iteration's centroids
	hostAssign []uint32

	counts []uint32

	// Per-shard partials, merged by the host between steps.
	partSums   [][]float32
	partCounts [][]uint32
	partMoved  []int

	// Accelerated variant.
	groupOf    []uint32  // centroid -> group
	drifts     []float32 // per-centroid displacement since last iteration
	groupDrift []float32 // max drift per group
}

// Refine implements Engine.
func (h *Host) Refine(ctx context.Context, tolerance float32, plan *devmem.Plan) error {
	if len(h.shards) == 0 {
		return ErrNotConfigured
	}

	shape := h.shape
	k, f, n := shape.Clusters, shape.Features, shape.Samples
	groups := plan.Groups

	// Land queued initialization copies on every queue.
	for _, sh := range h.shards {
		if err := h.rt.Sync(sh.dev); err != nil {
			return err
		}
	}

	st := &refineState{
		hostCents:  make([]float32, k*f),
		prevCents:  make([]float32, k*f),
		hostAssign: make([]uint32, n),
		counts:     make([]uint32, k),
		partSums:   make([][]float32, len(h.shards)),
		partCounts: make([][]uint32, len(h.shards)),
		partMoved:  make([]int, len(h.shards)),
	}
	for i := range h.shards {
		st.partSums[i] = make([]float32, k*f)
		st.partCounts[i] = make([]uint32, k)
	}

	// Seed the working centroids from the primary device.
	if err := h.rt.CopyFloat32(ctx, h.shards[0].dev, st.hostCents, plan.Centroids[0].Data); err != nil {
		return err
	}

	if groups >= 1 {
		st.drifts = make([]float32, k)
		st.groupDrift = make([]float32, groups)
		if err := h.groupCentroids(ctx, plan, st); err != nil {
			return err
		}
	}

	for iter := 0; iter < h.maxIters; iter++ {
		first := iter == 0

		// Replicate current centroids to every device.
		for _, sh := range h.shards {
			if err := h.rt.CopyFloat32Async(ctx, sh.dev, plan.Centroids[sh.pos].Data, st.hostCents); err != nil {
				return err
			}
		}

		if err := h.assignStep(ctx, plan, st, first); err != nil {
			return err
		}

		// Gather shard assignments; the blocking copies double as the
		// per-iteration sync points.
		moved := 0
		for i, sh := range h.shards {
			moved += st.partMoved[i]
			src := plan.Assignments[sh.pos].Data[sh.lo:sh.hi]
			if err := h.rt.CopyUint32(ctx, sh.dev, st.hostAssign[sh.lo:sh.hi], src); err != nil {
				return err
			}
		}

		if h.logger != nil {
			h.logger.Debug("refine iteration", "iteration", iter, "moved", moved)
		}

		if float32(moved) <= tolerance*float32(n) && !first {
			break
		}

		h.updateStep(plan, st)

		if groups >= 1 {
			if err := h.publishDrifts(ctx, plan, st); err != nil {
				return err
			}
		}
	}

	return h.publishResults(ctx, plan, st)
}

// assignStep computes the nearest centroid for every sample row, using the
// drift bounds to skip settled rows when the accelerated variant is active.
func (h *Host) assignStep(ctx context.Context, plan *devmem.Plan, st *refineState, first bool) error {
	k, f := h.shape.Clusters, h.shape.Features
	groups := plan.Groups

	return h.forEachShard(ctx, func(sh shard) error {
		if err := h.rt.Sync(sh.dev); err != nil {
			return err
		}

		samples := plan.Samples[sh.pos].Data
		cents := plan.Centroids[sh.pos].Data
		assign := plan.Assignments[sh.pos].Data
		prev := plan.PrevAssignments[sh.pos].Data

		sums := st.partSums[sh.pos]
		counts := st.partCounts[sh.pos]
		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}

		var bounds []float32
		var passed []uint32
		var groupBest, groupSecond []float32
		if groups >= 1 {
			bounds = plan.Bounds[sh.pos].Data
			passed = plan.Passed[sh.pos].Data
			groupBest = make([]float32, groups)
			groupSecond = make([]float32, groups)
		}

		moved := 0
		for i := sh.lo; i < sh.hi; i++ {
			prev[i] = assign[i]
			row := samples[i*f : (i+1)*f]

			var best uint32
			if groups >= 1 {
				best = h.assignRowBounded(row, cents, st, bounds[i*(groups+1):(i+1)*(groups+1)],
					assign[i], first, groupBest, groupSecond, passed, i)
			} else {
				best = assignRowFull(row, cents, k, f)
			}

			if !first && best != prev[i] {
				moved++
			}
			assign[i] = best
			counts[best]++
			sum := sums[int(best)*f : (int(best)+1)*f]
			for j, v := range row {
				sum[j] += v
			}
		}
		st.partMoved[sh.pos] = moved
		return nil
	})
}

// assignRowFull scans every centroid.
func assignRowFull(row, cents []float32, k, f int) uint32 {
	best := uint32(0)
	bestDist := float32(math.MaxFloat32)
	for c := 0; c < k; c++ {
		if d := math32.SquaredL2(row, cents[c*f:(c+1)*f]); d < bestDist {
			bestDist = d
			best = uint32(c)
		}
	}
	return best
}

// assignRowBounded maintains the per-row bound vector b: b[0] is an upper
// bound on the distance to the assigned centroid, b[1+g] a lower bound on
// the distance to any centroid of group g. Bounds are Euclidean (not
// squared) so the triangle inequality applies under centroid drift.
func (h *Host) assignRowBounded(row, cents []float32, st *refineState, b []float32,
	cur uint32, first bool, groupBest, groupSecond []float32, passed []uint32, rowIdx int) uint32 {
	f := h.shape.Features
	groups := len(groupBest)

	if !first {
		// Loosen by last iteration's drift, then try the global filter.
		b[0] += st.drifts[cur]
		minLB := float32(math.MaxFloat32)
		for g := 0; g < groups; g++ {
			b[1+g] -= st.groupDrift[g]
			if b[1+g] < minLB {
				minLB = b[1+g]
			}
		}
		if b[0] <= minLB {
			return cur
		}

		// Tighten the upper bound with one exact distance.
		b[0] = sqrt32(math32.SquaredL2(row, cents[int(cur)*f:(int(cur)+1)*f]))
		if b[0] <= minLB {
			return cur
		}
		passed[rowIdx]++
	}

	// Full scan, rebuilding exact bounds.
	for g := 0; g < groups; g++ {
		groupBest[g] = float32(math.MaxFloat32)
		groupSecond[g] = float32(math.MaxFloat32)
	}
	best := uint32(0)
	bestDist := float32(math.MaxFloat32)
	for c := 0; c < h.shape.Clusters; c++ {
		d := sqrt32(math32.SquaredL2(row, cents[c*f:(c+1)*f]))
		g := st.groupOf[c]
		if d < groupBest[g] {
			groupSecond[g] = groupBest[g]
			groupBest[g] = d
		} else if d < groupSecond[g] {
			groupSecond[g] = d
		}
		if d < bestDist {
			bestDist = d
			best = uint32(c)
		}
	}

	b[0] = bestDist
	bestGroup := st.groupOf[best]
	for g := 0; g < groups; g++ {
		if uint32(g) == bestGroup {
			b[1+g] = groupSecond[g]
		} else {
			b[1+g] = groupBest[g]
		}
	}
	return best
}

// updateStep recomputes centroids from the merged shard partials and, when
// the accelerated variant is active, the per-centroid drift.
func (h *Host) updateStep(plan *devmem.Plan, st *refineState) {
	k, f := h.shape.Clusters, h.shape.Features

	copy(st.prevCents, st.hostCents)
	for i := range st.counts {
		st.counts[i] = 0
	}

	sums := make([]float32, k*f)
	for s := range h.shards {
		for i, v := range st.partSums[s] {
			sums[i] += v
		}
		for c, v := range st.partCounts[s] {
			st.counts[c] += v
		}
	}

	for c := 0; c < k; c++ {
		if st.counts[c] == 0 {
			// Empty cluster: keep the previous centroid.
			continue
		}
		row := st.hostCents[c*f : (c+1)*f]
		copy(row, sums[c*f:(c+1)*f])
		math32.ScaleInPlace(row, 1/float32(st.counts[c]))
	}

	if plan.Groups >= 1 {
		for g := range st.groupDrift {
			st.groupDrift[g] = 0
		}
		for c := 0; c < k; c++ {
			d := sqrt32(math32.SquaredL2(st.hostCents[c*f:(c+1)*f], st.prevCents[c*f:(c+1)*f]))
			st.drifts[c] = d
			if g := st.groupOf[c]; d > st.groupDrift[g] {
				st.groupDrift[g] = d
			}
		}
	}
}

// publishDrifts mirrors the previous centroids and per-centroid drift into
// each device's drift buffer (layout: clusters x features previous
// centroids, then clusters drift scalars).
func (h *Host) publishDrifts(ctx context.Context, plan *devmem.Plan, st *refineState) error {
	kf := h.shape.CentroidsLen()
	for _, sh := range h.shards {
		buf := plan.Drifts[sh.pos].Data
		if err := h.rt.CopyFloat32Async(ctx, sh.dev, buf[:kf], st.prevCents); err != nil {
			return err
		}
		if err := h.rt.CopyFloat32Async(ctx, sh.dev, buf[kf:], st.drifts); err != nil {
			return err
		}
	}
	return nil
}

// publishResults replicates the final assignments, centroids, and cluster
// counts to every participating device. It walks the plan's device set, not
// the shards: with more devices than samples some devices carry no shard,
// yet callers may read results from any of them.
func (h *Host) publishResults(ctx context.Context, plan *devmem.Plan, st *refineState) error {
	for pos, dev := range plan.Devices() {
		if err := h.rt.CopyFloat32(ctx, dev, plan.Centroids[pos].Data, st.hostCents); err != nil {
			return err
		}
		if err := h.rt.CopyUint32(ctx, dev, plan.Assignments[pos].Data, st.hostAssign); err != nil {
			return err
		}
		if err := h.rt.CopyUint32(ctx, dev, plan.Counts[pos].Data, st.counts); err != nil {
			return err
		}
	}
	return nil
}

// groupCentroids clusters the centroid rows into plan.Groups groups with a
// short Lloyd run, publishing the group assignment and group centers to the
// scratch buffers. The group structure drives the drift bounds.
func (h *Host) groupCentroids(ctx context.Context, plan *devmem.Plan, st *refineState) error {
	k, f := h.shape.Clusters, h.shape.Features
	groups := plan.Groups

	st.groupOf = make([]uint32, k)
	centers := make([]float32, groups*f)

	// Seed group centers with evenly spaced centroid rows.
	for g := 0; g < groups; g++ {
		c := g * k / groups
		copy(centers[g*f:(g+1)*f], st.hostCents[c*f:(c+1)*f])
	}

	counts := make([]uint32, groups)
	sums := make([]float32, groups*f)
	for round := 0; round < groupingRounds; round++ {
		for c := 0; c < k; c++ {
			st.groupOf[c] = assignRowFull(st.hostCents[c*f:(c+1)*f], centers, groups, f)
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for c := 0; c < k; c++ {
			g := int(st.groupOf[c])
			counts[g]++
			row := st.hostCents[c*f : (c+1)*f]
			sum := sums[g*f : (g+1)*f]
			for j, v := range row {
				sum[j] += v
			}
		}
		for g := 0; g < groups; g++ {
			if counts[g] == 0 {
				continue
			}
			row := centers[g*f : (g+1)*f]
			copy(row, sums[g*f:(g+1)*f])
			math32.ScaleInPlace(row, 1/float32(counts[g]))
		}
	}

	// Publish to the scratch buffers. The group-centroid buffer may share
	// storage with the passed-flags buffer; it is only read here, before
	// the first passed-flag write.
	for _, sh := range h.shards {
		if err := h.rt.CopyUint32Async(ctx, sh.dev, plan.GroupAssignments[sh.pos].Data, st.groupOf); err != nil {
			return err
		}
		if err := h.rt.CopyFloat32Async(ctx, sh.dev, plan.GroupCentroids[sh.pos].Data, centers); err != nil {
			return err
		}
	}

	return nil
}

func sqrt32(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}
