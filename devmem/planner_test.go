package devmem

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/centroid/device"
)

func testShape() Shape {
	return Shape{Samples: 100, Features: 4, Clusters: 8}
}

func testInput(shape Shape, resident device.Device) Input {
	return Input{
		Samples:     make([]float32, shape.SamplesLen()),
		Centroids:   make([]float32, shape.CentroidsLen()),
		Assignments: make([]uint32, shape.Samples),
		Resident:    resident,
	}
}

func TestPlanHostResidentAllocatesEverywhere(t *testing.T) {
	ctx := context.Background()
	rt := device.NewSimRuntime(2, 1<<24)
	shape := testShape()

	p, err := NewPlan(ctx, rt, shape, 0, []device.Device{0, 1}, testInput(shape, HostResident))
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	defer p.Release()

	for i := range p.Samples {
		if !p.Samples[i].Owned() {
			t.Errorf("samples[%d] should be owned for host-resident input", i)
		}
		if !p.Centroids[i].Owned() || !p.Assignments[i].Owned() {
			t.Errorf("outputs[%d] should be owned for host-resident input", i)
		}
	}

	// Uploads are queued async; a sync point lands them.
	if rt.Pending(0) == 0 {
		t.Error("host sample upload should be queued asynchronously")
	}

	if len(p.GroupAssignments) != 0 || len(p.Bounds) != 0 {
		t.Error("no scratch buffers expected when groups == 0")
	}
}

func TestPlanAliasesResidentDevice(t *testing.T) {
	ctx := context.Background()
	rt := device.NewSimRuntime(2, 1<<24)
	shape := testShape()
	in := testInput(shape, 1)

	p, err := NewPlan(ctx, rt, shape, 0, []device.Device{0, 1}, in)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	defer p.Release()

	// Device 1 borrows the caller's memory, device 0 owns.
	if p.Samples[1].Owned() || p.Centroids[1].Owned() || p.Assignments[1].Owned() {
		t.Error("resident device's buffers must alias caller memory")
	}
	if !p.Samples[0].Owned() || !p.Centroids[0].Owned() || !p.Assignments[0].Owned() {
		t.Error("non-resident device's buffers must be owned")
	}
	if &p.Centroids[1].Data[0] != &in.Centroids[0] {
		t.Error("borrowed centroid buffer must point into caller memory")
	}

	// Previous assignments and counts are always owned.
	for i := range p.PrevAssignments {
		if !p.PrevAssignments[i].Owned() || !p.Counts[i].Owned() {
			t.Errorf("internal buffers[%d] must be owned", i)
		}
	}
}

func TestPlanScratchReuseInvariant(t *testing.T) {
	ctx := context.Background()
	shape := testShape()
	devs := []device.Device{0}

	// groups*features + clusters + groups = 5*4 + 8 + 5 = 33 <= 100: reuse.
	rt := device.NewSimRuntime(1, 1<<24)
	p, err := NewPlan(ctx, rt, shape, 5, devs, testInput(shape, HostResident))
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	if !p.GroupCentroidsReused() {
		t.Error("geometry permits reuse, expected view over passed-flags")
	}
	reuseAllocs := rt.AllocCount(0)
	p.Release()

	// Tight geometry: groups*features + clusters + groups > samples.
	tight := Shape{Samples: 30, Features: 4, Clusters: 8}
	rt2 := device.NewSimRuntime(1, 1<<24)
	in := Input{
		Samples:     make([]float32, tight.SamplesLen()),
		Centroids:   make([]float32, tight.CentroidsLen()),
		Assignments: make([]uint32, tight.Samples),
		Resident:    HostResident,
	}
	p2, err := NewPlan(ctx, rt2, tight, 5, []device.Device{0}, in)
	if err != nil {
		t.Fatalf("NewPlan tight: %v", err)
	}
	defer p2.Release()
	if p2.GroupCentroidsReused() {
		t.Error("geometry forbids reuse, expected dedicated allocation")
	}
	if got := rt2.AllocCount(0); got != reuseAllocs+1 {
		t.Errorf("tight geometry allocs = %d, want exactly one more than %d", got, reuseAllocs)
	}
}

func TestPlanScratchReuseAliases(t *testing.T) {
	ctx := context.Background()
	rt := device.NewSimRuntime(1, 1<<24)
	shape := testShape()

	p, err := NewPlan(ctx, rt, shape, 5, []device.Device{0}, testInput(shape, HostResident))
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	defer p.Release()

	p.GroupCentroids[0].Data[0] = 3.5
	if p.Passed[0].Data[0] == 0 {
		t.Error("group-centroid writes must land in the passed-flags storage")
	}
}

func TestPlanReleasesOnAllocationFailure(t *testing.T) {
	ctx := context.Background()
	shape := testShape()

	// Let a handful of allocations succeed, then fail mid-plan.
	rt := device.NewSimRuntime(2, 1<<24, device.WithAllocBudget(3))

	_, err := NewPlan(ctx, rt, shape, 0, []device.Device{0, 1}, testInput(shape, HostResident))
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("err = %v, want ErrAllocation", err)
	}
	if !errors.Is(err, device.ErrOutOfMemory) {
		t.Errorf("err should wrap the device cause, got %v", err)
	}

	// Scoped acquisition: everything acquired before the failure is released.
	if used := rt.MemUsed(0) + rt.MemUsed(1); used != 0 {
		t.Errorf("leaked %d bytes after failed plan", used)
	}
}

func TestCanReuseGroupCentroids(t *testing.T) {
	shape := Shape{Samples: 33, Features: 4, Clusters: 8}
	if !CanReuseGroupCentroids(shape, 5) {
		t.Error("boundary geometry (exactly equal) should permit reuse")
	}
	shape.Samples = 32
	if CanReuseGroupCentroids(shape, 5) {
		t.Error("one short of boundary should forbid reuse")
	}
}

func TestGroupCount(t *testing.T) {
	if got := GroupCount(0.1, 100); got != 10 {
		t.Errorf("GroupCount(0.1, 100) = %d, want 10", got)
	}
	if got := GroupCount(0, 100); got != 0 {
		t.Errorf("GroupCount(0, 100) = %d, want 0", got)
	}
	// Truncation, not rounding.
	if got := GroupCount(0.5, 5); got != 2 {
		t.Errorf("GroupCount(0.5, 5) = %d, want 2", got)
	}
}
