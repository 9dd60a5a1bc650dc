package devmem

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/centroid/device"
)

// HostResident marks caller buffers that live in host memory rather than on
// a device.
const HostResident device.Device = -1

// Shape describes the geometry of a clustering problem.
type Shape struct {
	Samples  int // number of sample rows
	Features int // row width
	Clusters int // number of centroids
}

// SamplesLen returns the element count of the sample matrix.
func (s Shape) SamplesLen() int { return s.Samples * s.Features }

// CentroidsLen returns the element count of the centroid matrix.
func (s Shape) CentroidsLen() int { return s.Clusters * s.Features }

// Input carries the caller's buffers and their residency.
type Input struct {
	Samples     []float32 // samples_size x features_size, read-only
	Centroids   []float32 // clusters_size x features_size, in/out
	Assignments []uint32  // samples_size, out

	// Resident is the device on which the caller's slices live, or
	// HostResident. When it names a participating device, that device's
	// buffers alias the caller's memory and no copy-out is needed.
	Resident device.Device
}

// CanReuseGroupCentroids reports whether the group-centroid scratch fits
// inside the passed-flags buffer, saving one allocation per device.
func CanReuseGroupCentroids(shape Shape, groups int) bool {
	return groups*shape.Features+shape.Clusters+groups <= shape.Samples
}

// GroupCount derives the accelerated-variant group count from the
// configured fraction.
func GroupCount(fraction float32, clusters int) int {
	return int(fraction * float32(clusters))
}

// Plan holds every per-device buffer of the pipeline. All owned buffers are
// created by NewPlan and released by Release; borrowed buffers stay with the
// caller.
type Plan struct {
	rt    device.Runtime
	devs  []device.Device
	shape Shape

	// Groups is the accelerated-variant group count; 0 disables the
	// variant and leaves the scratch sets empty.
	Groups int

	Samples         Set[float32]
	Centroids       Set[float32]
	Assignments     Set[uint32]
	PrevAssignments Set[uint32]
	Counts          Set[uint32]

	// Accelerated-variant scratch, populated only when Groups >= 1.
	GroupAssignments Set[uint32]
	Bounds           Set[float32]
	Drifts           Set[float32]
	Passed           Set[uint32]
	GroupCentroids   Set[float32]

	groupCentroidsReused bool
}

// NewPlan decides ownership for every pipeline buffer on every participating
// device and allocates what the caller did not supply. Host-resident sample
// input is uploaded asynchronously; the upload is guaranteed complete before
// the first blocking operation on each device's queue.
//
// On any allocation failure every buffer the plan already owns is released
// and the error wraps ErrAllocation.
func NewPlan(ctx context.Context, rt device.Runtime, shape Shape, groups int, devs []device.Device, in Input) (*Plan, error) {
	p := &Plan{
		rt:     rt,
		devs:   devs,
		shape:  shape,
		Groups: groups,
	}

	if err := p.planSamples(ctx, in); err != nil {
		return nil, p.fail(err)
	}
	if err := p.planOutputs(ctx, in); err != nil {
		return nil, p.fail(err)
	}
	if err := p.planScratch(ctx); err != nil {
		return nil, p.fail(err)
	}

	return p, nil
}

// Devices returns the participating device set.
func (p *Plan) Devices() []device.Device { return p.devs }

// Shape returns the problem geometry the plan was built for.
func (p *Plan) Shape() Shape { return p.shape }

// GroupCentroidsReused reports whether the group-centroid buffers are views
// into the passed-flags buffers.
func (p *Plan) GroupCentroidsReused() bool { return p.groupCentroidsReused }

// Release frees every owned buffer. Safe to call more than once; borrowed
// buffers are left untouched.
func (p *Plan) Release() {
	p.GroupCentroids.Release(p.rt)
	p.Passed.Release(p.rt)
	p.Drifts.Release(p.rt)
	p.Bounds.Release(p.rt)
	p.GroupAssignments.Release(p.rt)
	p.Counts.Release(p.rt)
	p.PrevAssignments.Release(p.rt)
	p.Assignments.Release(p.rt)
	p.Centroids.Release(p.rt)
	p.Samples.Release(p.rt)
}

func (p *Plan) fail(err error) error {
	p.Release()
	if errors.Is(err, device.ErrCopyFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAllocation, err)
}

func (p *Plan) planSamples(ctx context.Context, in Input) error {
	n := p.shape.SamplesLen()

	for _, dev := range p.devs {
		if dev == in.Resident {
			p.Samples = append(p.Samples, Borrow(dev, in.Samples))
			continue
		}

		buf, err := p.allocFloat32(ctx, dev, n)
		if err != nil {
			return err
		}
		p.Samples = append(p.Samples, buf)

		// Replicate the sample matrix; async so uploads to multiple
		// devices overlap.
		if err := p.rt.CopyFloat32Async(ctx, dev, buf.Data, in.Samples); err != nil {
			return err
		}
	}

	return nil
}

func (p *Plan) planOutputs(ctx context.Context, in Input) error {
	for _, dev := range p.devs {
		if dev == in.Resident {
			p.Centroids = append(p.Centroids, Borrow(dev, in.Centroids))
		} else {
			buf, err := p.allocFloat32(ctx, dev, p.shape.CentroidsLen())
			if err != nil {
				return err
			}
			p.Centroids = append(p.Centroids, buf)
		}
	}

	for _, dev := range p.devs {
		if dev == in.Resident {
			p.Assignments = append(p.Assignments, Borrow(dev, in.Assignments))
		} else {
			buf, err := p.allocUint32(ctx, dev, p.shape.Samples)
			if err != nil {
				return err
			}
			p.Assignments = append(p.Assignments, buf)
		}
	}

	for _, dev := range p.devs {
		buf, err := p.allocUint32(ctx, dev, p.shape.Samples)
		if err != nil {
			return err
		}
		p.PrevAssignments = append(p.PrevAssignments, buf)
	}

	for _, dev := range p.devs {
		buf, err := p.allocUint32(ctx, dev, p.shape.Clusters)
		if err != nil {
			return err
		}
		p.Counts = append(p.Counts, buf)
	}

	return nil
}

func (p *Plan) planScratch(ctx context.Context) error {
	if p.Groups < 1 {
		return nil
	}

	for _, dev := range p.devs {
		buf, err := p.allocUint32(ctx, dev, p.shape.Clusters)
		if err != nil {
			return err
		}
		p.GroupAssignments = append(p.GroupAssignments, buf)
	}

	boundsLen := p.shape.Samples * (p.Groups + 1)
	for _, dev := range p.devs {
		buf, err := p.allocFloat32(ctx, dev, boundsLen)
		if err != nil {
			return err
		}
		p.Bounds = append(p.Bounds, buf)
	}

	driftsLen := p.shape.CentroidsLen() + p.shape.Clusters
	for _, dev := range p.devs {
		buf, err := p.allocFloat32(ctx, dev, driftsLen)
		if err != nil {
			return err
		}
		p.Drifts = append(p.Drifts, buf)
	}

	for _, dev := range p.devs {
		buf, err := p.allocUint32(ctx, dev, p.shape.Samples)
		if err != nil {
			return err
		}
		p.Passed = append(p.Passed, buf)
	}

	gcLen := p.Groups * p.shape.Features
	if CanReuseGroupCentroids(p.shape, p.Groups) {
		// The passed-flags buffer is large enough to double as the
		// group-centroid storage; the two are never live at the same time.
		p.groupCentroidsReused = true
		for i := range p.Passed {
			p.GroupCentroids = append(p.GroupCentroids, Float32View(p.Passed[i], gcLen))
		}
		return nil
	}

	for _, dev := range p.devs {
		buf, err := p.allocFloat32(ctx, dev, gcLen)
		if err != nil {
			return err
		}
		p.GroupCentroids = append(p.GroupCentroids, buf)
	}

	return nil
}

func (p *Plan) allocFloat32(ctx context.Context, dev device.Device, n int) (Buffer[float32], error) {
	data, err := p.rt.AllocFloat32(ctx, dev, n)
	if err != nil {
		return Buffer[float32]{}, err
	}
	return owned(dev, data, int64(n)*4), nil
}

func (p *Plan) allocUint32(ctx context.Context, dev device.Device, n int) (Buffer[uint32], error) {
	data, err := p.rt.AllocUint32(ctx, dev, n)
	if err != nil {
		return Buffer[uint32]{}, err
	}
	return owned(dev, data, int64(n)*4), nil
}
