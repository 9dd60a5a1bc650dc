// Package engine defines the refinement collaborator contracts consumed by
// the orchestration layer, plus a host reference implementation. The
// orchestrator treats an Engine as an opaque service: it prepares device
// memory and initial centroids, then hands the per-device buffers over.
package engine

import (
	"context"
	"errors"

	"github.com/hupe1980/centroid/device"
	"github.com/hupe1980/centroid/devmem"
)

var (
	// ErrPoolClosed is returned when work is submitted to a closed pool.
	ErrPoolClosed = errors.New("engine: worker pool closed")
	// ErrNotConfigured is returned when Refine or ScoreCandidates run
	// before Setup.
	ErrNotConfigured = errors.New("engine: setup not called")
)

// Engine runs the per-sample arithmetic of the pipeline across the
// participating devices.
type Engine interface {
	// Setup prepares per-device execution parameters. Called once after
	// memory planning, before initialization. groups is the
	// accelerated-variant group count (0 disables the variant).
	Setup(ctx context.Context, shape devmem.Shape, groups int, devs []device.Device) error

	// ScoreCandidates computes, for every sample, the squared distance to
	// the nearest of the first k centroids, aggregated across all
	// participating devices into hostDists (host-visible, samples_size
	// long). It returns the total of those distances. This is the
	// synchronous barrier of K-means++ seeding: results from every device
	// are merged before it returns.
	ScoreCandidates(ctx context.Context, k int, plan *devmem.Plan, hostDists []float32) (float64, error)

	// Refine iterates assignment/update steps to convergence or an
	// iteration cap, mutating centroids, assignments, previous
	// assignments, and cluster counts in place across devices. When
	// plan.Groups >= 1 it uses the accelerated-variant scratch buffers to
	// skip redundant distance computations.
	Refine(ctx context.Context, tolerance float32, plan *devmem.Plan) error
}
