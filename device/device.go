// Package device abstracts the compute-accelerator runtime that hosts the
// clustering pipeline: device enumeration and activation, device-resident
// memory, and transfers between address spaces.
//
// # Execution model
//
// Each device executes operations on its own command queue. Operations
// issued through the *Async calls may complete at any point up to the next
// synchronization point on the same queue (a blocking copy or an explicit
// Sync). The orchestration layer relies on this to overlap transfers with
// host bookkeeping.
package device

import (
	"context"
	"errors"
)

// Device identifies a single accelerator device within a Runtime.
type Device int

// MemInfo reports a device's memory usage.
type MemInfo struct {
	Free  int64
	Total int64
}

var (
	// ErrNoneResolved is returned when no device in a selector survives
	// activation.
	ErrNoneResolved = errors.New("device: no device resolved from selector")
	// ErrOutOfMemory is returned when a device allocation cannot be satisfied.
	ErrOutOfMemory = errors.New("device: out of memory")
	// ErrCopyFailed is returned when a transfer between address spaces fails.
	ErrCopyFailed = errors.New("device: copy failed")
	// ErrQueryFailed is returned when a device capability query fails.
	ErrQueryFailed = errors.New("device: query failed")
)

// Runtime is the accelerator runtime hosting the devices.
//
// Typed slices returned by the Alloc calls are handles to device-resident
// memory. A real (cgo-backed) runtime returns slices mapped onto device
// allocations; SimRuntime returns isolated host slices. Either way, callers
// must not let a slice outlive its Free.
type Runtime interface {
	// DeviceCount reports the number of devices the runtime exposes.
	DeviceCount() (int, error)

	// Activate makes dev current for the calling goroutine. Resolution
	// drops devices that fail to activate.
	Activate(dev Device) error

	// MemInfo queries free and total memory of dev.
	MemInfo(dev Device) (MemInfo, error)

	// AllocFloat32 allocates n float32 elements on dev.
	AllocFloat32(ctx context.Context, dev Device, n int) ([]float32, error)

	// AllocUint32 allocates n uint32 elements on dev.
	AllocUint32(ctx context.Context, dev Device, n int) ([]uint32, error)

	// Free releases a device allocation of the given byte size.
	Free(dev Device, bytes int64)

	// CopyFloat32 performs a blocking copy into dst, draining dev's queue
	// first. dst and src may live in any combination of host and device
	// address spaces (host-device, device-host, or peer).
	CopyFloat32(ctx context.Context, dev Device, dst, src []float32) error

	// CopyFloat32Async enqueues a copy on dev's queue and returns without
	// waiting for completion.
	CopyFloat32Async(ctx context.Context, dev Device, dst, src []float32) error

	// CopyUint32 is the blocking uint32 counterpart of CopyFloat32.
	CopyUint32(ctx context.Context, dev Device, dst, src []uint32) error

	// CopyUint32Async is the asynchronous uint32 counterpart.
	CopyUint32Async(ctx context.Context, dev Device, dst, src []uint32) error

	// Sync drains dev's command queue.
	Sync(dev Device) error
}
