// Package devmem plans and owns the device-scoped memory of a clustering
// invocation: which buffers alias caller memory, which are allocated and
// must be released, and when the accelerated-variant scratch buffers can
// share storage.
package devmem

import (
	"errors"
	"unsafe"

	"github.com/hupe1980/centroid/device"
)

// ErrAllocation is returned when the planner cannot obtain a buffer. Buffers
// already owned by the plan are released before it is returned.
var ErrAllocation = errors.New("devmem: allocation failed")

// Ownership states whether a buffer's storage belongs to the plan or to the
// caller.
type Ownership uint8

const (
	// Owned buffers were allocated by the plan and are freed by Release.
	Owned Ownership = iota
	// Borrowed buffers alias caller-provided (or sibling-buffer) memory and
	// are never freed by the plan.
	Borrowed
)

// Buffer is a typed memory block associated with exactly one device.
type Buffer[T any] struct {
	Dev  device.Device
	Data []T

	own   Ownership
	bytes int64
}

// Borrow wraps caller-owned memory. Release never frees it.
func Borrow[T any](dev device.Device, data []T) Buffer[T] {
	return Buffer[T]{Dev: dev, Data: data, own: Borrowed}
}

func owned[T any](dev device.Device, data []T, bytes int64) Buffer[T] {
	return Buffer[T]{Dev: dev, Data: data, own: Owned, bytes: bytes}
}

// Owned reports whether the plan owns the buffer's storage.
func (b *Buffer[T]) Owned() bool {
	return b.own == Owned && b.Data != nil
}

// Release frees the buffer if owned. Safe to call more than once.
func (b *Buffer[T]) Release(rt device.Runtime) {
	if b.own == Owned && b.Data != nil {
		rt.Free(b.Dev, b.bytes)
	}
	b.Data = nil
}

// Set holds one buffer per participating device, in device-set order.
type Set[T any] []Buffer[T]

// Release frees every owned buffer in the set.
func (s Set[T]) Release(rt device.Runtime) {
	for i := range s {
		s[i].Release(rt)
	}
}

// Float32View reinterprets the leading n uint32 elements of b as float32,
// returning a borrowed view: releasing the view never frees the underlying
// buffer. This realizes the scratch reuse optimization as an explicit,
// bounds-checked aliasing relationship.
func Float32View(b Buffer[uint32], n int) Buffer[float32] {
	if n > len(b.Data) {
		panic("devmem: view larger than backing buffer")
	}
	data := unsafe.Slice((*float32)(unsafe.Pointer(&b.Data[0])), n) //nolint:gosec // reuse of scratch storage requires reinterpretation
	return Borrow(b.Dev, data)
}
