package centroid

import (
	"errors"
	"fmt"

	"github.com/hupe1980/centroid/device"
	"github.com/hupe1980/centroid/devmem"
)

var (
	// ErrInvalidArguments is returned when the problem geometry, tolerance
	// or acceleration fraction is malformed.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrNoSuchDevice is returned when the device selector is zero, selects
	// bits beyond the available device range, or no selected device
	// activates.
	ErrNoSuchDevice = errors.New("no such device")

	// ErrRuntime is returned when a device capability query fails.
	ErrRuntime = errors.New("runtime error")

	// ErrMemoryAllocation is returned when a device buffer could not be
	// obtained.
	ErrMemoryAllocation = errors.New("memory allocation error")

	// ErrMemoryCopy is returned when a host/device or device/device
	// transfer fails.
	ErrMemoryCopy = errors.New("memory copy error")
)

// ErrInvalidShape indicates a geometry that cannot be clustered.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidShape struct {
	Samples  int
	Features int
	Clusters int
	cause    error
}

func (e *ErrInvalidShape) Error() string {
	return fmt.Sprintf("invalid shape: samples=%d features=%d clusters=%d",
		e.Samples, e.Features, e.Clusters)
}

func (e *ErrInvalidShape) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return ErrInvalidArguments
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Device selection and capability failures.
	if errors.Is(err, device.ErrNoneResolved) {
		return fmt.Errorf("%w: %w", ErrNoSuchDevice, err)
	}
	if errors.Is(err, device.ErrQueryFailed) {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	// Memory normalization.
	if errors.Is(err, devmem.ErrAllocation) || errors.Is(err, device.ErrOutOfMemory) {
		return fmt.Errorf("%w: %w", ErrMemoryAllocation, err)
	}
	if errors.Is(err, device.ErrCopyFailed) {
		return fmt.Errorf("%w: %w", ErrMemoryCopy, err)
	}

	return err
}
