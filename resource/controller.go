// Package resource enforces limits on device memory and transfer bandwidth.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// DeviceMemoryLimitBytes is the hard limit for planner-owned device
	// memory across all devices. If 0, no hard limit is enforced (only
	// tracking).
	DeviceMemoryLimitBytes int64

	// TransferLimitBytesPerSec caps host-device and peer transfer
	// throughput. If 0, unlimited.
	TransferLimitBytesPerSec int64
}

// Controller tracks and limits device memory and transfer bandwidth for a
// clustering invocation. A nil *Controller is valid and enforces nothing.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	transferLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	c := &Controller{cfg: cfg}

	if cfg.DeviceMemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.DeviceMemoryLimitBytes)
	}

	if cfg.TransferLimitBytesPerSec > 0 {
		c.transferLimiter = rate.NewLimiter(
			rate.Limit(cfg.TransferLimitBytesPerSec), int(cfg.TransferLimitBytesPerSec))
	}

	return c
}

// AcquireMemory attempts to reserve device memory.
// If a hard limit is configured and usage would exceed it,
// this blocks until memory is available or ctx is canceled.
func (c *Controller) AcquireMemory(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if err := c.memSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// TryAcquireMemory attempts to reserve device memory without blocking.
// Returns true if acquired, false if the limit would be exceeded.
func (c *Controller) TryAcquireMemory(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}

	if c.memSem != nil {
		if !c.memSem.TryAcquire(bytes) {
			return false
		}
	}

	c.memUsed.Add(bytes)
	return true
}

// ReleaseMemory releases reserved device memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the currently reserved device memory in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// AcquireTransfer waits until the transfer limit allows the specified
// number of bytes to move between host and device (or device and device).
func (c *Controller) AcquireTransfer(ctx context.Context, bytes int) error {
	if c == nil || c.transferLimiter == nil {
		return nil
	}
	return c.transferLimiter.WaitN(ctx, bytes)
}
