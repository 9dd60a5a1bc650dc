package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/centroid/resource"
)

// SimRuntime is an in-process Runtime with isolated per-device heaps and
// per-device command queues. It reproduces the execution model of a real
// accelerator runtime closely enough to develop and test the orchestration
// layer without hardware: asynchronous copies are queued and only observable
// after a synchronization point on the same queue.
//
// SimRuntime is also the reference backend for host-only execution.
type SimRuntime struct {
	mu   sync.Mutex
	devs []*simDevice
	rc   *resource.Controller

	failActivate map[Device]bool
	allocBudget  int // remaining successful allocations, -1 = unlimited
	failCopies   bool
}

type simDevice struct {
	total int64
	used  int64
	queue []func()

	allocs         int
	asyncCopies    int
	blockingCopies int
}

// SimOption configures a SimRuntime.
type SimOption func(*SimRuntime)

// WithController attaches a resource controller; allocations and transfers
// are accounted against it.
func WithController(rc *resource.Controller) SimOption {
	return func(s *SimRuntime) {
		s.rc = rc
	}
}

// WithFailingDevices marks devices whose activation fails. Topology
// resolution drops them.
func WithFailingDevices(devs ...Device) SimOption {
	return func(s *SimRuntime) {
		for _, d := range devs {
			s.failActivate[d] = true
		}
	}
}

// WithAllocBudget fails every allocation after the first n succeed. Used to
// exercise the planner's scoped-release discipline.
func WithAllocBudget(n int) SimOption {
	return func(s *SimRuntime) {
		s.allocBudget = n
	}
}

// WithFailingCopies makes every transfer fail with ErrCopyFailed.
func WithFailingCopies() SimOption {
	return func(s *SimRuntime) {
		s.failCopies = true
	}
}

// NewSimRuntime creates a runtime with count devices of heapBytes memory each.
func NewSimRuntime(count int, heapBytes int64, opts ...SimOption) *SimRuntime {
	s := &SimRuntime{
		devs:         make([]*simDevice, count),
		failActivate: make(map[Device]bool),
		allocBudget:  -1,
	}
	for i := range s.devs {
		s.devs[i] = &simDevice{total: heapBytes}
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// DeviceCount implements Runtime.
func (s *SimRuntime) DeviceCount() (int, error) {
	return len(s.devs), nil
}

// Activate implements Runtime.
func (s *SimRuntime) Activate(dev Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.deviceLocked(dev); err != nil {
		return err
	}
	if s.failActivate[dev] {
		return fmt.Errorf("%w: device %d rejected activation", ErrQueryFailed, dev)
	}
	return nil
}

// MemInfo implements Runtime.
func (s *SimRuntime) MemInfo(dev Device) (MemInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.deviceLocked(dev)
	if err != nil {
		return MemInfo{}, err
	}
	return MemInfo{Free: d.total - d.used, Total: d.total}, nil
}

// AllocFloat32 implements Runtime.
func (s *SimRuntime) AllocFloat32(ctx context.Context, dev Device, n int) ([]float32, error) {
	if err := s.reserve(ctx, dev, int64(n)*4); err != nil {
		return nil, err
	}
	return make([]float32, n), nil
}

// AllocUint32 implements Runtime.
func (s *SimRuntime) AllocUint32(ctx context.Context, dev Device, n int) ([]uint32, error) {
	if err := s.reserve(ctx, dev, int64(n)*4); err != nil {
		return nil, err
	}
	return make([]uint32, n), nil
}

// Free implements Runtime.
func (s *SimRuntime) Free(dev Device, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.deviceLocked(dev)
	if err != nil {
		return
	}
	d.used -= bytes
	s.rc.ReleaseMemory(bytes)
}

// CopyFloat32 implements Runtime.
func (s *SimRuntime) CopyFloat32(ctx context.Context, dev Device, dst, src []float32) error {
	return s.copyBlocking(ctx, dev, len(dst), len(src), func() { copy(dst, src) })
}

// CopyFloat32Async implements Runtime.
func (s *SimRuntime) CopyFloat32Async(ctx context.Context, dev Device, dst, src []float32) error {
	return s.copyAsync(ctx, dev, len(dst), len(src), func() { copy(dst, src) })
}

// CopyUint32 implements Runtime.
func (s *SimRuntime) CopyUint32(ctx context.Context, dev Device, dst, src []uint32) error {
	return s.copyBlocking(ctx, dev, len(dst), len(src), func() { copy(dst, src) })
}

// CopyUint32Async implements Runtime.
func (s *SimRuntime) CopyUint32Async(ctx context.Context, dev Device, dst, src []uint32) error {
	return s.copyAsync(ctx, dev, len(dst), len(src), func() { copy(dst, src) })
}

// Sync implements Runtime.
func (s *SimRuntime) Sync(dev Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.deviceLocked(dev)
	if err != nil {
		return err
	}
	d.drain()
	return nil
}

// Pending returns the number of queued operations on dev.
func (s *SimRuntime) Pending(dev Device) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.deviceLocked(dev)
	if err != nil {
		return 0
	}
	return len(d.queue)
}

// AllocCount returns the number of successful allocations on dev.
func (s *SimRuntime) AllocCount(dev Device) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.deviceLocked(dev)
	if err != nil {
		return 0
	}
	return d.allocs
}

// MemUsed returns the bytes currently allocated on dev.
func (s *SimRuntime) MemUsed(dev Device) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.deviceLocked(dev)
	if err != nil {
		return 0
	}
	return d.used
}

// CopyCounts returns how many asynchronous and blocking copies were issued
// on dev.
func (s *SimRuntime) CopyCounts(dev Device) (async, blocking int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.deviceLocked(dev)
	if err != nil {
		return 0, 0
	}
	return d.asyncCopies, d.blockingCopies
}

func (s *SimRuntime) deviceLocked(dev Device) (*simDevice, error) {
	if dev < 0 || int(dev) >= len(s.devs) {
		return nil, fmt.Errorf("%w: device %d does not exist", ErrQueryFailed, dev)
	}
	return s.devs[dev], nil
}

func (s *SimRuntime) reserve(ctx context.Context, dev Device, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.deviceLocked(dev)
	if err != nil {
		return err
	}
	if s.allocBudget == 0 {
		return fmt.Errorf("%w: allocation budget exhausted", ErrOutOfMemory)
	}
	if d.used+bytes > d.total {
		return fmt.Errorf("%w: device %d: %d bytes requested, %d free",
			ErrOutOfMemory, dev, bytes, d.total-d.used)
	}
	if !s.rc.TryAcquireMemory(bytes) {
		return fmt.Errorf("%w: controller budget exceeded", ErrOutOfMemory)
	}

	if s.allocBudget > 0 {
		s.allocBudget--
	}
	d.used += bytes
	d.allocs++
	return nil
}

func (s *SimRuntime) copyBlocking(ctx context.Context, dev Device, dstLen, srcLen int, op func()) error {
	if err := s.rc.AcquireTransfer(ctx, srcLen*4); err != nil {
		return fmt.Errorf("%w: %w", ErrCopyFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.deviceLocked(dev)
	if err != nil {
		return err
	}
	if s.failCopies {
		return fmt.Errorf("%w: injected failure on device %d", ErrCopyFailed, dev)
	}
	if dstLen < srcLen {
		return fmt.Errorf("%w: destination shorter than source (%d < %d)",
			ErrCopyFailed, dstLen, srcLen)
	}

	d.drain()
	op()
	d.blockingCopies++
	return nil
}

func (s *SimRuntime) copyAsync(ctx context.Context, dev Device, dstLen, srcLen int, op func()) error {
	if err := s.rc.AcquireTransfer(ctx, srcLen*4); err != nil {
		return fmt.Errorf("%w: %w", ErrCopyFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.deviceLocked(dev)
	if err != nil {
		return err
	}
	if s.failCopies {
		return fmt.Errorf("%w: injected failure on device %d", ErrCopyFailed, dev)
	}
	if dstLen < srcLen {
		return fmt.Errorf("%w: destination shorter than source (%d < %d)",
			ErrCopyFailed, dstLen, srcLen)
	}

	d.queue = append(d.queue, op)
	d.asyncCopies++
	return nil
}

func (d *simDevice) drain() {
	for _, op := range d.queue {
		op()
	}
	d.queue = d.queue[:0]
}
