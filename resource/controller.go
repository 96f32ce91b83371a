// Package resource provides process-wide limits for memory, background
// concurrency and IO throughput.
package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimit is returned when reserving memory would exceed the
// configured limit. The write that triggered it fails; the service
// keeps running, and a rebuild/compaction that frees capacity clears
// the condition.
var ErrMemoryLimit = errors.New("resource: memory limit reached")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for managed memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxBackgroundWorkers is the maximum number of concurrent
	// background jobs (rebuilds, snapshot writes). If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec throttles background IO (snapshot upload).
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller mediates access to shared resources.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	bgSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a controller with the given limits.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}

	c := &Controller{
		cfg:   cfg,
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}
	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	return c
}

// ReserveMemory accounts for n bytes of managed memory.
// Fails immediately with ErrMemoryLimit when the limit is exhausted;
// writes must not block behind memory pressure.
func (c *Controller) ReserveMemory(n int64) error {
	if n <= 0 {
		return nil
	}
	if c.memSem != nil && !c.memSem.TryAcquire(n) {
		return ErrMemoryLimit
	}
	c.memUsed.Add(n)
	return nil
}

// ReleaseMemory returns n bytes to the pool.
func (c *Controller) ReleaseMemory(n int64) {
	if n <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(n)
	}
	c.memUsed.Add(-n)
}

// MemoryUsed returns the currently reserved bytes.
func (c *Controller) MemoryUsed() int64 { return c.memUsed.Load() }

// AcquireWorker blocks until a background worker slot is available.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	return c.bgSem.Acquire(ctx, 1)
}

// TryAcquireWorker acquires a worker slot without blocking.
func (c *Controller) TryAcquireWorker() bool {
	return c.bgSem.TryAcquire(1)
}

// ReleaseWorker returns a worker slot.
func (c *Controller) ReleaseWorker() { c.bgSem.Release(1) }

// WaitIO throttles n bytes of background IO.
func (c *Controller) WaitIO(ctx context.Context, n int) error {
	if c.ioLimiter == nil || n <= 0 {
		return nil
	}
	// rate.Limiter caps a single WaitN at the burst size.
	burst := c.ioLimiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
