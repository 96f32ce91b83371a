package resource_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedix/resource"
)

func TestMemoryLimit(t *testing.T) {
	c := resource.NewController(resource.Config{MemoryLimitBytes: 100})

	require.NoError(t, c.ReserveMemory(60))
	assert.Equal(t, int64(60), c.MemoryUsed())

	// Exceeding the limit fails immediately instead of blocking.
	assert.ErrorIs(t, c.ReserveMemory(50), resource.ErrMemoryLimit)
	assert.Equal(t, int64(60), c.MemoryUsed())

	c.ReleaseMemory(60)
	require.NoError(t, c.ReserveMemory(100))
}

func TestUnlimitedMemoryTracksOnly(t *testing.T) {
	c := resource.NewController(resource.Config{})

	require.NoError(t, c.ReserveMemory(1 << 40))
	assert.Equal(t, int64(1<<40), c.MemoryUsed())
	c.ReleaseMemory(1 << 40)
	assert.Zero(t, c.MemoryUsed())
}

func TestZeroAndNegativeSizes(t *testing.T) {
	c := resource.NewController(resource.Config{MemoryLimitBytes: 10})

	require.NoError(t, c.ReserveMemory(0))
	require.NoError(t, c.ReserveMemory(-5))
	assert.Zero(t, c.MemoryUsed())
}

func TestWorkerSlots(t *testing.T) {
	c := resource.NewController(resource.Config{MaxBackgroundWorkers: 1})

	require.True(t, c.TryAcquireWorker())
	assert.False(t, c.TryAcquireWorker())

	c.ReleaseWorker()
	require.NoError(t, c.AcquireWorker(context.Background()))
	c.ReleaseWorker()
}

func TestAcquireWorkerHonorsContext(t *testing.T) {
	c := resource.NewController(resource.Config{MaxBackgroundWorkers: 1})
	require.True(t, c.TryAcquireWorker())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.Error(t, c.AcquireWorker(ctx))
	c.ReleaseWorker()
}

func TestWaitIO(t *testing.T) {
	// Unlimited: returns immediately.
	c := resource.NewController(resource.Config{})
	require.NoError(t, c.WaitIO(context.Background(), 1<<30))

	// Limited: a request larger than the burst is split into chunks.
	c = resource.NewController(resource.Config{IOLimitBytesPerSec: 1 << 20})
	require.NoError(t, c.WaitIO(context.Background(), (1<<20)+1))
}
