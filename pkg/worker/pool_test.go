package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesSubmittedWork(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(2, 16, func(_ context.Context, n int) error {
		processed.Add(int64(n))
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(1))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(5), processed.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(5), stats.Processed)
	assert.Zero(t, stats.Failed)
}

func TestPoolSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
}

func TestPoolFailuresAreContained(t *testing.T) {
	pool := NewPool(1, 16, func(context.Context, int) error {
		return errors.New("collaborator down")
	})

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Failed)
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue.
	require.NoError(t, pool.Submit(1))
	// The worker may not have picked up the first item yet; keep feeding
	// until the queue rejects.
	var dropErr error
	for i := 0; i < 10; i++ {
		if err := pool.Submit(1); err != nil {
			dropErr = err
			break
		}
	}
	assert.ErrorIs(t, dropErr, ErrQueueFull)

	close(block)
	require.NoError(t, pool.Stop(time.Second))
	assert.Positive(t, pool.Stats().Dropped)
}

func TestPoolDoubleStart(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
}
