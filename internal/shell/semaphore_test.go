package shell

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreBlocksAtCapacity(t *testing.T) {
	sem := NewSemaphore(1)
	require.NoError(t, sem.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sem.Acquire(ctx), context.DeadlineExceeded)

	sem.Release()
	require.NoError(t, sem.Acquire(context.Background()))
	sem.Release()
}

func TestSemaphoreNonPositiveCapacityAllowsOne(t *testing.T) {
	sem := NewSemaphore(0)
	require.NoError(t, sem.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sem.Acquire(ctx), context.Canceled)
	sem.Release()
}
