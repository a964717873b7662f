package semaphore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pipelineflow/pipelineflow/pkg/pipelineerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAcquireReleaseWithinLimit(t *testing.T) {
	s := New(2)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx))
	require.NoError(t, s.Acquire(ctx))
	require.Equal(t, 2, s.CurrentConcurrency())
	require.False(t, s.TryAcquire())

	require.NoError(t, s.Release())
	require.Equal(t, 1, s.CurrentConcurrency())
}

func TestReleaseTooManyIsError(t *testing.T) {
	s := New(1)
	err := s.Release()
	require.Error(t, err)
	require.True(t, errors.Is(err, pipelineerr.ErrReleasedTooMany))
}

func TestReleaseTooManyIsSilentNoOpDuringShutdown(t *testing.T) {
	s := New(1)
	s.Shutdown()
	require.NoError(t, s.Release())

	s2 := New(1)
	s2.ForceShutdown()
	require.NoError(t, s2.Release())
}

func TestFIFOOrdering(t *testing.T) {
	s := New(1)
	ctx := context.Background()
	require.NoError(t, s.Acquire(ctx)) // holds the only slot

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	const n = 5
	for i := 0; i < n; i++ {
		wg.Add(1)
		// stagger starts slightly so Acquire calls enter the queue in order
		time.Sleep(2 * time.Millisecond)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, s.Acquire(ctx))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			require.NoError(t, s.Release())
		}(i)
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return s.Pending() == n }, time.Second, time.Millisecond)
	require.NoError(t, s.Release()) // release the initial holder, unblocking the queue

	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, s.Pending())
}

func TestShutdownRejectsNewWaitersButDrainsExisting(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.Acquire(context.Background()) }()
	require.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, time.Millisecond)

	s.Shutdown()

	// Queued waiter still gets admitted once released.
	require.NoError(t, s.Release())
	require.NoError(t, <-done)

	// But a brand new caller is rejected immediately.
	err := s.Acquire(context.Background())
	require.ErrorIs(t, err, pipelineerr.ErrSemaphoreShutdown)
}

func TestForceShutdownRejectsQueuedWaitersImmediately(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.Acquire(context.Background()) }()
	require.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, time.Millisecond)

	s.ForceShutdown()

	select {
	case err := <-done:
		require.ErrorIs(t, err, pipelineerr.ErrSemaphoreShutdown)
	case <-time.After(time.Second):
		t.Fatal("force shutdown did not release queued waiter")
	}

	require.ErrorIs(t, s.Acquire(context.Background()), pipelineerr.ErrSemaphoreShutdown)
}
