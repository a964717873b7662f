package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	}, 3, time.Millisecond)

	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, 5, time.Millisecond)

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsMaxRetriesAndReturnsLastError(t *testing.T) {
	calls := 0
	sentinel := errors.New("permanent")
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return sentinel
	}, 2, time.Millisecond)

	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 3, calls) // maxRetries + 1 total attempts
}

func TestDoPassesAttemptNumber(t *testing.T) {
	var seen []int
	_ = Do(context.Background(), func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		return errors.New("fail")
	}, 2, time.Millisecond)

	require.Equal(t, []int{0, 1, 2}, seen)
}

func TestDoRespectsContextCancellationDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("fail")
	}, 100, 50*time.Millisecond)

	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, calls, 5)
}

func TestDelayGrowsExponentiallyWithJitterBound(t *testing.T) {
	backoff := 10 * time.Millisecond
	d1 := delay(1, backoff)
	d2 := delay(2, backoff)
	d3 := delay(3, backoff)

	require.GreaterOrEqual(t, d1, backoff)
	require.Less(t, d1, backoff+time.Duration(float64(backoff)*0.1))

	require.GreaterOrEqual(t, d2, 2*backoff)
	require.Less(t, d2, 2*backoff+time.Duration(float64(backoff)*0.1))

	require.GreaterOrEqual(t, d3, 4*backoff)
	require.Less(t, d3, 4*backoff+time.Duration(float64(backoff)*0.1))
}

func TestDoWithZeroMaxRetriesRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("fail")
	}, 0, time.Millisecond)

	require.Error(t, err)
	require.Equal(t, 1, calls)
}
