package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitEventDeliversInRegistrationOrder(t *testing.T) {
	m := New()
	var order []int

	m.OnEvent(func(ev Event) error { order = append(order, 1); return nil })
	m.OnEvent(func(ev Event) error { order = append(order, 2); return nil })
	m.OnEvent(func(ev Event) error { order = append(order, 3); return nil })

	require.NoError(t, m.EmitEvent(Event{Type: EventStepEnd}))
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestThrowingListenerAbortsDeliveryToLaterListeners(t *testing.T) {
	m := New()
	var called []int
	boom := errors.New("boom")

	m.OnEvent(func(ev Event) error { called = append(called, 1); return nil })
	m.OnEvent(func(ev Event) error { called = append(called, 2); return boom })
	m.OnEvent(func(ev Event) error { called = append(called, 3); return nil })

	err := m.EmitEvent(Event{Type: EventStepEnd})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []int{1, 2}, called)
}

func TestRemoveListenerStopsFutureDelivery(t *testing.T) {
	m := New()
	calls := 0
	id := m.OnEvent(func(ev Event) error { calls++; return nil })

	require.NoError(t, m.EmitEvent(Event{}))
	require.Equal(t, 1, calls)

	m.RemoveListener(id)
	require.NoError(t, m.EmitEvent(Event{}))
	require.Equal(t, 1, calls)
	require.Equal(t, 0, m.ListenerCount())
}

func TestTrackStageEmitsStepEndOnSuccess(t *testing.T) {
	m := New()
	var got Event
	m.OnEvent(func(ev Event) error { got = ev; return nil })

	err := m.TrackStage(context.Background(), "normalize", 0, func(ctx context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, EventStepEnd, got.Type)
	require.Equal(t, "normalize", got.Stage)
	require.GreaterOrEqual(t, got.Duration, 5*time.Millisecond)
}

func TestTrackStageEmitsStepErrorOnFailureAndReturnsOriginalError(t *testing.T) {
	m := New()
	var got Event
	m.OnEvent(func(ev Event) error { got = ev; return nil })
	sentinel := errors.New("stage failed")

	err := m.TrackStage(context.Background(), "validate", 2, func(ctx context.Context) error {
		return sentinel
	})

	require.ErrorIs(t, err, sentinel)
	require.Equal(t, EventStepError, got.Type)
	require.Equal(t, 2, got.Attempt)
	require.ErrorIs(t, got.Err, sentinel)
}

func TestTrackStageDoesNotMaskOperationErrorWithListenerError(t *testing.T) {
	m := New()
	m.OnEvent(func(ev Event) error { return errors.New("listener broke") })
	opErr := errors.New("operation broke")

	err := m.TrackStage(context.Background(), "s", 0, func(ctx context.Context) error {
		return opErr
	})

	require.ErrorIs(t, err, opErr)
}
