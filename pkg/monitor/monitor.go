package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SubscriptionID identifies a registered listener for later removal.
type SubscriptionID string

// Monitor is a synchronous, registration-order event bus owned by a single
// pipeline instance. EmitEvent calls every listener on the caller's own
// goroutine; it does not buffer, fan out to workers, or survive across
// Monitor instances.
type Monitor struct {
	mu        sync.RWMutex
	listeners []registeredListener
}

type registeredListener struct {
	id SubscriptionID
	fn Listener
}

// New creates an empty Monitor.
func New() *Monitor {
	return &Monitor{}
}

// OnEvent registers fn to be called for every future EmitEvent, in
// registration order. It returns a SubscriptionID usable with RemoveListener.
func (m *Monitor) OnEvent(fn Listener) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	m.mu.Lock()
	m.listeners = append(m.listeners, registeredListener{id: id, fn: fn})
	m.mu.Unlock()
	return id
}

// RemoveListener unregisters a listener previously added with OnEvent.
func (m *Monitor) RemoveListener(id SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// EmitEvent delivers ev to every registered listener in registration order
// on the calling goroutine. A listener returning a non-nil error aborts
// delivery to subsequent listeners for this event and that error is
// returned to the caller; earlier listeners have already observed the
// event and are not rolled back.
func (m *Monitor) EmitEvent(ev Event) error {
	m.mu.RLock()
	listeners := make([]registeredListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, l := range listeners {
		if err := l.fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// ListenerCount reports how many listeners are currently registered.
func (m *Monitor) ListenerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// TrackStage runs fn, timing it, and emits a STEP_END or STEP_ERROR event
// carrying the stage name, duration, timestamp and attempt number. The
// error returned by fn (if any) is returned unchanged to the caller; the
// event-emission error (if the listener chain aborts) is only returned if
// fn itself succeeded, mirroring the teacher's attempt-timing wrapper which
// never masks the operation's own failure with an observability failure.
func (m *Monitor) TrackStage(ctx context.Context, stage string, attempt int, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	end := time.Now()

	ev := Event{
		Stage:     stage,
		Duration:  end.Sub(start),
		Timestamp: end,
		Attempt:   attempt,
	}
	if err != nil {
		ev.Type = EventStepError
		ev.Err = err
		_ = m.EmitEvent(ev)
		return err
	}

	ev.Type = EventStepEnd
	return m.EmitEvent(ev)
}
