package messaging

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojocrm/membership-engine/internal/domain/shared"
)

func syncBus() *InMemoryEventBus {
	cfg := DefaultConfig()
	cfg.AsyncMode = false
	return NewInMemoryEventBus(cfg)
}

func TestEventBus_SubscribeAndPublish(t *testing.T) {
	bus := syncBus()
	defer func() { _ = bus.Close() }()

	received := make([]shared.Event, 0)
	require.NoError(t, bus.Subscribe(shared.EventTickCompleted, func(e shared.Event) error {
		received = append(received, e)
		return nil
	}))

	event := shared.NewTickCompletedEvent(3, 2, 1, 0, time.Second)
	require.NoError(t, bus.Publish(event))

	require.Len(t, received, 1)
	assert.Equal(t, shared.EventTickCompleted, received[0].EventType())
	assert.Equal(t, 2, received[0].Payload()["sent"])
}

func TestEventBus_TypeFiltering(t *testing.T) {
	bus := syncBus()
	defer func() { _ = bus.Close() }()

	tickEvents := 0
	allEvents := 0

	require.NoError(t, bus.Subscribe(shared.EventTickCompleted, func(e shared.Event) error {
		tickEvents++
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		allEvents++
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewTickCompletedEvent(0, 0, 0, 0, 0)))
	require.NoError(t, bus.Publish(shared.NewTickFailedEvent("store down")))

	assert.Equal(t, 1, tickEvents)
	assert.Equal(t, 2, allEvents)
}

func TestEventBus_AsyncDelivery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 2
	bus := NewInMemoryEventBus(cfg)

	var mu sync.Mutex
	received := 0
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	}))

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(shared.NewTickFailedEvent("x")))
	}

	// Close waits for in-flight handlers.
	require.NoError(t, bus.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, received)
}

func TestEventBus_CloseDrainsQueuedEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 1
	bus := NewInMemoryEventBus(cfg)

	var mu sync.Mutex
	received := 0
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(shared.NewTickFailedEvent("x")))
	}

	// Events still queued behind the single worker slot must be handled, not
	// dropped, when the bus closes.
	require.NoError(t, bus.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, received)
}

func TestEventBus_HandlerErrorDoesNotBlockOthers(t *testing.T) {
	bus := syncBus()
	defer func() { _ = bus.Close() }()

	second := false
	require.NoError(t, bus.Subscribe(shared.EventTickFailed, func(e shared.Event) error {
		return errors.New("handler broke")
	}))
	require.NoError(t, bus.Subscribe(shared.EventTickFailed, func(e shared.Event) error {
		second = true
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewTickFailedEvent("x")))
	assert.True(t, second)

	snapshot := bus.Metrics().Snapshot()
	assert.Equal(t, int64(1), snapshot.HandlerFailures)
	assert.Equal(t, int64(2), snapshot.TotalHandlerExecs)
}

func TestEventBus_ClosedBusRejectsOperations(t *testing.T) {
	bus := syncBus()
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(shared.NewTickFailedEvent("x")), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventTickFailed, func(e shared.Event) error { return nil }), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(e shared.Event) error { return nil }), ErrEventBusClosed)

	// Closing twice is a no-op.
	require.NoError(t, bus.Close())
}

func TestEventBus_NilHandlerRejected(t *testing.T) {
	bus := syncBus()
	defer func() { _ = bus.Close() }()

	assert.ErrorIs(t, bus.Subscribe(shared.EventTickFailed, nil), ErrNilHandler)
	assert.ErrorIs(t, bus.SubscribeAll(nil), ErrNilHandler)
}
