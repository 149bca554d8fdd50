package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForCount polls got until it reaches want or the timeout elapses,
// since handler invocation is asynchronous relative to Publish.
func waitForCount(t *testing.T, got *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got.Load() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, want, got.Load())
}

// TestUserIDFilterPublicCrossOwner implements scenario E1: a subscriber
// scoped to userID A still receives another owner's public event, but
// not their private one.
func TestUserIDFilterPublicCrossOwner(t *testing.T) {
	p := New(nil)
	var count atomic.Int32

	p.Subscribe("t", func(Event, Metadata) { count.Add(1) }, SubscribeOptions{
		Filter: FilterOptions{UserID: "A", HasUserID: true},
	})

	p.Publish(Event{Name: "t", UserID: "A"}, Metadata{IsPublic: true})
	p.Publish(Event{Name: "t", UserID: "B"}, Metadata{IsPublic: true})
	p.Publish(Event{Name: "t", UserID: "B"}, Metadata{IsPublic: false})

	waitForCount(t, &count, 2)
}

// TestDropInternalEvents implements scenario E2.
func TestDropInternalEvents(t *testing.T) {
	p := New(nil)
	var count atomic.Int32

	p.Subscribe("t", func(Event, Metadata) { count.Add(1) }, SubscribeOptions{
		Filter: FilterOptions{DropInternalEvents: true},
	})

	for i := 0; i < 3; i++ {
		p.Publish(Event{Name: "t"}, Metadata{IsInternal: true})
	}
	for i := 0; i < 3; i++ {
		p.Publish(Event{Name: "t"}, Metadata{IsInternal: false})
	}

	waitForCount(t, &count, 3)
}

// TestMyDevicesIgnoresPublicFlag implements testable property 5: a
// mydevices subscription is governed purely by ownership, regardless
// of the public/private flag.
func TestMyDevicesIgnoresPublicFlag(t *testing.T) {
	p := New(nil)
	var ownerCount, otherCount atomic.Int32

	p.Subscribe("t", func(Event, Metadata) { ownerCount.Add(1) }, SubscribeOptions{
		Filter: FilterOptions{UserID: "U", HasUserID: true, MyDevices: true},
	})

	p.Publish(Event{Name: "t", UserID: "U"}, Metadata{IsPublic: false})
	p.Publish(Event{Name: "t", UserID: "U"}, Metadata{IsPublic: true})
	p.Publish(Event{Name: "t", UserID: "other"}, Metadata{IsPublic: true})
	waitForCount(t, &ownerCount, 2)
	assert.Equal(t, int32(0), otherCount.Load())
}

func TestDeviceIDFilterDropsUnmatchedAndMissing(t *testing.T) {
	p := New(nil)
	var count atomic.Int32

	p.Subscribe("t", func(Event, Metadata) { count.Add(1) }, SubscribeOptions{
		Filter: FilterOptions{DeviceID: "dev1", HasDeviceID: true},
	})

	p.Publish(Event{Name: "t", DeviceID: "dev1"})
	p.Publish(Event{Name: "t", DeviceID: "dev2"})
	p.Publish(Event{Name: "t"})

	waitForCount(t, &count, 1)
}

func TestConnectionIDSuppressesOwnPrivateEvents(t *testing.T) {
	p := New(nil)
	var count atomic.Int32

	p.Subscribe("t", func(Event, Metadata) { count.Add(1) }, SubscribeOptions{
		Filter: FilterOptions{ConnectionID: "conn1", HasConnectionID: true},
	})

	p.Publish(Event{Name: "t", ConnectionID: "conn1"}, Metadata{IsPublic: false})
	p.Publish(Event{Name: "t", ConnectionID: "conn1"}, Metadata{IsPublic: true})
	p.Publish(Event{Name: "t", ConnectionID: "conn2"}, Metadata{IsPublic: false})

	waitForCount(t, &count, 2)
}

func TestDropBroadcastedEvents(t *testing.T) {
	p := New(nil)
	var count atomic.Int32

	p.Subscribe("t", func(Event, Metadata) { count.Add(1) }, SubscribeOptions{
		Filter: FilterOptions{DropBroadcastedEvents: true},
	})

	p.Publish(Event{Name: "t", Broadcasted: true})
	p.Publish(Event{Name: "t", Broadcasted: false})

	waitForCount(t, &count, 1)
}

func TestPrefixNameMatch(t *testing.T) {
	p := New(nil)
	var count atomic.Int32

	p.Subscribe("spark/status", func(Event, Metadata) { count.Add(1) }, SubscribeOptions{})

	p.Publish(Event{Name: "spark/status"})
	p.Publish(Event{Name: "spark/status/online"})
	p.Publish(Event{Name: "spark/statuses"}) // not a "/"-prefix match

	waitForCount(t, &count, 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	p := New(nil)
	var count atomic.Int32

	id := p.Subscribe("t", func(Event, Metadata) { count.Add(1) }, SubscribeOptions{})
	p.Publish(Event{Name: "t"})
	waitForCount(t, &count, 1)

	require.True(t, p.Unsubscribe(id))
	require.False(t, p.Unsubscribe(id))

	p.Publish(Event{Name: "t"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestUnsubscribeBySubscriberID(t *testing.T) {
	p := New(nil)
	var count atomic.Int32
	handler := func(Event, Metadata) { count.Add(1) }

	p.Subscribe("t", handler, SubscribeOptions{SubscriberID: "bulk"})
	p.Subscribe("t", handler, SubscribeOptions{SubscriberID: "bulk"})
	p.Subscribe("t", handler, SubscribeOptions{SubscriberID: "other"})

	removed := p.UnsubscribeBySubscriberID("bulk")
	assert.Equal(t, 2, removed)

	p.Publish(Event{Name: "t"})
	waitForCount(t, &count, 1)
}

// TestHandlerOrderPreserved verifies handlers run in subscription order
// for a single publish.
func TestHandlerOrderPreserved(t *testing.T) {
	p := New(nil)
	var mu sync.Mutex
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		p.Subscribe("t", func(Event, Metadata) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}, SubscribeOptions{})
	}

	done := make(chan struct{})
	p.Subscribe("done", func(Event, Metadata) { close(done) }, SubscribeOptions{})
	p.Publish(Event{Name: "t"})
	p.Publish(Event{Name: "done"})

	<-done
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

// TestReentrantPublishDrainedAfterCurrent verifies a publish issued from
// within a handler is queued rather than dispatched synchronously.
func TestReentrantPublishDrainedAfterCurrent(t *testing.T) {
	p := New(nil)
	var mu sync.Mutex
	var order []string

	p.Subscribe("first", func(Event, Metadata) {
		mu.Lock()
		order = append(order, "first-start")
		mu.Unlock()
		p.Publish(Event{Name: "second"})
		mu.Lock()
		order = append(order, "first-end")
		mu.Unlock()
	}, SubscribeOptions{})

	done := make(chan struct{})
	p.Subscribe("second", func(Event, Metadata) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		close(done)
	}, SubscribeOptions{})

	p.Publish(Event{Name: "first"})
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first-start", "first-end", "second"}, order)
}

func TestPublishNeverInvokesHandlerSynchronously(t *testing.T) {
	p := New(nil)
	var invoked atomic.Bool

	p.Subscribe("t", func(Event, Metadata) { invoked.Store(true) }, SubscribeOptions{})
	p.Publish(Event{Name: "t"})
	assert.False(t, invoked.Load())
}

// TestPublishAndListenForResponse implements scenario E6.
func TestPublishAndListenForResponse(t *testing.T) {
	p := New(nil)

	p.Subscribe(GetRequestEventName("testEvent"), func(ev Event, _ Metadata) {
		respName, _ := ev.Context["responseEventName"].(string)
		p.Publish(Event{Name: respName, Context: map[string]any{"data": ev.Context["data"]}})
	}, SubscribeOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := p.PublishAndListenForResponse(ctx, Event{
		Name:    "testEvent",
		Context: map[string]any{"data": "123"},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "123", result["data"])
}

func TestPublishAndListenForResponseTimesOut(t *testing.T) {
	p := New(nil)
	ctx := context.Background()

	_, err := p.PublishAndListenForResponse(ctx, Event{Name: "unanswered"}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrResponseTimeout)
}

// TestPublishAndListenForResponseFiresOnce implements testable property
// 6: unrelated publishes on other names must never resolve the
// one-shot response subscription.
func TestPublishAndListenForResponseFiresOnce(t *testing.T) {
	p := New(nil)

	p.Subscribe(GetRequestEventName("e"), func(ev Event, _ Metadata) {
		respName, _ := ev.Context["responseEventName"].(string)
		// Publish unrelated noise before the real response.
		p.Publish(Event{Name: "unrelated"})
		p.Publish(Event{Name: respName, Context: map[string]any{"data": "ok"}})
	}, SubscribeOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := p.PublishAndListenForResponse(ctx, Event{Name: "e"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", result["data"])
}
