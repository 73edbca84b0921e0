package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	b.Publish(Event{Kind: "transport.state_changed", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "transport.state_changed" {
			t.Errorf("got kind %q, want transport.state_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: "transport.state_changed"})
	b.Publish(Event{Kind: "sync.completed"})

	select {
	case evt := <-ch:
		if evt.Kind != "sync.completed" {
			t.Errorf("got kind %q, want sync.completed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure transport event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("transport.", 10)
	unsub()

	b.Publish(Event{Kind: "transport.state_changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestStickyDeliveredToLateSubscriber(t *testing.T) {
	b := New()
	b.PublishSticky(Event{Kind: "transport.state_changed", Payload: "connected"})

	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	select {
	case evt := <-ch:
		if evt.Payload != "connected" {
			t.Errorf("sticky payload = %v, want connected", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber did not receive sticky event")
	}

	if evt, ok := b.Latest("transport.state_changed"); !ok || evt.Payload != "connected" {
		t.Errorf("Latest() = %v, %v; want connected, true", evt.Payload, ok)
	}
}

func TestStickyReplacedByNewerEvent(t *testing.T) {
	b := New()
	b.PublishSticky(Event{Kind: "transport.payload", Payload: "first"})
	b.PublishSticky(Event{Kind: "transport.payload", Payload: "second"})

	evt, ok := b.Latest("transport.payload")
	if !ok || evt.Payload != "second" {
		t.Errorf("Latest() = %v, want second", evt.Payload)
	}
}
