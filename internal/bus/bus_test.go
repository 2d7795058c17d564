package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("transport.", 10)
	defer sub.Close()

	b.Publish(Event{Kind: KindTransportStatus, Payload: "test"})

	select {
	case evt := <-sub.C:
		if evt.Kind != KindTransportStatus {
			t.Errorf("got kind %q, want %s", evt.Kind, KindTransportStatus)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	sub := b.Subscribe("row.messages.", 10)
	defer sub.Close()

	b.Publish(Event{Kind: RowKind("chats", "insert")})
	b.Publish(Event{Kind: RowKind("messages", "insert")})

	select {
	case evt := <-sub.C:
		if evt.Kind != "row.messages.insert" {
			t.Errorf("got kind %q, want row.messages.insert", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure chats event was not delivered.
	select {
	case evt := <-sub.C:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("auth.", 10)
	sub.Close()
	sub.Close()

	b.Publish(Event{Kind: KindAuthChanged})

	select {
	case evt := <-sub.C:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	sub := b.Subscribe("test.", 1)
	defer sub.Close()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// These should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})
	b.Publish(Event{Kind: "test.three"})

	evt := <-sub.C
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if got := sub.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
}
