package bus

import (
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return Event{}
	}
}

func expectNothing(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %s", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPrefixRouting(t *testing.T) {
	b := New()
	conn, cancelConn := b.Subscribe("connectivity.", 4)
	defer cancelConn()
	all, cancelAll := b.Subscribe("", 4)
	defer cancelAll()

	b.Publish(Event{Kind: KindMessageStatus, MessageID: "m1"})
	b.Publish(Event{Kind: KindConnectivityOnline})

	if got := receive(t, conn); got.Kind != KindConnectivityOnline {
		t.Errorf("connectivity listener got %s", got.Kind)
	}
	expectNothing(t, conn)

	first := receive(t, all)
	if first.Kind != KindMessageStatus || first.MessageID != "m1" {
		t.Errorf("first event = %+v", first)
	}
	if got := receive(t, all); got.Kind != KindConnectivityOnline {
		t.Errorf("second event = %s", got.Kind)
	}
}

func TestPublishStampsMissingTimestamp(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("outbox.", 2)
	defer cancel()

	before := time.Now()
	b.Publish(Event{Kind: KindOutboxEnqueued})
	fixed := time.UnixMilli(1_700_000_000_000)
	b.Publish(Event{Kind: KindOutboxEnqueued, Timestamp: fixed})

	if got := receive(t, ch).Timestamp; got.Before(before) {
		t.Errorf("stamped timestamp %v is before publish", got)
	}
	if got := receive(t, ch).Timestamp; !got.Equal(fixed) {
		t.Errorf("explicit timestamp rewritten to %v", got)
	}
}

func TestCancelStopsDeliveryAndIsIdempotent(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("message.", 4)
	if b.Listeners() != 1 {
		t.Fatalf("listeners = %d, want 1", b.Listeners())
	}
	cancel()
	cancel()
	if b.Listeners() != 0 {
		t.Fatalf("listeners after cancel = %d, want 0", b.Listeners())
	}

	b.Publish(Event{Kind: KindMessageUpserted})
	expectNothing(t, ch)
}

func TestFullListenerDropsAndCounts(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("outbox.", 1)
	defer cancel()

	b.Publish(Event{Kind: KindOutboxEnqueued, MessageID: "kept"})
	b.Publish(Event{Kind: KindOutboxEnqueued, MessageID: "lost"})
	b.Publish(Event{Kind: KindMessageStatus})

	if got := receive(t, ch); got.MessageID != "kept" {
		t.Errorf("got %q, want kept", got.MessageID)
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}
