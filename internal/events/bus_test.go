package events

import (
	"testing"
	"time"

	"github.com/consultahub/portal-client-go/internal/money"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TypeBalanceUpdated, UserID: "u-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestSubscribeReceivesMatchingTypesOnly(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(TypeBalanceRecharged)
	defer cancel()

	bus.Publish(Event{Type: TypePlanPurchased, UserID: "u-1"})
	bus.Publish(Event{Type: TypeBalanceRecharged, UserID: "u-1", Amount: money.Cents(8000)})

	ev := recvEvent(t, ch)
	if ev.Type != TypeBalanceRecharged {
		t.Fatalf("got event type %q, want %q", ev.Type, TypeBalanceRecharged)
	}
	if ev.Amount != money.Cents(8000) {
		t.Fatalf("got amount %v, want 8000", ev.Amount)
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %q", ev.Type)
	default:
	}
}

func TestSubscribeWithoutTypesReceivesEverything(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Type: TypePlanPurchased})
	bus.Publish(Event{Type: TypeUserDataUpdated})

	first := recvEvent(t, ch)
	second := recvEvent(t, ch)
	if first.Type != TypePlanPurchased || second.Type != TypeUserDataUpdated {
		t.Fatalf("got %q then %q", first.Type, second.Type)
	}
}

func TestPublishStampsTime(t *testing.T) {
	bus := NewBus()
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Type: TypeBalanceUpdated})
	if got := recvEvent(t, ch).At; !got.Equal(fixed) {
		t.Fatalf("got timestamp %v, want %v", got, fixed)
	}
}

func TestSlowSubscriberLosesEventsWithoutStallingPublish(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	// Nobody drains ch, so the buffer fills and further publishes drop.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			bus.Publish(Event{Type: TypeBalanceUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish stalled on a slow subscriber")
	}

	if got := len(ch); got != subscriberBuffer {
		t.Fatalf("buffered %d events, want %d", got, subscriberBuffer)
	}
}

func TestCancelRemovesSubscriberAndClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()

	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("subscriber count %d, want 1", got)
	}

	cancel()
	cancel() // idempotent

	if got := bus.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count %d after cancel, want 0", got)
	}
	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}

	// Publishing after cancel must not panic on the closed channel.
	bus.Publish(Event{Type: TypeBalanceUpdated})
}
