package events

import (
	"fmt"
	"testing"

	"github.com/argus-ops/argus/pkg/models"
)

func publishN(b *Bus, n int) {
	for i := 0; i < n; i++ {
		b.Publish(models.NewTaskEvent("test", "running", map[string]any{"seq": i}, fmt.Sprintf("event %d", i)))
	}
}

func TestHistoryReplay(t *testing.T) {
	b := NewBus(10, 10)
	publishN(b, 3)

	history := b.History()
	if len(history) != 3 {
		t.Fatalf("expected 3 events in history, got %d", len(history))
	}
	for i, ev := range history {
		if ev.Payload["seq"] != i {
			t.Fatalf("history out of order at %d: %v", i, ev.Payload)
		}
	}
}

func TestHistoryRingBufferKeepsNewest(t *testing.T) {
	b := NewBus(5, 5)
	publishN(b, 8)

	history := b.History()
	if len(history) != 5 {
		t.Fatalf("expected 5 events, got %d", len(history))
	}
	if history[0].Payload["seq"] != 3 || history[4].Payload["seq"] != 7 {
		t.Fatalf("expected seq 3..7, got %v .. %v", history[0].Payload, history[4].Payload)
	}
}

func TestSubscriberReceivesLiveEvents(t *testing.T) {
	b := NewBus(10, 10)
	sub := b.Subscribe()
	publishN(b, 2)

	for i := 0; i < 2; i++ {
		ev := <-sub
		if ev == nil {
			t.Fatal("unexpected shutdown sentinel")
		}
		if ev.Payload["seq"] != i {
			t.Fatalf("event %d out of order: %v", i, ev.Payload)
		}
	}
}

func TestOverflowDropsOldestNeverBlocks(t *testing.T) {
	const capacity = 4
	b := NewBus(100, capacity)
	sub := b.Subscribe()

	// One more than capacity; Publish must not block even though the
	// subscriber never reads during publishing.
	publishN(b, capacity+1)

	// The oldest (seq 0) was dropped; seq 1..capacity remain.
	for want := 1; want <= capacity; want++ {
		ev := <-sub
		if ev.Payload["seq"] != want {
			t.Fatalf("expected seq %d, got %v", want, ev.Payload)
		}
	}
	select {
	case ev := <-sub:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(10, 10)
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	publishN(b, 1)

	select {
	case ev := <-sub:
		t.Fatalf("unsubscribed channel received event: %+v", ev)
	default:
	}
}

func TestShutdownSendsSentinel(t *testing.T) {
	b := NewBus(10, 10)
	sub := b.Subscribe()
	b.Shutdown()

	ev := <-sub
	if ev != nil {
		t.Fatalf("expected nil sentinel, got %+v", ev)
	}
}

func TestPublishAfterShutdownRecordsHistory(t *testing.T) {
	b := NewBus(10, 10)
	sub := b.Subscribe()
	b.Shutdown()
	<-sub

	publishN(b, 2)
	if len(b.History()) != 2 {
		t.Fatalf("expected 2 history events after shutdown, got %d", len(b.History()))
	}
	select {
	case ev := <-sub:
		if ev != nil {
			t.Fatalf("detached subscriber received event: %+v", ev)
		}
	default:
	}
}

func TestSubscribeAfterShutdownSeesSentinel(t *testing.T) {
	b := NewBus(10, 10)
	b.Shutdown()
	sub := b.Subscribe()
	if ev := <-sub; ev != nil {
		t.Fatalf("expected immediate sentinel, got %+v", ev)
	}
}
