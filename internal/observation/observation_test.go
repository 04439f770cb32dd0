package observation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalBusDeliversToHandleListeners(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()

	var got []Event
	reg, err := bus.Subscribe(ctx, "h-1", func(e Event) { got = append(got, e) })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	other := 0
	if _, err := bus.Subscribe(ctx, "h-2", func(Event) { other++ }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	_ = bus.Publish(ctx, Event{HandleID: "h-1", Kind: KindChanged, UserID: "u-1"})
	if len(got) != 1 || got[0].Kind != KindChanged || got[0].At.IsZero() {
		t.Fatalf("unexpected events: %+v", got)
	}
	if other != 0 {
		t.Fatalf("expected no cross-handle delivery, got %d", other)
	}

	if err := reg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_ = reg.Close()
	_ = bus.Publish(ctx, Event{HandleID: "h-1", Kind: KindChanged})
	if len(got) != 1 {
		t.Fatalf("expected no delivery after close, got %d events", len(got))
	}
	if bus.Listeners("h-1") != 0 {
		t.Fatalf("expected listeners to be released, got %d", bus.Listeners("h-1"))
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ctx := context.Background()
	bus := NewRedisBus(client, nil)

	received := make(chan Event, 1)
	reg, err := bus.Subscribe(ctx, "h-1", func(e Event) { received <- e })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer reg.Close()

	if err := bus.Publish(ctx, Event{HandleID: "h-1", Kind: KindRemoved, UserID: "u-2"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case event := <-received:
		if event.Kind != KindRemoved || event.UserID != "u-2" || event.HandleID != "h-1" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRedisBusCloseStopsDelivery(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ctx := context.Background()
	bus := NewRedisBus(client, nil)
	received := make(chan Event, 4)
	reg, err := bus.Subscribe(ctx, "h-1", func(e Event) { received <- e })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_ = bus.Publish(ctx, Event{HandleID: "h-1", Kind: KindChanged})

	select {
	case event := <-received:
		t.Fatalf("unexpected event after close: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}
