package stream

import (
	"context"
	"testing"

	"applyq.local/applyq/internal/events"
)

func TestHubFiltersByTenant(t *testing.T) {
	hub := NewHub(nil)
	all, cancelAll := hub.Subscribe("")
	defer cancelAll()
	only, cancelOnly := hub.Subscribe("tenant-2")
	defer cancelOnly()

	_ = hub.Handle(context.Background(), events.Event{ID: "a", TenantID: "tenant-1"})
	_ = hub.Handle(context.Background(), events.Event{ID: "b", TenantID: "tenant-2"})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered client got=%d want=2", got)
	}
	if got := len(only); got != 1 {
		t.Fatalf("filtered client got=%d want=1", got)
	}
	if ev := <-only; ev.ID != "b" {
		t.Fatalf("filtered client event got=%q want=b", ev.ID)
	}
}

func TestHubDropsWhenClientIsFull(t *testing.T) {
	hub := NewHub(nil)
	hub.buffer = 1
	ch, cancel := hub.Subscribe("")
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := hub.Handle(context.Background(), events.Event{TenantID: "t"}); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if got := len(ch); got != 1 {
		t.Fatalf("buffered events got=%d want=1", got)
	}
}

func TestHubCancelIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe("")
	if hub.Clients() != 1 {
		t.Fatalf("expected one client")
	}
	cancel()
	cancel()
	if hub.Clients() != 0 {
		t.Fatalf("expected no clients after cancel")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
}
