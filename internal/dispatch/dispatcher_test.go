package dispatch

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"applyq.local/applyq/internal/events"
	"applyq.local/applyq/internal/subscribers"
)

type fakeSubscriber struct {
	name      string
	failUntil int

	mu    sync.Mutex
	calls int
	ch    chan events.Event
}

func (f *fakeSubscriber) Name() string {
	return f.name
}

func (f *fakeSubscriber) Handle(_ context.Context, event events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("forced failure")
	}
	if f.ch != nil {
		f.ch <- event
	}
	return nil
}

func (f *fakeSubscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	sub := &fakeSubscriber{name: "sub", failUntil: 2, ch: make(chan events.Event, 1)}
	d := New(log.New(io.Discard, "", 0), []subscribers.Subscriber{sub})
	event := events.Event{ID: "evt_1", Type: events.TypeTaskCompleted}

	d.Dispatch(context.Background(), event)

	select {
	case got := <-sub.ch:
		if got.ID != event.ID {
			t.Fatalf("unexpected event id: %s", got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}

	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDispatcherStopsAfterRetries(t *testing.T) {
	sub := &fakeSubscriber{name: "sub", failUntil: 10}
	d := New(log.New(io.Discard, "", 0), []subscribers.Subscriber{sub})

	d.Dispatch(context.Background(), events.Event{ID: "evt_2"})
	d.Wait()

	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDispatcherPublishFillsIdentity(t *testing.T) {
	sub := &fakeSubscriber{name: "sub", ch: make(chan events.Event, 1)}
	d := New(nil, []subscribers.Subscriber{sub})
	fixed := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Publish(ctx, events.Event{Type: events.TypeTaskEnqueued, TenantID: "tenant-1"})
	d.Wait()

	got := <-sub.ch
	if got.ID == "" {
		t.Fatalf("expected generated event id")
	}
	if !got.OccurredAt.Equal(fixed) {
		t.Fatalf("occurred_at got=%s want=%s", got.OccurredAt, fixed)
	}
}

func TestDispatcherFansOutToAllSubscribers(t *testing.T) {
	a := &fakeSubscriber{name: "a", ch: make(chan events.Event, 1)}
	b := &fakeSubscriber{name: "b", ch: make(chan events.Event, 1)}
	d := New(nil, []subscribers.Subscriber{a, b})

	d.Publish(context.Background(), events.Event{Type: events.TypeTaskFailed})
	d.Wait()

	if a.Calls() != 1 || b.Calls() != 1 {
		t.Fatalf("expected one call each, got a=%d b=%d", a.Calls(), b.Calls())
	}
}
