package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"applyq.local/applyq/internal/events"
)

func TestHandleSuccessfulPost(t *testing.T) {
	var (
		gotMethod    string
		gotPath      string
		gotEventType string
		gotAlert     string
		gotBody      []byte
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotEventType = r.Header.Get("X-Applyq-Event")
		gotAlert = r.Header.Get("X-Applyq-Alert")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		gotBody = body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	event := newTestEvent(events.TypeTaskCompleted)

	subscriber := New("webhook-test", server.URL+"/events", testLogger())
	if err := subscriber.Handle(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Fatalf("unexpected method: %s", gotMethod)
	}
	if gotPath != "/events" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotEventType != string(events.TypeTaskCompleted) {
		t.Fatalf("unexpected event header: %s", gotEventType)
	}
	if gotAlert != "false" {
		t.Fatalf("unexpected alert header: %s", gotAlert)
	}
	var delivery Delivery
	if err := json.Unmarshal(gotBody, &delivery); err != nil {
		t.Fatalf("decode delivery: %v", err)
	}
	if delivery.Alert || delivery.Event.ID != event.ID || delivery.Event.TaskID != event.TaskID {
		t.Fatalf("unexpected delivery: %+v", delivery)
	}
}

func TestHandleAlertsOnly(t *testing.T) {
	var delivered []Delivery
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var delivery Delivery
		if err := json.NewDecoder(r.Body).Decode(&delivery); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		delivered = append(delivered, delivery)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	subscriber := New("pager", server.URL, testLogger(), AlertsOnly())
	for _, eventType := range []events.Type{events.TypeTaskCompleted, events.TypeTenantCooldown, events.TypeTaskFailed} {
		if err := subscriber.Handle(context.Background(), newTestEvent(eventType)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(delivered) != 2 {
		t.Fatalf("expected two alerts, got %d", len(delivered))
	}
	if !delivered[0].Alert || delivered[0].Event.Type != events.TypeTenantCooldown {
		t.Fatalf("unexpected first alert: %+v", delivered[0])
	}
}

func TestHandleNon2xxReturnsErrorWithBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream failed"))
	}))
	defer server.Close()

	subscriber := New("webhook-test", server.URL, testLogger())
	err := subscriber.Handle(context.Background(), newTestEvent(events.TypeTaskFailed))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "upstream failed") {
		t.Fatalf("expected status and body in error, got %v", err)
	}
}

func TestHandleSkipsFilteredEvents(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	subscriber := New("", server.URL, testLogger(), WithEventFilter(SkipProgress))
	if subscriber.Name() != "webhook" {
		t.Fatalf("expected default name, got %q", subscriber.Name())
	}
	if err := subscriber.Handle(context.Background(), newTestEvent(events.TypeTaskProgress)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := subscriber.Handle(context.Background(), newTestEvent(events.TypeTaskRetrying)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected one delivery, got %d", got)
	}
}

func TestHandleUsesConfiguredClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	subscriber := New("slow", server.URL, testLogger(), WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))
	if err := subscriber.Handle(context.Background(), newTestEvent(events.TypeTaskCompleted)); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func newTestEvent(eventType events.Type) events.Event {
	return events.Event{
		ID:         "evt_1",
		Type:       eventType,
		OccurredAt: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
		TenantID:   "tenant-1",
		TaskID:     "task_1",
	}
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
