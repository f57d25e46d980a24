package dispatch

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"applyq.local/applyq/internal/events"
	"applyq.local/applyq/internal/ids"
	"applyq.local/applyq/internal/subscribers"
)

// Dispatcher fans events out to every subscriber on its own goroutine,
// retrying failed deliveries a fixed number of times.
type Dispatcher struct {
	logger       *log.Logger
	subscribers  []subscribers.Subscriber
	retryCount   int
	retryBackoff time.Duration
	now          func() time.Time

	wg sync.WaitGroup
}

func New(logger *log.Logger, subs []subscribers.Subscriber) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{
		logger:       logger,
		subscribers:  subs,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (d *Dispatcher) Publish(ctx context.Context, event events.Event) {
	if event.ID == "" {
		event.ID = ids.NewPrefixed("evt")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now()
	}
	// Deliveries outlive the request or task that published them.
	d.Dispatch(context.WithoutCancel(ctx), event)
}

func (d *Dispatcher) Dispatch(ctx context.Context, event events.Event) {
	for _, sub := range d.subscribers {
		s := sub
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.dispatchOne(ctx, s, event)
		}()
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub subscribers.Subscriber, event events.Event) {
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := sub.Handle(ctx, event)
		if err == nil {
			return
		}

		d.logger.Printf("subscriber=%s event_id=%s event_type=%s attempt=%d err=%v", sub.Name(), event.ID, event.Type, attempt, err)
		if attempt == d.retryCount {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}
