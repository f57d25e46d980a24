package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"applyq.local/applyq/internal/events"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 4 << 10
)

// Delivery is the body POSTed for each event.
type Delivery struct {
	Alert bool         `json:"alert"`
	Event events.Event `json:"event"`
}

type Option func(*Subscriber)

// Subscriber forwards scheduler events to an HTTP endpoint.
type Subscriber struct {
	name       string
	endpoint   string
	httpClient *http.Client
	logger     *log.Logger
	accept     func(events.Event) bool
}

func New(name string, endpoint string, logger *log.Logger, opts ...Option) *Subscriber {
	sub := &Subscriber{
		name:       strings.TrimSpace(name),
		endpoint:   strings.TrimSpace(endpoint),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     logger,
	}
	if sub.name == "" {
		sub.name = "webhook"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}
	return sub
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Subscriber) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithEventFilter keeps only event types the filter accepts.
func WithEventFilter(filter func(events.Type) bool) Option {
	return func(s *Subscriber) {
		if filter == nil {
			return
		}
		s.accept = func(event events.Event) bool { return filter(event.Type) }
	}
}

// AlertsOnly restricts delivery to events operators should be paged for.
func AlertsOnly() Option {
	return func(s *Subscriber) {
		s.accept = events.Event.Alert
	}
}

// SkipProgress drops the high-volume task.progress events.
func SkipProgress(t events.Type) bool {
	return t != events.TypeTaskProgress
}

func (s *Subscriber) Name() string {
	return s.name
}

func (s *Subscriber) Handle(ctx context.Context, event events.Event) error {
	if s.accept != nil && !s.accept(event) {
		return nil
	}
	body, err := json.Marshal(Delivery{Alert: event.Alert(), Event: event})
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	return s.post(ctx, event, body)
}

func (s *Subscriber) post(ctx context.Context, event events.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Applyq-Event", string(event.Type))
	req.Header.Set("X-Applyq-Tenant", event.TenantID)
	req.Header.Set("X-Applyq-Alert", strconv.FormatBool(event.Alert()))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return fmt.Errorf("webhook %s rejected event_id=%s status=%d body=%q", s.name, event.ID, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
