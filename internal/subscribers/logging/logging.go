package logging

import (
	"context"
	"log"
	"sort"
	"strconv"
	"strings"

	"applyq.local/applyq/internal/events"
)

// Subscriber writes every event as one key=value log line.
type Subscriber struct {
	logger *log.Logger
}

func New(logger *log.Logger) *Subscriber {
	return &Subscriber{logger: logger}
}

func (s *Subscriber) Name() string {
	return "logging"
}

func (s *Subscriber) Handle(_ context.Context, event events.Event) error {
	level := "info"
	if event.Alert() {
		level = "alert"
	}
	s.logger.Printf("event level=%s %s", level, formatFields(event))
	return nil
}

func formatFields(event events.Event) string {
	fields := []string{
		"event_id=" + event.ID,
		"event_type=" + string(event.Type),
		"tenant_id=" + event.TenantID,
	}
	if event.TaskID != "" {
		fields = append(fields, "task_id="+event.TaskID)
	}
	if event.SessionID != "" {
		fields = append(fields, "session_id="+event.SessionID)
	}
	keys := make([]string, 0, len(event.Attributes))
	for key := range event.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fields = append(fields, key+"="+quoteIfNeeded(event.Attributes[key]))
	}
	return strings.Join(fields, " ")
}

func quoteIfNeeded(value string) string {
	if value == "" || strings.ContainsAny(value, " \t\n\"=") {
		return strconv.Quote(value)
	}
	return value
}
