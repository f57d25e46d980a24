package events

import (
	"context"
	"time"
)

type Type string

const (
	TypeTaskEnqueued    Type = "task.enqueued"
	TypeTaskStarted     Type = "task.started"
	TypeTaskProgress    Type = "task.progress"
	TypeTaskCompleted   Type = "task.completed"
	TypeTaskRetrying    Type = "task.retrying"
	TypeTaskFailed      Type = "task.failed"
	TypeSessionCreated  Type = "session.created"
	TypeSessionDisposed Type = "session.disposed"
	TypeTenantCooldown  Type = "tenant.cooldown"
	TypeHealthWarning   Type = "tenant.health_warning"
)

// Event is the lifecycle notification fanned out to subscribers.
type Event struct {
	ID         string            `json:"event_id"`
	Type       Type              `json:"event_type"`
	OccurredAt time.Time         `json:"occurred_at"`
	TenantID   string            `json:"tenant_id"`
	TaskID     string            `json:"task_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Alert reports whether operators should be paged for this event.
func (e Event) Alert() bool {
	switch e.Type {
	case TypeTenantCooldown, TypeTaskFailed:
		return true
	case TypeSessionDisposed:
		return e.Attributes["tainted"] == "true"
	default:
		return false
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}
