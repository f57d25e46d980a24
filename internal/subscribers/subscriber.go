package subscribers

import (
	"context"

	"applyq.local/applyq/internal/events"
)

type Subscriber interface {
	Name() string
	Handle(context.Context, events.Event) error
}
