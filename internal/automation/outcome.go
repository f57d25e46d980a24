package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"applyq.local/applyq/internal/health"
	"applyq.local/applyq/internal/queue"
	"applyq.local/applyq/internal/sessions"
)

type Kind string

const (
	KindSuccess   Kind = "success"
	KindTransient Kind = "transient"
	KindHealth    Kind = "health"
	KindFatal     Kind = "fatal"
)

func ParseKind(raw string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindSuccess:
		return KindSuccess, true
	case KindTransient:
		return KindTransient, true
	case KindHealth:
		return KindHealth, true
	case KindFatal:
		return KindFatal, true
	default:
		return "", false
	}
}

// Outcome is how one task execution ended.
type Outcome struct {
	Kind       Kind            `json:"kind"`
	Result     json.RawMessage `json:"result,omitempty"`
	Message    string          `json:"message,omitempty"`
	Issue      health.Issue    `json:"issue,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
}

func Success(result json.RawMessage) Outcome {
	return Outcome{Kind: KindSuccess, Result: result}
}

func Transient(message string) Outcome {
	return Outcome{Kind: KindTransient, Message: message}
}

func Health(issue health.Issue, message string) Outcome {
	if message == "" {
		message = string(issue)
	}
	return Outcome{Kind: KindHealth, Issue: issue, Message: message}
}

func Fatal(message string) Outcome {
	return Outcome{Kind: KindFatal, Message: message}
}

// Signal exposes the failure details to the health classifier.
func (o Outcome) Signal() health.Signal {
	return health.Signal{Issue: o.Issue, StatusCode: o.StatusCode, Message: o.Message}
}

// FromError classifies a Go error raised during execution.
func FromError(err error) Outcome {
	if err == nil {
		return Success(nil)
	}
	var statusErr *StatusError
	switch {
	case errors.Is(err, health.ErrBreakerOpen):
		return Fatal(err.Error())
	case errors.As(err, &statusErr):
		out := Transient(err.Error())
		out.StatusCode = statusErr.StatusCode
		return out
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Transient(err.Error())
	}
	if issue := health.ClassifyText(err.Error()); issue != health.IssueNone {
		return Health(issue, err.Error())
	}
	return Transient(err.Error())
}

// StatusError is a non-2xx response from the automation driver.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("driver status %d: %s", e.StatusCode, e.Message)
}

// Reporter lets an execution push observability back to the scheduler while
// it runs.
type Reporter interface {
	Progress(step string)
	// Warn reports an advisory health signal; the run continues.
	Warn(issue health.Issue, detail string)
}

type Run struct {
	Lease    sessions.Lease
	Task     queue.Task
	Deadline time.Time
	Reporter Reporter
}

type Executor interface {
	Execute(ctx context.Context, run Run) Outcome
}

type ExecutorFunc func(ctx context.Context, run Run) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, run Run) Outcome {
	return f(ctx, run)
}

// NopReporter discards reports.
type NopReporter struct{}

func (NopReporter) Progress(string) {}

func (NopReporter) Warn(health.Issue, string) {}
