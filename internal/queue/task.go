package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
)

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusRetrying},
	StatusRetrying:   {StatusPending},
}

func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func ParseStatus(raw string) (Status, bool) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetrying:
		return status, true
	default:
		return "", false
	}
}

const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 10
)

// ParsePriority accepts low/normal/high or an integer; empty means normal.
func ParsePriority(raw string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q", raw)
	}
	return value, nil
}

type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Attempt   int       `json:"attempt"`
	Message   string    `json:"message"`
}

type Task struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	Kind              string          `json:"kind"`
	Status            Status          `json:"status"`
	Priority          int             `json:"priority"`
	AttemptCount      int             `json:"attempt_count"`
	MaxAttempts       int             `json:"max_attempts"`
	AssignedSessionID string          `json:"assigned_session_id,omitempty"`
	NotBefore         time.Time       `json:"not_before"`
	ProgressStep      string          `json:"progress_step,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	ErrorHistory      []ErrorEntry    `json:"error_history,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	StartedAt         time.Time       `json:"started_at,omitempty"`
	FinishedAt        time.Time       `json:"finished_at,omitempty"`
}

// LastError is the most recent error history message, if any.
func (t Task) LastError() string {
	if len(t.ErrorHistory) == 0 {
		return ""
	}
	return t.ErrorHistory[len(t.ErrorHistory)-1].Message
}

func (t Task) AttemptsRemaining() int {
	if remaining := t.MaxAttempts - t.AttemptCount; remaining > 0 {
		return remaining
	}
	return 0
}

type NewTask struct {
	TenantID    string
	Kind        string
	Payload     json.RawMessage
	Priority    int
	MaxAttempts int
	NotBefore   time.Time
}

// Retry describes a PROCESSING -> RETRYING transition.
type Retry struct {
	NotBefore time.Time
	// Message is appended to the error history when non-empty.
	Message string
	// CountAttempt charges the retry against max_attempts. Health and
	// resource deferrals leave it false.
	CountAttempt bool
}

type Filter struct {
	TenantID string
	Statuses []Status
	Limit    int
}

func appendHistory(history []ErrorEntry, entry ErrorEntry, limit int) []ErrorEntry {
	out := make([]ErrorEntry, 0, len(history)+1)
	out = append(out, history...)
	out = append(out, entry)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func cloneTask(t Task) Task {
	out := t
	if t.Payload != nil {
		out.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		out.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.ErrorHistory != nil {
		out.ErrorHistory = append([]ErrorEntry(nil), t.ErrorHistory...)
	}
	return out
}
