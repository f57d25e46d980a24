package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrClosed            = errors.New("task store is closed")
)

// Store is the durable task backlog. Every mutation is a single-row
// conditional write scoped to one task.
type Store interface {
	Enqueue(ctx context.Context, task NewTask) (Task, error)
	// ClaimBatch promotes due RETRYING tasks, then moves up to limit eligible
	// PENDING tasks to PROCESSING ordered by priority desc, created_at asc.
	ClaimBatch(ctx context.Context, limit int) ([]Task, error)
	AssignSession(ctx context.Context, id, sessionID string) error
	UpdateProgress(ctx context.Context, id, step string) error
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) (Task, error)
	// MarkRetrying moves a PROCESSING task to RETRYING, or to FAILED when a
	// counted attempt exhausts max_attempts.
	MarkRetrying(ctx context.Context, id string, retry Retry) (Task, error)
	MarkFailed(ctx context.Context, id, message string) (Task, error)
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context, filter Filter) ([]Task, error)
	CountByStatus(ctx context.Context, tenantID string) (map[Status]int, error)
	// RecoverOrphaned moves tasks left PROCESSING by a previous process to
	// RETRYING without charging an attempt.
	RecoverOrphaned(ctx context.Context) ([]Task, error)
}

type Options struct {
	DefaultMaxAttempts int
	HistoryLimit       int
}

func (o Options) withDefaults() Options {
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 3
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 20
	}
	return o
}

const orphanRecoveredMessage = "recovered after worker restart"

func newTaskFromRequest(id string, req NewTask, opts Options, now time.Time) (Task, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return Task{}, fmt.Errorf("tenant_id is required")
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		return Task{}, fmt.Errorf("kind is required")
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return Task{}, fmt.Errorf("payload must be valid json")
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = opts.DefaultMaxAttempts
	}
	notBefore := req.NotBefore.UTC()
	if notBefore.IsZero() || notBefore.Before(now) {
		notBefore = now
	}

	task := Task{
		ID:           id,
		TenantID:     tenantID,
		Kind:         kind,
		Status:       StatusPending,
		Priority:     req.Priority,
		MaxAttempts:  maxAttempts,
		NotBefore:    notBefore,
		ErrorHistory: []ErrorEntry{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(req.Payload) > 0 {
		task.Payload = append(json.RawMessage(nil), req.Payload...)
	}
	return task, nil
}

func requireStatus(t Task, to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s for task %s", ErrInvalidTransition, t.Status, to, t.ID)
	}
	return nil
}

func errNotProcessing(t Task) error {
	return fmt.Errorf("%w: task %s is %s, not %s", ErrInvalidTransition, t.ID, t.Status, StatusProcessing)
}

func applyClaim(t Task, now time.Time) Task {
	t.Status = StatusProcessing
	t.AssignedSessionID = ""
	t.ProgressStep = ""
	t.StartedAt = now
	t.UpdatedAt = now
	return t
}

func applyCompleted(t Task, result json.RawMessage, now time.Time) Task {
	t.Status = StatusCompleted
	t.AssignedSessionID = ""
	if len(result) > 0 {
		t.Result = append(json.RawMessage(nil), result...)
	}
	t.FinishedAt = now
	t.UpdatedAt = now
	return t
}

func applyRetry(t Task, retry Retry, now time.Time, historyLimit int) Task {
	attempt := t.AttemptCount + 1
	if retry.CountAttempt {
		t.AttemptCount = attempt
	}
	if msg := strings.TrimSpace(retry.Message); msg != "" {
		t.ErrorHistory = appendHistory(t.ErrorHistory, ErrorEntry{Timestamp: now, Attempt: attempt, Message: msg}, historyLimit)
	}
	t.AssignedSessionID = ""
	t.UpdatedAt = now

	if retry.CountAttempt && t.AttemptCount >= t.MaxAttempts {
		t.Status = StatusFailed
		t.FinishedAt = now
		return t
	}
	t.Status = StatusRetrying
	t.NotBefore = retry.NotBefore.UTC()
	if t.NotBefore.IsZero() {
		t.NotBefore = now
	}
	return t
}

func applyFailed(t Task, message string, now time.Time, historyLimit int) Task {
	attempt := t.AttemptCount + 1
	if t.AttemptCount < t.MaxAttempts {
		t.AttemptCount = attempt
	}
	if msg := strings.TrimSpace(message); msg != "" {
		t.ErrorHistory = appendHistory(t.ErrorHistory, ErrorEntry{Timestamp: now, Attempt: attempt, Message: msg}, historyLimit)
	}
	t.Status = StatusFailed
	t.AssignedSessionID = ""
	t.FinishedAt = now
	t.UpdatedAt = now
	return t
}
