package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"applyq.local/applyq/internal/cooldown"
	"applyq.local/applyq/internal/events"
	"applyq.local/applyq/internal/queue"
	"applyq.local/applyq/internal/sessions"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
)

// Admission answers whether a tenant may take on new work right now.
type Admission interface {
	CheckAvailable(ctx context.Context, tenantID string) error
}

// SessionView is the read side of the session manager.
type SessionView interface {
	Sessions(tenantID string) []sessions.Record
	Usage(tenantID string) sessions.Usage
	History(ctx context.Context, filter sessions.ListFilter) ([]sessions.Record, error)
}

type SessionManager interface {
	Admission
	SessionView
}

// Service is the producer-side API: enqueue work and read status.
type Service struct {
	tasks    queue.Store
	sessions SessionManager
	ledger   cooldown.Ledger
	events   events.Publisher
	logger   *log.Logger

	rejectAtCapacity bool
	now              func() time.Time
}

type Options struct {
	// RejectAtCapacity fails enqueues for tenants with every session slot
	// busy. Cooldown rejections always apply.
	RejectAtCapacity bool
}

func New(logger *log.Logger, tasks queue.Store, manager SessionManager, ledger cooldown.Ledger, publisher events.Publisher, opts Options) *Service {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Service{
		tasks:            tasks,
		sessions:         manager,
		ledger:           ledger,
		events:           events.OrNop(publisher),
		logger:           logger,
		rejectAtCapacity: opts.RejectAtCapacity,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type EnqueueRequest struct {
	TenantID    string          `json:"tenant_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	NotBefore   time.Time       `json:"not_before,omitempty"`
}

// Enqueue admits and stores a task. A cooled-down or, when configured,
// at-capacity tenant gets a *sessions.RejectedError and no task is created.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (queue.Task, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Kind = strings.TrimSpace(req.Kind)
	if req.TenantID == "" {
		return queue.Task{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}
	if req.Kind == "" {
		return queue.Task{}, fmt.Errorf("%w: kind is required", ErrInvalidRequest)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return queue.Task{}, fmt.Errorf("%w: payload must be valid json", ErrInvalidRequest)
	}
	if req.MaxAttempts < 0 {
		return queue.Task{}, fmt.Errorf("%w: max_attempts must be positive", ErrInvalidRequest)
	}
	if req.Priority == 0 {
		req.Priority = queue.PriorityNormal
	}

	if err := s.admit(ctx, req.TenantID); err != nil {
		return queue.Task{}, err
	}

	task, err := s.tasks.Enqueue(ctx, queue.NewTask{
		TenantID:    req.TenantID,
		Kind:        req.Kind,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		NotBefore:   req.NotBefore,
	})
	if err != nil {
		return queue.Task{}, fmt.Errorf("enqueue task: %w", err)
	}

	s.logger.Printf("task enqueued task_id=%s tenant_id=%s kind=%s priority=%d", task.ID, task.TenantID, task.Kind, task.Priority)
	s.events.Publish(ctx, events.Event{
		Type:     events.TypeTaskEnqueued,
		TenantID: task.TenantID,
		TaskID:   task.ID,
		Attributes: map[string]string{
			"kind":     task.Kind,
			"priority": strconv.Itoa(task.Priority),
		},
	})
	return task, nil
}

func (s *Service) admit(ctx context.Context, tenantID string) error {
	if s.sessions == nil {
		return nil
	}
	err := s.sessions.CheckAvailable(ctx, tenantID)
	if err == nil {
		return nil
	}
	var rejected *sessions.RejectedError
	if !errors.As(err, &rejected) {
		return fmt.Errorf("check admission: %w", err)
	}
	if rejected.Reason == sessions.ReasonCapacity && !s.rejectAtCapacity {
		return nil
	}
	s.logger.Printf("enqueue rejected tenant_id=%s reason=%s", tenantID, rejected.Reason)
	return err
}

// TaskStatus is what a polling caller sees for one task.
type TaskStatus struct {
	TaskID       string          `json:"task_id"`
	TenantID     string          `json:"tenant_id"`
	Kind         string          `json:"kind"`
	Status       queue.Status    `json:"status"`
	ProgressStep string          `json:"progress_step,omitempty"`
	Error        string          `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	NotBefore    time.Time       `json:"not_before"`
	SessionID    string          `json:"session_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func taskStatus(task queue.Task) TaskStatus {
	return TaskStatus{
		TaskID:       task.ID,
		TenantID:     task.TenantID,
		Kind:         task.Kind,
		Status:       task.Status,
		ProgressStep: task.ProgressStep,
		Error:        task.LastError(),
		AttemptCount: task.AttemptCount,
		MaxAttempts:  task.MaxAttempts,
		NotBefore:    task.NotBefore,
		SessionID:    task.AssignedSessionID,
		Result:       task.Result,
		UpdatedAt:    task.UpdatedAt,
	}
}

func (s *Service) GetStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return TaskStatus{}, err
	}
	return taskStatus(task), nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (queue.Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return queue.Task{}, fmt.Errorf("%w: task id is required", ErrInvalidRequest)
	}
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return queue.Task{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
		}
		return queue.Task{}, err
	}
	return task, nil
}

func (s *Service) ListTasks(ctx context.Context, filter queue.Filter) ([]TaskStatus, error) {
	tasks, err := s.tasks.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]TaskStatus, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskStatus(task))
	}
	return out, nil
}

// TenantStatus summarizes one tenant for dashboards.
type TenantStatus struct {
	TenantID         string               `json:"tenant_id"`
	CoolingDown      bool                 `json:"cooling_down"`
	CooldownUntil    *time.Time           `json:"cooldown_until,omitempty"`
	CooldownReason   string               `json:"cooldown_reason,omitempty"`
	RateLimitStrikes int                  `json:"rate_limit_strikes"`
	Sessions         sessions.Usage       `json:"sessions"`
	Tasks            map[queue.Status]int `json:"tasks"`
}

func (s *Service) TenantStatus(ctx context.Context, tenantID string) (TenantStatus, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return TenantStatus{}, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	entry, err := s.ledger.Get(ctx, tenantID)
	if err != nil {
		return TenantStatus{}, fmt.Errorf("read cooldown: %w", err)
	}
	counts, err := s.tasks.CountByStatus(ctx, tenantID)
	if err != nil {
		return TenantStatus{}, fmt.Errorf("count tasks: %w", err)
	}

	out := TenantStatus{
		TenantID:         tenantID,
		RateLimitStrikes: entry.RateLimitStrikes,
		Tasks:            counts,
	}
	if entry.Active(s.now()) {
		until := entry.Until
		out.CoolingDown = true
		out.CooldownUntil = &until
		out.CooldownReason = entry.Reason
	}
	if s.sessions != nil {
		out.Sessions = s.sessions.Usage(tenantID)
	}
	return out, nil
}

// ListSessions returns live sessions, or persisted history including
// disposed sessions when includeDisposed is set.
func (s *Service) ListSessions(ctx context.Context, tenantID string, includeDisposed bool, limit int) ([]sessions.Record, error) {
	if s.sessions == nil {
		return []sessions.Record{}, nil
	}
	tenantID = strings.TrimSpace(tenantID)
	if !includeDisposed {
		return s.sessions.Sessions(tenantID), nil
	}
	records, err := s.sessions.History(ctx, sessions.ListFilter{TenantID: tenantID, IncludeDisposed: true, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list session history: %w", err)
	}
	return records, nil
}

// Cooldowns lists tenants currently cooling down.
func (s *Service) Cooldowns(ctx context.Context) ([]cooldown.Entry, error) {
	entries, err := s.ledger.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cooldowns: %w", err)
	}
	return entries, nil
}
