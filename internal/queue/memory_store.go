package queue

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"applyq.local/applyq/internal/ids"
)

type MemoryStore struct {
	mu     sync.Mutex
	opts   Options
	tasks  map[string]*memoryTask
	seq    int64
	closed bool
	now    func() time.Time
}

type memoryTask struct {
	task Task
	seq  int64
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:  opts.withDefaults(),
		tasks: make(map[string]*memoryTask),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, req NewTask) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Task{}, ErrClosed
	}

	task, err := newTaskFromRequest(ids.NewPrefixed("task"), req, s.opts, s.now())
	if err != nil {
		return Task{}, err
	}
	s.seq++
	s.tasks[task.ID] = &memoryTask{task: task, seq: s.seq}
	return cloneTask(task), nil
}

func (s *MemoryStore) ClaimBatch(_ context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		return []Task{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := s.now()
	candidates := make([]*memoryTask, 0)
	for _, entry := range s.tasks {
		if entry.task.Status == StatusRetrying && !entry.task.NotBefore.After(now) {
			entry.task.Status = StatusPending
			entry.task.UpdatedAt = now
		}
		if entry.task.Status == StatusPending && !entry.task.NotBefore.After(now) {
			candidates = append(candidates, entry)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.task.Priority != b.task.Priority {
			return a.task.Priority > b.task.Priority
		}
		if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
			return a.task.CreatedAt.Before(b.task.CreatedAt)
		}
		return a.seq < b.seq
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]Task, 0, len(candidates))
	for _, entry := range candidates {
		entry.task = applyClaim(entry.task, now)
		out = append(out, cloneTask(entry.task))
	}
	return out, nil
}

func (s *MemoryStore) AssignSession(_ context.Context, id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if entry.task.Status != StatusProcessing {
		return errNotProcessing(entry.task)
	}
	entry.task.AssignedSessionID = strings.TrimSpace(sessionID)
	entry.task.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if entry.task.Status != StatusProcessing {
		return errNotProcessing(entry.task)
	}
	entry.task.ProgressStep = strings.TrimSpace(step)
	entry.task.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string, result json.RawMessage) (Task, error) {
	return s.transition(id, StatusCompleted, func(t Task, now time.Time) Task {
		return applyCompleted(t, result, now)
	})
}

func (s *MemoryStore) MarkRetrying(_ context.Context, id string, retry Retry) (Task, error) {
	return s.transition(id, StatusRetrying, func(t Task, now time.Time) Task {
		return applyRetry(t, retry, now, s.opts.HistoryLimit)
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, message string) (Task, error) {
	return s.transition(id, StatusFailed, func(t Task, now time.Time) Task {
		return applyFailed(t, message, now, s.opts.HistoryLimit)
	})
}

func (s *MemoryStore) transition(id string, to Status, apply func(Task, time.Time) Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.lookupLocked(id)
	if err != nil {
		return Task{}, err
	}
	if err := requireStatus(entry.task, to); err != nil {
		return Task{}, err
	}
	entry.task = apply(entry.task, s.now())
	return cloneTask(entry.task), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.lookupLocked(id)
	if err != nil {
		return Task{}, err
	}
	return cloneTask(entry.task), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	entries := make([]*memoryTask, 0, len(s.tasks))
	for _, entry := range s.tasks {
		if filter.TenantID != "" && entry.task.TenantID != filter.TenantID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, entry.task.Status) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}

	out := make([]Task, 0, len(entries))
	for _, entry := range entries {
		out = append(out, cloneTask(entry.task))
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, tenantID string) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make(map[Status]int)
	for _, entry := range s.tasks {
		if tenantID != "" && entry.task.TenantID != tenantID {
			continue
		}
		out[entry.task.Status]++
	}
	return out, nil
}

func (s *MemoryStore) RecoverOrphaned(_ context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := s.now()
	out := make([]Task, 0)
	for _, entry := range s.tasks {
		if entry.task.Status != StatusProcessing {
			continue
		}
		entry.task = applyRetry(entry.task, Retry{NotBefore: now, Message: orphanRecoveredMessage}, now, s.opts.HistoryLimit)
		out = append(out, cloneTask(entry.task))
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) lookupLocked(id string) (*memoryTask, error) {
	if s.closed {
		return nil, ErrClosed
	}
	entry, ok := s.tasks[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

func containsStatus(statuses []Status, status Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
