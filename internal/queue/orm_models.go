package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

type taskRow struct {
	ID                string     `gorm:"primaryKey;size:64"`
	TenantID          string     `gorm:"size:191;not null;index:idx_tasks_tenant"`
	Kind              string     `gorm:"size:191;not null"`
	Status            string     `gorm:"size:32;not null;index:idx_tasks_claim,priority:1"`
	Priority          int        `gorm:"not null;index:idx_tasks_claim,priority:2"`
	AttemptCount      int        `gorm:"not null;default:0"`
	MaxAttempts       int        `gorm:"not null"`
	AssignedSessionID string     `gorm:"size:64"`
	NotBefore         time.Time  `gorm:"not null;index:idx_tasks_claim,priority:3"`
	ProgressStep      string     `gorm:"size:512"`
	PayloadJSON       string     `gorm:"type:text"`
	ErrorHistoryJSON  string     `gorm:"type:text"`
	ResultJSON        string     `gorm:"type:text"`
	CreatedAt         time.Time  `gorm:"not null"`
	UpdatedAt         time.Time  `gorm:"not null"`
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

func (taskRow) TableName() string {
	return "tasks"
}

func (r taskRow) toTask() (Task, error) {
	task := Task{
		ID:                r.ID,
		TenantID:          r.TenantID,
		Kind:              r.Kind,
		Status:            Status(r.Status),
		Priority:          r.Priority,
		AttemptCount:      r.AttemptCount,
		MaxAttempts:       r.MaxAttempts,
		AssignedSessionID: r.AssignedSessionID,
		NotBefore:         r.NotBefore.UTC(),
		ProgressStep:      r.ProgressStep,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
		ErrorHistory:      []ErrorEntry{},
	}
	if r.PayloadJSON != "" {
		task.Payload = json.RawMessage(r.PayloadJSON)
	}
	if r.ResultJSON != "" {
		task.Result = json.RawMessage(r.ResultJSON)
	}
	if r.ErrorHistoryJSON != "" {
		if err := json.Unmarshal([]byte(r.ErrorHistoryJSON), &task.ErrorHistory); err != nil {
			return Task{}, fmt.Errorf("decode error history for task %s: %w", r.ID, err)
		}
	}
	if r.StartedAt != nil {
		task.StartedAt = r.StartedAt.UTC()
	}
	if r.FinishedAt != nil {
		task.FinishedAt = r.FinishedAt.UTC()
	}
	return task, nil
}

func taskRowFromTask(t Task) (taskRow, error) {
	history, err := json.Marshal(t.ErrorHistory)
	if err != nil {
		return taskRow{}, fmt.Errorf("encode error history: %w", err)
	}
	return taskRow{
		ID:                t.ID,
		TenantID:          t.TenantID,
		Kind:              t.Kind,
		Status:            string(t.Status),
		Priority:          t.Priority,
		AttemptCount:      t.AttemptCount,
		MaxAttempts:       t.MaxAttempts,
		AssignedSessionID: t.AssignedSessionID,
		NotBefore:         t.NotBefore.UTC(),
		ProgressStep:      t.ProgressStep,
		PayloadJSON:       string(t.Payload),
		ErrorHistoryJSON:  string(history),
		ResultJSON:        string(t.Result),
		CreatedAt:         t.CreatedAt.UTC(),
		UpdatedAt:         t.UpdatedAt.UTC(),
		StartedAt:         optionalTime(t.StartedAt),
		FinishedAt:        optionalTime(t.FinishedAt),
	}, nil
}

// mutableColumns is the column set rewritten by a state transition.
func mutableColumns(r taskRow) map[string]any {
	return map[string]any{
		"status":              r.Status,
		"attempt_count":       r.AttemptCount,
		"assigned_session_id": r.AssignedSessionID,
		"not_before":          r.NotBefore,
		"progress_step":       r.ProgressStep,
		"error_history_json":  r.ErrorHistoryJSON,
		"result_json":         r.ResultJSON,
		"updated_at":          r.UpdatedAt,
		"started_at":          r.StartedAt,
		"finished_at":         r.FinishedAt,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
